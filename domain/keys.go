package domain

import "github.com/google/uuid"

// EntityID/CompositeKey give every persisted entity a uniform identity for
// the storage layer. A composite key of "" means the entity has no natural
// key beyond its ID and duplicate-key checks do not apply.

func (s Schema) EntityID() uuid.UUID { return s.ID }

func (s Schema) CompositeKey() string { return s.Version + ":" + s.Name }

func (a Address) EntityID() uuid.UUID { return a.ID }

func (a Address) CompositeKey() string { return a.ConnectionString }

func (d Delivery) EntityID() uuid.UUID { return d.ID }

func (d Delivery) CompositeKey() string { return d.Version + ":" + d.Name }

func (p Processor) EntityID() uuid.UUID { return p.ID }

func (s Step) EntityID() uuid.UUID { return s.ID }

func (s Step) CompositeKey() string { return "" }

func (w Workflow) EntityID() uuid.UUID { return w.ID }

func (w Workflow) CompositeKey() string { return w.Version + ":" + w.Name }

func (f OrchestratedFlow) EntityID() uuid.UUID { return f.ID }

func (f OrchestratedFlow) CompositeKey() string { return "" }

func (a Assignment) EntityID() uuid.UUID { return a.ID }

func (a Assignment) CompositeKey() string { return "" }
