package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// HealthEntry is one processor instance's liveness record. Entries carry a
// TTL and are last-writer-wins: whichever instance of a composite key wrote
// last represents the processor.
type HealthEntry struct {
	ProcessorKey string    `json:"processorKey"`
	InstanceID   string    `json:"instanceId"`
	Status       string    `json:"status"`
	ReportedAt   time.Time `json:"reportedAt"`
}

// HealthStatusHealthy is the status value written by live processor hosts.
const HealthStatusHealthy = "healthy"

// PutHealth writes a processor health entry with the given TTL.
func PutHealth(ctx context.Context, gw Gateway, mapName string, entry HealthEntry, ttl time.Duration) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal health entry: %w", err)
	}
	return gw.Set(ctx, mapName, entry.ProcessorKey, body, ttl)
}

// GetHealth reads a processor's health entry. found is false once the entry
// has expired or was never written.
func GetHealth(ctx context.Context, gw Gateway, mapName, processorKey string) (*HealthEntry, bool, error) {
	body, found, err := gw.Get(ctx, mapName, processorKey)
	if err != nil || !found {
		return nil, false, err
	}
	var entry HealthEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, false, fmt.Errorf("failed to decode health entry for %s: %w", processorKey, err)
	}
	return &entry, true, nil
}
