package processor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"fabric.evalgo.org/cache"
	"fabric.evalgo.org/common"
)

// HealthReporter keeps one processor instance's liveness entry alive. The
// entry's TTL exceeds the report interval so a single missed beat does not
// flap the processor unhealthy.
type HealthReporter struct {
	store        cache.Gateway
	mapName      string
	processorKey string
	instanceID   string
	interval     time.Duration
	ttl          time.Duration
	logger       *logrus.Entry
}

// NewHealthReporter builds a reporter for one instance of a composite key.
func NewHealthReporter(store cache.Gateway, mapName, processorKey, instanceID string, interval, ttl time.Duration, logger *logrus.Logger) *HealthReporter {
	if logger == nil {
		logger = common.Logger
	}
	return &HealthReporter{
		store:        store,
		mapName:      mapName,
		processorKey: processorKey,
		instanceID:   instanceID,
		interval:     interval,
		ttl:          ttl,
		logger: logger.WithFields(logrus.Fields{
			"component": "health-reporter",
			"processor": processorKey,
			"instance":  instanceID,
		}),
	}
}

// Run reports immediately and then on every interval until the context is
// done. Report failures are logged and retried on the next beat.
func (h *HealthReporter) Run(ctx context.Context) error {
	h.report(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.report(ctx)
		}
	}
}

func (h *HealthReporter) report(ctx context.Context) {
	entry := cache.HealthEntry{
		ProcessorKey: h.processorKey,
		InstanceID:   h.instanceID,
		Status:       cache.HealthStatusHealthy,
		ReportedAt:   time.Now().UTC(),
	}
	if err := cache.PutHealth(ctx, h.store, h.mapName, entry, h.ttl); err != nil {
		h.logger.WithError(err).Warn("failed to report health")
	}
}

// ClaimFile registers a path exactly once across all instances of a
// processor. The winner returns true and should process the file; losers
// skip it.
func ClaimFile(ctx context.Context, store cache.Gateway, mapName, path, instanceID string, ttl time.Duration) (bool, error) {
	stored, _, err := store.PutIfAbsent(ctx, mapName, cache.FileRegistrationKey(path), []byte(instanceID), ttl)
	if err != nil {
		return false, err
	}
	return stored, nil
}
