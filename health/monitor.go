// Package health evaluates processor liveness from the TTL-bound entries the
// processor hosts publish. A processor is healthy iff a live entry exists and
// reports the healthy status; an expired entry means the processor is gone.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"fabric.evalgo.org/cache"
	"fabric.evalgo.org/common"
)

// ErrProcessorUnhealthy marks a flow-start gate rejection. The message names
// every offending composite key.
var ErrProcessorUnhealthy = errors.New("processor unhealthy")

// Monitor reads the processor-health map.
type Monitor struct {
	store   cache.Gateway
	mapName string
	logger  *logrus.Entry
}

// NewMonitor builds a monitor over the given map.
func NewMonitor(store cache.Gateway, mapName string, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = common.Logger
	}
	return &Monitor{
		store:   store,
		mapName: mapName,
		logger:  logger.WithField("component", "health-monitor"),
	}
}

// IsHealthy reports whether the processor with the given composite key has a
// live, healthy entry.
func (m *Monitor) IsHealthy(ctx context.Context, processorKey string) (bool, error) {
	entry, found, err := cache.GetHealth(ctx, m.store, m.mapName, processorKey)
	if err != nil {
		return false, err
	}
	return found && entry.Status == cache.HealthStatusHealthy, nil
}

// RequireHealthy gates a flow start: every named processor must be healthy or
// the whole start is refused with ErrProcessorUnhealthy.
func (m *Monitor) RequireHealthy(ctx context.Context, processorKeys []string) error {
	var unhealthy []string
	for _, key := range processorKeys {
		healthy, err := m.IsHealthy(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to check health of %s: %w", key, err)
		}
		if !healthy {
			unhealthy = append(unhealthy, key)
		}
	}
	if len(unhealthy) > 0 {
		return fmt.Errorf("%w: %s", ErrProcessorUnhealthy, strings.Join(unhealthy, ", "))
	}
	return nil
}

// Snapshot returns every live health entry. Corrupt entries are skipped with
// a warning.
func (m *Monitor) Snapshot(ctx context.Context) ([]cache.HealthEntry, error) {
	raw, err := m.store.GetAllEntries(ctx, m.mapName)
	if err != nil {
		return nil, fmt.Errorf("failed to list health entries: %w", err)
	}

	entries := make([]cache.HealthEntry, 0, len(raw))
	for _, item := range raw {
		var entry cache.HealthEntry
		if err := json.Unmarshal(item.Value, &entry); err != nil {
			m.logger.WithField("key", item.Key).WithError(err).Warn("skipping corrupt health entry")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
