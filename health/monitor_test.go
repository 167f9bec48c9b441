package health

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabric.evalgo.org/cache"
)

const testHealthMap = "processor-health"

func newTestMonitor(t *testing.T) (*Monitor, cache.Gateway, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	gateway := cache.NewRedisGatewayFromClient(client, time.Second)
	return NewMonitor(gateway, testHealthMap, nil), gateway, mr
}

func report(t *testing.T, gateway cache.Gateway, key, status string, ttl time.Duration) {
	t.Helper()
	err := cache.PutHealth(context.Background(), gateway, testHealthMap, cache.HealthEntry{
		ProcessorKey: key,
		InstanceID:   "instance-1",
		Status:       status,
		ReportedAt:   time.Now().UTC(),
	}, ttl)
	require.NoError(t, err)
}

func TestMonitor_IsHealthy(t *testing.T) {
	monitor, gateway, mr := newTestMonitor(t)

	report(t, gateway, "1.0:csv-reader", cache.HealthStatusHealthy, time.Minute)
	report(t, gateway, "1.0:broken", "degraded", time.Minute)

	healthy, err := monitor.IsHealthy(context.Background(), "1.0:csv-reader")
	require.NoError(t, err)
	assert.True(t, healthy)

	healthy, err = monitor.IsHealthy(context.Background(), "1.0:broken")
	require.NoError(t, err)
	assert.False(t, healthy)

	healthy, err = monitor.IsHealthy(context.Background(), "1.0:never-seen")
	require.NoError(t, err)
	assert.False(t, healthy)

	// expiry makes the processor unhealthy again
	mr.FastForward(2 * time.Minute)
	healthy, err = monitor.IsHealthy(context.Background(), "1.0:csv-reader")
	require.NoError(t, err)
	assert.False(t, healthy)
}

func TestMonitor_RequireHealthy(t *testing.T) {
	monitor, gateway, _ := newTestMonitor(t)

	report(t, gateway, "1.0:a", cache.HealthStatusHealthy, time.Minute)
	report(t, gateway, "1.0:b", cache.HealthStatusHealthy, time.Minute)

	assert.NoError(t, monitor.RequireHealthy(context.Background(), []string{"1.0:a", "1.0:b"}))

	err := monitor.RequireHealthy(context.Background(), []string{"1.0:a", "1.0:missing"})
	require.ErrorIs(t, err, ErrProcessorUnhealthy)
	assert.Contains(t, err.Error(), "1.0:missing")
}

func TestMonitor_Snapshot(t *testing.T) {
	monitor, gateway, _ := newTestMonitor(t)

	report(t, gateway, "1.0:a", cache.HealthStatusHealthy, time.Minute)
	report(t, gateway, "2.0:b", cache.HealthStatusHealthy, time.Minute)

	// a corrupt entry must not break the snapshot
	require.NoError(t, gateway.Set(context.Background(), testHealthMap, "3.0:corrupt", []byte("not json"), time.Minute))

	entries, err := monitor.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	keys := []string{entries[0].ProcessorKey, entries[1].ProcessorKey}
	assert.ElementsMatch(t, []string{"1.0:a", "2.0:b"}, keys)
}
