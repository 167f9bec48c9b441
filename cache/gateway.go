// Package cache implements the named-map key/value gateway backing the
// orchestration fabric. Maps are realized as key prefixes on a
// Redis-compatible store, every operation takes a per-call TTL where
// applicable, and PutIfAbsent is the only atomicity primitive offered.
//
// Failure model: operations surface ErrUnavailable or ErrTimeout for
// transient infrastructure trouble (retryable by the caller's policy) and
// report a lost PutIfAbsent race through the stored return value, which is
// never retryable.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrUnavailable marks transient store trouble; callers may retry.
	ErrUnavailable = errors.New("cache unavailable")

	// ErrTimeout marks a per-call deadline expiry; callers may retry.
	ErrTimeout = errors.New("cache operation timed out")
)

// Entry is one key/value pair returned by GetAllEntries.
type Entry struct {
	Key   string
	Value []byte
}

// Gateway is the named-map store contract used by every fabric component.
// All methods are safe for concurrent use.
type Gateway interface {
	// Get returns the value at (mapName, key). found is false when absent.
	Get(ctx context.Context, mapName, key string) (value []byte, found bool, err error)

	// Set writes the value with the given TTL. A zero TTL means no expiry.
	Set(ctx context.Context, mapName, key string, value []byte, ttl time.Duration) error

	// PutIfAbsent atomically writes the value iff the key is absent.
	// stored is true when the write happened; otherwise prior holds the
	// existing value. A lost race is never retryable.
	PutIfAbsent(ctx context.Context, mapName, key string, value []byte, ttl time.Duration) (stored bool, prior []byte, err error)

	// Remove deletes the key. Removing an absent key is a no-op.
	Remove(ctx context.Context, mapName, key string) error

	// Exists reports whether the key is present.
	Exists(ctx context.Context, mapName, key string) (bool, error)

	// GetAllEntries returns every entry of the map.
	GetAllEntries(ctx context.Context, mapName string) ([]Entry, error)
}

// RedisGateway implements Gateway on a Redis-compatible server.
type RedisGateway struct {
	client  *redis.Client
	timeout time.Duration
}

// Options configures a RedisGateway.
type Options struct {
	Addr     string
	Password string
	DB       int

	// OperationTimeout bounds every call; defaults to 5s when zero.
	OperationTimeout time.Duration
}

// NewRedisGateway connects to the store and verifies the connection.
func NewRedisGateway(ctx context.Context, opts Options) (*RedisGateway, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to cache at %s: %w", opts.Addr, err)
	}

	timeout := opts.OperationTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &RedisGateway{client: client, timeout: timeout}, nil
}

// NewRedisGatewayFromClient wraps an existing client; used by tests that run
// against miniredis.
func NewRedisGatewayFromClient(client *redis.Client, timeout time.Duration) *RedisGateway {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &RedisGateway{client: client, timeout: timeout}
}

// Close releases the underlying connection pool.
func (g *RedisGateway) Close() error {
	return g.client.Close()
}

// entryKey composes the physical key for a map entry.
func entryKey(mapName, key string) string {
	return mapName + ":" + key
}

// Get returns the value at (mapName, key).
func (g *RedisGateway) Get(ctx context.Context, mapName, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	value, err := g.client.Get(ctx, entryKey(mapName, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapError("get", mapName, key, err)
	}
	return value, true, nil
}

// Set writes the value with the given TTL.
func (g *RedisGateway) Set(ctx context.Context, mapName, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.client.Set(ctx, entryKey(mapName, key), value, ttl).Err(); err != nil {
		return mapError("set", mapName, key, err)
	}
	return nil
}

// PutIfAbsent atomically writes the value iff the key is absent. SETNX
// guarantees exactly one concurrent writer wins; the prior value is read
// best-effort for the losers.
func (g *RedisGateway) PutIfAbsent(ctx context.Context, mapName, key string, value []byte, ttl time.Duration) (bool, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	stored, err := g.client.SetNX(ctx, entryKey(mapName, key), value, ttl).Result()
	if err != nil {
		return false, nil, mapError("putifabsent", mapName, key, err)
	}
	if stored {
		return true, nil, nil
	}

	prior, err := g.client.Get(ctx, entryKey(mapName, key)).Bytes()
	if err == redis.Nil {
		// The winner's entry expired between SETNX and GET.
		return false, nil, nil
	}
	if err != nil {
		return false, nil, mapError("putifabsent", mapName, key, err)
	}
	return false, prior, nil
}

// Remove deletes the key; absent keys are a no-op.
func (g *RedisGateway) Remove(ctx context.Context, mapName, key string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.client.Del(ctx, entryKey(mapName, key)).Err(); err != nil {
		return mapError("remove", mapName, key, err)
	}
	return nil
}

// Exists reports whether the key is present.
func (g *RedisGateway) Exists(ctx context.Context, mapName, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	n, err := g.client.Exists(ctx, entryKey(mapName, key)).Result()
	if err != nil {
		return false, mapError("exists", mapName, key, err)
	}
	return n > 0, nil
}

// GetAllEntries scans the map prefix and returns every entry. Entries deleted
// between the scan and the value fetch are skipped.
func (g *RedisGateway) GetAllEntries(ctx context.Context, mapName string) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	prefix := mapName + ":"
	var entries []Entry
	iter := g.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		physical := iter.Val()
		value, err := g.client.Get(ctx, physical).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, mapError("getallentries", mapName, physical, err)
		}
		entries = append(entries, Entry{
			Key:   physical[len(prefix):],
			Value: value,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, mapError("getallentries", mapName, "*", err)
	}
	return entries, nil
}

// mapError classifies infrastructure failures into the gateway error kinds.
func mapError(op, mapName, key string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s %s/%s: %w", op, mapName, key, ErrTimeout)
	case isNetworkError(err):
		return fmt.Errorf("%s %s/%s: %w: %v", op, mapName, key, ErrUnavailable, err)
	default:
		return fmt.Errorf("%s %s/%s: %w", op, mapName, key, err)
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
