package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RegistryKey is the single Redis hash holding every agent record.
const RegistryKey = "acgs2:registry:agents"

// RedisRegistry is the distributed registry backend: one Redis hash keyed by
// agent id, JSON values, HSETNX for insert-only registration. N bus
// instances share the same hash.
type RedisRegistry struct {
	rdb *redis.Client
}

// NewRedisRegistry connects to Redis and verifies connectivity. The pool and
// socket timeouts are fixed: distributed-registry operations must not hang a
// send path longer than 5s.
func NewRedisRegistry(redisURL string) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = 20
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 5 * time.Second
	opts.WriteTimeout = 5 * time.Second

	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisRegistry{rdb: rdb}, nil
}

// NewRedisRegistryFromClient wraps an existing client. Used by tests.
func NewRedisRegistryFromClient(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{rdb: rdb}
}

// Close releases the connection pool.
func (r *RedisRegistry) Close() error { return r.rdb.Close() }

// Client exposes the underlying Redis client so co-located components
// (transport, vote collector) can share the pool.
func (r *RedisRegistry) Client() *redis.Client { return r.rdb }

// Register inserts a record with HSETNX. Returns false when the id already
// exists on any instance; the stored record is untouched.
func (r *RedisRegistry) Register(ctx context.Context, record *AgentRecord) (bool, error) {
	stored := record.clone()
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = time.Now().UTC()
	}
	raw, err := encodeRecord(stored)
	if err != nil {
		return false, fmt.Errorf("encode agent record: %w", err)
	}
	inserted, err := r.rdb.HSetNX(ctx, RegistryKey, record.AgentID, raw).Result()
	if err != nil {
		return false, fmt.Errorf("register agent %s: %w", record.AgentID, err)
	}
	return inserted, nil
}

// Unregister removes a record, reporting whether one existed.
func (r *RedisRegistry) Unregister(ctx context.Context, agentID string) (bool, error) {
	removed, err := r.rdb.HDel(ctx, RegistryKey, agentID).Result()
	if err != nil {
		return false, fmt.Errorf("unregister agent %s: %w", agentID, err)
	}
	return removed > 0, nil
}

// Get fetches and decodes a record, or returns nil when absent.
func (r *RedisRegistry) Get(ctx context.Context, agentID string) (*AgentRecord, error) {
	raw, err := r.rdb.HGet(ctx, RegistryKey, agentID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return decodeRecord(raw)
}

// ListAgents fetches every record in the hash.
func (r *RedisRegistry) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	values, err := r.rdb.HGetAll(ctx, RegistryKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	out := make([]*AgentRecord, 0, len(values))
	for id, raw := range values {
		record, err := decodeRecord([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode agent %s: %w", id, err)
		}
		out = append(out, record)
	}
	return out, nil
}

// Exists reports whether an id is registered.
func (r *RedisRegistry) Exists(ctx context.Context, agentID string) (bool, error) {
	ok, err := r.rdb.HExists(ctx, RegistryKey, agentID).Result()
	if err != nil {
		return false, fmt.Errorf("exists agent %s: %w", agentID, err)
	}
	return ok, nil
}

// UpdateMetadata read-merge-writes a record's metadata. Last writer wins on
// concurrent updates; registration itself stays atomic via HSETNX.
func (r *RedisRegistry) UpdateMetadata(ctx context.Context, agentID string, metadata map[string]interface{}) (bool, error) {
	record, err := r.Get(ctx, agentID)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, nil
	}
	if record.Metadata == nil {
		record.Metadata = make(map[string]interface{}, len(metadata))
	}
	deepMerge(record.Metadata, metadata)
	raw, err := encodeRecord(record)
	if err != nil {
		return false, fmt.Errorf("encode agent record: %w", err)
	}
	if err := r.rdb.HSet(ctx, RegistryKey, agentID, raw).Err(); err != nil {
		return false, fmt.Errorf("update agent %s: %w", agentID, err)
	}
	return true, nil
}
