package registry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisRegistry(t *testing.T) *RedisRegistry {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisRegistryFromClient(rdb)
}

func TestRedisRegistryRoundTrip(t *testing.T) {
	reg := newMiniredisRegistry(t)
	ctx := context.Background()

	ok, err := reg.Register(ctx, &AgentRecord{
		AgentID:      "a",
		AgentType:    "worker",
		Capabilities: []string{"compute"},
		TenantID:     "acme",
		MACIRole:     "executive",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// HSETNX: second writer loses.
	ok, err = reg.Register(ctx, &AgentRecord{AgentID: "a", AgentType: "impostor"})
	require.NoError(t, err)
	assert.False(t, ok)

	record, err := reg.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "worker", record.AgentType)
	assert.Equal(t, "executive", record.MACIRole)

	exists, err := reg.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, exists)

	missing, err := reg.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRedisRegistryUnregister(t *testing.T) {
	reg := newMiniredisRegistry(t)
	ctx := context.Background()
	_, _ = reg.Register(ctx, &AgentRecord{AgentID: "a"})

	ok, err := reg.Unregister(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.Unregister(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisRegistryListAndMetadata(t *testing.T) {
	reg := newMiniredisRegistry(t)
	ctx := context.Background()
	_, _ = reg.Register(ctx, &AgentRecord{AgentID: "a", Metadata: map[string]interface{}{"zone": "us-east"}})
	_, _ = reg.Register(ctx, &AgentRecord{AgentID: "b"})

	agents, err := reg.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 2)

	ok, err := reg.UpdateMetadata(ctx, "a", map[string]interface{}{"owner": "platform"})
	require.NoError(t, err)
	assert.True(t, ok)

	record, _ := reg.Get(ctx, "a")
	assert.Equal(t, "us-east", record.Metadata["zone"])
	assert.Equal(t, "platform", record.Metadata["owner"])

	ok, err = reg.UpdateMetadata(ctx, "ghost", map[string]interface{}{"k": 1})
	require.NoError(t, err)
	assert.False(t, ok)
}
