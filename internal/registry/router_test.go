package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acgs/agentbus/internal/model"
)

func seedRegistry(t *testing.T) *InMemoryRegistry {
	t.Helper()
	reg := NewInMemoryRegistry()
	ctx := context.Background()
	records := []*AgentRecord{
		{AgentID: "acme-worker", TenantID: "acme", Capabilities: []string{"compute", "storage"}},
		{AgentID: "acme-scout", TenantID: "acme", Capabilities: []string{"search"}},
		{AgentID: "globex-worker", TenantID: "globex", Capabilities: []string{"compute", "storage"}},
		{AgentID: "shared", Capabilities: []string{"audit"}},
	}
	for _, r := range records {
		ok, err := reg.Register(ctx, r)
		require.NoError(t, err)
		require.True(t, ok)
	}
	return reg
}

func TestDirectRouter(t *testing.T) {
	router := NewDirectRouter(seedRegistry(t))
	ctx := context.Background()

	msg := model.NewMessage("acme-scout", "acme-worker", model.TypeCommand)
	msg.TenantID = "acme"
	target, err := router.Route(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "acme-worker", target)

	// Tenant comparison runs over normalized ids.
	msg.TenantID = "  ACME "
	_, err = router.Route(ctx, msg)
	assert.NoError(t, err)

	// Cross-tenant routing refused.
	msg.TenantID = "globex"
	_, err = router.Route(ctx, msg)
	assert.ErrorContains(t, err, "tenant mismatch")

	// Unknown target.
	ghost := model.NewMessage("acme-scout", "ghost", model.TypeCommand)
	_, err = router.Route(ctx, ghost)
	assert.ErrorContains(t, err, "not registered")

	// Missing target.
	empty := model.NewMessage("acme-scout", "", model.TypeCommand)
	_, err = router.Route(ctx, empty)
	assert.Error(t, err)
}

func TestCapabilityRouter(t *testing.T) {
	router := NewCapabilityRouter(seedRegistry(t))
	ctx := context.Background()

	msg := model.NewMessage("acme-scout", "", model.TypeTaskRequest)
	msg.TenantID = "acme"
	msg.Content["required_capabilities"] = []interface{}{"compute", "storage"}
	target, err := router.Route(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "acme-worker", target, "globex-worker matches but sits in another tenant")

	// The sender never routes to itself.
	self := model.NewMessage("acme-scout", "", model.TypeTaskRequest)
	self.TenantID = "acme"
	self.Content["required_capabilities"] = []string{"search"}
	_, err = router.Route(ctx, self)
	assert.Error(t, err)

	// No capability declaration.
	bare := model.NewMessage("acme-scout", "", model.TypeTaskRequest)
	_, err = router.Route(ctx, bare)
	assert.Error(t, err)
}

func TestBroadcastTargets(t *testing.T) {
	reg := seedRegistry(t)
	ctx := context.Background()

	targets, err := BroadcastTargets(ctx, reg, "acme-scout", "acme")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acme-worker"}, targets)

	// No tenant: everyone except the sender and exclusions.
	targets, err = BroadcastTargets(ctx, reg, "shared", "", "globex-worker")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acme-worker", "acme-scout"}, targets)
}
