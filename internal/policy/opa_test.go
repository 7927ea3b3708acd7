package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acgs/agentbus/internal/model"
)

func TestOPAEvaluatorDefaultGovernancePolicy(t *testing.T) {
	e := NewOPAEvaluator()
	ctx := context.Background()
	require.NoError(t, e.LoadPolicy(ctx, "agentbus/governance", DefaultGovernancePolicy, "1.0.0"))
	assert.Equal(t, []string{"agentbus/governance"}, e.Loaded())

	allowed, err := e.Evaluate(ctx, map[string]interface{}{
		"constitutional_hash": model.ConstitutionalHash,
	}, "agentbus/governance")
	require.NoError(t, err)
	assert.True(t, allowed.Allow)
	assert.Equal(t, "1.0.0", allowed.PolicyVersion)

	denied, err := e.Evaluate(ctx, map[string]interface{}{
		"constitutional_hash": "ffffffffffffffff",
	}, "agentbus/governance")
	require.NoError(t, err)
	assert.False(t, denied.Allow)
	assert.NotEmpty(t, denied.Reasons)
}

func TestOPAEvaluatorMissingPolicy(t *testing.T) {
	e := NewOPAEvaluator()
	_, err := e.Evaluate(context.Background(), map[string]interface{}{}, "nope")
	assert.Error(t, err)
}

func TestOPAEvaluatorBadModule(t *testing.T) {
	e := NewOPAEvaluator()
	err := e.LoadPolicy(context.Background(), "p", "this is not rego {", "1")
	assert.Error(t, err)
}

func TestOPAEvaluatorCustomDenyRule(t *testing.T) {
	module := `package agentbus.governance

default decision := {"allow": false, "reasons": ["sender blocked"], "policy_version": "2.1.0"}

decision := {"allow": true, "reasons": [], "policy_version": "2.1.0"} if {
	input.from_agent != "blocked-agent"
}
`
	e := NewOPAEvaluator()
	ctx := context.Background()
	require.NoError(t, e.LoadPolicy(ctx, "custom", module, "2.1.0"))

	ok, err := e.Evaluate(ctx, map[string]interface{}{"from_agent": "friendly"}, "custom")
	require.NoError(t, err)
	assert.True(t, ok.Allow)

	blocked, err := e.Evaluate(ctx, map[string]interface{}{"from_agent": "blocked-agent"}, "custom")
	require.NoError(t, err)
	assert.False(t, blocked.Allow)
	assert.Contains(t, blocked.Reasons, "sender blocked")
	assert.Equal(t, "2.1.0", blocked.PolicyVersion)
}

func TestExtractDecisionFallbacks(t *testing.T) {
	// Bare boolean policies work.
	assert.True(t, extractDecision(true, "v").Allow)
	assert.False(t, extractDecision(false, "v").Allow)

	// Anything unrecognized denies.
	out := extractDecision("garbage", "v")
	assert.False(t, out.Allow)

	// Decision objects without an allow key deny by default.
	out = extractDecision(map[string]interface{}{"reasons": []interface{}{"x"}}, "v")
	assert.False(t, out.Allow)
	assert.Equal(t, []string{"x"}, out.Reasons)
}
