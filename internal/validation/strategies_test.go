package validation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acgs/agentbus/internal/maci"
	"github.com/acgs/agentbus/internal/model"
	"github.com/acgs/agentbus/internal/policy"
)

func TestStaticHashStrategy(t *testing.T) {
	s := NewStaticHashStrategy()

	msg := model.NewMessage("a", "b", model.TypeCommand)
	result, err := s.Validate(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, result.IsValid)

	msg.ConstitutionalHash = "0000000000000000"
	result, err = s.Validate(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	require.NotEmpty(t, result.Errors)
	// Only the 8-char prefix leaks into the error text.
	assert.NotContains(t, result.Errors[0], model.ConstitutionalHash)
	assert.Contains(t, result.Errors[0], "cdd01ef0")

	msg.ConstitutionalHash = ""
	result, err = s.Validate(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
}

type stubStrategy struct {
	name   string
	result *model.ValidationResult
	err    error
	calls  int
}

func (s *stubStrategy) Name() string { return s.name }
func (s *stubStrategy) Validate(context.Context, *model.AgentMessage) (*model.ValidationResult, error) {
	s.calls++
	return s.result, s.err
}

func TestCompositeDenialWins(t *testing.T) {
	deny := &stubStrategy{name: "deny", result: model.Invalid("nope")}
	after := &stubStrategy{name: "after", result: model.NewValidationResult()}
	c := NewComposite(deny, after)

	result, err := c.Validate(context.Background(), model.NewMessage("a", "b", model.TypeQuery))
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, "deny", result.Metadata["denied_by"])
	assert.Zero(t, after.calls, "composite must stop at the first denial")
}

func TestCompositeSkipsFaultedStrategy(t *testing.T) {
	broken := &stubStrategy{name: "broken", err: errors.New("backend down")}
	ok := &stubStrategy{name: "ok", result: model.NewValidationResult()}
	c := NewComposite(broken, ok)

	result, err := c.Validate(context.Background(), model.NewMessage("a", "b", model.TypeQuery))
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, 1, ok.calls)
}

func TestCompositeAllFaulted(t *testing.T) {
	c := NewComposite(
		&stubStrategy{name: "b1", err: errors.New("down")},
		&stubStrategy{name: "b2", err: errors.New("down")},
	)
	_, err := c.Validate(context.Background(), model.NewMessage("a", "b", model.TypeQuery))
	assert.Error(t, err)
}

func TestMACIStrategyDenial(t *testing.T) {
	reg := maci.NewRegistry()
	_, err := reg.Register("exec-1", maci.RoleExecutive, nil)
	require.NoError(t, err)
	s := NewMACIStrategy(maci.NewEnforcer(reg, true))

	msg := model.NewMessage("exec-1", "other", model.TypeConstitutionalValidation)
	result, err := s.Validate(context.Background(), msg)
	require.NoError(t, err, "role violations are denials, not faults")
	assert.False(t, result.IsValid)
	assert.Equal(t, maci.KindForbidden, result.Metadata["violation_kind"])
}

func TestPolicyEngineStrategy(t *testing.T) {
	evaluator := policy.NewOPAEvaluator()
	require.NoError(t, evaluator.LoadPolicy(context.Background(),
		DefaultPolicyPath, policy.DefaultGovernancePolicy, "1.0.0"))
	s := NewPolicyEngineStrategy(evaluator, "")

	msg := model.NewMessage("a", "b", model.TypeGovernanceRequest)
	result, err := s.Validate(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, "1.0.0", result.Metadata["policy_version"])

	msg.ConstitutionalHash = "ffffffffffffffff"
	result, err = s.Validate(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
}

func TestPolicyEngineMissingPolicyIsFault(t *testing.T) {
	s := NewPolicyEngineStrategy(policy.NewOPAEvaluator(), "nonexistent/path")
	_, err := s.Validate(context.Background(), model.NewMessage("a", "b", model.TypeQuery))
	assert.Error(t, err, "a missing policy is a system fault, not a quiet allow")
}
