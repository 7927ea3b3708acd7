// Package validation implements the pluggable message validation chain:
// constitutional hash checks, dynamic policy signatures, embedded policy
// engine evaluation and role-separation enforcement.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/acgs/agentbus/internal/maci"
	"github.com/acgs/agentbus/internal/model"
	"github.com/acgs/agentbus/internal/policy"
)

// Strategy validates a single message. A non-nil *model.ValidationResult
// with IsValid=false is a governance denial; a non-nil error is a system
// fault (backend unreachable, engine crash) and is the only thing circuit
// breakers count.
type Strategy interface {
	Name() string
	Validate(ctx context.Context, msg *model.AgentMessage) (*model.ValidationResult, error)
}

// ============================================================================
// STATIC HASH
// ============================================================================

// StaticHashStrategy performs the baseline constitutional check: the message
// hash must equal the canonical hash, compared in constant time.
type StaticHashStrategy struct{}

// NewStaticHashStrategy returns the zero-dependency hash validator.
func NewStaticHashStrategy() *StaticHashStrategy { return &StaticHashStrategy{} }

func (s *StaticHashStrategy) Name() string { return "static_hash" }

func (s *StaticHashStrategy) Validate(_ context.Context, msg *model.AgentMessage) (*model.ValidationResult, error) {
	result := model.NewValidationResult()
	if msg.ConstitutionalHash == "" {
		result.AddError("constitutional hash missing")
		return result, nil
	}
	if !msg.HashValid() {
		result.AddError(fmt.Sprintf(
			"constitutional hash mismatch: got %s, want %s",
			model.TruncateHash(msg.ConstitutionalHash), model.TruncateHash(model.ConstitutionalHash)))
		return result, nil
	}
	result.Metadata["validation_type"] = "static_hash"
	return result, nil
}

// ============================================================================
// DYNAMIC POLICY
// ============================================================================

// DynamicPolicyStrategy validates message signatures against the remote
// policy registry. Registry faults surface as system errors so the caller's
// breaker can trip; with fail-closed enabled the caching client converts
// them before they reach us.
type DynamicPolicyStrategy struct {
	client policy.Client
}

// NewDynamicPolicyStrategy wraps a policy registry client.
func NewDynamicPolicyStrategy(client policy.Client) *DynamicPolicyStrategy {
	return &DynamicPolicyStrategy{client: client}
}

func (s *DynamicPolicyStrategy) Name() string { return "dynamic_policy" }

func (s *DynamicPolicyStrategy) Validate(ctx context.Context, msg *model.AgentMessage) (*model.ValidationResult, error) {
	if s.client == nil {
		return nil, fmt.Errorf("dynamic policy strategy: no registry client configured")
	}
	result, err := s.client.ValidateMessageSignature(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("policy signature validation: %w", err)
	}
	if result == nil {
		result = model.Invalid("policy registry returned no result")
	}
	result.Metadata["validation_type"] = "dynamic_policy"
	return result, nil
}

// ============================================================================
// POLICY ENGINE (embedded OPA)
// ============================================================================

// DefaultPolicyPath is the engine path evaluated for ordinary bus traffic.
const DefaultPolicyPath = "agentbus/governance"

// PolicyEngineStrategy evaluates messages with the embedded policy engine.
// The engine fails closed: a missing policy or evaluation fault is a system
// error, an explicit deny is a governance denial.
type PolicyEngineStrategy struct {
	evaluator  policy.Evaluator
	policyPath string
}

// NewPolicyEngineStrategy wraps a policy evaluator. Empty policyPath selects
// the default governance path.
func NewPolicyEngineStrategy(evaluator policy.Evaluator, policyPath string) *PolicyEngineStrategy {
	if policyPath == "" {
		policyPath = DefaultPolicyPath
	}
	return &PolicyEngineStrategy{evaluator: evaluator, policyPath: policyPath}
}

func (s *PolicyEngineStrategy) Name() string { return "policy_engine" }

func (s *PolicyEngineStrategy) Validate(ctx context.Context, msg *model.AgentMessage) (*model.ValidationResult, error) {
	if s.evaluator == nil {
		return nil, fmt.Errorf("policy engine strategy: no evaluator configured")
	}

	input := map[string]interface{}{
		"message_id":          msg.MessageID,
		"from_agent":          msg.FromAgent,
		"to_agent":            msg.ToAgent,
		"message_type":        string(msg.MessageType),
		"priority":            msg.Priority.String(),
		"tenant_id":           msg.TenantID,
		"constitutional_hash": msg.ConstitutionalHash,
		"content":             msg.Content,
	}

	start := time.Now()
	engineResult, err := s.evaluator.Evaluate(ctx, input, s.policyPath)
	if err != nil {
		return nil, fmt.Errorf("policy engine evaluation: %w", err)
	}

	result := model.NewValidationResult()
	result.Metadata["validation_type"] = "policy_engine"
	result.Metadata["policy_path"] = s.policyPath
	result.Metadata["policy_version"] = engineResult.PolicyVersion
	result.Metadata["evaluation_ms"] = time.Since(start).Milliseconds()
	if !engineResult.Allow {
		for _, reason := range engineResult.Reasons {
			result.AddError(reason)
		}
		if len(engineResult.Reasons) == 0 {
			result.AddError("denied by policy engine")
		}
	}
	return result, nil
}

// ============================================================================
// MACI ROLE SEPARATION
// ============================================================================

// MACIStrategy rejects messages whose sender would violate the three-branch
// role separation. Violations are denials, never system faults.
type MACIStrategy struct {
	enforcer *maci.Enforcer
}

// NewMACIStrategy wraps a role-separation enforcer.
func NewMACIStrategy(enforcer *maci.Enforcer) *MACIStrategy {
	return &MACIStrategy{enforcer: enforcer}
}

func (s *MACIStrategy) Name() string { return "maci_role_separation" }

func (s *MACIStrategy) Validate(_ context.Context, msg *model.AgentMessage) (*model.ValidationResult, error) {
	result := model.NewValidationResult()
	result.Metadata["validation_type"] = "maci_role_separation"
	if s.enforcer == nil {
		return result, nil
	}
	if err := s.enforcer.ValidateMessage(msg); err != nil {
		result.AddError(err.Error())
		if v, ok := maci.AsViolation(err); ok {
			result.Metadata["violation_kind"] = v.Kind
			result.Metadata["violation_role"] = string(v.Role)
			result.Metadata["violation_action"] = string(v.Action)
		}
	}
	return result, nil
}

// ============================================================================
// COMPOSITE
// ============================================================================

// Composite runs strategies in order. The first denial wins; system faults
// are logged and skipped so one broken backend cannot blind the others. If
// every strategy faults the composite itself faults.
type Composite struct {
	strategies []Strategy
}

// NewComposite chains validation strategies.
func NewComposite(strategies ...Strategy) *Composite {
	return &Composite{strategies: strategies}
}

func (c *Composite) Name() string { return "composite" }

func (c *Composite) Validate(ctx context.Context, msg *model.AgentMessage) (*model.ValidationResult, error) {
	if len(c.strategies) == 0 {
		return model.NewValidationResult(), nil
	}

	merged := model.NewValidationResult()
	faults := 0
	for _, s := range c.strategies {
		result, err := s.Validate(ctx, msg)
		if err != nil {
			faults++
			slog.Warn("[Validation] strategy fault",
				"strategy", s.Name(), "message_id", msg.MessageID,
				"error", model.RedactError(err.Error()))
			continue
		}
		merged.Merge(result)
		if !result.IsValid {
			merged.Metadata["denied_by"] = s.Name()
			return merged, nil
		}
	}
	if faults == len(c.strategies) {
		return nil, fmt.Errorf("all %d validation strategies failed", faults)
	}
	return merged, nil
}
