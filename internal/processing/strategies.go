// Package processing implements the strategy chain that carries a message
// from validated to delivered, and the processor that orchestrates it with
// caching, injection screening and verifier hooks.
package processing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/acgs/agentbus/internal/circuitbreaker"
	"github.com/acgs/agentbus/internal/maci"
	"github.com/acgs/agentbus/internal/model"
	"github.com/acgs/agentbus/internal/validation"
)

// Handler consumes a delivered message. A non-nil error fails the message.
type Handler func(ctx context.Context, msg *model.AgentMessage) error

// Handlers maps message types to their registered handlers.
type Handlers map[model.MessageType][]Handler

// Strategy processes one message end to end. The (result, error) pair
// separates governance outcomes from system faults: a result (valid or
// not) is final and the composite returns it immediately; an error means
// the strategy itself broke and the composite may fall through.
type Strategy interface {
	Name() string
	IsAvailable() bool
	Process(ctx context.Context, msg *model.AgentMessage, handlers Handlers) (*model.ValidationResult, error)
}

// deliver dispatches a validated message to every handler registered for
// its type. A handler error fails the message.
func deliver(ctx context.Context, msg *model.AgentMessage, handlers Handlers) error {
	for _, h := range handlers[msg.MessageType] {
		if err := h(ctx, msg); err != nil {
			return fmt.Errorf("handler for %s: %w", msg.MessageType, err)
		}
	}
	return nil
}

// finalize applies the shared post-validation tail: on a passing result the
// message is dispatched and marked Delivered, on a denial it is Failed.
func finalize(ctx context.Context, msg *model.AgentMessage, handlers Handlers, result *model.ValidationResult) (*model.ValidationResult, error) {
	if !result.IsValid {
		msg.Touch(model.StatusFailed)
		return result, nil
	}
	msg.ConstitutionalVerified = true
	msg.Touch(model.StatusValidated)
	if err := deliver(ctx, msg, handlers); err != nil {
		msg.Touch(model.StatusFailed)
		result.AddError(model.RedactError(err.Error()))
		return result, nil
	}
	msg.Touch(model.StatusDelivered)
	return result, nil
}

// ============================================================================
// REFERENCE STRATEGY
// ============================================================================

// ReferenceStrategy is the in-process baseline: run the injected validation
// strategy, then dispatch to handlers. It is always available and serves as
// the composite's last line of defense.
type ReferenceStrategy struct {
	validator validation.Strategy
}

// NewReferenceStrategy builds the baseline strategy. A nil validator
// defaults to the static hash check.
func NewReferenceStrategy(validator validation.Strategy) *ReferenceStrategy {
	if validator == nil {
		validator = validation.NewStaticHashStrategy()
	}
	return &ReferenceStrategy{validator: validator}
}

func (s *ReferenceStrategy) Name() string      { return "reference" }
func (s *ReferenceStrategy) IsAvailable() bool { return true }

func (s *ReferenceStrategy) Process(ctx context.Context, msg *model.AgentMessage, handlers Handlers) (*model.ValidationResult, error) {
	result, err := s.validator.Validate(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("reference validation: %w", err)
	}
	result.Metadata["strategy"] = s.Name()
	return finalize(ctx, msg, handlers, result)
}

// ============================================================================
// NATIVE BACKEND STRATEGY
// ============================================================================

// Backend is the external high-performance validator contract.
type Backend interface {
	ValidateMessage(ctx context.Context, msg *model.AgentMessage) (*model.ValidationResult, error)
}

// NativeBackendStrategy calls an external validator behind a per-strategy
// circuit breaker. Backend denials are governance outcomes and never count
// against the breaker; only system faults do. Fail-closed: any uncertainty
// from the backend is a denial.
type NativeBackendStrategy struct {
	backend Backend
	breaker *circuitbreaker.Breaker
}

// NewNativeBackendStrategy wraps a backend with the default breaker
// thresholds.
func NewNativeBackendStrategy(backend Backend, breaker *circuitbreaker.Breaker) *NativeBackendStrategy {
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.DefaultConfig("native_backend"))
	}
	return &NativeBackendStrategy{backend: backend, breaker: breaker}
}

func (s *NativeBackendStrategy) Name() string { return "native_backend" }

// IsAvailable reports false while the breaker is open.
func (s *NativeBackendStrategy) IsAvailable() bool {
	return s.backend != nil && s.breaker.Allow()
}

// Breaker exposes the strategy's breaker for health reporting.
func (s *NativeBackendStrategy) Breaker() *circuitbreaker.Breaker { return s.breaker }

func (s *NativeBackendStrategy) Process(ctx context.Context, msg *model.AgentMessage, handlers Handlers) (*model.ValidationResult, error) {
	if s.backend == nil {
		return nil, fmt.Errorf("native backend not configured")
	}
	if !s.breaker.Allow() {
		return nil, circuitbreaker.ErrCircuitOpen
	}

	result, err := s.backend.ValidateMessage(ctx, msg)
	if err != nil {
		s.breaker.RecordFailure()
		return nil, fmt.Errorf("native backend: %w", err)
	}
	s.breaker.RecordSuccess()
	if result == nil {
		// Uncertainty is a denial, not a fault.
		result = model.Invalid("native backend returned no result")
	}
	result.Metadata["strategy"] = s.Name()
	return finalize(ctx, msg, handlers, result)
}

// ============================================================================
// VALIDATOR-BACKED STRATEGIES
// ============================================================================

// ValidatorStrategy adapts any validation strategy into a processing
// strategy. The dynamic-policy and policy-engine lanes are both built this
// way.
type ValidatorStrategy struct {
	name      string
	validator validation.Strategy
}

// NewDynamicPolicyStrategy builds the remote-policy-registry lane.
func NewDynamicPolicyStrategy(validator *validation.DynamicPolicyStrategy) *ValidatorStrategy {
	return &ValidatorStrategy{name: "dynamic_policy", validator: validator}
}

// NewPolicyEngineStrategy builds the embedded-policy-engine lane.
func NewPolicyEngineStrategy(validator *validation.PolicyEngineStrategy) *ValidatorStrategy {
	return &ValidatorStrategy{name: "policy_engine", validator: validator}
}

func (s *ValidatorStrategy) Name() string      { return s.name }
func (s *ValidatorStrategy) IsAvailable() bool { return s.validator != nil }

func (s *ValidatorStrategy) Process(ctx context.Context, msg *model.AgentMessage, handlers Handlers) (*model.ValidationResult, error) {
	if s.validator == nil {
		return nil, fmt.Errorf("%s strategy not configured", s.name)
	}
	result, err := s.validator.Validate(ctx, msg)
	if err != nil {
		return nil, err
	}
	result.Metadata["strategy"] = s.name
	return finalize(ctx, msg, handlers, result)
}

// ============================================================================
// ROLE SEPARATION WRAPPER
// ============================================================================

// RoleSeparationStrategy pre-filters with the MACI enforcer before invoking
// the inner strategy. On a role violation the inner strategy never runs.
type RoleSeparationStrategy struct {
	enforcer *maci.Enforcer
	inner    Strategy
}

// NewRoleSeparationStrategy composes MACI enforcement above another
// strategy.
func NewRoleSeparationStrategy(enforcer *maci.Enforcer, inner Strategy) *RoleSeparationStrategy {
	return &RoleSeparationStrategy{enforcer: enforcer, inner: inner}
}

func (s *RoleSeparationStrategy) Name() string {
	return "role_separation(" + s.inner.Name() + ")"
}

func (s *RoleSeparationStrategy) IsAvailable() bool { return s.inner.IsAvailable() }

func (s *RoleSeparationStrategy) Process(ctx context.Context, msg *model.AgentMessage, handlers Handlers) (*model.ValidationResult, error) {
	if s.enforcer != nil {
		if err := s.enforcer.ValidateMessage(msg); err != nil {
			msg.Touch(model.StatusFailed)
			result := model.Invalid(err.Error())
			result.Metadata["strategy"] = s.Name()
			if v, ok := maci.AsViolation(err); ok {
				result.Metadata["violation_kind"] = v.Kind
			}
			return result, nil
		}
	}
	return s.inner.Process(ctx, msg, handlers)
}

// ============================================================================
// COMPOSITE WITH FALLBACK
// ============================================================================

// Composite tries strategies in declared order. Any result, valid or not,
// is final; a system fault moves on to the next strategy. With every
// strategy broken the composite itself faults and the caller fails closed.
type Composite struct {
	strategies []Strategy
}

// NewComposite chains processing strategies in fallback order.
func NewComposite(strategies ...Strategy) *Composite {
	return &Composite{strategies: strategies}
}

func (c *Composite) Name() string { return "composite" }

// IsAvailable reports whether at least one strategy can serve.
func (c *Composite) IsAvailable() bool {
	for _, s := range c.strategies {
		if s.IsAvailable() {
			return true
		}
	}
	return false
}

// Strategies returns the chain in order, for health reporting.
func (c *Composite) Strategies() []Strategy { return c.strategies }

func (c *Composite) Process(ctx context.Context, msg *model.AgentMessage, handlers Handlers) (*model.ValidationResult, error) {
	var lastErr error
	for _, s := range c.strategies {
		if !s.IsAvailable() {
			continue
		}
		result, err := s.Process(ctx, msg, handlers)
		if err != nil {
			lastErr = err
			slog.Warn("[Processing] strategy fault, falling through",
				"strategy", s.Name(), "message_id", msg.MessageID,
				"error", model.RedactError(err.Error()))
			continue
		}
		return result, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("all processing strategies exhausted: %w", lastErr)
	}
	return nil, fmt.Errorf("no processing strategy available")
}
