package processing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/acgs/agentbus/internal/model"
)

// Intent classes used for feedback tallies and verifier selection.
const (
	IntentFactual    = "factual"
	IntentReasoning  = "reasoning"
	IntentGovernance = "governance"
	IntentOperation  = "operation"
)

// verifierImpactThreshold triggers verification for high-impact messages
// regardless of intent.
const verifierImpactThreshold = 0.7

var reasoningMarkers = []string{"why", "explain", "analyze", "derive", "prove", "reason"}
var factualMarkers = []string{"what is", "when did", "who is", "define", "fact", "lookup"}

// ClassifyIntent buckets a message by its type and content text. The
// classification drives verifier selection only; it never gates validity.
func ClassifyIntent(msg *model.AgentMessage) string {
	switch msg.MessageType {
	case model.TypeGovernanceRequest, model.TypeGovernanceResponse, model.TypeConstitutionalValidation:
		return IntentGovernance
	case model.TypeCommand, model.TypeTaskRequest, model.TypeTaskResponse:
		return IntentOperation
	}
	text := strings.ToLower(fmt.Sprintf("%v", msg.Content))
	for _, m := range reasoningMarkers {
		if strings.Contains(text, m) {
			return IntentReasoning
		}
	}
	for _, m := range factualMarkers {
		if strings.Contains(text, m) {
			return IntentFactual
		}
	}
	return IntentOperation
}

// VerifierOutcome is one verifier's verdict attached to result metadata.
type VerifierOutcome struct {
	Verifier   string  `json:"verifier"`
	Passed     bool    `json:"passed"`
	Confidence float64 `json:"confidence"`
	Detail     string  `json:"detail,omitempty"`
}

// Verifier is a best-effort post-validation check. Critical verifiers may
// veto an otherwise valid result; non-critical ones only annotate.
type Verifier interface {
	Name() string
	Critical() bool
	// Applies reports whether the verifier should run for this message.
	Applies(msg *model.AgentMessage, intent string) bool
	Verify(ctx context.Context, msg *model.AgentMessage) VerifierOutcome
}

// runVerifiers executes all applicable verifiers, attaching their outcomes
// to result metadata. A critical rejection flips the result to invalid.
func runVerifiers(ctx context.Context, msg *model.AgentMessage, result *model.ValidationResult, verifiers []Verifier) {
	intent := ClassifyIntent(msg)
	var outcomes []VerifierOutcome
	for _, v := range verifiers {
		if !v.Applies(msg, intent) {
			continue
		}
		outcome := v.Verify(ctx, msg)
		outcomes = append(outcomes, outcome)
		if !outcome.Passed {
			if v.Critical() {
				result.AddError(fmt.Sprintf("verifier %s rejected: %s", v.Name(), outcome.Detail))
			} else {
				result.AddWarning(fmt.Sprintf("verifier %s flagged: %s", v.Name(), outcome.Detail))
				slog.Debug("[Processor] non-critical verifier flag",
					"verifier", v.Name(), "message_id", msg.MessageID)
			}
		}
	}
	if len(outcomes) > 0 {
		result.Metadata["verifier_outcomes"] = outcomes
		result.Metadata["intent"] = intent
	}
}

// appliesByIntentOrImpact is the shared trigger rule: factual or reasoning
// intent, or impact above the verifier threshold.
func appliesByIntentOrImpact(msg *model.AgentMessage, intent string) bool {
	if intent == IntentFactual || intent == IntentReasoning {
		return true
	}
	return msg.ImpactScore != nil && *msg.ImpactScore >= verifierImpactThreshold
}

// ============================================================================
// SELF-CONSISTENCY
// ============================================================================

// SelfConsistencyVerifier checks that the content does not assert and deny
// the same claim. The heuristic looks for paired positive/negative forms of
// assertion keys in the content map.
type SelfConsistencyVerifier struct{}

func (v *SelfConsistencyVerifier) Name() string     { return "self_consistency" }
func (v *SelfConsistencyVerifier) Critical() bool   { return false }
func (v *SelfConsistencyVerifier) Applies(msg *model.AgentMessage, intent string) bool {
	return appliesByIntentOrImpact(msg, intent)
}

func (v *SelfConsistencyVerifier) Verify(_ context.Context, msg *model.AgentMessage) VerifierOutcome {
	for key, val := range msg.Content {
		negKey := "not_" + key
		if negVal, ok := msg.Content[negKey]; ok {
			if fmt.Sprintf("%v", val) == fmt.Sprintf("%v", negVal) {
				return VerifierOutcome{
					Verifier: v.Name(), Passed: false, Confidence: 0.6,
					Detail: fmt.Sprintf("content asserts %q and %q identically", key, negKey),
				}
			}
		}
	}
	return VerifierOutcome{Verifier: v.Name(), Passed: true, Confidence: 0.9}
}

// ============================================================================
// GRAPH GROUNDING
// ============================================================================

// GraphGroundingVerifier checks that every entity the content references
// under "references" is also declared under "entities". Ungrounded
// references are flagged, not fatal.
type GraphGroundingVerifier struct{}

func (v *GraphGroundingVerifier) Name() string   { return "graph_grounding" }
func (v *GraphGroundingVerifier) Critical() bool { return false }
func (v *GraphGroundingVerifier) Applies(msg *model.AgentMessage, intent string) bool {
	return appliesByIntentOrImpact(msg, intent)
}

func (v *GraphGroundingVerifier) Verify(_ context.Context, msg *model.AgentMessage) VerifierOutcome {
	refs, ok := msg.Content["references"].([]interface{})
	if !ok || len(refs) == 0 {
		return VerifierOutcome{Verifier: v.Name(), Passed: true, Confidence: 0.5, Detail: "no references to ground"}
	}
	declared := map[string]struct{}{}
	if entities, ok := msg.Content["entities"].([]interface{}); ok {
		for _, e := range entities {
			declared[fmt.Sprintf("%v", e)] = struct{}{}
		}
	}
	for _, ref := range refs {
		if _, ok := declared[fmt.Sprintf("%v", ref)]; !ok {
			return VerifierOutcome{
				Verifier: v.Name(), Passed: false, Confidence: 0.7,
				Detail: fmt.Sprintf("reference %v has no declared entity", ref),
			}
		}
	}
	return VerifierOutcome{Verifier: v.Name(), Passed: true, Confidence: 0.9}
}

// ============================================================================
// AGENTIC CRITIQUE
// ============================================================================

// CritiqueFunc asks an external critic for a verdict on the message.
type CritiqueFunc func(ctx context.Context, msg *model.AgentMessage) (approve bool, detail string, err error)

// AgenticCritiqueVerifier delegates to an external critic agent. It is the
// only critical verifier: an explicit critic rejection vetoes the result.
// Critic faults pass open since the verifier layer is best-effort.
type AgenticCritiqueVerifier struct {
	critique CritiqueFunc
}

// NewAgenticCritiqueVerifier wraps a critic callback.
func NewAgenticCritiqueVerifier(critique CritiqueFunc) *AgenticCritiqueVerifier {
	return &AgenticCritiqueVerifier{critique: critique}
}

func (v *AgenticCritiqueVerifier) Name() string   { return "agentic_critique" }
func (v *AgenticCritiqueVerifier) Critical() bool { return true }
func (v *AgenticCritiqueVerifier) Applies(msg *model.AgentMessage, intent string) bool {
	return v.critique != nil && appliesByIntentOrImpact(msg, intent)
}

func (v *AgenticCritiqueVerifier) Verify(ctx context.Context, msg *model.AgentMessage) VerifierOutcome {
	approve, detail, err := v.critique(ctx, msg)
	if err != nil {
		return VerifierOutcome{
			Verifier: v.Name(), Passed: true, Confidence: 0.1,
			Detail: "critic unavailable: " + model.RedactError(err.Error()),
		}
	}
	return VerifierOutcome{Verifier: v.Name(), Passed: approve, Confidence: 0.8, Detail: detail}
}
