package deliberation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/acgs/agentbus/internal/model"
)

// GuardVerdict is the pre-action decision of the policy guard.
type GuardVerdict string

const (
	GuardAllow             GuardVerdict = "allow"
	GuardDeny              GuardVerdict = "deny"
	GuardRequireSignatures GuardVerdict = "require_signatures"
	GuardRequireReview     GuardVerdict = "require_review"
)

// GuardResult is the structured outcome of pre-action verification.
type GuardResult struct {
	Verdict           GuardVerdict `json:"verdict"`
	Reason            string       `json:"reason,omitempty"`
	RequiredSigners   []string     `json:"required_signers,omitempty"`
	RequiredReviewers []string     `json:"required_reviewers,omitempty"`
}

// GuardPolicy decides the verdict for a message. External callers plug in
// their own; DefaultGuardPolicy covers the built-in rules.
type GuardPolicy func(msg *model.AgentMessage) GuardResult

// Signer provides a signature for a message on request, or an error when it
// declines or cannot be reached.
type Signer interface {
	Sign(ctx context.Context, msg *model.AgentMessage) (signature string, err error)
}

// Critic reviews a decision and returns a verdict in
// {"approve", "reject", "escalate"}.
type Critic interface {
	Review(ctx context.Context, msg *model.AgentMessage) (verdict string, reasoning string, err error)
}

// SignatureResult reports a signature collection round.
type SignatureResult struct {
	Required   int               `json:"required"`
	Collected  int               `json:"collected"`
	Signatures map[string]string `json:"signatures"`
	Passed     bool              `json:"passed"`
	FailedWith string            `json:"failed_with,omitempty"`
}

// ReviewResult reports a critic review round.
type ReviewResult struct {
	Verdicts         map[string]string `json:"verdicts"`
	ConsensusVerdict string            `json:"consensus_verdict"`
	Reasoning        map[string]string `json:"reasoning,omitempty"`
}

// Guard runs multi-signature and critic-review gates for messages the
// policy flags. Everything fails closed: an exception during collection is
// a failure, never an implicit pass.
type Guard struct {
	policy             GuardPolicy
	signers            map[string]Signer
	critics            map[string]Critic
	signatureThreshold float64
	timeout            time.Duration
}

// NewGuard builds a guard. A nil policy defaults to DefaultGuardPolicy; the
// signature threshold defaults to 1.0 (every required signer must sign).
func NewGuard(policy GuardPolicy, timeout time.Duration) *Guard {
	if policy == nil {
		policy = DefaultGuardPolicy
	}
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Guard{
		policy:             policy,
		signers:            make(map[string]Signer),
		critics:            make(map[string]Critic),
		signatureThreshold: 1.0,
		timeout:            timeout,
	}
}

// RegisterSigner binds a signer id used in RequiredSigners.
func (g *Guard) RegisterSigner(id string, s Signer) { g.signers[id] = s }

// RegisterCritic binds a critic id used in RequiredReviewers.
func (g *Guard) RegisterCritic(id string, c Critic) { g.critics[id] = c }

// SetSignatureThreshold overrides the collected/required fraction needed to
// pass, clamped to (0, 1].
func (g *Guard) SetSignatureThreshold(t float64) {
	if t > 0 && t <= 1 {
		g.signatureThreshold = t
	}
}

// Verify returns the guard's pre-action verdict for a message.
func (g *Guard) Verify(msg *model.AgentMessage) GuardResult {
	return g.policy(msg)
}

// CollectSignatures asks every required signer for a signature within the
// guard timeout. Passing requires collected/required >= threshold; any
// panic-equivalent fault counts the signer as missing.
func (g *Guard) CollectSignatures(ctx context.Context, msg *model.AgentMessage, required []string) SignatureResult {
	result := SignatureResult{
		Required:   len(required),
		Signatures: make(map[string]string),
	}
	if len(required) == 0 {
		result.Passed = true
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	for _, id := range required {
		signer, ok := g.signers[id]
		if !ok {
			result.FailedWith = fmt.Sprintf("signer %q not registered", id)
			continue
		}
		sig, err := signer.Sign(ctx, msg)
		if err != nil {
			result.FailedWith = model.RedactError(err.Error())
			slog.Warn("[Guard] signature not collected",
				"signer", id, "message_id", msg.MessageID, "error", result.FailedWith)
			continue
		}
		result.Signatures[id] = sig
		result.Collected++
	}

	fraction := float64(result.Collected) / float64(result.Required)
	result.Passed = fraction >= g.signatureThreshold
	return result
}

// CollectReviews submits the message to the named critics and derives a
// consensus verdict: reject if any critic rejects, escalate if any
// escalates (and none reject), approve only when every reachable critic
// approves and at least one responded.
func (g *Guard) CollectReviews(ctx context.Context, msg *model.AgentMessage, reviewers []string) ReviewResult {
	result := ReviewResult{
		Verdicts:  make(map[string]string),
		Reasoning: make(map[string]string),
	}
	if len(reviewers) == 0 {
		result.ConsensusVerdict = "approve"
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	responded := 0
	for _, id := range reviewers {
		critic, ok := g.critics[id]
		if !ok {
			result.Verdicts[id] = "unavailable"
			continue
		}
		verdict, reasoning, err := critic.Review(ctx, msg)
		if err != nil {
			result.Verdicts[id] = "unavailable"
			result.Reasoning[id] = model.RedactError(err.Error())
			continue
		}
		result.Verdicts[id] = verdict
		result.Reasoning[id] = reasoning
		responded++
	}

	switch {
	case hasVerdict(result.Verdicts, "reject"):
		result.ConsensusVerdict = "reject"
	case hasVerdict(result.Verdicts, "escalate"):
		result.ConsensusVerdict = "escalate"
	case responded == len(reviewers):
		result.ConsensusVerdict = "approve"
	default:
		// An unreachable critic is not an implicit approval.
		result.ConsensusVerdict = "reject"
	}
	return result
}

func hasVerdict(verdicts map[string]string, v string) bool {
	for _, got := range verdicts {
		if got == v {
			return true
		}
	}
	return false
}

// DefaultGuardPolicy requires signatures for governance traffic, review for
// critical-priority commands, and allows the rest.
func DefaultGuardPolicy(msg *model.AgentMessage) GuardResult {
	switch msg.MessageType {
	case model.TypeGovernanceRequest, model.TypeConstitutionalValidation:
		return GuardResult{
			Verdict:         GuardRequireSignatures,
			Reason:          "governance traffic requires multi-signature approval",
			RequiredSigners: []string{"governance-signer"},
		}
	case model.TypeCommand:
		if msg.Priority == model.PriorityCritical {
			return GuardResult{
				Verdict:           GuardRequireReview,
				Reason:            "critical command requires critic review",
				RequiredReviewers: []string{"critic-primary"},
			}
		}
	}
	return GuardResult{Verdict: GuardAllow}
}
