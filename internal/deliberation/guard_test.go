package deliberation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/acgs/agentbus/internal/model"
)

type stubSigner struct {
	sig string
	err error
}

func (s stubSigner) Sign(context.Context, *model.AgentMessage) (string, error) {
	return s.sig, s.err
}

type stubCritic struct {
	verdict string
	err     error
}

func (c stubCritic) Review(context.Context, *model.AgentMessage) (string, string, error) {
	return c.verdict, "because", c.err
}

func TestDefaultGuardPolicy(t *testing.T) {
	gov := model.NewMessage("a", "b", model.TypeGovernanceRequest)
	assert.Equal(t, GuardRequireSignatures, DefaultGuardPolicy(gov).Verdict)

	critical := model.NewMessage("a", "b", model.TypeCommand)
	critical.Priority = model.PriorityCritical
	assert.Equal(t, GuardRequireReview, DefaultGuardPolicy(critical).Verdict)

	plain := model.NewMessage("a", "b", model.TypeCommand)
	assert.Equal(t, GuardAllow, DefaultGuardPolicy(plain).Verdict)

	note := model.NewMessage("a", "b", model.TypeNotification)
	assert.Equal(t, GuardAllow, DefaultGuardPolicy(note).Verdict)
}

func TestCollectSignaturesAllRequired(t *testing.T) {
	g := NewGuard(nil, time.Second)
	g.RegisterSigner("s1", stubSigner{sig: "sig-1"})
	g.RegisterSigner("s2", stubSigner{sig: "sig-2"})

	msg := model.NewMessage("a", "b", model.TypeGovernanceRequest)
	result := g.CollectSignatures(context.Background(), msg, []string{"s1", "s2"})
	assert.True(t, result.Passed)
	assert.Equal(t, 2, result.Collected)
	assert.Equal(t, "sig-1", result.Signatures["s1"])
}

func TestCollectSignaturesFailClosed(t *testing.T) {
	g := NewGuard(nil, time.Second)
	g.RegisterSigner("s1", stubSigner{sig: "sig-1"})
	g.RegisterSigner("s2", stubSigner{err: errors.New("hsm unreachable at 10.0.0.5")})

	msg := model.NewMessage("a", "b", model.TypeGovernanceRequest)
	result := g.CollectSignatures(context.Background(), msg, []string{"s1", "s2"})
	assert.False(t, result.Passed, "default threshold demands every signature")
	assert.Equal(t, 1, result.Collected)
	assert.NotContains(t, result.FailedWith, "10.0.0.5")

	// Unregistered signer counts as missing.
	result = g.CollectSignatures(context.Background(), msg, []string{"s1", "ghost"})
	assert.False(t, result.Passed)
}

func TestSignatureThresholdFraction(t *testing.T) {
	g := NewGuard(nil, time.Second)
	g.SetSignatureThreshold(0.5)
	g.RegisterSigner("s1", stubSigner{sig: "sig-1"})

	msg := model.NewMessage("a", "b", model.TypeGovernanceRequest)
	result := g.CollectSignatures(context.Background(), msg, []string{"s1", "missing"})
	assert.True(t, result.Passed, "1/2 meets the lowered threshold")

	// Out-of-range thresholds are ignored.
	g.SetSignatureThreshold(0)
	g.SetSignatureThreshold(1.5)
	result = g.CollectSignatures(context.Background(), msg, []string{"s1", "missing"})
	assert.True(t, result.Passed, "threshold stays at the last valid value")
}

func TestCollectReviewsConsensus(t *testing.T) {
	msg := model.NewMessage("a", "b", model.TypeCommand)

	// Any rejection wins.
	g := NewGuard(nil, time.Second)
	g.RegisterCritic("c1", stubCritic{verdict: "approve"})
	g.RegisterCritic("c2", stubCritic{verdict: "reject"})
	assert.Equal(t, "reject", g.CollectReviews(context.Background(), msg, []string{"c1", "c2"}).ConsensusVerdict)

	// Escalate beats approve.
	g = NewGuard(nil, time.Second)
	g.RegisterCritic("c1", stubCritic{verdict: "approve"})
	g.RegisterCritic("c2", stubCritic{verdict: "escalate"})
	assert.Equal(t, "escalate", g.CollectReviews(context.Background(), msg, []string{"c1", "c2"}).ConsensusVerdict)

	// Unanimous approval.
	g = NewGuard(nil, time.Second)
	g.RegisterCritic("c1", stubCritic{verdict: "approve"})
	g.RegisterCritic("c2", stubCritic{verdict: "approve"})
	assert.Equal(t, "approve", g.CollectReviews(context.Background(), msg, []string{"c1", "c2"}).ConsensusVerdict)

	// An unreachable critic is never an implicit approval.
	g = NewGuard(nil, time.Second)
	g.RegisterCritic("c1", stubCritic{verdict: "approve"})
	g.RegisterCritic("c2", stubCritic{err: errors.New("timeout")})
	assert.Equal(t, "reject", g.CollectReviews(context.Background(), msg, []string{"c1", "c2"}).ConsensusVerdict)
}
