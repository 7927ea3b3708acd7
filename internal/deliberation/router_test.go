package deliberation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/acgs/agentbus/internal/model"
)

func TestRouteFastLaneForLowImpact(t *testing.T) {
	r := NewAdaptiveRouter(nil, nil)

	msg := model.NewMessage("a", "b", model.TypeQuery)
	msg.Priority = model.PriorityLow
	lane, score := r.Route(msg)
	assert.Equal(t, LaneFast, lane)
	assert.Less(t, score, DefaultImpactThreshold)
}

func TestRouteDeliberationForHighImpact(t *testing.T) {
	r := NewAdaptiveRouter(nil, nil)

	msg := model.NewMessage("a", "b", model.TypeGovernanceRequest)
	msg.Priority = model.PriorityCritical
	lane, score := r.Route(msg)
	assert.Equal(t, LaneDeliberation, lane)
	assert.GreaterOrEqual(t, score, DefaultImpactThreshold)
}

func TestForceDeliberationOverridesScore(t *testing.T) {
	r := NewAdaptiveRouter(nil, nil)

	msg := model.NewMessage("a", "b", model.TypeQuery)
	msg.Priority = model.PriorityLow
	r.ForceDeliberation(msg, "operator request")

	lane, _ := r.Route(msg)
	assert.Equal(t, LaneDeliberation, lane)

	// The override is consumed: a second route of the same id is scored.
	again := model.NewMessage("a", "b", model.TypeQuery)
	again.MessageID = msg.MessageID
	again.Priority = model.PriorityLow
	lane, _ = r.Route(again)
	assert.Equal(t, LaneFast, lane)
}

func TestSetThresholdClamped(t *testing.T) {
	r := NewAdaptiveRouter(nil, nil)
	r.SetThreshold(1.5)
	assert.Equal(t, 1.0, r.Threshold())
	r.SetThreshold(-0.3)
	assert.Equal(t, 0.0, r.Threshold())
}

type fixedAdjuster struct{ propose float64 }

func (a fixedAdjuster) Adjust(float64, []Feedback) float64 { return a.propose }

func TestFeedbackDrivesAdjuster(t *testing.T) {
	r := NewAdaptiveRouter(nil, fixedAdjuster{propose: 0.6})
	r.RecordFeedback(Feedback{MessageID: "m-1", Lane: LaneFast, ActualOutcome: "delivered"})
	assert.Equal(t, 0.6, r.Threshold())
	assert.Len(t, r.FeedbackWindow(), 1)

	// Proposals outside [0, 1] are clamped.
	r2 := NewAdaptiveRouter(nil, fixedAdjuster{propose: 2.0})
	r2.RecordFeedback(Feedback{MessageID: "m-2"})
	assert.Equal(t, 1.0, r2.Threshold())
}

func TestFeedbackWindowBounded(t *testing.T) {
	r := NewAdaptiveRouter(nil, nil)
	r.windowMax = 5
	for i := 0; i < 8; i++ {
		r.RecordFeedback(Feedback{MessageID: "m"})
	}
	assert.Len(t, r.FeedbackWindow(), 5)
}
