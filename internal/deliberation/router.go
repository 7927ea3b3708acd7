package deliberation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/acgs/agentbus/internal/model"
)

// Lane is the routing outcome for one message.
type Lane string

const (
	LaneFast         Lane = "fast"
	LaneDeliberation Lane = "deliberation"
)

// DefaultImpactThreshold routes messages at or above it into deliberation.
const DefaultImpactThreshold = 0.8

// Feedback is one routing outcome reported back to the router. The adaptive
// threshold component consumes the window; the core only stores it.
type Feedback struct {
	MessageID      string        `json:"message_id"`
	Lane           Lane          `json:"lane"`
	ActualOutcome  string        `json:"actual_outcome"` // approved, rejected, timed_out, delivered, failed
	ProcessingTime time.Duration `json:"processing_time"`
	FeedbackScore  float64       `json:"feedback_score"`
	Timestamp      time.Time     `json:"timestamp"`
}

// ThresholdAdjuster is the external adaptive-threshold contract. Given the
// feedback window it proposes a new threshold; the router clamps it.
type ThresholdAdjuster interface {
	Adjust(current float64, window []Feedback) float64
}

// AdaptiveRouter decides fast lane vs deliberation lane from the impact
// score, with manual override and a bounded time-pruned feedback window.
type AdaptiveRouter struct {
	scorer   *ImpactScorer
	adjuster ThresholdAdjuster

	mu        sync.Mutex
	threshold float64
	forced    map[string]string // message_id -> reason
	window    []Feedback
	windowMax int
	windowAge time.Duration
	now       func() time.Time
}

// NewAdaptiveRouter creates a router with the default 0.8 threshold. The
// adjuster may be nil (fixed threshold).
func NewAdaptiveRouter(scorer *ImpactScorer, adjuster ThresholdAdjuster) *AdaptiveRouter {
	if scorer == nil {
		scorer = NewImpactScorer(DefaultWeights())
	}
	return &AdaptiveRouter{
		scorer:    scorer,
		adjuster:  adjuster,
		threshold: DefaultImpactThreshold,
		forced:    make(map[string]string),
		windowMax: 500,
		windowAge: 10 * time.Minute,
		now:       time.Now,
	}
}

// Threshold returns the current impact threshold.
func (r *AdaptiveRouter) Threshold() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threshold
}

// SetThreshold overrides the threshold, clamped to [0, 1].
func (r *AdaptiveRouter) SetThreshold(t float64) {
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	r.mu.Lock()
	r.threshold = t
	r.mu.Unlock()
}

// ForceDeliberation marks a message for the deliberation lane regardless of
// its score.
func (r *AdaptiveRouter) ForceDeliberation(msg *model.AgentMessage, reason string) {
	r.mu.Lock()
	r.forced[msg.MessageID] = reason
	r.mu.Unlock()
	slog.Info("[Router] deliberation forced", "message_id", msg.MessageID, "reason", reason)
}

// Route scores the message and picks its lane. The score is recorded on the
// message before the decision.
func (r *AdaptiveRouter) Route(msg *model.AgentMessage) (Lane, float64) {
	score := r.scorer.Score(msg)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.forced[msg.MessageID]; ok {
		delete(r.forced, msg.MessageID)
		return LaneDeliberation, score
	}
	if score >= r.threshold {
		return LaneDeliberation, score
	}
	return LaneFast, score
}

// RecordFeedback appends an outcome to the window, prunes it, and lets the
// adjuster (if any) move the threshold.
func (r *AdaptiveRouter) RecordFeedback(fb Feedback) {
	if fb.Timestamp.IsZero() {
		fb.Timestamp = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.windowAge)
	kept := r.window[:0]
	for _, f := range r.window {
		if f.Timestamp.After(cutoff) {
			kept = append(kept, f)
		}
	}
	r.window = append(kept, fb)
	if len(r.window) > r.windowMax {
		r.window = r.window[len(r.window)-r.windowMax:]
	}

	if r.adjuster != nil {
		proposed := r.adjuster.Adjust(r.threshold, append([]Feedback{}, r.window...))
		if proposed < 0 {
			proposed = 0
		}
		if proposed > 1 {
			proposed = 1
		}
		if proposed != r.threshold {
			slog.Info("[Router] threshold adjusted", "from", r.threshold, "to", proposed)
			r.threshold = proposed
		}
	}
}

// FeedbackWindow returns a copy of the current window.
func (r *AdaptiveRouter) FeedbackWindow() []Feedback {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Feedback{}, r.window...)
}
