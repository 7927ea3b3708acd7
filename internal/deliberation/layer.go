package deliberation

import (
	"context"
	"time"

	"github.com/acgs/agentbus/internal/model"
)

// DeliverFunc performs the final fast-lane delivery for a message once
// deliberation (if any) approves it.
type DeliverFunc func(ctx context.Context, msg *model.AgentMessage) error

// Outcome is the end-to-end result of running a message through the layer.
type Outcome struct {
	Success         bool                `json:"success"`
	Lane            Lane                `json:"lane"`
	Status          model.MessageStatus `json:"status"`
	ImpactScore     float64             `json:"impact_score"`
	TaskID          string              `json:"task_id,omitempty"`
	GuardResult     *GuardResult        `json:"guard_result,omitempty"`
	SignatureResult *SignatureResult    `json:"signature_result,omitempty"`
	ReviewResult    *ReviewResult       `json:"review_result,omitempty"`
	ProcessingTime  time.Duration       `json:"processing_time"`
	Reason          string              `json:"reason,omitempty"`
}

// Layer composes scorer, router, guard and queue into the slow-lane
// pipeline. Fast-lane messages go straight to delivery; high-impact ones
// clear the guard gates and then block on deliberation consensus.
type Layer struct {
	router *AdaptiveRouter
	guard  *Guard
	queue  *Queue
}

// NewLayer wires the deliberation components together. Nil components get
// defaults.
func NewLayer(router *AdaptiveRouter, guard *Guard, queue *Queue) *Layer {
	if router == nil {
		router = NewAdaptiveRouter(nil, nil)
	}
	if guard == nil {
		guard = NewGuard(nil, 0)
	}
	if queue == nil {
		queue = NewQueue(DefaultQueueConfig())
	}
	return &Layer{router: router, guard: guard, queue: queue}
}

// Router exposes the layer's router for force-deliberation and feedback.
func (l *Layer) Router() *AdaptiveRouter { return l.router }

// Queue exposes the deliberation queue for vote submission.
func (l *Layer) Queue() *Queue { return l.queue }

// Guard exposes the policy guard for signer/critic registration.
func (l *Layer) Guard() *Guard { return l.guard }

// ProcessMessage routes a message and, for the deliberation lane, runs the
// guard gates and waits for consensus (bounded by the task watchdog).
func (l *Layer) ProcessMessage(ctx context.Context, msg *model.AgentMessage, deliver DeliverFunc) Outcome {
	start := time.Now()
	lane, score := l.router.Route(msg)

	if lane == LaneFast {
		return l.finishFast(ctx, msg, deliver, score, start)
	}
	return l.deliberate(ctx, msg, deliver, score, start)
}

func (l *Layer) finishFast(ctx context.Context, msg *model.AgentMessage, deliver DeliverFunc, score float64, start time.Time) Outcome {
	out := Outcome{Lane: LaneFast, ImpactScore: score}
	if deliver != nil {
		if err := deliver(ctx, msg); err != nil {
			msg.Touch(model.StatusFailed)
			out.Status = model.StatusFailed
			out.Reason = model.RedactError(err.Error())
			out.ProcessingTime = time.Since(start)
			l.feedback(msg, out, "failed")
			return out
		}
	}
	msg.Touch(model.StatusDelivered)
	out.Success = true
	out.Status = model.StatusDelivered
	out.ProcessingTime = time.Since(start)
	l.feedback(msg, out, "delivered")
	return out
}

// Deliberate runs the slow-lane gates for an already-routed message and
// blocks until consensus, timeout or cancellation. Callers that must not
// block (the bus send path) invoke it on their own goroutine.
func (l *Layer) Deliberate(ctx context.Context, msg *model.AgentMessage, deliver DeliverFunc, score float64) Outcome {
	return l.deliberate(ctx, msg, deliver, score, time.Now())
}

func (l *Layer) deliberate(ctx context.Context, msg *model.AgentMessage, deliver DeliverFunc, score float64, start time.Time) Outcome {
	out := Outcome{Lane: LaneDeliberation, ImpactScore: score}

	guardResult := l.guard.Verify(msg)
	out.GuardResult = &guardResult

	switch guardResult.Verdict {
	case GuardDeny:
		return l.fail(msg, out, start, "denied by policy guard")

	case GuardRequireSignatures:
		sigResult := l.guard.CollectSignatures(ctx, msg, guardResult.RequiredSigners)
		out.SignatureResult = &sigResult
		if !sigResult.Passed {
			return l.fail(msg, out, start, "signature collection failed")
		}

	case GuardRequireReview:
		reviewResult := l.guard.CollectReviews(ctx, msg, guardResult.RequiredReviewers)
		out.ReviewResult = &reviewResult
		if reviewResult.ConsensusVerdict != "approve" {
			return l.fail(msg, out, start, "critic review: "+reviewResult.ConsensusVerdict)
		}
	}

	task := l.queue.Enqueue(msg, map[string]interface{}{
		"impact_score": score,
		"guard":        string(guardResult.Verdict),
	})
	out.TaskID = task.TaskID

	select {
	case <-ctx.Done():
		return l.fail(msg, out, start, "deliberation cancelled")
	case <-task.Done():
	}

	switch task.Status {
	case TaskApproved:
		if deliver != nil {
			if err := deliver(ctx, msg); err != nil {
				return l.fail(msg, out, start, model.RedactError(err.Error()))
			}
		}
		msg.Touch(model.StatusDelivered)
		out.Success = true
		out.Status = model.StatusDelivered
		out.ProcessingTime = time.Since(start)
		l.feedback(msg, out, "approved")
		return out
	case TaskTimedOut:
		return l.fail(msg, out, start, "deliberation timed out")
	default:
		return l.fail(msg, out, start, "deliberation rejected")
	}
}

func (l *Layer) fail(msg *model.AgentMessage, out Outcome, start time.Time, reason string) Outcome {
	msg.Touch(model.StatusFailed)
	out.Success = false
	out.Status = model.StatusFailed
	out.Reason = reason
	out.ProcessingTime = time.Since(start)
	l.feedback(msg, out, reason)
	return out
}

func (l *Layer) feedback(msg *model.AgentMessage, out Outcome, outcome string) {
	l.router.RecordFeedback(Feedback{
		MessageID:      msg.MessageID,
		Lane:           out.Lane,
		ActualOutcome:  outcome,
		ProcessingTime: out.ProcessingTime,
		FeedbackScore:  out.ImpactScore,
	})
}
