package deliberation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acgs/agentbus/internal/model"
)

func newTestLayer(t *testing.T, cfg QueueConfig) *Layer {
	t.Helper()
	queue := NewQueue(cfg)
	t.Cleanup(queue.Close)
	return NewLayer(nil, NewGuard(nil, time.Second), queue)
}

func TestLayerFastLaneDelivers(t *testing.T) {
	l := newTestLayer(t, QueueConfig{})

	var delivered bool
	msg := model.NewMessage("a", "b", model.TypeQuery)
	msg.Priority = model.PriorityLow
	out := l.ProcessMessage(context.Background(), msg, func(context.Context, *model.AgentMessage) error {
		delivered = true
		return nil
	})

	assert.True(t, out.Success)
	assert.Equal(t, LaneFast, out.Lane)
	assert.True(t, delivered)
	assert.Equal(t, model.StatusDelivered, msg.Status)
	assert.Len(t, l.Router().FeedbackWindow(), 1)
}

func TestLayerFastLaneDeliveryFailure(t *testing.T) {
	l := newTestLayer(t, QueueConfig{})

	msg := model.NewMessage("a", "b", model.TypeQuery)
	msg.Priority = model.PriorityLow
	out := l.ProcessMessage(context.Background(), msg, func(context.Context, *model.AgentMessage) error {
		return errors.New("transport refused")
	})
	assert.False(t, out.Success)
	assert.Equal(t, model.StatusFailed, msg.Status)
}

func TestLayerDeliberationApproval(t *testing.T) {
	l := newTestLayer(t, QueueConfig{RequiredVotes: 2, TimeoutSeconds: 5})

	// Critical notification: high impact via the priority floor, guard Allow.
	msg := model.NewMessage("a", "b", model.TypeNotification)
	msg.Priority = model.PriorityCritical

	done := make(chan Outcome, 1)
	go func() {
		done <- l.ProcessMessage(context.Background(), msg, func(context.Context, *model.AgentMessage) error {
			return nil
		})
	}()

	task := waitForTask(t, l.Queue())
	_, err := l.Queue().SubmitVote(task.TaskID, Vote{AgentID: "v1", Decision: VoteApprove})
	require.NoError(t, err)
	_, err = l.Queue().SubmitVote(task.TaskID, Vote{AgentID: "v2", Decision: VoteApprove})
	require.NoError(t, err)

	out := <-done
	assert.True(t, out.Success)
	assert.Equal(t, LaneDeliberation, out.Lane)
	assert.Equal(t, task.TaskID, out.TaskID)
	assert.Equal(t, model.StatusDelivered, msg.Status)
}

func TestLayerDeliberationRejection(t *testing.T) {
	l := newTestLayer(t, QueueConfig{RequiredVotes: 1, TimeoutSeconds: 5})

	msg := model.NewMessage("a", "b", model.TypeNotification)
	msg.Priority = model.PriorityCritical

	done := make(chan Outcome, 1)
	go func() {
		done <- l.ProcessMessage(context.Background(), msg, nil)
	}()

	task := waitForTask(t, l.Queue())
	_, err := l.Queue().SubmitVote(task.TaskID, Vote{AgentID: "v1", Decision: VoteReject})
	require.NoError(t, err)

	out := <-done
	assert.False(t, out.Success)
	assert.Contains(t, out.Reason, "rejected")
	assert.Equal(t, model.StatusFailed, msg.Status)
}

func TestLayerDeliberationTimeout(t *testing.T) {
	l := newTestLayer(t, QueueConfig{TimeoutSeconds: 0.05})

	msg := model.NewMessage("a", "b", model.TypeNotification)
	msg.Priority = model.PriorityCritical

	out := l.ProcessMessage(context.Background(), msg, nil)
	assert.False(t, out.Success)
	assert.Contains(t, out.Reason, "timed out")
}

func TestLayerSignatureGateBlocksGovernance(t *testing.T) {
	l := newTestLayer(t, QueueConfig{TimeoutSeconds: 5})

	// Governance request hits RequireSignatures; no signer registered.
	msg := model.NewMessage("a", "b", model.TypeGovernanceRequest)
	msg.Priority = model.PriorityCritical

	out := l.ProcessMessage(context.Background(), msg, nil)
	assert.False(t, out.Success)
	require.NotNil(t, out.SignatureResult)
	assert.False(t, out.SignatureResult.Passed)
	assert.Empty(t, out.TaskID, "guard failure never reaches the queue")
}

func TestLayerSignatureGatePassesIntoQueue(t *testing.T) {
	l := newTestLayer(t, QueueConfig{RequiredVotes: 1, TimeoutSeconds: 5})
	l.Guard().RegisterSigner("governance-signer", stubSigner{sig: "sig"})

	msg := model.NewMessage("a", "b", model.TypeGovernanceRequest)
	msg.Priority = model.PriorityCritical

	done := make(chan Outcome, 1)
	go func() {
		done <- l.ProcessMessage(context.Background(), msg, nil)
	}()

	task := waitForTask(t, l.Queue())
	_, err := l.Queue().SubmitVote(task.TaskID, Vote{AgentID: "v1", Decision: VoteApprove})
	require.NoError(t, err)

	out := <-done
	assert.True(t, out.Success)
	require.NotNil(t, out.SignatureResult)
	assert.True(t, out.SignatureResult.Passed)
}

func TestLayerCancellation(t *testing.T) {
	l := newTestLayer(t, QueueConfig{TimeoutSeconds: 60})

	msg := model.NewMessage("a", "b", model.TypeNotification)
	msg.Priority = model.PriorityCritical

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		done <- l.ProcessMessage(ctx, msg, nil)
	}()
	waitForTask(t, l.Queue())
	cancel()

	out := <-done
	assert.False(t, out.Success)
	assert.Contains(t, out.Reason, "cancelled")
}

func waitForTask(t *testing.T, q *Queue) *Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tasks := q.Tasks(); len(tasks) > 0 {
			return tasks[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no deliberation task appeared")
	return nil
}
