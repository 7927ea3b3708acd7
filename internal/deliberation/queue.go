package deliberation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acgs/agentbus/internal/model"
)

// TaskStatus tracks a deliberation task. Terminal states are Approved,
// Rejected and TimedOut; the first terminal transition wins.
type TaskStatus string

const (
	TaskPending          TaskStatus = "pending"
	TaskUnderReview      TaskStatus = "under_review"
	TaskApproved         TaskStatus = "approved"
	TaskRejected         TaskStatus = "rejected"
	TaskTimedOut         TaskStatus = "timed_out"
	TaskConsensusReached TaskStatus = "consensus_reached"
)

// Terminal reports whether a status ends the task.
func (s TaskStatus) Terminal() bool {
	return s == TaskApproved || s == TaskRejected || s == TaskTimedOut
}

// VoteDecision is one agent's verdict on a task.
type VoteDecision string

const (
	VoteApprove VoteDecision = "approve"
	VoteReject  VoteDecision = "reject"
	VoteAbstain VoteDecision = "abstain"
)

// Vote is a single agent's vote. A later vote from the same agent replaces
// the earlier one.
type Vote struct {
	AgentID    string       `json:"agent_id"`
	Decision   VoteDecision `json:"decision"`
	Reasoning  string       `json:"reasoning,omitempty"`
	Confidence float64      `json:"confidence"`
	Weight     float64      `json:"weight"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Task is one message awaiting deliberation.
type Task struct {
	TaskID             string                 `json:"task_id"`
	Message            *model.AgentMessage    `json:"message"`
	Status             TaskStatus             `json:"status"`
	RequiredVotes      int                    `json:"required_votes"`
	ConsensusThreshold float64                `json:"consensus_threshold"`
	TimeoutSeconds     float64                `json:"timeout_seconds"`
	Votes              map[string]*Vote       `json:"votes"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	HumanReviewer      string                 `json:"human_reviewer,omitempty"`
	HumanDecision      string                 `json:"human_decision,omitempty"`
	Reasoning          string                 `json:"reasoning,omitempty"`

	mu   sync.Mutex
	done chan struct{}
}

// Done is closed when the task reaches a terminal status.
func (t *Task) Done() <-chan struct{} { return t.done }

// snapshot copies the task under its lock so serialization never races
// with an arriving vote. Vote pointers are safe to share: a re-vote
// replaces the pointer, it never mutates the pointee.
func (t *Task) snapshot() *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	votes := make(map[string]*Vote, len(t.Votes))
	for id, v := range t.Votes {
		votes[id] = v
	}
	return &Task{
		TaskID:             t.TaskID,
		Message:            t.Message,
		Status:             t.Status,
		RequiredVotes:      t.RequiredVotes,
		ConsensusThreshold: t.ConsensusThreshold,
		TimeoutSeconds:     t.TimeoutSeconds,
		Votes:              votes,
		Metadata:           t.Metadata,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
		HumanReviewer:      t.HumanReviewer,
		HumanDecision:      t.HumanDecision,
		Reasoning:          t.Reasoning,
	}
}

// QueueConfig configures deliberation defaults.
type QueueConfig struct {
	RequiredVotes      int
	ConsensusThreshold float64
	TimeoutSeconds     float64
	// PersistPath, when set, snapshots the task map to a JSON file after
	// every mutation.
	PersistPath string
}

// DefaultQueueConfig is 3 votes, 0.66 consensus, 300s timeout.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		RequiredVotes:      3,
		ConsensusThreshold: 0.66,
		TimeoutSeconds:     300,
	}
}

// Queue is the concurrency-safe deliberation task map. Each enqueued task
// gets a watchdog goroutine that times it out unless it terminates first.
type Queue struct {
	cfg QueueConfig

	mu    sync.Mutex
	tasks map[string]*Task
	wg    sync.WaitGroup
	stop  chan struct{}
	once  sync.Once
}

// NewQueue creates a deliberation queue. Zero config fields fall back to the
// defaults.
func NewQueue(cfg QueueConfig) *Queue {
	def := DefaultQueueConfig()
	if cfg.RequiredVotes <= 0 {
		cfg.RequiredVotes = def.RequiredVotes
	}
	if cfg.ConsensusThreshold <= 0 {
		cfg.ConsensusThreshold = def.ConsensusThreshold
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = def.TimeoutSeconds
	}
	return &Queue{
		cfg:   cfg,
		tasks: make(map[string]*Task),
		stop:  make(chan struct{}),
	}
}

// Enqueue creates a task for the message and starts its watchdog.
func (q *Queue) Enqueue(msg *model.AgentMessage, metadata map[string]interface{}) *Task {
	now := time.Now().UTC()
	task := &Task{
		TaskID:             uuid.New().String(),
		Message:            msg,
		Status:             TaskPending,
		RequiredVotes:      q.cfg.RequiredVotes,
		ConsensusThreshold: q.cfg.ConsensusThreshold,
		TimeoutSeconds:     q.cfg.TimeoutSeconds,
		Votes:              make(map[string]*Vote),
		Metadata:           metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
		done:               make(chan struct{}),
	}

	q.mu.Lock()
	q.tasks[task.TaskID] = task
	q.mu.Unlock()

	msg.Touch(model.StatusPendingDeliberation)
	q.persist()

	q.wg.Add(1)
	go q.watchdog(task)

	slog.Info("[Deliberation] task enqueued",
		"task_id", task.TaskID, "message_id", msg.MessageID,
		"timeout_s", task.TimeoutSeconds)
	return task
}

// Get returns a task by id, or nil.
func (q *Queue) Get(taskID string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks[taskID]
}

// Tasks returns the tracked tasks in no particular order.
func (q *Queue) Tasks() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t)
	}
	return out
}

// Len returns the number of tracked tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// SubmitVote records a vote on a pending task and evaluates consensus. A
// re-vote from the same agent replaces the earlier vote. Returns the task
// status after evaluation.
func (q *Queue) SubmitVote(taskID string, vote Vote) (TaskStatus, error) {
	task := q.Get(taskID)
	if task == nil {
		return "", fmt.Errorf("deliberation task %q not found", taskID)
	}

	task.mu.Lock()
	if task.Status.Terminal() {
		status := task.Status
		task.mu.Unlock()
		return status, fmt.Errorf("task %q already terminal (%s)", taskID, status)
	}
	if vote.Timestamp.IsZero() {
		vote.Timestamp = time.Now().UTC()
	}
	if vote.Weight <= 0 {
		vote.Weight = 1
	}
	task.Votes[vote.AgentID] = &vote
	task.UpdatedAt = time.Now().UTC()

	q.evaluateConsensusLocked(task)
	status := task.Status
	task.mu.Unlock()

	q.persist()
	return status, nil
}

// evaluateConsensusLocked applies the consensus rule; task.mu must be held.
// Approved iff len(votes) >= required and approvals/votes >= threshold,
// using weight fractions when any non-default weight is present.
func (q *Queue) evaluateConsensusLocked(task *Task) {
	if len(task.Votes) < task.RequiredVotes {
		return
	}

	var approveWeight, totalWeight float64
	weighted := false
	for _, v := range task.Votes {
		if v.Weight != 1 {
			weighted = true
		}
		totalWeight += v.Weight
		if v.Decision == VoteApprove {
			approveWeight += v.Weight
		}
	}
	if !weighted {
		totalWeight = float64(len(task.Votes))
		approveWeight = 0
		for _, v := range task.Votes {
			if v.Decision == VoteApprove {
				approveWeight++
			}
		}
	}

	if totalWeight == 0 {
		return
	}
	if approveWeight/totalWeight >= task.ConsensusThreshold {
		q.terminateLocked(task, TaskApproved)
	} else {
		q.terminateLocked(task, TaskRejected)
	}
}

// BeginReview moves a pending task under human review.
func (q *Queue) BeginReview(taskID, reviewer string) error {
	task := q.Get(taskID)
	if task == nil {
		return fmt.Errorf("deliberation task %q not found", taskID)
	}
	task.mu.Lock()
	if task.Status != TaskPending {
		status := task.Status
		task.mu.Unlock()
		return fmt.Errorf("task %q not pending (%s)", taskID, status)
	}
	task.Status = TaskUnderReview
	task.HumanReviewer = reviewer
	task.UpdatedAt = time.Now().UTC()
	task.mu.Unlock()

	q.persist()
	return nil
}

// SubmitHumanDecision resolves a task under review. Accepted only while the
// task is UnderReview.
func (q *Queue) SubmitHumanDecision(taskID, reviewer, decision, reasoning string) error {
	task := q.Get(taskID)
	if task == nil {
		return fmt.Errorf("deliberation task %q not found", taskID)
	}
	task.mu.Lock()
	if task.Status != TaskUnderReview {
		status := task.Status
		task.mu.Unlock()
		return fmt.Errorf("task %q not under review (%s)", taskID, status)
	}
	task.HumanReviewer = reviewer
	task.HumanDecision = decision
	task.Reasoning = reasoning
	if decision == "approve" {
		q.terminateLocked(task, TaskApproved)
	} else {
		q.terminateLocked(task, TaskRejected)
	}
	task.mu.Unlock()

	q.persist()
	return nil
}

// terminateLocked sets a terminal status once; task.mu must be held.
func (q *Queue) terminateLocked(task *Task, status TaskStatus) {
	if task.Status.Terminal() {
		return
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	close(task.done)
	slog.Info("[Deliberation] task terminal",
		"task_id", task.TaskID, "status", status, "votes", len(task.Votes))
}

// watchdog times the task out unless it terminates first.
func (q *Queue) watchdog(task *Task) {
	defer q.wg.Done()
	timeout := time.Duration(task.TimeoutSeconds * float64(time.Second))
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-task.Done():
	case <-q.stop:
		// Shutdown times the task out so anything blocked on Done()
		// unwinds instead of waiting for a consensus that cannot come.
		task.mu.Lock()
		q.terminateLocked(task, TaskTimedOut)
		task.mu.Unlock()
		q.persist()
	case <-timer.C:
		task.mu.Lock()
		q.terminateLocked(task, TaskTimedOut)
		task.mu.Unlock()
		q.persist()
	}
}

// Close stops all watchdogs and waits for them. Non-terminal tasks are
// timed out on the way down.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.stop) })
	q.wg.Wait()
}

// persist snapshots the task map to the configured JSON file. Best effort;
// a write failure is logged, never propagated.
func (q *Queue) persist() {
	if q.cfg.PersistPath == "" {
		return
	}
	q.mu.Lock()
	tasks := make([]*Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		tasks = append(tasks, t)
	}
	q.mu.Unlock()

	snapshot := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		snapshot[t.TaskID] = t.snapshot()
	}

	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		slog.Warn("[Deliberation] persist marshal failed", "error", err)
		return
	}
	if err := os.WriteFile(q.cfg.PersistPath, raw, 0o600); err != nil {
		slog.Warn("[Deliberation] persist write failed", "error", err)
	}
}
