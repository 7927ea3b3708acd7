package deliberation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout for distributed vote collection. Votes are persisted to
// the task's hash before publication so a crashed subscriber can replay.
const (
	voteHashPrefix    = "acgs2:deliberation:votes:"   // + task_id -> hash agent_id => vote JSON
	voteChannelPrefix = "acgs2:deliberation:vote:"    // + task_id, vote events
	resultChannel     = "acgs2:deliberation:results:" // + task_id, terminal events
)

// VoteCollector distributes votes across bus instances through Redis:
// event-driven collection on a per-task pub/sub channel, with durable
// storage written first.
type VoteCollector struct {
	rdb   *redis.Client
	queue *Queue

	mu   sync.Mutex
	subs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

// NewVoteCollector wires a Redis client to a deliberation queue.
func NewVoteCollector(rdb *redis.Client, queue *Queue) *VoteCollector {
	return &VoteCollector{
		rdb:   rdb,
		queue: queue,
		subs:  make(map[string]context.CancelFunc),
	}
}

// PublishVote persists a vote to the task's hash, then publishes it on the
// task's vote channel. Persistence failure aborts publication.
func (c *VoteCollector) PublishVote(ctx context.Context, taskID string, vote Vote) error {
	if vote.Timestamp.IsZero() {
		vote.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(vote)
	if err != nil {
		return fmt.Errorf("marshal vote: %w", err)
	}

	// Durable first, publish second.
	if err := c.rdb.HSet(ctx, voteHashPrefix+taskID, vote.AgentID, raw).Err(); err != nil {
		return fmt.Errorf("persist vote for task %s: %w", taskID, err)
	}
	if err := c.rdb.Publish(ctx, voteChannelPrefix+taskID, raw).Err(); err != nil {
		return fmt.Errorf("publish vote for task %s: %w", taskID, err)
	}
	return nil
}

// Collect subscribes to a task's vote channel and feeds votes into the
// queue until the task terminates or ctx is cancelled. The terminal status
// is published on the task's result channel.
func (c *VoteCollector) Collect(ctx context.Context, taskID string) error {
	task := c.queue.Get(taskID)
	if task == nil {
		return fmt.Errorf("deliberation task %q not found", taskID)
	}

	subCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if _, exists := c.subs[taskID]; exists {
		c.mu.Unlock()
		cancel()
		return nil
	}
	c.subs[taskID] = cancel
	c.mu.Unlock()

	pubsub := c.rdb.Subscribe(subCtx, voteChannelPrefix+taskID)
	// Receive forces the SUBSCRIBE round trip so no vote published after
	// Collect returns is missed.
	if _, err := pubsub.Receive(subCtx); err != nil {
		c.removeSub(taskID)
		pubsub.Close()
		return fmt.Errorf("subscribe to votes for task %s: %w", taskID, err)
	}

	// Replay persisted votes recorded before the subscription existed.
	if stored, err := c.rdb.HGetAll(subCtx, voteHashPrefix+taskID).Result(); err == nil {
		for agentID, raw := range stored {
			c.applyVote(taskID, agentID, []byte(raw))
		}
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer pubsub.Close()
		defer c.removeSub(taskID)

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-task.Done():
				c.publishResult(taskID, task)
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				c.applyVote(taskID, "", []byte(m.Payload))
			}
		}
	}()
	return nil
}

// StoredVotes reads the persisted votes for a task.
func (c *VoteCollector) StoredVotes(ctx context.Context, taskID string) (map[string]Vote, error) {
	stored, err := c.rdb.HGetAll(ctx, voteHashPrefix+taskID).Result()
	if err != nil {
		return nil, fmt.Errorf("read votes for task %s: %w", taskID, err)
	}
	out := make(map[string]Vote, len(stored))
	for agentID, raw := range stored {
		var v Vote
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decode vote from %s: %w", agentID, err)
		}
		out[agentID] = v
	}
	return out, nil
}

// Close cancels all subscriptions and waits for the readers.
func (c *VoteCollector) Close() {
	c.mu.Lock()
	for _, cancel := range c.subs {
		cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *VoteCollector) applyVote(taskID, agentID string, raw []byte) {
	var vote Vote
	if err := json.Unmarshal(raw, &vote); err != nil {
		slog.Warn("[VoteCollector] malformed vote dropped", "task_id", taskID, "error", err)
		return
	}
	if agentID != "" && vote.AgentID == "" {
		vote.AgentID = agentID
	}
	if _, err := c.queue.SubmitVote(taskID, vote); err != nil {
		slog.Debug("[VoteCollector] vote not applied", "task_id", taskID, "error", err)
	}
}

func (c *VoteCollector) publishResult(taskID string, task *Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload, err := json.Marshal(map[string]interface{}{
		"task_id": taskID,
		"status":  task.Status,
		"votes":   len(task.Votes),
	})
	if err != nil {
		return
	}
	if err := c.rdb.Publish(ctx, resultChannel+taskID, payload).Err(); err != nil {
		slog.Warn("[VoteCollector] result publish failed", "task_id", taskID, "error", err)
	}
}

func (c *VoteCollector) removeSub(taskID string) {
	c.mu.Lock()
	if cancel, ok := c.subs[taskID]; ok {
		cancel()
		delete(c.subs, taskID)
	}
	c.mu.Unlock()
}
