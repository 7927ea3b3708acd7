package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/acgs/agentbus/internal/model"
)

// DefaultChannel is the Redis Pub/Sub channel carrying bus messages.
const DefaultChannel = "acgs2:bus:messages"

// RedisTransport fans messages out across bus instances over Redis Pub/Sub.
// Delivery is at-most-once per subscriber; the bus treats the transport as
// best-effort and the in-process queue as the fallback.
type RedisTransport struct {
	rdb     *redis.Client
	channel string

	mu        sync.Mutex
	callbacks []Callback
	pubsub    *redis.PubSub
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
}

// NewRedisTransport wraps a Redis client. Empty channel selects the
// default.
func NewRedisTransport(rdb *redis.Client, channel string) *RedisTransport {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisTransport{rdb: rdb, channel: channel}
}

// Start subscribes and launches the consumer goroutine. Idempotent.
func (t *RedisTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	pubsub := t.rdb.Subscribe(runCtx, t.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return fmt.Errorf("subscribe transport channel: %w", err)
	}

	t.pubsub = pubsub
	t.cancel = cancel
	t.running = true

	t.wg.Add(1)
	go t.consume(runCtx, pubsub.Channel())
	slog.Info("[Transport] redis transport started", "channel", t.channel)
	return nil
}

// Stop cancels the consumer and closes the subscription. Safe before
// Start.
func (t *RedisTransport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.cancel()
	pubsub := t.pubsub
	t.mu.Unlock()

	err := pubsub.Close()
	t.wg.Wait()
	return err
}

// SendMessage publishes the message to the channel. The boolean mirrors
// whether at least one remote subscriber received it.
func (t *RedisTransport) SendMessage(ctx context.Context, msg *model.AgentMessage) (bool, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("marshal message: %w", err)
	}
	receivers, err := t.rdb.Publish(ctx, t.channel, raw).Result()
	if err != nil {
		return false, fmt.Errorf("publish message: %w", err)
	}
	return receivers > 0, nil
}

// Subscribe registers a callback invoked for every received message.
func (t *RedisTransport) Subscribe(cb Callback) {
	t.mu.Lock()
	t.callbacks = append(t.callbacks, cb)
	t.mu.Unlock()
}

func (t *RedisTransport) consume(ctx context.Context, ch <-chan *redis.Message) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg model.AgentMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				slog.Warn("[Transport] malformed message dropped", "error", err)
				continue
			}
			t.mu.Lock()
			callbacks := append([]Callback{}, t.callbacks...)
			t.mu.Unlock()
			for _, cb := range callbacks {
				cb(ctx, &msg)
			}
		}
	}
}
