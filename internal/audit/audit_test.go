package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acgs/agentbus/internal/events"
)

func TestRecordProducesDistinctHashes(t *testing.T) {
	r := NewHashingRecorder(nil)
	ctx := context.Background()

	h1, err := r.Record(ctx, map[string]interface{}{"message_id": "m-1"})
	require.NoError(t, err)
	assert.Len(t, h1, 64)

	// Same payload replayed: the timestamp annotation makes the hash
	// distinct.
	h2, err := r.Record(ctx, map[string]interface{}{"message_id": "m-1"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	assert.Equal(t, []string{h1, h2}, r.RecentHashes())
}

func TestRecordNilPayload(t *testing.T) {
	r := NewHashingRecorder(nil)
	h, err := r.Record(context.Background(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, h)
}

func TestRecentHashesBounded(t *testing.T) {
	r := NewHashingRecorder(nil)
	r.max = 3
	for i := 0; i < 5; i++ {
		_, err := r.Record(context.Background(), map[string]interface{}{"n": i})
		require.NoError(t, err)
	}
	assert.Len(t, r.RecentHashes(), 3)
}

func TestRecordEmitsEvent(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe("audit.recorded")

	r := NewHashingRecorder(bus)
	h, err := r.Record(context.Background(), map[string]interface{}{"message_id": "m-1"})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, h, ev.Data["audit_hash"])
		assert.Equal(t, h, ev.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("audit event never published")
	}
}

func TestRecordAsync(t *testing.T) {
	r := NewHashingRecorder(nil)
	RecordAsync(r, map[string]interface{}{"message_id": "m-1"})
	RecordAsync(nil, nil) // nil recorder is a no-op

	assert.Eventually(t, func() bool {
		return len(r.RecentHashes()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
