package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeByType(t *testing.T) {
	b := NewBus()
	security := b.Subscribe("security.anomaly_detected")
	all := b.Subscribe()

	b.Emit("security.anomaly_detected", "scanner", "agent-1", map[string]interface{}{"n": 1})
	b.Emit("lifecycle.started", "bus", "", nil)

	select {
	case ev := <-security:
		assert.Equal(t, "security.anomaly_detected", ev.Type)
		assert.Equal(t, "agent-1", ev.Subject)
	case <-time.After(time.Second):
		t.Fatal("typed subscriber missed its event")
	}
	select {
	case ev := <-security:
		t.Fatalf("typed subscriber received unrelated event %s", ev.Type)
	default:
	}

	// The catch-all subscriber sees both.
	assert.Len(t, drain(all), 2)
}

func TestPublishNonBlockingDropsOnFullBuffer(t *testing.T) {
	b := NewBus()
	b.bufferSize = 1
	ch := b.Subscribe("x")

	b.Emit("x", "s", "", nil)
	b.Emit("x", "s", "", nil)

	assert.Equal(t, uint64(1), b.Dropped())
	assert.Len(t, drain(ch), 1)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe("x")
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(ch)
	assert.Equal(t, 0, b.SubscriberCount())
	_, open := <-ch
	assert.False(t, open)
}

func TestEventEnvelope(t *testing.T) {
	ev := NewEvent("audit.recorded", "recorder", "subj", map[string]interface{}{"k": "v"})
	assert.Equal(t, "1.0", ev.SpecVersion)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Time.IsZero())

	raw, err := ev.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"specversion":"1.0"`)
}

func drain(ch chan *Event) []*Event {
	var out []*Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
