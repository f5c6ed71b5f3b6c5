package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishFanOut(t *testing.T) {
	h := NewHub()

	a := h.Register("user-1")
	b := h.Register("user-1")
	other := h.Register("user-2")
	defer h.CloseAll()

	h.Publish("user-1", EventDepositRecorded, map[string]any{"reward": 10})

	for _, c := range []*Client{a, b} {
		select {
		case ev := <-c.Events:
			assert.Equal(t, EventDepositRecorded, ev.Kind)
		default:
			t.Fatalf("client %s missed the event", c.ID)
		}
	}

	select {
	case ev := <-other.Events:
		t.Fatalf("foreign user received %q", ev.Kind)
	default:
	}
}

func TestHub_PublishWithoutClients(t *testing.T) {
	h := NewHub()

	// Must not block or panic.
	h.Publish("user-1", EventArenaStarted, nil)
	assert.Equal(t, 0, h.ClientCount())
}

func TestHub_PublishOrder(t *testing.T) {
	h := NewHub()
	c := h.Register("user-1")
	defer h.CloseAll()

	h.Publish("user-1", EventArenaStarted, 1)
	h.Publish("user-1", EventDepositRecorded, 2)
	h.Publish("user-1", EventSessionEnded, 3)

	want := []string{EventArenaStarted, EventDepositRecorded, EventSessionEnded}
	for _, kind := range want {
		ev := <-c.Events
		assert.Equal(t, kind, ev.Kind)
	}
}

func TestHub_SlowClientDropsNotBlocks(t *testing.T) {
	h := NewHub()
	slow := h.Register("user-1")
	fresh := h.Register("user-1")
	defer h.CloseAll()

	// Overfill the slow client's buffer; the publisher must not block and
	// the healthy client keeps receiving.
	for i := 0; i < clientBuffer+10; i++ {
		h.Publish("user-1", EventDepositRecorded, i)
		// Keep the healthy client drained so only the slow one overflows.
		<-fresh.Events
	}

	assert.Equal(t, clientBuffer, len(slow.Events))
}

func TestHub_Unregister(t *testing.T) {
	h := NewHub()
	c := h.Register("user-1")

	require.Equal(t, 1, h.ClientCount())
	require.Equal(t, 1, h.UserConnectionCount("user-1"))

	h.Unregister(c.ID)
	assert.Equal(t, 0, h.ClientCount())

	// The channel is closed so a draining transport loop terminates.
	_, open := <-c.Events
	assert.False(t, open)

	// Unknown ids and double unregisters are no-ops.
	h.Unregister(c.ID)
	h.Unregister("missing")
}

func TestHub_CloseAll(t *testing.T) {
	h := NewHub()
	a := h.Register("user-1")
	b := h.Register("user-2")

	h.CloseAll()
	assert.Equal(t, 0, h.ClientCount())

	_, open := <-a.Events
	assert.False(t, open)
	_, open = <-b.Events
	assert.False(t, open)
}
