package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/avswitch/internal/metrics"
)

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub(metrics.New())
	defer hub.Close()

	ch := make(chan Notification, 4)
	require.NoError(t, hub.Subscribe("mqtt", ch))

	hub.Publish(AddPreviewPort(3003, "video", "branch_a"))

	select {
	case n := <-ch:
		assert.Equal(t, NameAddPreviewPort, n.Name)
		assert.Equal(t, 3003, n.Args["port"])
		assert.Equal(t, "branch_a", n.Args["type"])
		assert.False(t, n.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}

	assert.Equal(t, uint64(1), hub.Published())
	t.Log("✅ Notification delivered to subscriber")
}

func TestHub_SlowSubscriberDrops(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	slow := make(chan Notification, 1)
	fast := make(chan Notification, 8)
	require.NoError(t, hub.Subscribe("slow", slow))
	require.NoError(t, hub.Subscribe("fast", fast))

	done := make(chan struct{})
	go func() {
		hub.Publish(SetComposePort(3001))
		hub.Publish(SetEncodePort(3002))
		hub.Publish(NewModeOnline(1))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	slowStats, err := hub.Stats("slow")
	require.NoError(t, err)
	assert.Equal(t, Stats{Sent: 1, Dropped: 2}, slowStats)

	fastStats, err := hub.Stats("fast")
	require.NoError(t, err)
	assert.Equal(t, Stats{Sent: 3}, fastStats)

	assert.Equal(t, NameSetComposePort, (<-slow).Name)
}

func TestHub_Errors(t *testing.T) {
	hub := NewHub(nil)

	ch := make(chan Notification, 1)
	require.NoError(t, hub.Subscribe("ws-1", ch))

	assert.ErrorIs(t, hub.Subscribe("ws-1", ch), ErrSubscriberExists)
	assert.ErrorIs(t, hub.Subscribe("ws-2", nil), ErrNilChannel)
	assert.ErrorIs(t, hub.Unsubscribe("missing"), ErrSubscriberNotFound)
	_, err := hub.Stats("missing")
	assert.ErrorIs(t, err, ErrSubscriberNotFound)

	require.NoError(t, hub.Unsubscribe("ws-1"))
	hub.Publish(SetAudioPort(4001))
	assert.Empty(t, ch)

	hub.Close()
	assert.ErrorIs(t, hub.Subscribe("ws-3", ch), ErrHubClosed)
	hub.Publish(SetAudioPort(4001))
	assert.Equal(t, uint64(1), hub.Published())
}
