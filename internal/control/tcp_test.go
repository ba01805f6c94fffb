package control

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/avswitch/internal/notify"
)

// frame is the union of responses and notifications as a client sees them.
type frame struct {
	ID         string                 `json:"id"`
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data"`
	Name       string                 `json:"name"`
	Args       map[string]interface{} `json:"args"`
}

func startTCP(t *testing.T, hub *notify.Hub) net.Conn {
	t.Helper()

	server, client := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewTCP(NewHandler(testCallbacks(&recorder{}), nil), hub).ServeConn(ctx, server)
	}()

	t.Cleanup(func() {
		cancel()
		client.Close()
		server.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("ServeConn did not return")
		}
	})
	return client
}

func TestTCP_CommandRoundTrip(t *testing.T) {
	conn := startTCP(t, nil)
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	require.NoError(t, WriteFrame(conn, Command{
		ID:      "1",
		Command: CmdSwitch,
		Params:  map[string]interface{}{"channel": "A", "port": 3004},
	}))

	var resp frame
	require.NoError(t, ReadFrame(conn, &resp))
	assert.Equal(t, "1", resp.ID)
	assert.Equal(t, CmdSwitch, resp.CommandAck)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, true, resp.Data["result"])

	require.NoError(t, WriteFrame(conn, Command{ID: "2", Command: CmdGetComposePort}))
	require.NoError(t, ReadFrame(conn, &resp))
	assert.Equal(t, "2", resp.ID)
	assert.EqualValues(t, 3001, resp.Data["port"])

	t.Log("✅ Framed msgpack commands answered in order")
}

func TestTCP_PushesNotifications(t *testing.T) {
	hub := notify.NewHub(nil)
	defer hub.Close()

	conn := startTCP(t, hub)
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	// Subscription happens inside ServeConn; wait until it is in place.
	require.Eventually(t, func() bool {
		_, err := hub.Stats("tcp-1")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	hub.Publish(notify.SetComposePort(3001))

	var n frame
	require.NoError(t, ReadFrame(conn, &n))
	assert.Equal(t, notify.NameSetComposePort, n.Name)
	assert.EqualValues(t, 3001, n.Args["port"])
}

// brokenWriter fails every write, like a client that stopped reading.
type brokenWriter struct {
	net.Conn
}

func (brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestTCP_NotificationWriteFailureEndsConn(t *testing.T) {
	hub := notify.NewHub(nil)
	defer hub.Close()

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewTCP(NewHandler(testCallbacks(&recorder{}), nil), hub).ServeConn(context.Background(), brokenWriter{server})
	}()

	require.Eventually(t, func() bool {
		_, err := hub.Stats("tcp-1")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	// The client never sends a command, so only the failed write can end
	// the read loop.
	hub.Publish(notify.SetComposePort(3001))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn stayed blocked reading after the notification write failed")
	}

	_, err := hub.Stats("tcp-1")
	assert.ErrorIs(t, err, notify.ErrSubscriberNotFound, "subscription released")

	t.Log("✅ Failed notification write ends the control connection")
}

func TestReadFrame_TooLarge(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go client.Write([]byte{0xff, 0xff, 0xff, 0xff})

	var cmd Command
	assert.ErrorIs(t, ReadFrame(server, &cmd), ErrFrameTooLarge)
}
