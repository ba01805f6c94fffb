package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/avswitch/internal/notify"
)

// notifyBuffer is how many notifications a slow control client may lag
// behind before it starts missing them.
const notifyBuffer = 32

// TCP serves the framed control protocol on accepted connections. Every
// connection gets responses to its own commands and every notification.
type TCP struct {
	handler *Handler
	hub     *notify.Hub
	seq     atomic.Uint64
}

// NewTCP creates the TCP transport. hub may be nil.
func NewTCP(h *Handler, hub *notify.Hub) *TCP {
	return &TCP{handler: h, hub: hub}
}

// ServeConn runs the protocol on conn until the client disconnects, a write
// fails or ctx is cancelled. It does not close conn.
func (t *TCP) ServeConn(ctx context.Context, conn net.Conn) {
	id := fmt.Sprintf("tcp-%d", t.seq.Add(1))
	remote := conn.RemoteAddr().String()

	slog.Info("control: client connected", "client", id, "remote", remote)
	defer slog.Info("control: client disconnected", "client", id, "remote", remote)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblocks ReadFrame once the connection is done for, whichever side
	// gave up first.
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	var writeMu sync.Mutex
	write := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return WriteFrame(conn, v)
	}

	var wg sync.WaitGroup
	if t.hub != nil {
		events := make(chan notify.Notification, notifyBuffer)
		if err := t.hub.Subscribe(id, events); err != nil {
			slog.Warn("control: notifications unavailable", "client", id, "error", err)
		} else {
			defer t.hub.Unsubscribe(id)

			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-ctx.Done():
						return
					case n := <-events:
						if err := write(n); err != nil {
							slog.Debug("control: notification write failed", "client", id, "error", err)
							cancel()
							return
						}
					}
				}
			}()
		}
	}
	defer wg.Wait()

	for {
		var cmd Command
		if err := ReadFrame(conn, &cmd); err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Warn("control: read failed", "client", id, "error", err)
			}
			cancel()
			return
		}

		resp := t.handler.Dispatch(cmd)
		if err := write(resp); err != nil {
			slog.Warn("control: write failed", "client", id, "error", err)
			cancel()
			return
		}
	}
}
