package worker

import (
	"sync"

	"github.com/e7canasta/avswitch/internal/engine"
)

type messageKind int

const (
	msgEvent messageKind = iota
	msgTick
	msgStopped
)

// message is one unit of work for the dispatch goroutine.
//
// gen is the graph generation the message belongs to; messages of an older
// generation are dropped on delivery.
type message struct {
	kind messageKind
	gen  uint64
	ev   engine.Event
}

// mailbox is an unbounded FIFO with a level-triggered wakeup.
//
// Producers never block: graph pumps, the ticker and Stop all post here, and
// a blocking post from Stop would deadlock when Stop runs on the dispatch
// goroutine itself.
type mailbox struct {
	mu     sync.Mutex
	queue  []message
	notify chan struct{} // cap 1, signalled when queue becomes non-empty
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) post(msg message) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// drain takes every queued message.
func (m *mailbox) drain() []message {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.queue
	m.queue = nil
	return out
}

func (m *mailbox) ready() <-chan struct{} {
	return m.notify
}
