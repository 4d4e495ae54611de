package transport

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/groutine"
)

// mailbox runs consumer callbacks in order on one delivery goroutine so a slow or
// re-entrant callback never stalls the event loop.
type mailbox struct {
	logger *logrus.Logger

	mu      sync.Mutex
	queue   deque.Deque[func()]
	closed  bool
	signal  chan struct{}
	stopped chan struct{}
}

func newMailbox(ctx context.Context, logger *logrus.Logger) *mailbox {
	m := &mailbox{
		logger:  logger,
		signal:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	groutine.Go(ctx, "gattlink-delivery", func(context.Context) {
		m.deliver()
	})
	return m
}

// put queues fn. Never blocks; dropped after close.
func (m *mailbox) put(fn func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue.PushBack(fn)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// close delivers what is already queued and waits for the delivery goroutine
func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.stopped
		return
	}
	m.closed = true
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	<-m.stopped
}

func (m *mailbox) deliver() {
	defer close(m.stopped)
	for range m.signal {
		for {
			m.mu.Lock()
			if m.queue.Len() == 0 {
				closed := m.closed
				m.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := m.queue.PopFront()
			m.mu.Unlock()

			m.invoke(fn)
		}
	}
}

func (m *mailbox) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithField("panic", r).Error("Callback panicked")
		}
	}()
	fn()
}
