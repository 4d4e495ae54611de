// Package transport carries opaque messages to BLE peers over a GATT characteristic
// pair. It owns adapter and peer bookkeeping, one session per peer, automatic
// reconnection and the event loop serializing all of it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/catalog"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/reconnect"
	"github.com/srg/gattlink/internal/session"
	"github.com/srg/gattlink/internal/stack"
	"github.com/srg/gattlink/internal/store"
	"github.com/srg/gattlink/pkg/blerr"
	"github.com/srg/gattlink/pkg/config"
)

// Lifecycle states
const (
	StateNotRunning uint32 = iota
	StateRunning
	StateStopping
)

// stopWarnAfter is how long Stop waits before logging a slow shutdown
const stopWarnAfter = 5 * time.Second

// MessageHandler receives every reassembled inbound message
type MessageHandler func(addr string, data []byte)

// AdapterStateHandler is told whether at least one adapter is powered
type AdapterStateHandler func(enabled bool)

// PeerStateHandler observes session state changes
type PeerStateHandler func(addr string, state session.State)

// run holds the resources of one Start/Stop cycle
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (r *run) signalStop() {
	r.once.Do(func() {
		close(r.stop)
		r.cancel()
	})
}

// Transport is a BLE message transport bound to one stack. All state is owned by
// a single event-loop goroutine; exported methods are safe for concurrent use.
type Transport struct {
	cfg    *config.Config
	stack  stack.Stack
	store  store.Store
	logger *logrus.Logger
	role   stack.Role

	adapters  *catalog.Adapters
	peers     *catalog.Peers
	reconnect *reconnect.Controller

	requests mpmc.RingBuffer[func()]
	wake     chan struct{}
	internal chan func()

	lifeMu sync.Mutex
	state  uint32
	cur    *run

	cbMu        sync.RWMutex
	onMessage   MessageHandler
	onAdapter   AdapterStateHandler
	onPeerState PeerStateHandler

	// loop-owned
	loop *loopState
}

// New creates a transport. A nil cfg uses defaults; a nil store keeps the
// auto-connect set in memory.
func New(st stack.Stack, persist store.Store, cfg *config.Config, logger *logrus.Logger) (*Transport, error) {
	if st == nil {
		return nil, blerr.Newf(blerr.KindInvalidArgument, "new", "stack is required")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, blerr.New(blerr.KindInvalidArgument, "new", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	if persist == nil {
		persist = store.NewMemoryStore()
	}

	return &Transport{
		cfg:       cfg,
		stack:     st,
		store:     persist,
		logger:    logger,
		role:      stack.RoleOf(st),
		adapters:  catalog.NewAdapters(),
		peers:     catalog.NewPeers(),
		reconnect: reconnect.New(st, cfg.RecoverySettle, logger),
		requests:  mpmc.New[func()](cfg.RequestQueueSize),
		wake:      make(chan struct{}, 1),
		internal:  make(chan func(), 256),
		state:     StateNotRunning,
	}, nil
}

// OnMessage registers the inbound message callback. Callbacks run on a dedicated
// delivery goroutine, never on the event loop, and must not call Stop.
func (t *Transport) OnMessage(fn MessageHandler) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onMessage = fn
}

// OnAdapterStateChanged registers the adapter availability callback
func (t *Transport) OnAdapterStateChanged(fn AdapterStateHandler) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onAdapter = fn
}

// OnPeerStateChanged registers the session state callback
func (t *Transport) OnPeerStateChanged(fn PeerStateHandler) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onPeerState = fn
}

// Running reports whether the event loop is up
func (t *Transport) Running() bool {
	return atomic.LoadUint32(&t.state) == StateRunning
}

// Start launches the event loop and blocks until it is running. The wait is bounded
// by the configured start timeout and by ctx.
func (t *Transport) Start(ctx context.Context) error {
	t.lifeMu.Lock()
	if !atomic.CompareAndSwapUint32(&t.state, StateNotRunning, StateRunning) {
		currentState := atomic.LoadUint32(&t.state)
		t.lifeMu.Unlock()
		switch currentState {
		case StateRunning:
			return fmt.Errorf("transport already started")
		case StateStopping:
			return fmt.Errorf("transport is stopping, wait for it to finish")
		default:
			return fmt.Errorf("transport is in unknown state %d", currentState)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		ctx:    runCtx,
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	t.cur = r
	t.lifeMu.Unlock()

	// Buffered so the loop never blocks on a caller that already gave up
	started := make(chan error, 1)
	groutine.Go(runCtx, "gattlink-event-loop", func(ctx context.Context) {
		t.run(ctx, r, started)
	})

	timer := time.NewTimer(t.cfg.StartTimeout)
	defer timer.Stop()

	select {
	case err := <-started:
		if err != nil {
			<-r.done
			return err
		}
		t.logger.WithField("role", t.role).Info("Transport started")
		return nil
	case <-ctx.Done():
		_ = t.Stop()
		return blerr.New(blerr.KindTimeout, "start", ctx.Err())
	case <-timer.C:
		_ = t.Stop()
		return blerr.Newf(blerr.KindTimeout, "start", "event loop not running after %s", t.cfg.StartTimeout)
	}
}

// Stop signals the event loop to exit and waits until it has fully unwound.
// It is safe to call before Start completed, more than once, or without Start.
func (t *Transport) Stop() error {
	t.lifeMu.Lock()
	r := t.cur
	if !atomic.CompareAndSwapUint32(&t.state, StateRunning, StateStopping) {
		currentState := atomic.LoadUint32(&t.state)
		t.lifeMu.Unlock()
		switch currentState {
		case StateNotRunning:
			return nil // Already stopped
		case StateStopping:
			// Already stopping, wait for completion
			<-r.done
			return nil
		default:
			return fmt.Errorf("transport is in unknown state %d", currentState)
		}
	}
	t.lifeMu.Unlock()

	r.signalStop()

	select {
	case <-r.done:
		t.logger.Info("Transport stopped")
		return nil
	case <-time.After(stopWarnAfter):
		t.logger.Warn("Transport shutdown is slow, still waiting for the event loop")
		<-r.done
		return nil
	}
}

// submit hands fn to the event loop
func (t *Transport) submit(fn func()) error {
	if atomic.LoadUint32(&t.state) != StateRunning {
		return blerr.ErrStopped
	}
	if err := t.requests.Enqueue(fn); err != nil {
		return blerr.New(blerr.KindBusy, "submit", err)
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// call runs fn on the event loop and waits for the error it reports.
func (t *Transport) call(ctx context.Context, op string, fn func(reply chan<- error)) error {
	t.lifeMu.Lock()
	r := t.cur
	t.lifeMu.Unlock()

	reply := make(chan error, 1)
	if err := t.submit(func() { fn(reply) }); err != nil {
		return err
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return blerr.New(blerr.KindTimeout, op, ctx.Err())
	case <-r.done:
		return blerr.ErrStopped
	}
}

// withSendTimeout applies the configured send timeout when ctx has no deadline
func (t *Transport) withSendTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || t.cfg.SendTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.cfg.SendTimeout)
}

func normalize(op, addr string) (string, error) {
	a := stack.NormalizeAddress(addr)
	if a == "" {
		return "", blerr.Newf(blerr.KindInvalidArgument, op, "empty peer address")
	}
	return a, nil
}

// SendTo delivers data to one peer. A peer that is not connected yet is discovered
// and connected first; the call then waits until the peer subscribed to responses.
func (t *Transport) SendTo(ctx context.Context, addr string, data []byte) error {
	addr, err := normalize("send_to", addr)
	if err != nil {
		return err
	}
	ctx, cancel := t.withSendTimeout(ctx)
	defer cancel()

	return t.call(ctx, "send_to", func(reply chan<- error) {
		t.handleSend(ctx, addr, data, reply)
	})
}

// SendToAll delivers data to every connected peer. Failures are aggregated; a peer
// failing does not stop delivery to the others.
func (t *Transport) SendToAll(ctx context.Context, data []byte) error {
	ctx, cancel := t.withSendTimeout(ctx)
	defer cancel()

	type pending struct {
		addr  string
		reply chan error
	}
	var targets []pending

	err := t.call(ctx, "send_to_all", func(reply chan<- error) {
		for _, s := range t.loop.sortedSessions() {
			if !s.Ready() {
				continue
			}
			ch := make(chan error, 1)
			t.dispatchSend(ctx, s, data, ch)
			targets = append(targets, pending{addr: s.Addr, reply: ch})
		}
		reply <- nil
	})
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return blerr.Newf(blerr.KindNotReady, "send_to_all", "no connected peers")
	}

	var errs []error
	for _, p := range targets {
		select {
		case err := <-p.reply:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", p.addr, err))
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("%s: %w", p.addr, blerr.New(blerr.KindTimeout, "send_to_all", ctx.Err())))
		}
	}
	return errors.Join(errs...)
}

// SetAutoConnect flags or unflags a peer for persistent reconnection and persists
// the full flagged set. Flagging a peer without a session starts connecting to it.
func (t *Transport) SetAutoConnect(addr string, enabled bool) error {
	addr, err := normalize("set_auto_connect", addr)
	if err != nil {
		return err
	}
	return t.call(context.Background(), "set_auto_connect", func(reply chan<- error) {
		reply <- t.setAutoConnect(addr, enabled)
	})
}

// Disconnect closes the session with a peer, if any.
func (t *Transport) Disconnect(ctx context.Context, addr string) error {
	addr, err := normalize("disconnect", addr)
	if err != nil {
		return err
	}
	return t.call(ctx, "disconnect", func(reply chan<- error) {
		t.closeSession(ctx, addr, reply)
	})
}

// Sessions returns a snapshot of all sessions, sorted by address
func (t *Transport) Sessions() []session.Snapshot {
	var out []session.Snapshot
	err := t.call(context.Background(), "sessions", func(reply chan<- error) {
		for _, s := range t.loop.sortedSessions() {
			out = append(out, s.Snapshot())
		}
		reply <- nil
	})
	if err != nil {
		return nil
	}
	return out
}

// Session returns the snapshot of one peer session
func (t *Transport) Session(addr string) (session.Snapshot, bool) {
	addr = stack.NormalizeAddress(addr)
	for _, s := range t.Sessions() {
		if s.Addr == addr {
			return s, true
		}
	}
	return session.Snapshot{}, false
}

// Adapters returns the known adapters in stack report order
func (t *Transport) Adapters() []catalog.Adapter {
	return t.adapters.List()
}

// Peers returns the peer catalog sorted by address
func (t *Transport) Peers() []catalog.PeerDevice {
	return t.peers.List()
}

// FindAdapterSupporting returns the first powered adapter offering capability
func (t *Transport) FindAdapterSupporting(capability stack.Capability) (catalog.Adapter, error) {
	return t.adapters.FindSupporting(capability)
}

// AutoConnectPeers returns the flagged peers
func (t *Transport) AutoConnectPeers() []string {
	return t.reconnect.Flagged()
}
