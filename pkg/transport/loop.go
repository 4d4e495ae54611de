package transport

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/session"
	"github.com/srg/gattlink/internal/stack"
	"github.com/srg/gattlink/pkg/blerr"
)

// shutdownDisconnectTimeout bounds each link teardown during Stop
const shutdownDisconnectTimeout = time.Second

// loopState is mutated only on the event loop goroutine
type loopState struct {
	ctx      context.Context
	sessions map[string]*session.Session
	outboxes map[string]*outbox
	mailbox  *mailbox
	helpers  sync.WaitGroup

	powered    bool
	scanCancel context.CancelFunc
	scanners   map[string]struct{}
	// dialing holds the attempt token of every stack Connect whose result is not in yet
	dialing map[string]uint64
}

func (l *loopState) sortedSessions() []*session.Session {
	out := make([]*session.Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// run is the event loop. It reports startup through started and exits on stop.
func (t *Transport) run(ctx context.Context, r *run, started chan<- error) {
	log := groutine.Entry(ctx, t.logger)

	t.loop = &loopState{
		ctx:      ctx,
		sessions: make(map[string]*session.Session),
		outboxes: make(map[string]*outbox),
		scanners: make(map[string]struct{}),
		dialing:  make(map[string]uint64),
		mailbox:  newMailbox(ctx, t.logger),
	}

	defer func() {
		t.shutdown(r)
		atomic.StoreUint32(&t.state, StateNotRunning)
		close(r.done)
		log.Debug("Event loop exited")
	}()

	if err := t.bootstrap(ctx); err != nil {
		r.signalStop()
		started <- err
		return
	}

	started <- nil
	log.Debug("Event loop running")
	t.afterStart()

	events := t.stack.Events()
	for {
		select {
		case <-r.stop:
			return
		case ev, ok := <-events:
			if !ok {
				log.Warn("Stack event channel closed")
				events = nil
				continue
			}
			t.handleEvent(ev)
		case <-t.wake:
			t.drainRequests()
		case fn := <-t.internal:
			fn()
		}
	}
}

// bootstrap loads persisted state and the adapter inventory
func (t *Transport) bootstrap(ctx context.Context) error {
	flagged, err := t.store.Load()
	if err != nil {
		return blerr.New(blerr.KindStackError, "start", err)
	}
	for _, addr := range flagged {
		t.reconnect.Flag(addr)
		t.peers.Known(addr)
	}

	infos, err := t.stack.ListAdapters(ctx)
	if err != nil {
		return blerr.Stack("list_adapters", err)
	}
	t.adapters.Reset()
	for _, info := range infos {
		t.adapters.Upsert(info)
	}

	t.logger.WithFields(logrus.Fields{
		"adapters":     len(infos),
		"auto_connect": len(flagged),
	}).Debug("Transport state loaded")
	return nil
}

func (t *Transport) afterStart() {
	// Power events before the first one fire from an unknown state
	t.updatePowered()
}

func (t *Transport) drainRequests() {
	for !t.requests.IsEmpty() {
		fn, err := t.requests.Dequeue()
		if err != nil {
			return
		}
		fn()
	}
}

// spawn runs fn on a tracked helper goroutine bound to the loop context
func (t *Transport) spawn(name string, fn func(ctx context.Context)) {
	t.loop.helpers.Add(1)
	groutine.Go(t.loop.ctx, name, func(ctx context.Context) {
		defer t.loop.helpers.Done()
		fn(ctx)
	})
}

// post hands a completion back to the loop. Dropped once the loop context ends.
func (t *Transport) post(ctx context.Context, fn func()) {
	select {
	case t.internal <- fn:
	case <-ctx.Done():
	}
}

func (t *Transport) handleEvent(ev stack.Event) {
	t.logger.WithFields(logrus.Fields{
		"event":   ev.Kind,
		"address": ev.Device.Address,
		"adapter": ev.Adapter.ID,
	}).Trace("Stack event")

	switch ev.Kind {
	case stack.AdapterAdded:
		t.adapters.Upsert(ev.Adapter)
		t.updatePowered()
	case stack.AdapterRemoved:
		t.adapters.Remove(ev.Adapter.ID)
		t.updatePowered()
	case stack.AdapterPowerChanged:
		t.onAdapterPower(ev.Adapter)
	case stack.DeviceAdded:
		t.onDeviceFound(ev.Device)
	case stack.DeviceRemoved:
		t.onDeviceRemoved(stack.NormalizeAddress(ev.Device.Address))
	case stack.DeviceConnected:
		t.onDeviceConnected(stack.NormalizeAddress(ev.Device.Address))
	case stack.DeviceDisconnected:
		t.onDeviceDisconnected(stack.NormalizeAddress(ev.Device.Address))
	case stack.CharacteristicWritten:
		t.onCharacteristicWritten(ev.Handle, ev.Data)
	case stack.NotifyStateChanged:
		t.onNotifyState(ev.Handle, ev.Enabled)
	case stack.BondLost:
		t.onBondLost(stack.NormalizeAddress(ev.Device.Address))
	case stack.StackFault:
		t.onStackFault(ev.Err)
	default:
		t.logger.WithField("event", ev.Kind).Debug("Ignoring unknown stack event")
	}
}

// shutdown tears down every session and waits for helper goroutines
func (t *Transport) shutdown(r *run) {
	for _, s := range t.loop.sortedSessions() {
		wasConnected := s.State() == session.Connected
		handles := []stack.Handle{s.Request.Handle(), s.Response.Handle()}
		t.dropSession(s, blerr.ErrStopped)
		if wasConnected {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownDisconnectTimeout)
			t.disarm(ctx, s.Addr, handles)
			if err := t.stack.Disconnect(ctx, s.Addr); err != nil {
				t.logger.WithFields(logrus.Fields{"address": s.Addr, "error": err}).Debug("Disconnect on shutdown failed")
			}
			cancel()
		}
	}
	t.stopScan()

	r.cancel()
	t.reconnect.Close()
	t.loop.helpers.Wait()

	// Requests queued after the loop stopped selecting are discarded
	for !t.requests.IsEmpty() {
		if _, err := t.requests.Dequeue(); err != nil {
			break
		}
	}
drain:
	for {
		select {
		case <-t.internal:
		default:
			break drain
		}
	}
	t.loop.mailbox.close()
}
