// Package reconnect tracks peers flagged for persistent connection, guards against
// duplicate connection attempts and drives adapter recovery.
package reconnect

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/groutine"
)

// PowerSwitch is the part of the stack used by adapter recovery
type PowerSwitch interface {
	SetAdapterPower(ctx context.Context, id string, on bool) error
}

type entry struct {
	flagged        bool
	autoConnecting bool
	attempt        uint64
	cancel         context.CancelFunc
	generation     uint64
}

func (e *entry) idle() bool {
	return !e.flagged && !e.autoConnecting && e.cancel == nil
}

// Controller holds per-peer reconnect bookkeeping. All methods are safe for concurrent use.
type Controller struct {
	logger *logrus.Logger
	power  PowerSwitch
	settle time.Duration

	mu    sync.Mutex
	peers map[string]*entry
	gen   uint64

	recovering atomic.Bool
	wg         sync.WaitGroup
}

// New creates a controller. settle is the off-time of a recovery power cycle.
func New(power PowerSwitch, settle time.Duration, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	return &Controller{
		logger: logger,
		power:  power,
		settle: settle,
		peers:  make(map[string]*entry),
	}
}

func (c *Controller) get(addr string) *entry {
	e, ok := c.peers[addr]
	if !ok {
		e = &entry{}
		c.peers[addr] = e
	}
	return e
}

func (c *Controller) gc(addr string, e *entry) {
	if e.idle() {
		delete(c.peers, addr)
	}
}

// Flag marks a peer for auto-connect. Returns false if it was already flagged.
func (c *Controller) Flag(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.get(addr)
	if e.flagged {
		return false
	}
	e.flagged = true
	return true
}

// Unflag clears the auto-connect mark and cancels a pending retry.
func (c *Controller) Unflag(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.peers[addr]
	if !ok || !e.flagged {
		return false
	}
	e.flagged = false
	c.cancelLocked(e)
	c.gc(addr, e)
	return true
}

// BondLost clears the flag of a peer whose bond was removed
func (c *Controller) BondLost(addr string) bool {
	wasFlagged := c.Unflag(addr)
	if wasFlagged {
		c.logger.WithField("address", addr).Info("Bond lost, auto-connect cleared")
	}
	return wasFlagged
}

// IsFlagged reports whether the peer is marked for auto-connect
func (c *Controller) IsFlagged(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.peers[addr]
	return ok && e.flagged
}

// Flagged returns the sorted set of flagged peers
func (c *Controller) Flagged() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for addr, e := range c.peers {
		if e.flagged {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

// TryBegin marks a connection attempt in flight and returns its token. It returns
// false when one is already running for the address.
func (c *Controller) TryBegin(addr string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.get(addr)
	if e.autoConnecting {
		return 0, false
	}
	c.gen++
	e.autoConnecting = true
	e.attempt = c.gen
	return e.attempt, true
}

// End clears the in-flight mark set by TryBegin. A token from an attempt that was
// superseded (after PowerOff cleared the mark and a new attempt began) is ignored.
func (c *Controller) End(addr string, token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.peers[addr]
	if !ok || e.attempt != token {
		return
	}
	e.autoConnecting = false
	e.attempt = 0
	c.gc(addr, e)
}

// Connecting reports whether an attempt is in flight for the address
func (c *Controller) Connecting(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.peers[addr]
	return ok && e.autoConnecting
}

// Schedule runs fire after delay unless cancelled first. A previous pending wait for
// the same peer is cancelled. fire runs on the timer goroutine and must not block.
func (c *Controller) Schedule(parent context.Context, addr string, delay time.Duration, fire func()) {
	ctx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	e := c.get(addr)
	c.cancelLocked(e)
	c.gen++
	gen := c.gen
	e.cancel = cancel
	e.generation = gen
	c.wg.Add(1)
	c.mu.Unlock()

	groutine.Go(ctx, "reconnect-wait-"+addr, func(ctx context.Context) {
		defer c.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		c.mu.Lock()
		cur, ok := c.peers[addr]
		stale := !ok || cur.generation != gen || cur.cancel == nil
		if !stale {
			cur.cancel = nil
			c.gc(addr, cur)
		}
		c.mu.Unlock()
		cancel()

		if !stale {
			fire()
		}
	})
}

// Cancel wakes and discards the pending wait for a peer. Returns true if one was pending.
func (c *Controller) Cancel(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.peers[addr]
	if !ok || e.cancel == nil {
		return false
	}
	c.cancelLocked(e)
	c.gc(addr, e)
	return true
}

func (c *Controller) cancelLocked(e *entry) {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// Pending returns the number of scheduled waits
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.peers {
		if e.cancel != nil {
			n++
		}
	}
	return n
}

// PowerOff cancels every pending wait and clears every in-flight mark. Flags survive so
// peers are re-armed on PowerOn. Returns the addresses whose wait was cancelled.
func (c *Controller) PowerOff() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var cancelled []string
	for addr, e := range c.peers {
		if e.cancel != nil {
			cancelled = append(cancelled, addr)
		}
		c.cancelLocked(e)
		e.autoConnecting = false
		e.attempt = 0
		c.gc(addr, e)
	}
	sort.Strings(cancelled)
	if len(cancelled) > 0 {
		c.logger.WithField("peers", len(cancelled)).Debug("Adapter powered off, reconnect waits cancelled")
	}
	return cancelled
}

// PowerOn returns the peers that still need a connection attempt
func (c *Controller) PowerOn() []string {
	return c.Flagged()
}

// Recovering reports whether an adapter recovery cycle is running
func (c *Controller) Recovering() bool {
	return c.recovering.Load()
}

// Recover power-cycles the adapter on its own goroutine. It returns false without doing
// anything when a recovery is already running. done, if set, receives the outcome.
func (c *Controller) Recover(ctx context.Context, adapterID string, done func(error)) bool {
	if !c.recovering.CompareAndSwap(false, true) {
		c.logger.WithField("adapter", adapterID).Debug("Recovery already in progress")
		return false
	}

	c.wg.Add(1)
	groutine.Go(ctx, "adapter-recovery-"+adapterID, func(ctx context.Context) {
		defer c.wg.Done()
		err := c.powerCycle(ctx, adapterID)
		c.recovering.Store(false)
		if done != nil {
			done(err)
		}
	})
	return true
}

func (c *Controller) powerCycle(ctx context.Context, adapterID string) error {
	log := c.logger.WithField("adapter", adapterID)
	log.Warn("Controller not responding, power cycling adapter")

	if err := c.power.SetAdapterPower(ctx, adapterID, false); err != nil {
		log.WithField("error", err).Error("Recovery power-off failed")
		return err
	}

	t := time.NewTimer(c.settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}

	if err := c.power.SetAdapterPower(ctx, adapterID, true); err != nil {
		log.WithField("error", err).Error("Recovery power-on failed")
		return err
	}
	log.Info("Adapter recovered")
	return nil
}

// Close cancels every pending wait and waits for timer and recovery goroutines.
// Recovery goroutines exit once the context passed to Recover is done.
func (c *Controller) Close() {
	c.mu.Lock()
	for addr, e := range c.peers {
		c.cancelLocked(e)
		c.gc(addr, e)
	}
	c.mu.Unlock()
	c.wg.Wait()
}
