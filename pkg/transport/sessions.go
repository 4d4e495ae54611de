package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/catalog"
	"github.com/srg/gattlink/internal/endpoint"
	"github.com/srg/gattlink/internal/fragment"
	"github.com/srg/gattlink/internal/session"
	"github.com/srg/gattlink/internal/stack"
	"github.com/srg/gattlink/pkg/blerr"
)

// Everything in this file runs on the event loop goroutine.

// handles returns the inbound and outbound characteristic of a peer. A central
// writes the peer's request characteristic and listens on its response one.
func (t *Transport) handles(addr string) (in, out stack.Handle) {
	req, resp := t.cfg.RequestCharUUID, t.cfg.ResponseCharUUID
	if t.role == stack.RoleCentral {
		req, resp = resp, req
	}
	return stack.Handle{Peer: addr, UUID: stack.NormalizeUUID(req)},
		stack.Handle{Peer: addr, UUID: stack.NormalizeUUID(resp)}
}

func (t *Transport) newSession(addr string) *session.Session {
	in, out := t.handles(addr)
	req := endpoint.NewRequest(in, t.cfg.MaxMessageSize, func(msg *fragment.InboundMessage) {
		t.deliver(addr, msg.Data)
	}, t.logger)
	resp := endpoint.NewResponse(out, t.stack, t.cfg.MaxFragmentSize, t.logger)
	return session.New(addr, req, resp, time.Now())
}

func (t *Transport) log(s *session.Session) *logrus.Entry {
	return t.logger.WithFields(logrus.Fields{
		"address": s.Addr,
		"state":   s.State(),
	})
}

// setState performs a checked transition and reports it to the consumer.
func (t *Transport) setState(s *session.Session, to session.State) bool {
	from, err := s.Transition(to, time.Now())
	if err != nil {
		t.logger.WithFields(logrus.Fields{"address": s.Addr, "error": err}).Error("Rejected session transition")
		return false
	}
	t.logger.WithFields(logrus.Fields{
		"address": s.Addr,
		"from":    from,
		"to":      to,
	}).Debug("Session state changed")

	addr := s.Addr
	t.loop.mailbox.put(func() {
		t.cbMu.RLock()
		fn := t.onPeerState
		t.cbMu.RUnlock()
		if fn != nil {
			fn(addr, to)
		}
	})
	return true
}

func (t *Transport) deliver(addr string, data []byte) {
	t.loop.mailbox.put(func() {
		t.cbMu.RLock()
		fn := t.onMessage
		t.cbMu.RUnlock()
		if fn != nil {
			fn(addr, data)
		}
	})
}

// arm returns the session for addr, creating it and starting discovery or a
// connection attempt when there is none.
func (t *Transport) arm(addr string) *session.Session {
	if s, ok := t.loop.sessions[addr]; ok {
		return s
	}
	s := t.newSession(addr)
	t.loop.sessions[addr] = s

	if p, ok := t.peers.Get(addr); ok && p.Discovered {
		t.beginConnect(s)
	} else {
		t.beginDiscovery(s)
	}
	return s
}

func (t *Transport) handleSend(ctx context.Context, addr string, data []byte, reply chan<- error) {
	s := t.loop.sessions[addr]
	if s != nil {
		switch {
		case s.Ready():
			t.dispatchSend(ctx, s, data, reply)
			return
		case s.State() == session.Connected && s.NotifyRefused:
			reply <- blerr.Newf(blerr.KindNotReady, "send_to", "peer disabled notifications").WithAddr(addr)
			return
		case s.State() == session.Disconnecting:
			reply <- blerr.Newf(blerr.KindNotReady, "send_to", "session is disconnecting").WithAddr(addr)
			return
		}
	} else {
		if _, err := t.adapters.FindSupporting(t.role.Capability()); err != nil {
			reply <- err
			return
		}
		s = t.arm(addr)
		if t.loop.sessions[addr] != s {
			reply <- blerr.Newf(blerr.KindDeviceNotFound, "send_to", "session closed while arming").WithAddr(addr)
			return
		}
	}

	s.Park(func(err error) {
		if err != nil {
			reply <- err
			return
		}
		if ctx.Err() != nil {
			reply <- blerr.New(blerr.KindTimeout, "send_to", ctx.Err()).WithAddr(addr)
			return
		}
		t.dispatchSend(ctx, s, data, reply)
	})
}

func (t *Transport) dispatchSend(ctx context.Context, s *session.Session, data []byte, reply chan<- error) {
	o, ok := t.loop.outboxes[s.Addr]
	if !ok {
		o = t.openOutbox(s.Addr, s.Response)
	}
	if !o.push(sendJob{ctx: ctx, data: data, reply: reply}) {
		reply <- blerr.Newf(blerr.KindBusy, "send", "send queue full").WithAddr(s.Addr)
	}
}

// Discovery

func (t *Transport) beginDiscovery(s *session.Session) {
	if !t.setState(s, session.Discovering) {
		return
	}
	s.DiscoveryAttempts = 0
	t.acquireScan(s.Addr)
	t.armDiscoveryTimer(s)
}

func (t *Transport) armDiscoveryTimer(s *session.Session) {
	loopCtx := t.loop.ctx
	ctx, cancel := context.WithCancel(loopCtx)
	s.ArmTimer(cancel)

	timeout := t.cfg.DiscoveryTimeout
	t.spawn("gattlink-discovery-wait-"+s.Addr, func(context.Context) {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		t.post(loopCtx, func() {
			if ctx.Err() == nil {
				t.onDiscoveryTimeout(s)
			}
		})
	})
}

func (t *Transport) onDiscoveryTimeout(s *session.Session) {
	if t.loop.sessions[s.Addr] != s || s.State() != session.Discovering {
		return
	}
	s.DiscoveryAttempts++
	t.log(s).WithField("attempt", s.DiscoveryAttempts).Debug("Peer not found yet")

	if s.DiscoveryAttempts >= t.cfg.DiscoveryRetries {
		t.log(s).Warn("Discovery gave up")
		t.dropSession(s, blerr.Newf(blerr.KindDeviceNotFound, "discover", "not found after %d attempts", s.DiscoveryAttempts).WithAddr(s.Addr))
		return
	}
	if t.loop.scanCancel == nil {
		_ = t.startScan()
	}
	t.armDiscoveryTimer(s)
}

func (t *Transport) acquireScan(addr string) {
	t.loop.scanners[addr] = struct{}{}
	if t.loop.scanCancel == nil {
		_ = t.startScan()
	}
}

func (t *Transport) releaseScan(addr string) {
	if _, ok := t.loop.scanners[addr]; !ok {
		return
	}
	delete(t.loop.scanners, addr)
	if len(t.loop.scanners) == 0 {
		t.stopScan()
	}
}

func (t *Transport) startScan() error {
	loopCtx := t.loop.ctx
	ctx, cancel := context.WithCancel(loopCtx)
	filter := stack.DiscoveryFilter{AdapterID: t.activeAdapter()}

	ch, err := t.stack.DiscoverDevices(ctx, filter)
	if err != nil {
		cancel()
		t.logger.WithFields(logrus.Fields{"adapter": filter.AdapterID, "error": err}).Warn("Failed to start discovery")
		return err
	}
	t.loop.scanCancel = cancel
	t.logger.WithField("adapter", filter.AdapterID).Debug("Discovery started")

	t.spawn("gattlink-discovery", func(context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-ch:
				if !ok {
					return
				}
				t.post(ctx, func() { t.onDeviceFound(d) })
			}
		}
	})
	return nil
}

func (t *Transport) stopScan() {
	for addr := range t.loop.scanners {
		delete(t.loop.scanners, addr)
	}
	if t.loop.scanCancel != nil {
		t.loop.scanCancel()
		t.loop.scanCancel = nil
		t.logger.Debug("Discovery stopped")
	}
}

func (t *Transport) onDeviceFound(d stack.Device) {
	if stack.NormalizeAddress(d.Address) == "" {
		return
	}
	p := t.peers.Observe(d, time.Now())
	s, ok := t.loop.sessions[p.Address]
	if !ok || s.State() != session.Discovering {
		return
	}
	t.log(s).WithField("name", p.Name).Info("Peer discovered")
	s.CancelTimer()
	t.releaseScan(s.Addr)
	t.beginConnect(s)
}

// Connection

func (t *Transport) beginConnect(s *session.Session) {
	// A stack Connect outlives power-off; wait for its result before dialing again
	if _, busy := t.loop.dialing[s.Addr]; busy {
		t.log(s).Debug("Previous connection attempt still running, deferring")
		t.deferConnect(s)
		return
	}
	token, ok := t.reconnect.TryBegin(s.Addr)
	if !ok {
		t.log(s).Debug("Connection attempt already in flight, deferring")
		t.deferConnect(s)
		return
	}
	if !t.setState(s, session.Connecting) {
		t.reconnect.End(s.Addr, token)
		return
	}
	t.loop.dialing[s.Addr] = token
	s.ConnectAttempts++

	p, _ := t.peers.Get(s.Addr)
	opts := stack.ConnectOptions{Persistent: p.PreferPersistent, Timeout: t.cfg.ConnectTimeout}

	loopCtx := t.loop.ctx
	ctx, cancel := context.WithTimeout(loopCtx, t.cfg.ConnectTimeout)
	s.ArmTimer(cancel)

	addr := s.Addr
	t.log(s).WithFields(logrus.Fields{
		"attempt":    s.ConnectAttempts,
		"persistent": opts.Persistent,
	}).Debug("Connecting")

	t.spawn("gattlink-connect-"+addr, func(context.Context) {
		err := t.stack.Connect(ctx, addr, opts)
		t.post(loopCtx, func() { t.onConnectResult(s, token, err) })
	})
}

// deferConnect retries beginConnect once a stale attempt had time to finish
func (t *Transport) deferConnect(s *session.Session) {
	loopCtx := t.loop.ctx
	ctx, cancel := context.WithCancel(loopCtx)
	s.ArmTimer(cancel)

	delay := t.cfg.RetryDelay
	t.spawn("gattlink-connect-defer-"+s.Addr, func(context.Context) {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		t.post(loopCtx, func() {
			if ctx.Err() == nil && t.loop.sessions[s.Addr] == s {
				t.beginConnect(s)
			}
		})
	})
}

func (t *Transport) onConnectResult(s *session.Session, token uint64, err error) {
	t.reconnect.End(s.Addr, token)
	if t.loop.dialing[s.Addr] == token {
		delete(t.loop.dialing, s.Addr)
	}

	if t.loop.sessions[s.Addr] != s {
		// Session went away while connecting; do not leave an orphan link
		if err == nil {
			t.disconnectOrphan(s.Addr)
		}
		return
	}
	if s.State() != session.Connecting {
		return
	}
	s.CancelTimer()

	if err == nil {
		t.linkUp(s)
		return
	}

	t.log(s).WithFields(logrus.Fields{
		"attempt": s.ConnectAttempts,
		"error":   err,
	}).Warn("Connection attempt failed")

	if stack.IsWedged(err) {
		t.triggerRecovery(err)
	}

	if s.ConnectAttempts < t.cfg.ConnectRetries {
		if t.setState(s, session.PendingReconnect) {
			t.scheduleRetry(s)
		}
		return
	}

	s.Exhausted = true
	t.log(s).WithField("attempts", s.ConnectAttempts).Warn("Connection retries exhausted")
	t.dropSession(s, connectError(err).WithAddr(s.Addr))
}

func connectError(err error) *blerr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return blerr.New(blerr.KindTimeout, "connect", err)
	}
	var be *blerr.Error
	if errors.As(blerr.Stack("connect", err), &be) {
		return be
	}
	return blerr.New(blerr.KindStackError, "connect", err)
}

func (t *Transport) disconnectOrphan(addr string) {
	t.spawn("gattlink-disconnect-"+addr, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
		defer cancel()
		if err := t.stack.Disconnect(ctx, addr); err != nil {
			t.logger.WithFields(logrus.Fields{"address": addr, "error": err}).Debug("Orphan disconnect failed")
		}
	})
}

func (t *Transport) scheduleRetry(s *session.Session) {
	loopCtx := t.loop.ctx
	t.reconnect.Schedule(loopCtx, s.Addr, t.cfg.RetryDelay, func() {
		t.post(loopCtx, func() { t.onRetry(s) })
	})
}

func (t *Transport) onRetry(s *session.Session) {
	if t.loop.sessions[s.Addr] != s || s.State() != session.PendingReconnect {
		return
	}
	if p, ok := t.peers.Get(s.Addr); ok && p.Discovered {
		t.beginConnect(s)
		return
	}
	t.beginDiscovery(s)
}

// linkUp finishes a connection: the session becomes Connected and both
// characteristics are armed. Sends stay parked until the peer subscribes.
func (t *Transport) linkUp(s *session.Session) {
	if !t.setState(s, session.Connected) {
		return
	}
	now := time.Now()
	s.Touch(now)
	s.AwaitingNotify = true

	t.peers.Update(s.Addr, func(p *catalog.PeerDevice) {
		p.PreferPersistent = true
		p.LastSeen = now
	})
	t.openOutbox(s.Addr, s.Response)
	t.log(s).Info("Peer connected")

	loopCtx := t.loop.ctx
	addr := s.Addr
	resp := s.Response
	handles := []stack.Handle{s.Request.Handle(), s.Response.Handle()}
	t.spawn("gattlink-subscribe-"+s.Addr, func(ctx context.Context) {
		// sized before notify is armed so no send uses the configured size first
		t.sizeFragments(ctx, addr, resp)
		for _, h := range handles {
			if err := t.stack.EnableNotify(ctx, h); err != nil {
				h := h
				t.post(loopCtx, func() { t.onNotifyError(s, h, err) })
			}
		}
	})
}

// attHeaderLen is the opcode and attribute handle carried by every ATT write/notify
const attHeaderLen = 3

// sizeFragments shrinks the response fragments to the MTU negotiated with the peer.
// The configured size stays the upper bound.
func (t *Transport) sizeFragments(ctx context.Context, addr string, resp *endpoint.Endpoint) {
	r, ok := t.stack.(stack.MTUReporter)
	if !ok {
		return
	}
	mtu, err := r.MTU(ctx, addr)
	if err != nil {
		t.logger.WithFields(logrus.Fields{"address": addr, "error": err}).Debug("MTU not available, keeping configured fragment size")
		return
	}
	size := fragment.PayloadSize(mtu - attHeaderLen)
	if size > t.cfg.MaxFragmentSize {
		size = t.cfg.MaxFragmentSize
	}
	resp.SetMaxPayload(size)
	t.logger.WithFields(logrus.Fields{
		"address":  addr,
		"mtu":      mtu,
		"fragment": size,
	}).Debug("Fragment size negotiated")
}

func (t *Transport) onNotifyError(s *session.Session, h stack.Handle, err error) {
	if t.loop.sessions[s.Addr] != s || s.State() != session.Connected {
		return
	}
	t.log(s).WithFields(logrus.Fields{
		"characteristic": h.UUID,
		"error":          err,
	}).Warn("Failed to arm characteristic")
	if h == s.Response.Handle() {
		s.Release(blerr.Stack("enable_notify", err))
	}
}

func (t *Transport) onNotifyState(h stack.Handle, enabled bool) {
	addr := stack.NormalizeAddress(h.Peer)
	s, ok := t.loop.sessions[addr]
	if !ok || s.State() != session.Connected {
		return
	}
	if stack.NormalizeUUID(h.UUID) != s.Response.Handle().UUID {
		t.log(s).WithFields(logrus.Fields{"characteristic": h.UUID, "enabled": enabled}).Debug("Characteristic armed")
		return
	}

	if enabled {
		s.Response.EnableNotify()
		s.AwaitingNotify = false
		s.NotifyRefused = false
		t.log(s).WithField("parked", s.Parked()).Debug("Peer subscribed")
		s.Release(nil)
		return
	}

	s.Response.DisableNotify()
	s.NotifyRefused = true
	t.log(s).Debug("Peer unsubscribed")
	s.Release(blerr.Newf(blerr.KindNotReady, "send_to", "peer disabled notifications").WithAddr(addr))
}

func (t *Transport) onDeviceConnected(addr string) {
	if addr == "" {
		return
	}
	s, ok := t.loop.sessions[addr]
	if !ok {
		// Link initiated by the peer
		t.peers.Observe(stack.Device{Address: addr}, time.Now())
		s = t.newSession(addr)
		t.loop.sessions[addr] = s
		t.linkUp(s)
		return
	}

	// Connecting sessions are finished by the connect result
	switch s.State() {
	case session.Discovering:
		s.CancelTimer()
		t.releaseScan(addr)
		if t.setState(s, session.Connecting) {
			t.linkUp(s)
		}
	case session.PendingReconnect:
		t.reconnect.Cancel(addr)
		if t.setState(s, session.Connecting) {
			t.linkUp(s)
		}
	}
}

func (t *Transport) onDeviceDisconnected(addr string) {
	s, ok := t.loop.sessions[addr]
	if !ok || s.State() != session.Connected {
		return
	}

	t.closeOutbox(addr)
	s.Request.Flush()
	s.Response.DisableNotify()

	if t.reconnect.IsFlagged(addr) {
		t.log(s).Warn("Link lost, scheduling reconnect")
		if t.setState(s, session.PendingReconnect) {
			t.scheduleRetry(s)
		}
		return
	}
	t.log(s).Info("Link lost")
	t.dropSession(s, blerr.Newf(blerr.KindNotReady, "send_to", "link lost").WithAddr(addr))
}

func (t *Transport) onCharacteristicWritten(h stack.Handle, data []byte) {
	addr := stack.NormalizeAddress(h.Peer)
	s, ok := t.loop.sessions[addr]
	if !ok && t.role == stack.RolePeripheral {
		t.onDeviceConnected(addr)
		s, ok = t.loop.sessions[addr]
	}
	if !ok || s.State() != session.Connected {
		t.logger.WithField("address", addr).Debug("Dropping write without connected session")
		return
	}
	if stack.NormalizeUUID(h.UUID) != s.Request.Handle().UUID {
		return
	}

	s.Touch(time.Now())
	// violations are logged by the endpoint and abandon only the current message
	_ = s.Request.OnWrite(data)
}

// Teardown

// dropSession ends a session without touching the link. Parked senders get err.
func (t *Transport) dropSession(s *session.Session, err error) {
	t.releaseScan(s.Addr)
	t.reconnect.Cancel(s.Addr)
	t.closeOutbox(s.Addr)
	s.Teardown()
	if err == nil {
		err = blerr.Newf(blerr.KindNotReady, "send_to", "session closed").WithAddr(s.Addr)
	}
	s.Release(err)
	if s.State() != session.Idle {
		t.setState(s, session.Idle)
	}
	delete(t.loop.sessions, s.Addr)
}

func (t *Transport) closeSession(ctx context.Context, addr string, reply chan<- error) {
	s, ok := t.loop.sessions[addr]
	if !ok {
		reply <- nil
		return
	}
	t.reconnect.Cancel(addr)

	switch s.State() {
	case session.Connected, session.Connecting:
		armed := s.State() == session.Connected
		if !t.setState(s, session.Disconnecting) {
			reply <- fmt.Errorf("cannot disconnect %s from %s", addr, s.State())
			return
		}
		t.closeOutbox(addr)
		s.Teardown()
		s.Release(blerr.Newf(blerr.KindNotReady, "send_to", "disconnected").WithAddr(addr))

		loopCtx := t.loop.ctx
		handles := []stack.Handle{s.Request.Handle(), s.Response.Handle()}
		t.spawn("gattlink-disconnect-"+addr, func(context.Context) {
			if armed {
				t.disarm(ctx, addr, handles)
			}
			err := t.stack.Disconnect(ctx, addr)
			t.post(loopCtx, func() { t.finishDisconnect(s, err, reply) })
		})
	case session.Disconnecting:
		reply <- nil
	default:
		t.dropSession(s, blerr.Newf(blerr.KindNotReady, "send_to", "disconnected").WithAddr(addr))
		reply <- nil
	}
}

// disarm stops notifications on the characteristics armed by linkUp
func (t *Transport) disarm(ctx context.Context, addr string, handles []stack.Handle) {
	for _, h := range handles {
		if err := t.stack.DisableNotify(ctx, h); err != nil && !errors.Is(err, stack.ErrNotConnected) {
			t.logger.WithFields(logrus.Fields{
				"address":        addr,
				"characteristic": h.UUID,
				"error":          err,
			}).Debug("Failed to disable notifications")
		}
	}
}

func (t *Transport) finishDisconnect(s *session.Session, err error, reply chan<- error) {
	if t.loop.sessions[s.Addr] == s {
		t.dropSession(s, nil)
	}
	if errors.Is(err, stack.ErrNotConnected) {
		err = nil
	}
	if err == nil {
		t.logger.WithField("address", s.Addr).Info("Peer disconnected")
	}
	reply <- blerr.Stack("disconnect", err)
}

// Auto-connect bookkeeping

func (t *Transport) setAutoConnect(addr string, enabled bool) error {
	if enabled {
		t.reconnect.Flag(addr)
	} else {
		t.reconnect.Unflag(addr)
	}
	t.peers.Update(addr, func(p *catalog.PeerDevice) { p.AutoConnect = enabled })
	err := t.persist()

	s, ok := t.loop.sessions[addr]
	switch {
	case enabled && !ok:
		if _, aerr := t.adapters.FindSupporting(t.role.Capability()); aerr == nil {
			t.arm(addr)
		}
	case !enabled && ok && s.State() == session.PendingReconnect:
		t.dropSession(s, blerr.Newf(blerr.KindNotReady, "send_to", "auto-connect disabled").WithAddr(addr))
	}
	return err
}

func (t *Transport) persist() error {
	if err := t.store.Replace(t.reconnect.Flagged()); err != nil {
		t.logger.WithField("error", err).Error("Failed to persist auto-connect set")
		return fmt.Errorf("persist auto-connect set: %w", err)
	}
	return nil
}

func (t *Transport) onBondLost(addr string) {
	if t.reconnect.BondLost(addr) {
		_ = t.persist()
	}
	t.peers.Update(addr, func(p *catalog.PeerDevice) {
		p.Bonded = false
		p.AutoConnect = false
	})
	if s, ok := t.loop.sessions[addr]; ok && s.State() == session.PendingReconnect {
		t.dropSession(s, blerr.Newf(blerr.KindNotReady, "send_to", "bond lost").WithAddr(addr))
	}
}

func (t *Transport) onDeviceRemoved(addr string) {
	t.onBondLost(addr)
	if s, ok := t.loop.sessions[addr]; ok {
		if s.State() == session.Connected || s.State() == session.Disconnecting {
			return
		}
		t.dropSession(s, blerr.Newf(blerr.KindDeviceNotFound, "send_to", "device removed").WithAddr(addr))
	}
	t.peers.Remove(addr)
}
