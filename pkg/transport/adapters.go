package transport

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/catalog"
	"github.com/srg/gattlink/internal/session"
	"github.com/srg/gattlink/internal/stack"
	"github.com/srg/gattlink/pkg/blerr"
)

const powerQueryTimeout = time.Second

func (t *Transport) onAdapterPower(info stack.AdapterInfo) {
	p := catalog.PowerOff
	if info.Powered {
		p = catalog.PowerOn
	}
	if !t.adapters.SetPower(info.ID, p) {
		t.adapters.Upsert(info)
	}
	t.logger.WithFields(logrus.Fields{
		"adapter": info.ID,
		"powered": info.Powered,
	}).Info("Adapter power changed")
	t.updatePowered()
}

// updatePowered reacts to the "any adapter powered" edge
func (t *Transport) updatePowered() {
	powered := t.adapters.AnyPowered()
	if powered == t.loop.powered {
		return
	}
	t.loop.powered = powered

	t.loop.mailbox.put(func() {
		t.cbMu.RLock()
		fn := t.onAdapter
		t.cbMu.RUnlock()
		if fn != nil {
			fn(powered)
		}
	})

	if powered {
		t.onPowerOn()
	} else {
		t.onPowerOff()
	}
}

// onPowerOff cancels every timer. Flagged peers keep a PendingReconnect session with no
// timer armed; everything else is dropped.
func (t *Transport) onPowerOff() {
	cancelled := t.reconnect.PowerOff()
	t.stopScan()
	for _, p := range t.peers.List() {
		t.peers.Update(p.Address, func(p *catalog.PeerDevice) { p.Discovered = false })
	}

	parked := 0
	for _, s := range t.loop.sortedSessions() {
		flagged := t.reconnect.IsFlagged(s.Addr)
		switch {
		case flagged && (s.State() == session.Connected || s.State() == session.Connecting):
			t.closeOutbox(s.Addr)
			s.CancelTimer()
			s.Request.Flush()
			s.Response.DisableNotify()
			if t.setState(s, session.PendingReconnect) {
				parked++
			}
		case flagged && s.State() == session.PendingReconnect:
			s.CancelTimer()
			parked++
		default:
			t.dropSession(s, blerr.Newf(blerr.KindNotReady, "send_to", "adapter powered off").WithAddr(s.Addr))
		}
	}

	t.logger.WithFields(logrus.Fields{
		"cancelled": len(cancelled),
		"parked":    parked,
	}).Warn("All adapters powered off")
}

// onPowerOn re-arms every auto-connect peer
func (t *Transport) onPowerOn() {
	flagged := t.reconnect.PowerOn()
	t.logger.WithField("auto_connect", len(flagged)).Info("Adapter powered on")

	for _, addr := range flagged {
		if s, ok := t.loop.sessions[addr]; ok {
			if s.State() == session.PendingReconnect {
				t.beginDiscovery(s)
			}
			continue
		}
		t.arm(addr)
	}
}

// activeAdapter picks the adapter used for discovery and recovery
func (t *Transport) activeAdapter() string {
	if t.cfg.Adapter != "" {
		return t.cfg.Adapter
	}
	if a, err := t.adapters.FindSupporting(t.role.Capability()); err == nil {
		return a.ID
	}
	if list := t.adapters.List(); len(list) > 0 {
		return list[0].ID
	}
	return ""
}

func (t *Transport) onStackFault(err error) {
	t.logger.WithField("error", err).Warn("Stack fault")
	if stack.IsWedged(err) {
		t.triggerRecovery(err)
	}
}

// triggerRecovery power-cycles the active adapter; at most one cycle runs at a time
func (t *Transport) triggerRecovery(cause error) {
	id := t.activeAdapter()
	if id == "" {
		t.logger.WithField("error", cause).Error("Controller wedged but no adapter to recover")
		return
	}
	if t.reconnect.Recovering() {
		return
	}

	loopCtx := t.loop.ctx
	started := t.reconnect.Recover(loopCtx, id, func(err error) {
		t.post(loopCtx, func() { t.onRecoveryDone(id, err) })
	})
	if started {
		t.adapters.SetPower(id, catalog.PowerTransitioning)
		t.logger.WithFields(logrus.Fields{"adapter": id, "error": cause}).Warn("Adapter recovery started")
	}
}

// onRecoveryDone resyncs the adapter's power state in case events were missed
func (t *Transport) onRecoveryDone(id string, err error) {
	log := t.logger.WithField("adapter", id)
	if err != nil {
		log.WithField("error", err).Error("Adapter recovery failed")
	}

	ctx, cancel := context.WithTimeout(t.loop.ctx, powerQueryTimeout)
	defer cancel()
	on, qerr := t.stack.AdapterPowerState(ctx, id)
	if qerr != nil {
		log.WithField("error", qerr).Warn("Failed to query adapter power")
		t.adapters.SetPower(id, catalog.PowerOff)
	} else if on {
		t.adapters.SetPower(id, catalog.PowerOn)
	} else {
		t.adapters.SetPower(id, catalog.PowerOff)
	}
	t.updatePowered()
}
