// Package endpoint implements one direction of GATT message traffic.
package endpoint

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/fragment"
	"github.com/srg/gattlink/internal/stack"
	"github.com/srg/gattlink/pkg/blerr"
)

// Role selects the traffic direction of an endpoint
type Role int

const (
	// RoleRequest carries peer→local traffic
	RoleRequest Role = iota
	// RoleResponse carries local→peer traffic
	RoleResponse
)

func (r Role) String() string {
	if r == RoleRequest {
		return "request"
	}
	return "response"
}

// Writer is the part of the stack an outbound endpoint needs
type Writer interface {
	WriteCharacteristic(ctx context.Context, h stack.Handle, data []byte) error
}

// MessageFunc receives completely reassembled messages
type MessageFunc func(msg *fragment.InboundMessage)

// Stats holds endpoint traffic counters
type Stats struct {
	MessagesIn   uint64
	MessagesOut  uint64
	FragmentsIn  uint64
	FragmentsOut uint64
	Violations   uint64
	SendFailures uint64
}

// Endpoint is a characteristic bound to a peer in one direction.
//
// OnWrite, Flush and the reassembly state belong to a single goroutine (the event loop).
// Send and the notify flag may be used concurrently.
type Endpoint struct {
	role   Role
	handle stack.Handle
	logger *logrus.Logger

	// request side
	reasm     *fragment.Reassembler
	onMessage MessageFunc

	// response side
	writer     Writer
	maxPayload atomic.Int64
	notify     atomic.Bool
	sendMu     sync.Mutex

	stats struct {
		msgIn, msgOut, fragIn, fragOut, violations, sendFailures atomic.Uint64
	}
}

// NewRequest creates an inbound endpoint delivering messages to onMessage.
func NewRequest(h stack.Handle, maxMessageSize int, onMessage MessageFunc, logger *logrus.Logger) *Endpoint {
	if logger == nil {
		logger = logrus.New()
	}
	return &Endpoint{
		role:      RoleRequest,
		handle:    h,
		logger:    logger,
		reasm:     fragment.NewReassembler(maxMessageSize),
		onMessage: onMessage,
	}
}

// NewResponse creates an outbound endpoint writing fragments of at most maxPayload bytes.
func NewResponse(h stack.Handle, w Writer, maxPayload int, logger *logrus.Logger) *Endpoint {
	if logger == nil {
		logger = logrus.New()
	}
	if maxPayload <= 0 {
		maxPayload = fragment.PayloadSize(fragment.DefaultMTU)
	}
	e := &Endpoint{
		role:   RoleResponse,
		handle: h,
		logger: logger,
		writer: w,
	}
	e.maxPayload.Store(int64(maxPayload))
	return e
}

// SetMaxPayload changes the fragment payload size used by later sends. Non-positive
// sizes are ignored.
func (e *Endpoint) SetMaxPayload(n int) {
	if n > 0 {
		e.maxPayload.Store(int64(n))
	}
}

// MaxPayload returns the current fragment payload size
func (e *Endpoint) MaxPayload() int {
	return int(e.maxPayload.Load())
}

func (e *Endpoint) Role() Role           { return e.role }
func (e *Endpoint) Handle() stack.Handle { return e.handle }

// OnWrite consumes one fragment written by the peer. A malformed fragment abandons the
// message in progress and returns a protocol violation; the endpoint stays usable.
func (e *Endpoint) OnWrite(b []byte) error {
	if e.role != RoleRequest {
		return blerr.Newf(blerr.KindInvalidArgument, "on_write", "write on %s endpoint %s", e.role, e.handle)
	}
	e.stats.fragIn.Add(1)

	msg, err := e.reasm.Feed(b)
	if err != nil {
		e.stats.violations.Add(1)
		e.logger.WithFields(logrus.Fields{
			"address":        e.handle.Peer,
			"characteristic": e.handle.UUID,
			"error":          err,
		}).Warn("Dropping malformed message")
		return err
	}
	if msg == nil {
		return nil
	}

	e.stats.msgIn.Add(1)
	if e.onMessage != nil {
		e.onMessage(msg)
	}
	return nil
}

// EnableNotify marks the peer as subscribed. Re-enabling is not an error.
func (e *Endpoint) EnableNotify() {
	if !e.notify.Swap(true) {
		e.logger.WithField("address", e.handle.Peer).Debug("Notifications enabled")
	}
}

// DisableNotify marks the peer as unsubscribed. Idempotent.
func (e *Endpoint) DisableNotify() {
	if e.notify.Swap(false) {
		e.logger.WithField("address", e.handle.Peer).Debug("Notifications disabled")
	}
}

// NotifyEnabled reports whether Send may emit
func (e *Endpoint) NotifyEnabled() bool {
	return e.notify.Load()
}

// Send fragments buf and writes each fragment through the stack. It fails with NotReady
// without touching the stack when notifications are disabled. A failed fragment aborts the
// rest of the message and is reported as a single stack error.
func (e *Endpoint) Send(ctx context.Context, buf []byte) error {
	if e.role != RoleResponse {
		return blerr.Newf(blerr.KindInvalidArgument, "send", "send on %s endpoint %s", e.role, e.handle)
	}
	if !e.notify.Load() {
		return blerr.New(blerr.KindNotReady, "send", fmt.Errorf("notifications disabled on %s", e.handle.UUID)).WithAddr(e.handle.Peer)
	}

	frames, err := fragment.EncodeMessage(buf, e.MaxPayload())
	if err != nil {
		return err
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	for i, frame := range frames {
		if err := ctx.Err(); err != nil {
			e.stats.sendFailures.Add(1)
			return blerr.New(blerr.KindTimeout, "send", err).WithAddr(e.handle.Peer)
		}
		// notify may be turned off between fragments
		if !e.notify.Load() {
			e.stats.sendFailures.Add(1)
			return blerr.New(blerr.KindNotReady, "send", fmt.Errorf("notifications disabled after %d of %d fragments", i, len(frames))).WithAddr(e.handle.Peer)
		}
		if err := e.writer.WriteCharacteristic(ctx, e.handle, frame); err != nil {
			e.stats.sendFailures.Add(1)
			e.logger.WithFields(logrus.Fields{
				"address":  e.handle.Peer,
				"fragment": i,
				"total":    len(frames),
				"error":    err,
			}).Warn("Fragment write failed, aborting message")
			serr := blerr.Stack("send", err)
			if be, ok := serr.(*blerr.Error); ok {
				return be.WithAddr(e.handle.Peer)
			}
			return serr
		}
		e.stats.fragOut.Add(1)
	}

	e.stats.msgOut.Add(1)
	return nil
}

// Flush discards any partially reassembled message
func (e *Endpoint) Flush() {
	if e.reasm != nil && e.reasm.InProgress() {
		e.logger.WithFields(logrus.Fields{
			"address": e.handle.Peer,
			"pending": e.reasm.Pending(),
		}).Debug("Discarding partial message")
		e.reasm.Reset()
	}
}

// Close flushes pending reassembly and disables notifications
func (e *Endpoint) Close() {
	e.Flush()
	e.DisableNotify()
}

// Pending returns the number of buffered bytes of a partially received message
func (e *Endpoint) Pending() int {
	if e.reasm == nil {
		return 0
	}
	return e.reasm.Pending()
}

// Stats returns a snapshot of the traffic counters
func (e *Endpoint) Stats() Stats {
	return Stats{
		MessagesIn:   e.stats.msgIn.Load(),
		MessagesOut:  e.stats.msgOut.Load(),
		FragmentsIn:  e.stats.fragIn.Load(),
		FragmentsOut: e.stats.fragOut.Load(),
		Violations:   e.stats.violations.Load(),
		SendFailures: e.stats.sendFailures.Load(),
	}
}
