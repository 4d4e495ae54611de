// Package session implements the per-peer connection state machine.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/srg/gattlink/internal/endpoint"
)

// State is the connection state of a peer session
type State int

const (
	Idle State = iota
	Discovering
	Connecting
	Connected
	Disconnecting
	PendingReconnect
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Discovering:
		return "discovering"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case PendingReconnect:
		return "pending-reconnect"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// legal transitions; Idle → Connected covers links initiated by the peer
var transitions = map[State][]State{
	Idle:             {Discovering, Connecting, Connected},
	Discovering:      {Connecting, Idle},
	Connecting:       {Connected, PendingReconnect, Disconnecting, Idle},
	Connected:        {Disconnecting, PendingReconnect, Idle},
	Disconnecting:    {Idle},
	PendingReconnect: {Connecting, Discovering, Idle},
}

// CanTransition reports whether from → to is a legal move
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError is returned for an illegal state change
type TransitionError struct {
	Addr     string
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: illegal transition %s -> %s", e.Addr, e.From, e.To)
}

// Session is the state of one peer connection. It is owned by the event loop and
// must not be shared with other goroutines; the endpoints may be.
type Session struct {
	Addr     string
	Request  *endpoint.Endpoint
	Response *endpoint.Endpoint

	state    State
	since    time.Time
	lastSeen time.Time

	// ConnectAttempts counts attempts since the last successful connection
	ConnectAttempts int
	// DiscoveryAttempts counts expired discovery windows
	DiscoveryAttempts int
	// Exhausted is set when the retry budget ran out
	Exhausted bool
	// Connected at least once during this session
	EverConnected bool
	// AwaitingNotify is set between link-up and the peer enabling notifications
	AwaitingNotify bool
	// NotifyRefused is set once the peer explicitly disabled notifications
	NotifyRefused bool

	timerCancel context.CancelFunc
	waiters     []func(error)
}

// New creates a session in the Idle state
func New(addr string, req, resp *endpoint.Endpoint, now time.Time) *Session {
	return &Session{
		Addr:     addr,
		Request:  req,
		Response: resp,
		state:    Idle,
		since:    now,
		lastSeen: now,
	}
}

// State returns the current state
func (s *Session) State() State { return s.state }

// Since returns when the current state was entered
func (s *Session) Since() time.Time { return s.since }

// LastSeen returns the last time the peer showed activity
func (s *Session) LastSeen() time.Time { return s.lastSeen }

// Touch records peer activity
func (s *Session) Touch(now time.Time) { s.lastSeen = now }

// Transition moves the session to a new state. Illegal moves leave the state unchanged.
func (s *Session) Transition(to State, now time.Time) (State, error) {
	from := s.state
	if !CanTransition(from, to) {
		return from, &TransitionError{Addr: s.Addr, From: from, To: to}
	}
	s.state = to
	s.since = now

	switch to {
	case Connected:
		s.ConnectAttempts = 0
		s.DiscoveryAttempts = 0
		s.Exhausted = false
		s.EverConnected = true
		s.NotifyRefused = false
	case Idle, Disconnecting, PendingReconnect:
		s.AwaitingNotify = false
	}
	return from, nil
}

// Ready reports whether messages can be sent to the peer now
func (s *Session) Ready() bool {
	return s.state == Connected && s.Response != nil && s.Response.NotifyEnabled()
}

// ArmTimer stores the cancel function of a pending wait, cancelling any previous one.
func (s *Session) ArmTimer(cancel context.CancelFunc) {
	s.CancelTimer()
	s.timerCancel = cancel
}

// CancelTimer wakes and forgets the pending wait, if any. Returns true if one was pending.
func (s *Session) CancelTimer() bool {
	if s.timerCancel == nil {
		return false
	}
	s.timerCancel()
	s.timerCancel = nil
	return true
}

// TimerArmed reports whether a wait is pending
func (s *Session) TimerArmed() bool { return s.timerCancel != nil }

// Park registers a callback to run once the session becomes ready or fails.
func (s *Session) Park(fn func(error)) {
	s.waiters = append(s.waiters, fn)
}

// Parked returns the number of parked callbacks
func (s *Session) Parked() int { return len(s.waiters) }

// Release runs and clears every parked callback with err (nil on readiness).
func (s *Session) Release(err error) {
	waiters := s.waiters
	s.waiters = nil
	for _, fn := range waiters {
		fn(err)
	}
}

// Teardown cancels the pending wait and closes both endpoints
func (s *Session) Teardown() {
	s.CancelTimer()
	if s.Request != nil {
		s.Request.Close()
	}
	if s.Response != nil {
		s.Response.Close()
	}
}

// Snapshot is a read-only copy of a session for other goroutines
type Snapshot struct {
	Addr            string
	State           State
	Since           time.Time
	LastSeen        time.Time
	ConnectAttempts int
	NotifyEnabled   bool
	Exhausted       bool
	Parked          int
}

// Snapshot copies the observable session state
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		Addr:            s.Addr,
		State:           s.state,
		Since:           s.since,
		LastSeen:        s.lastSeen,
		ConnectAttempts: s.ConnectAttempts,
		Exhausted:       s.Exhausted,
		Parked:          len(s.waiters),
	}
	if s.Response != nil {
		snap.NotifyEnabled = s.Response.NotifyEnabled()
	}
	return snap
}
