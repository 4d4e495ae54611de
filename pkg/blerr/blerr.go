// Package blerr defines the error taxonomy surfaced by the transport.
package blerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a transport failure
type Kind int

const (
	KindUnknown Kind = iota
	KindProtocolViolation
	KindNotReady
	KindDeviceNotFound
	KindNoSuitableAdapter
	KindTimeout
	KindStackError
	KindBusy
	KindInvalidArgument
	KindStopped
)

func (k Kind) String() string {
	switch k {
	case KindProtocolViolation:
		return "protocol violation"
	case KindNotReady:
		return "not ready"
	case KindDeviceNotFound:
		return "device not found"
	case KindNoSuitableAdapter:
		return "no suitable adapter"
	case KindTimeout:
		return "timeout"
	case KindStackError:
		return "stack error"
	case KindBusy:
		return "busy"
	case KindInvalidArgument:
		return "invalid argument"
	case KindStopped:
		return "transport stopped"
	default:
		return "unknown error"
	}
}

// Error is a classified transport error. Op and Addr are optional context;
// Code carries the opaque stack code for KindStackError.
type Error struct {
	Kind Kind
	Op   string
	Addr string
	Code int
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Kind == KindStackError && e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Addr != "" {
		b.WriteString(" [")
		b.WriteString(e.Addr)
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrProtocolViolation = &Error{Kind: KindProtocolViolation}
	ErrNotReady          = &Error{Kind: KindNotReady}
	ErrDeviceNotFound    = &Error{Kind: KindDeviceNotFound}
	ErrNoSuitableAdapter = &Error{Kind: KindNoSuitableAdapter}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrStackError        = &Error{Kind: KindStackError}
	ErrBusy              = &Error{Kind: KindBusy}
	ErrInvalidArgument   = &Error{Kind: KindInvalidArgument}
	ErrStopped           = &Error{Kind: KindStopped}
)

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a classified error with a formatted cause.
func Newf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithAddr returns a copy of e carrying the peer address.
func (e *Error) WithAddr(addr string) *Error {
	c := *e
	c.Addr = addr
	return &c
}

// Coder is implemented by stack errors that expose a numeric status code.
type Coder interface {
	StatusCode() int
}

// Stack wraps a failure reported by the BLE stack. An error that already
// carries a Kind is returned unchanged.
func Stack(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	code := 0
	var c Coder
	if errors.As(err, &c) {
		code = c.StatusCode()
	}
	return &Error{Kind: KindStackError, Op: op, Code: code, Err: err}
}

// KindOf returns the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is a classified error of the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
