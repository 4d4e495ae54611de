// Package tinygo binds stack.Stack to tinygo.org/x/bluetooth in the peripheral
// role: the binding hosts the service, peers write the request characteristic and
// receive responses as notifications.
package tinygo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/stack"
)

// AdapterID is the single adapter the library exposes
const AdapterID = "default"

const eventBuffer = 256

// Options describes the hosted service
type Options struct {
	LocalName        string
	ServiceUUID      string
	RequestCharUUID  string
	ResponseCharUUID string
}

// radio is the part of the Bluetooth adapter the binding drives
type radio interface {
	Enable() error
	// Serve registers the service and starts advertising it. Writes to the request
	// characteristic are passed to onWrite.
	Serve(opts Options, onWrite func(data []byte)) error
	// Notify pushes data to every subscriber of the response characteristic
	Notify(data []byte) error
	OnConnect(fn func(addr string, connected bool))
	Scan(ctx context.Context, fn func(stack.Device)) error
	Disconnect(addr string) error
}

// Stack is the tinygo binding
type Stack struct {
	opts   Options
	radio  radio
	logger *logrus.Logger

	mu      sync.Mutex
	enabled bool
	peers   []string // connected peers, most recent last

	events chan stack.Event
	closed chan struct{}
	once   sync.Once
}

func newStack(r radio, opts Options, logger *logrus.Logger) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	return &Stack{
		opts:   opts,
		radio:  r,
		logger: logger,
		events: make(chan stack.Event, eventBuffer),
		closed: make(chan struct{}),
	}
}

// start enables the adapter, registers the service and begins advertising
func (s *Stack) start() error {
	if err := s.radio.Enable(); err != nil {
		return &stack.Error{Op: "enable", Err: err}
	}
	s.radio.OnConnect(s.onConnect)
	if err := s.radio.Serve(s.opts, s.onWrite); err != nil {
		return &stack.Error{Op: "serve", Err: err}
	}

	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()
	s.logger.WithFields(logrus.Fields{
		"name":    s.opts.LocalName,
		"service": s.opts.ServiceUUID,
	}).Info("Advertising service")
	return nil
}

func (s *Stack) Role() stack.Role { return stack.RolePeripheral }

func (s *Stack) Events() <-chan stack.Event { return s.events }

func (s *Stack) emit(ev stack.Event) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

func (s *Stack) onConnect(addr string, connected bool) {
	addr = stack.NormalizeAddress(addr)
	s.mu.Lock()
	s.peers = remove(s.peers, addr)
	if connected {
		s.peers = append(s.peers, addr)
	}
	s.mu.Unlock()

	kind := stack.DeviceDisconnected
	if connected {
		kind = stack.DeviceConnected
	}
	s.logger.WithFields(logrus.Fields{"address": addr, "connected": connected}).Debug("Peer link changed")
	s.emit(stack.Event{Kind: kind, Device: stack.Device{Address: addr}})
}

// onWrite attributes a request write to the most recently connected peer. The
// library does not report which client wrote.
func (s *Stack) onWrite(data []byte) {
	s.mu.Lock()
	var addr string
	if n := len(s.peers); n > 0 {
		addr = s.peers[n-1]
	}
	s.mu.Unlock()
	if addr == "" {
		s.logger.Warn("Dropping write with no connected peer")
		return
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	s.emit(stack.Event{
		Kind:   stack.CharacteristicWritten,
		Handle: stack.Handle{Peer: addr, UUID: stack.NormalizeUUID(s.opts.RequestCharUUID)},
		Data:   buf,
	})
}

func (s *Stack) connected(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		if p == addr {
			return true
		}
	}
	return false
}

func (s *Stack) ListAdapters(context.Context) ([]stack.AdapterInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []stack.AdapterInfo{{
		ID:           AdapterID,
		Powered:      s.enabled,
		Capabilities: []stack.Capability{stack.CapLE, stack.CapPeripheral, stack.CapCentral},
	}}, nil
}

func (s *Stack) AdapterPowerState(context.Context, string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled, nil
}

// SetAdapterPower can only enable the adapter
func (s *Stack) SetAdapterPower(_ context.Context, _ string, on bool) error {
	if !on {
		return &stack.Error{Op: "set_adapter_power", Err: stack.ErrUnsupported}
	}
	s.mu.Lock()
	enabled := s.enabled
	s.mu.Unlock()
	if enabled {
		return nil
	}
	return s.start()
}

func (s *Stack) DiscoverDevices(ctx context.Context, filter stack.DiscoveryFilter) (<-chan stack.Device, error) {
	out := make(chan stack.Device, eventBuffer)
	groutine.Go(ctx, "tinygo-scan", func(ctx context.Context) {
		defer close(out)
		err := s.radio.Scan(ctx, func(d stack.Device) {
			d.Address = stack.NormalizeAddress(d.Address)
			if !filter.Matches(d) {
				return
			}
			select {
			case out <- d:
			default:
			}
		})
		if err != nil && ctx.Err() == nil {
			s.logger.WithField("error", err).Warn("Scan stopped")
		}
	})
	return out, nil
}

// Connect is not offered: peers connect to the hosted service
func (s *Stack) Connect(context.Context, string, stack.ConnectOptions) error {
	return &stack.Error{Op: "connect", Err: stack.ErrUnsupported}
}

func (s *Stack) Disconnect(_ context.Context, address string) error {
	addr := stack.NormalizeAddress(address)
	if !s.connected(addr) {
		return &stack.Error{Op: "disconnect", Err: stack.ErrNotConnected}
	}
	if err := s.radio.Disconnect(addr); err != nil {
		return &stack.Error{Op: "disconnect", Err: err}
	}
	return nil
}

// WriteCharacteristic notifies the response characteristic. Every subscribed
// client receives the notification.
func (s *Stack) WriteCharacteristic(_ context.Context, h stack.Handle, data []byte) error {
	if stack.NormalizeUUID(h.UUID) != stack.NormalizeUUID(s.opts.ResponseCharUUID) {
		return &stack.Error{Op: "write", Err: fmt.Errorf("%s is not notifiable: %w", h, stack.ErrUnsupported)}
	}
	if !s.connected(stack.NormalizeAddress(h.Peer)) {
		return &stack.Error{Op: "write", Err: fmt.Errorf("%s: %w", h, stack.ErrNotConnected)}
	}
	if err := s.radio.Notify(data); err != nil {
		return &stack.Error{Op: "write", Err: err}
	}
	return nil
}

// EnableNotify is confirmed right away: the library does not surface CCCD writes
func (s *Stack) EnableNotify(_ context.Context, h stack.Handle) error {
	if !s.connected(stack.NormalizeAddress(h.Peer)) {
		return &stack.Error{Op: "enable_notify", Err: fmt.Errorf("%s: %w", h, stack.ErrNotConnected)}
	}
	s.emit(stack.Event{Kind: stack.NotifyStateChanged, Handle: h, Enabled: true})
	return nil
}

func (s *Stack) DisableNotify(context.Context, stack.Handle) error { return nil }

func (s *Stack) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, l := range list {
		if l != v {
			out = append(out, l)
		}
	}
	return out
}

var (
	_ stack.Stack = (*Stack)(nil)

	errNoPeripheral = errors.New("peripheral role is not available on this platform")
)
