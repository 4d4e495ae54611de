// Package stack defines the contract between the transport and a platform
// Bluetooth binding.
package stack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Capability names a feature an adapter may offer
type Capability string

const (
	CapCentral    Capability = "central"
	CapPeripheral Capability = "peripheral"
	CapLE         Capability = "le"
)

// AdapterInfo describes a local Bluetooth controller as reported by the stack
type AdapterInfo struct {
	ID           string
	Address      string
	Powered      bool
	Capabilities []Capability
}

// Has reports whether the adapter advertises the capability
func (a AdapterInfo) Has(c Capability) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Device is a remote peer as seen by the stack
type Device struct {
	Address  string
	Name     string
	Services []string
	Bonded   bool
	RSSI     int
}

// Handle identifies a characteristic on a specific peer
type Handle struct {
	Peer string
	UUID string
}

func (h Handle) String() string {
	return h.Peer + "/" + h.UUID
}

// DiscoveryFilter narrows device discovery. Empty fields match everything.
type DiscoveryFilter struct {
	AdapterID string
	Services  []string
	Addresses []string
}

// Matches reports whether d passes the filter
func (f DiscoveryFilter) Matches(d Device) bool {
	if len(f.Addresses) > 0 && !containsFold(f.Addresses, d.Address) {
		return false
	}
	if len(f.Services) == 0 {
		return true
	}
	for _, s := range d.Services {
		if containsFold(f.Services, s) {
			return true
		}
	}
	return false
}

// ConnectOptions tune a connection attempt
type ConnectOptions struct {
	// Persistent asks the stack to keep the link up (auto-connect / background connect)
	Persistent bool
	Timeout    time.Duration
}

// EventKind enumerates asynchronous stack notifications
type EventKind int

const (
	AdapterAdded EventKind = iota + 1
	AdapterRemoved
	AdapterPowerChanged
	DeviceAdded
	DeviceRemoved
	DeviceConnected
	DeviceDisconnected
	CharacteristicWritten
	NotifyStateChanged
	BondLost
	StackFault
)

var eventNames = map[EventKind]string{
	AdapterAdded:          "adapter-added",
	AdapterRemoved:        "adapter-removed",
	AdapterPowerChanged:   "adapter-power-changed",
	DeviceAdded:           "device-added",
	DeviceRemoved:         "device-removed",
	DeviceConnected:       "device-connected",
	DeviceDisconnected:    "device-disconnected",
	CharacteristicWritten: "characteristic-written",
	NotifyStateChanged:    "notify-state-changed",
	BondLost:              "bond-lost",
	StackFault:            "stack-fault",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one asynchronous notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind    EventKind
	Adapter AdapterInfo
	Device  Device
	Handle  Handle
	Data    []byte
	Enabled bool
	Err     error
}

// Stack is the platform Bluetooth binding consumed by the transport.
//
// WriteCharacteristic pushes data to the peer through the characteristic (a GATT write
// for central bindings, a notification for server bindings). CharacteristicWritten events
// carry data arriving from the peer. EnableNotify arms a characteristic's data path and is
// confirmed by a NotifyStateChanged event.
type Stack interface {
	ListAdapters(ctx context.Context) ([]AdapterInfo, error)
	AdapterPowerState(ctx context.Context, id string) (bool, error)
	SetAdapterPower(ctx context.Context, id string, on bool) error

	// DiscoverDevices streams matching devices until ctx is cancelled
	DiscoverDevices(ctx context.Context, filter DiscoveryFilter) (<-chan Device, error)

	Connect(ctx context.Context, address string, opts ConnectOptions) error
	Disconnect(ctx context.Context, address string) error

	WriteCharacteristic(ctx context.Context, h Handle, data []byte) error
	EnableNotify(ctx context.Context, h Handle) error
	DisableNotify(ctx context.Context, h Handle) error

	Events() <-chan Event
	Close() error
}

// Role is the GATT role a binding plays
type Role int

const (
	// RolePeripheral bindings host the service; peers write requests and subscribe to responses
	RolePeripheral Role = iota
	// RoleCentral bindings connect to peers hosting the service
	RoleCentral
)

func (r Role) String() string {
	if r == RoleCentral {
		return "central"
	}
	return "peripheral"
}

// Roler is implemented by bindings that declare their GATT role
type Roler interface {
	Role() Role
}

// RoleOf returns the role declared by s, defaulting to RolePeripheral
func RoleOf(s Stack) Role {
	if r, ok := s.(Roler); ok {
		return r.Role()
	}
	return RolePeripheral
}

// MTUReporter is implemented by bindings that can report the ATT MTU negotiated with
// a connected peer
type MTUReporter interface {
	MTU(ctx context.Context, address string) (int, error)
}

// Capability returns the adapter capability a role requires
func (r Role) Capability() Capability {
	if r == RoleCentral {
		return CapCentral
	}
	return CapPeripheral
}

var (
	// ErrWedged marks failures that indicate a stuck controller (accept timeout / exception)
	ErrWedged       = errors.New("controller not responding")
	ErrUnsupported  = errors.New("unsupported")
	ErrNotConnected = errors.New("not connected")
	ErrNoAdapter    = errors.New("adapter not found")
)

// Error is an opaque failure passed through from the binding
type Error struct {
	Op   string
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %v (code %d)", e.Op, e.Err, e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode exposes the binding status code
func (e *Error) StatusCode() int { return e.Code }

// IsWedged reports whether err indicates the controller needs a power cycle
func IsWedged(err error) bool {
	return errors.Is(err, ErrWedged)
}

// NormalizeAddress canonicalizes a Bluetooth address: upper-case, colon separated.
func NormalizeAddress(addr string) string {
	a := strings.TrimSpace(addr)
	a = strings.NewReplacer("-", ":", "_", ":").Replace(a)
	return strings.ToUpper(a)
}

// NormalizeUUID canonicalizes a UUID string for comparison
func NormalizeUUID(u string) string {
	return strings.ToLower(strings.TrimSpace(u))
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
