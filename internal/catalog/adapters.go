// Package catalog holds the adapter and peer inventories maintained by the transport.
package catalog

import (
	"sync"

	"github.com/srg/gattlink/internal/stack"
	"github.com/srg/gattlink/pkg/blerr"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// PowerState is the power state of a local adapter
type PowerState int

const (
	PowerOff PowerState = iota
	PowerOn
	PowerTransitioning
)

func (p PowerState) String() string {
	switch p {
	case PowerOn:
		return "on"
	case PowerTransitioning:
		return "transitioning"
	default:
		return "off"
	}
}

// Adapter is a local Bluetooth controller
type Adapter struct {
	ID           string
	Address      string
	Power        PowerState
	Capabilities []stack.Capability
}

// Supports reports whether the adapter has the capability
func (a Adapter) Supports(c stack.Capability) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Adapters is the adapter inventory in stack report order.
// Writes come from the event loop; reads may come from any goroutine.
type Adapters struct {
	mu sync.RWMutex
	m  *orderedmap.OrderedMap[string, Adapter]
}

// NewAdapters creates an empty adapter inventory
func NewAdapters() *Adapters {
	return &Adapters{m: orderedmap.New[string, Adapter]()}
}

// Upsert records an adapter reported by the stack, keeping its report position.
func (c *Adapters) Upsert(info stack.AdapterInfo) Adapter {
	power := PowerOff
	if info.Powered {
		power = PowerOn
	}
	a := Adapter{
		ID:           info.ID,
		Address:      stack.NormalizeAddress(info.Address),
		Power:        power,
		Capabilities: append([]stack.Capability(nil), info.Capabilities...),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.m.Set(a.ID, a)
	return a
}

// SetPower updates the power state. Returns false for an unknown adapter.
func (c *Adapters) SetPower(id string, p PowerState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.m.Get(id)
	if !ok {
		return false
	}
	a.Power = p
	c.m.Set(id, a)
	return true
}

// Reset forgets every adapter
func (c *Adapters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = orderedmap.New[string, Adapter]()
}

// Remove drops an adapter
func (c *Adapters) Remove(id string) (Adapter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.Delete(id)
}

// Get returns the adapter with the given id
func (c *Adapters) Get(id string) (Adapter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.m.Get(id)
}

// List returns a snapshot in report order
func (c *Adapters) List() []Adapter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Adapter, 0, c.m.Len())
	for p := c.m.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Value)
	}
	return out
}

// Len returns the number of known adapters
func (c *Adapters) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.m.Len()
}

// AnyPowered reports whether at least one adapter is on
func (c *Adapters) AnyPowered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for p := c.m.Oldest(); p != nil; p = p.Next() {
		if p.Value.Power == PowerOn {
			return true
		}
	}
	return false
}

// FindSupporting returns the first powered adapter, in report order, having the capability.
func (c *Adapters) FindSupporting(capability stack.Capability) (Adapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for p := c.m.Oldest(); p != nil; p = p.Next() {
		if p.Value.Power == PowerOn && p.Value.Supports(capability) {
			return p.Value, nil
		}
	}
	return Adapter{}, blerr.Newf(blerr.KindNoSuitableAdapter, "find_adapter", "no powered adapter supports %q", capability)
}
