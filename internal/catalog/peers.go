package catalog

import (
	"sort"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/srg/gattlink/internal/stack"
)

// PeerDevice is a remote device known to the transport
type PeerDevice struct {
	Address  string
	Name     string
	Services []string
	RSSI     int
	Bonded   bool

	// AutoConnect marks the peer for persistent reconnection
	AutoConnect bool
	// PreferPersistent is set once the peer has been connected successfully
	PreferPersistent bool
	// Discovered is false for peers only loaded from the persisted set
	Discovered bool
	LastSeen   time.Time
}

// HasService reports whether the peer advertised the service
func (p PeerDevice) HasService(uuid string) bool {
	want := stack.NormalizeUUID(uuid)
	for _, s := range p.Services {
		if stack.NormalizeUUID(s) == want {
			return true
		}
	}
	return false
}

// Peers is the peer inventory keyed by normalized address.
// Values are stored by copy; every update replaces the entry.
type Peers struct {
	m *hashmap.Map[string, PeerDevice]
}

// NewPeers creates an empty peer inventory
func NewPeers() *Peers {
	return &Peers{m: hashmap.New[string, PeerDevice]()}
}

// Observe merges a discovery result into the catalog and returns the updated entry.
func (c *Peers) Observe(d stack.Device, now time.Time) PeerDevice {
	addr := stack.NormalizeAddress(d.Address)
	p, _ := c.m.Get(addr)
	p.Address = addr
	if d.Name != "" {
		p.Name = d.Name
	}
	if len(d.Services) > 0 {
		p.Services = append([]string(nil), d.Services...)
	}
	if d.RSSI != 0 {
		p.RSSI = d.RSSI
	}
	p.Bonded = p.Bonded || d.Bonded
	p.Discovered = true
	p.LastSeen = now
	c.m.Set(addr, p)
	return p
}

// Known inserts a peer loaded from persisted state, keeping existing discovery data.
func (c *Peers) Known(addr string) PeerDevice {
	addr = stack.NormalizeAddress(addr)
	p, ok := c.m.Get(addr)
	if !ok {
		p = PeerDevice{Address: addr}
	}
	p.AutoConnect = true
	c.m.Set(addr, p)
	return p
}

// Update applies fn to the entry for addr, creating it when missing.
func (c *Peers) Update(addr string, fn func(p *PeerDevice)) PeerDevice {
	addr = stack.NormalizeAddress(addr)
	p, ok := c.m.Get(addr)
	if !ok {
		p = PeerDevice{Address: addr}
	}
	fn(&p)
	c.m.Set(addr, p)
	return p
}

// Get returns a copy of the entry for addr
func (c *Peers) Get(addr string) (PeerDevice, bool) {
	return c.m.Get(stack.NormalizeAddress(addr))
}

// Remove drops a peer
func (c *Peers) Remove(addr string) bool {
	return c.m.Del(stack.NormalizeAddress(addr))
}

// Len returns the number of known peers
func (c *Peers) Len() int {
	return c.m.Len()
}

// List returns a snapshot sorted by address
func (c *Peers) List() []PeerDevice {
	out := make([]PeerDevice, 0, c.m.Len())
	c.m.Range(func(_ string, p PeerDevice) bool {
		out = append(out, p)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
