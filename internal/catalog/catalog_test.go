package catalog

import (
	"testing"
	"time"

	"github.com/srg/gattlink/internal/stack"
	"github.com/srg/gattlink/pkg/blerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapters_FindSupporting(t *testing.T) {
	c := NewAdapters()
	c.Upsert(stack.AdapterInfo{ID: "hci0", Address: "00:11:22:33:44:55", Powered: false, Capabilities: []stack.Capability{stack.CapCentral}})
	c.Upsert(stack.AdapterInfo{ID: "hci1", Address: "00:11:22:33:44:66", Powered: true, Capabilities: []stack.Capability{stack.CapPeripheral}})
	c.Upsert(stack.AdapterInfo{ID: "hci2", Address: "00:11:22:33:44:77", Powered: true, Capabilities: []stack.Capability{stack.CapCentral, stack.CapPeripheral}})

	a, err := c.FindSupporting(stack.CapPeripheral)
	require.NoError(t, err)
	assert.Equal(t, "hci1", a.ID, "first in report order wins")

	a, err = c.FindSupporting(stack.CapCentral)
	require.NoError(t, err)
	assert.Equal(t, "hci2", a.ID, "unpowered adapters are skipped")

	_, err = c.FindSupporting(stack.CapLE)
	assert.ErrorIs(t, err, blerr.ErrNoSuitableAdapter)
}

func TestAdapters_PowerAndOrder(t *testing.T) {
	c := NewAdapters()
	assert.False(t, c.AnyPowered())

	c.Upsert(stack.AdapterInfo{ID: "hci1"})
	c.Upsert(stack.AdapterInfo{ID: "hci0"})
	assert.False(t, c.SetPower("hci9", PowerOn))
	assert.True(t, c.SetPower("hci0", PowerOn))
	assert.True(t, c.AnyPowered())

	// re-reporting keeps the original position
	c.Upsert(stack.AdapterInfo{ID: "hci1", Powered: true})
	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "hci1", list[0].ID)
	assert.Equal(t, PowerOn, list[0].Power)

	_, ok := c.Remove("hci1")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())
	got, ok := c.Get("hci0")
	require.True(t, ok)
	assert.Equal(t, "on", got.Power.String())
}

func TestPeers_ObserveAndKnown(t *testing.T) {
	c := NewPeers()
	now := time.Now()

	p := c.Known("aa-bb-cc-dd-ee-ff")
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", p.Address)
	assert.True(t, p.AutoConnect)
	assert.False(t, p.Discovered)

	p = c.Observe(stack.Device{Address: "aa:bb:cc:dd:ee:ff", Name: "sensor", Services: []string{"180D"}, RSSI: -60}, now)
	assert.True(t, p.AutoConnect, "discovery keeps the persisted flag")
	assert.True(t, p.Discovered)
	assert.Equal(t, "sensor", p.Name)
	assert.True(t, p.HasService("180d"))
	assert.Equal(t, now, p.LastSeen)

	// later sightings without a name keep the known one
	p = c.Observe(stack.Device{Address: "AA:BB:CC:DD:EE:FF"}, now.Add(time.Second))
	assert.Equal(t, "sensor", p.Name)

	c.Observe(stack.Device{Address: "11:22:33:44:55:66"}, now)

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "11:22:33:44:55:66", list[0].Address)
	assert.False(t, list[0].AutoConnect)
	assert.True(t, list[1].AutoConnect)
	assert.True(t, list[1].Discovered, "snapshot reflects discovery of a persisted peer")
	assert.Equal(t, "sensor", list[1].Name)

	c.Update("11:22:33:44:55:66", func(p *PeerDevice) { p.AutoConnect = true })
	assert.True(t, c.List()[0].AutoConnect)

	assert.True(t, c.Remove("aa:bb:cc:dd:ee:ff"))
	_, ok := c.Get("AA:BB:CC:DD:EE:FF")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestPeers_ListMatchesGetAfterUpdates(t *testing.T) {
	c := NewPeers()
	c.Known("AA:BB:CC:DD:EE:01")
	c.Observe(stack.Device{Address: "AA:BB:CC:DD:EE:01", Name: "sensor"}, time.Now())
	c.Update("AA:BB:CC:DD:EE:01", func(p *PeerDevice) { p.PreferPersistent = true })

	// Known on an existing entry keeps its discovery data
	c.Observe(stack.Device{Address: "AA:BB:CC:DD:EE:02"}, time.Now())
	c.Known("AA:BB:CC:DD:EE:02")

	for _, listed := range c.List() {
		got, ok := c.Get(listed.Address)
		require.True(t, ok)
		assert.Equal(t, got, listed, "List and Get disagree for %s", listed.Address)
		assert.True(t, listed.AutoConnect)
		assert.True(t, listed.Discovered)
	}
	one, _ := c.Get("AA:BB:CC:DD:EE:01")
	assert.True(t, one.PreferPersistent)
	assert.Equal(t, "sensor", one.Name)
}
