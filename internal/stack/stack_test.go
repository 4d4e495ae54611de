package stack

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"aa:bb:cc:dd:ee:ff", "AA:BB:CC:DD:EE:FF"},
		{" aa-bb-cc-dd-ee-ff ", "AA:BB:CC:DD:EE:FF"},
		{"aa_bb_cc_dd_ee_ff", "AA:BB:CC:DD:EE:FF"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeAddress(tt.in), "input %q", tt.in)
	}
}

func TestDiscoveryFilter_Matches(t *testing.T) {
	dev := Device{Address: "AA:BB:CC:DD:EE:FF", Services: []string{"6e400001-b5a3-f393-e0a9-e50e24dcca9e"}}

	assert.True(t, DiscoveryFilter{}.Matches(dev))
	assert.True(t, DiscoveryFilter{Addresses: []string{"aa:bb:cc:dd:ee:ff"}}.Matches(dev))
	assert.False(t, DiscoveryFilter{Addresses: []string{"11:22:33:44:55:66"}}.Matches(dev))
	assert.True(t, DiscoveryFilter{Services: []string{"6E400001-B5A3-F393-E0A9-E50E24DCCA9E"}}.Matches(dev))
	assert.False(t, DiscoveryFilter{Services: []string{"180d"}}.Matches(dev))
}

func TestError(t *testing.T) {
	err := &Error{Op: "connect", Code: 62, Err: ErrWedged}
	assert.True(t, IsWedged(fmt.Errorf("attempt 3: %w", err)))
	assert.Equal(t, 62, err.StatusCode())
	assert.Equal(t, "connect: controller not responding (code 62)", err.Error())
	assert.False(t, IsWedged(errors.New("other")))
}

func TestAdapterInfo_Has(t *testing.T) {
	a := AdapterInfo{Capabilities: []Capability{CapLE, CapCentral}}
	assert.True(t, a.Has(CapCentral))
	assert.False(t, a.Has(CapPeripheral))
	assert.Equal(t, "device-connected", DeviceConnected.String())
	assert.Equal(t, "event(99)", EventKind(99).String())
}
