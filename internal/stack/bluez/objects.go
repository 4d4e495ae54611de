package bluez

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/srg/gattlink/internal/stack"
)

// adaptersFromObjects extracts adapters from a GetManagedObjects reply, sorted by id
func adaptersFromObjects(objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant) []stack.AdapterInfo {
	var out []stack.AdapterInfo
	for p, ifaces := range objs {
		props, ok := ifaces[ifaceAdapter]
		if !ok {
			continue
		}
		out = append(out, adapterFromProps(p, props))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func adapterFromProps(p dbus.ObjectPath, props map[string]dbus.Variant) stack.AdapterInfo {
	info := stack.AdapterInfo{
		ID:           adapterID(p),
		Capabilities: []stack.Capability{stack.CapLE, stack.CapCentral},
	}
	info.Address, _ = variant[string](props, "Address")
	info.Powered, _ = variant[bool](props, "Powered")
	if roles, ok := variant[[]string](props, "Roles"); ok {
		for _, r := range roles {
			if r == "peripheral" {
				info.Capabilities = append(info.Capabilities, stack.CapPeripheral)
			}
		}
	}
	return info
}

func deviceFromProps(p dbus.ObjectPath, props map[string]dbus.Variant) stack.Device {
	d := stack.Device{Address: addrFromPath(p)}
	if a, ok := variant[string](props, "Address"); ok && a != "" {
		d.Address = stack.NormalizeAddress(a)
	}
	if name, ok := variant[string](props, "Alias"); ok {
		d.Name = name
	}
	if d.Name == "" {
		d.Name, _ = variant[string](props, "Name")
	}
	if rssi, ok := variant[int16](props, "RSSI"); ok {
		d.RSSI = int(rssi)
	}
	d.Services, _ = variant[[]string](props, "UUIDs")
	d.Bonded, _ = variant[bool](props, "Paired")
	return d
}

// resolveLayout finds the request and response characteristics of the configured
// service under a device path, keyed by normalized characteristic UUID.
func resolveLayout(objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant, dpath dbus.ObjectPath, opts Options) map[string]charInfo {
	svcUUID := stack.NormalizeUUID(opts.ServiceUUID)
	devPrefix := string(dpath) + "/"

	var svcPath string
	for p, ifaces := range objs {
		props, ok := ifaces[ifaceService]
		if !ok || !strings.HasPrefix(string(p), devPrefix) {
			continue
		}
		if u, _ := variant[string](props, "UUID"); stack.NormalizeUUID(u) == svcUUID {
			svcPath = string(p) + "/"
			break
		}
	}
	if svcPath == "" {
		return nil
	}

	want := map[string]bool{
		stack.NormalizeUUID(opts.RequestCharUUID):  true,
		stack.NormalizeUUID(opts.ResponseCharUUID): true,
	}
	found := make(map[string]charInfo, 2)
	for p, ifaces := range objs {
		props, ok := ifaces[ifaceChar]
		if !ok || !strings.HasPrefix(string(p), svcPath) {
			continue
		}
		u, _ := variant[string](props, "UUID")
		u = stack.NormalizeUUID(u)
		if !want[u] {
			continue
		}
		flags, _ := variant[[]string](props, "Flags")
		found[u] = charInfo{path: p, notify: hasAny(flags, "notify", "indicate")}
	}
	return found
}

func variant[T any](props map[string]dbus.Variant, key string) (T, bool) {
	var zero T
	v, ok := props[key]
	if !ok {
		return zero, false
	}
	t, ok := v.Value().(T)
	return t, ok
}

func hasAny(list []string, want ...string) bool {
	for _, l := range list {
		for _, w := range want {
			if l == w {
				return true
			}
		}
	}
	return false
}

// addrFromPath maps /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF to AA:BB:CC:DD:EE:FF
func addrFromPath(p dbus.ObjectPath) string {
	s := string(p)
	i := strings.Index(s, "/dev_")
	if i < 0 {
		return ""
	}
	s = s[i+len("/dev_"):]
	if j := strings.IndexByte(s, '/'); j >= 0 {
		s = s[:j]
	}
	return stack.NormalizeAddress(strings.ReplaceAll(s, "_", ":"))
}

func pathFromAddr(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	s := strings.ReplaceAll(stack.NormalizeAddress(addr), ":", "_")
	return dbus.ObjectPath(string(adapter) + "/dev_" + s)
}

// errorName returns the D-Bus error name carried by err, if any
func errorName(err error) (string, string) {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name, v.Error()
	}
	var p *dbus.Error
	if errors.As(err, &p) && p != nil {
		return p.Name, p.Error()
	}
	return "", ""
}

// wedgedMarkers are failure texts BlueZ reports when the controller stops answering
var wedgedMarkers = []string{
	"le-connection-abort-by-local",
	"connection accept timeout",
	"hardware error",
	"command disallowed",
}

// classify maps a D-Bus failure onto the stack error vocabulary
// mtuFromVariant decodes the GattCharacteristic1.MTU property. BlueZ reports 0
// until the exchange completed.
func mtuFromVariant(v dbus.Variant) (int, error) {
	mtu, ok := v.Value().(uint16)
	if !ok {
		return 0, &stack.Error{Op: "mtu", Err: fmt.Errorf("%w: MTU property is %s", stack.ErrUnsupported, v.Signature())}
	}
	if mtu == 0 {
		return 0, &stack.Error{Op: "mtu", Err: fmt.Errorf("%w: MTU not negotiated yet", stack.ErrUnsupported)}
	}
	return int(mtu), nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	name, msg := errorName(err)
	lower := strings.ToLower(msg)

	switch {
	case name == "org.bluez.Error.NotConnected":
		return &stack.Error{Op: op, Err: errors.Join(stack.ErrNotConnected, err)}
	case name == "org.bluez.Error.NotReady":
		return &stack.Error{Op: op, Err: errors.Join(stack.ErrNoAdapter, err)}
	case name == "org.freedesktop.DBus.Error.UnknownObject" && strings.Contains(lower, "hci"):
		return &stack.Error{Op: op, Err: errors.Join(stack.ErrNoAdapter, err)}
	case name == "org.freedesktop.DBus.Error.UnknownObject":
		return &stack.Error{Op: op, Err: errors.Join(stack.ErrNotConnected, err)}
	}
	for _, m := range wedgedMarkers {
		if strings.Contains(lower, m) {
			return &stack.Error{Op: op, Err: errors.Join(stack.ErrWedged, err)}
		}
	}
	return &stack.Error{Op: op, Err: err}
}
