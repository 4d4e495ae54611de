package bluez

import (
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/stack"
)

func (s *Stack) pump() {
	for {
		select {
		case <-s.closed:
			return
		case sig, ok := <-s.signals:
			if !ok {
				return
			}
			for _, ev := range s.translate(sig) {
				s.emit(ev)
			}
		}
	}
}

// translate turns one BlueZ signal into stack events. Discovered devices go to the
// active scans instead of the event stream.
func (s *Stack) translate(sig *dbus.Signal) []stack.Event {
	if sig == nil {
		return nil
	}
	switch sig.Name {
	case sigAdded:
		return s.onInterfacesAdded(sig)
	case sigRemoved:
		return s.onInterfacesRemoved(sig)
	case sigPropsDelta:
		return s.onPropertiesChanged(sig)
	}
	return nil
}

func (s *Stack) onInterfacesAdded(sig *dbus.Signal) []stack.Event {
	if len(sig.Body) < 2 {
		return nil
	}
	p, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return nil
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return nil
	}
	if props, ok := ifaces[ifaceAdapter]; ok {
		return []stack.Event{{Kind: stack.AdapterAdded, Adapter: adapterFromProps(p, props)}}
	}
	if props, ok := ifaces[ifaceDevice]; ok {
		d := deviceFromProps(p, props)
		s.mu.Lock()
		s.paired[d.Address] = d.Bonded
		s.mu.Unlock()
		s.offer(d)
	}
	return nil
}

func (s *Stack) onInterfacesRemoved(sig *dbus.Signal) []stack.Event {
	if len(sig.Body) < 2 {
		return nil
	}
	p, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return nil
	}
	ifaces, ok := sig.Body[1].([]string)
	if !ok {
		return nil
	}
	for _, iface := range ifaces {
		switch iface {
		case ifaceAdapter:
			return []stack.Event{{Kind: stack.AdapterRemoved, Adapter: stack.AdapterInfo{ID: adapterID(p)}}}
		case ifaceDevice:
			addr := addrFromPath(p)
			s.mu.Lock()
			s.forgetLocked(addr)
			delete(s.paired, addr)
			s.mu.Unlock()
			return []stack.Event{{Kind: stack.DeviceRemoved, Device: stack.Device{Address: addr}}}
		}
	}
	return nil
}

func (s *Stack) onPropertiesChanged(sig *dbus.Signal) []stack.Event {
	if len(sig.Body) < 2 {
		return nil
	}
	iface, _ := sig.Body[0].(string)
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return nil
	}

	switch iface {
	case ifaceAdapter:
		if on, ok := variant[bool](changed, "Powered"); ok {
			return []stack.Event{{
				Kind:    stack.AdapterPowerChanged,
				Adapter: stack.AdapterInfo{ID: adapterID(sig.Path), Powered: on},
			}}
		}
	case ifaceDevice:
		return s.onDeviceChanged(sig.Path, changed)
	case ifaceChar:
		return s.onCharChanged(sig.Path, changed)
	}
	return nil
}

func (s *Stack) onDeviceChanged(p dbus.ObjectPath, changed map[string]dbus.Variant) []stack.Event {
	addr := addrFromPath(p)
	if addr == "" {
		return nil
	}
	dev := stack.Device{Address: addr}
	var out []stack.Event

	if _, ok := changed["RSSI"]; ok {
		s.offer(deviceFromProps(p, changed))
	}
	if paired, ok := variant[bool](changed, "Paired"); ok {
		s.mu.Lock()
		was := s.paired[addr]
		s.paired[addr] = paired
		s.mu.Unlock()
		if was && !paired {
			out = append(out, stack.Event{Kind: stack.BondLost, Device: dev})
		}
	}
	if connected, ok := variant[bool](changed, "Connected"); ok {
		if connected {
			out = append(out, stack.Event{Kind: stack.DeviceConnected, Device: dev})
		} else {
			s.mu.Lock()
			s.forgetLocked(addr)
			s.mu.Unlock()
			out = append(out, stack.Event{Kind: stack.DeviceDisconnected, Device: dev})
		}
	}
	return out
}

func (s *Stack) onCharChanged(p dbus.ObjectPath, changed map[string]dbus.Variant) []stack.Event {
	s.mu.Lock()
	h, ok := s.byPath[p]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	var out []stack.Event
	if v, ok := variant[[]byte](changed, "Value"); ok {
		data := make([]byte, len(v))
		copy(data, v)
		out = append(out, stack.Event{Kind: stack.CharacteristicWritten, Handle: h, Data: data})
	}
	if notifying, ok := variant[bool](changed, "Notifying"); ok {
		s.logger.WithFields(logrus.Fields{
			"characteristic": h.UUID,
			"address":        h.Peer,
			"notifying":      notifying,
		}).Debug("Notification state changed")
		out = append(out, stack.Event{Kind: stack.NotifyStateChanged, Handle: h, Enabled: notifying})
	}
	return out
}
