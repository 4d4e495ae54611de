// Package bluez binds stack.Stack to BlueZ over the D-Bus system bus. The
// binding plays the central role: it connects to peers hosting the service,
// writes the request characteristic and subscribes to the response one.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/stack"
)

const (
	bluezDest     = "org.bluez"
	adapterPrefix = "/org/bluez/"

	ifaceAdapter  = "org.bluez.Adapter1"
	ifaceDevice   = "org.bluez.Device1"
	ifaceService  = "org.bluez.GattService1"
	ifaceChar     = "org.bluez.GattCharacteristic1"
	ifaceObjects  = "org.freedesktop.DBus.ObjectManager"
	ifaceProps    = "org.freedesktop.DBus.Properties"
	sigAdded      = ifaceObjects + ".InterfacesAdded"
	sigRemoved    = ifaceObjects + ".InterfacesRemoved"
	sigPropsDelta = ifaceProps + ".PropertiesChanged"

	eventBuffer          = 256
	servicesPollEvery    = 100 * time.Millisecond
	defaultAdapterLookup = 2 * time.Second
)

// Options names the GATT layout the binding resolves on every peer
type Options struct {
	ServiceUUID      string
	RequestCharUUID  string
	ResponseCharUUID string
}

// charInfo is a resolved remote characteristic
type charInfo struct {
	path   dbus.ObjectPath
	notify bool
}

// Stack is the BlueZ binding
type Stack struct {
	conn   *dbus.Conn
	owned  bool
	opts   Options
	logger *logrus.Logger

	mu        sync.Mutex
	chars     map[stack.Handle]charInfo
	byPath    map[dbus.ObjectPath]stack.Handle
	paired    map[string]bool
	scanSubs  map[int]*scanSub
	nextSubID int

	signals chan *dbus.Signal
	events  chan stack.Event
	closed  chan struct{}
	once    sync.Once
}

type scanSub struct {
	filter stack.DiscoveryFilter
	ch     chan stack.Device
}

// Open connects to the system bus and starts listening for BlueZ signals
func Open(opts Options, logger *logrus.Logger) (*Stack, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	s, err := New(conn, opts, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New builds the binding on an existing bus connection
func New(conn *dbus.Conn, opts Options, logger *logrus.Logger) (*Stack, error) {
	if logger == nil {
		logger = logrus.New()
	}
	s := newStack(conn, opts, logger)
	if conn == nil {
		return s, nil
	}

	matches := [][]dbus.MatchOption{
		{dbus.WithMatchSender(bluezDest), dbus.WithMatchInterface(ifaceObjects)},
		{dbus.WithMatchSender(bluezDest), dbus.WithMatchInterface(ifaceProps), dbus.WithMatchMember("PropertiesChanged")},
	}
	for _, m := range matches {
		if err := conn.AddMatchSignal(m...); err != nil {
			return nil, fmt.Errorf("subscribe to bluez signals: %w", err)
		}
	}
	conn.Signal(s.signals)

	groutine.Go(context.Background(), "bluez-signals", func(ctx context.Context) {
		s.pump()
	})
	return s, nil
}

func newStack(conn *dbus.Conn, opts Options, logger *logrus.Logger) *Stack {
	return &Stack{
		conn:     conn,
		opts:     opts,
		logger:   logger,
		chars:    make(map[stack.Handle]charInfo),
		byPath:   make(map[dbus.ObjectPath]stack.Handle),
		paired:   make(map[string]bool),
		scanSubs: make(map[int]*scanSub),
		signals:  make(chan *dbus.Signal, eventBuffer),
		events:   make(chan stack.Event, eventBuffer),
		closed:   make(chan struct{}),
	}
}

// Role reports the GATT role of the binding
func (s *Stack) Role() stack.Role { return stack.RoleCentral }

func (s *Stack) Events() <-chan stack.Event { return s.events }

// Close stops signal delivery. The bus connection is closed only when Open created it.
func (s *Stack) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		if s.conn == nil {
			return
		}
		s.conn.RemoveSignal(s.signals)
		if s.owned {
			err = s.conn.Close()
		}
	})
	return err
}

func (s *Stack) emit(ev stack.Event) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

// Adapters

func (s *Stack) managedObjects(ctx context.Context) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var out map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := s.conn.Object(bluezDest, "/").CallWithContext(ctx, ifaceObjects+".GetManagedObjects", 0).Store(&out)
	if err != nil {
		return nil, classify("get_managed_objects", err)
	}
	return out, nil
}

func (s *Stack) ListAdapters(ctx context.Context) ([]stack.AdapterInfo, error) {
	objs, err := s.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	return adaptersFromObjects(objs), nil
}

func (s *Stack) AdapterPowerState(ctx context.Context, id string) (bool, error) {
	var v dbus.Variant
	err := s.conn.Object(bluezDest, adapterPath(id)).
		CallWithContext(ctx, ifaceProps+".Get", 0, ifaceAdapter, "Powered").Store(&v)
	if err != nil {
		return false, classify("adapter_power_state", err)
	}
	on, _ := v.Value().(bool)
	return on, nil
}

func (s *Stack) SetAdapterPower(ctx context.Context, id string, on bool) error {
	err := s.conn.Object(bluezDest, adapterPath(id)).
		CallWithContext(ctx, ifaceProps+".Set", 0, ifaceAdapter, "Powered", dbus.MakeVariant(on)).Err
	if err != nil {
		return classify("set_adapter_power", err)
	}
	s.logger.WithFields(logrus.Fields{"adapter": id, "powered": on}).Debug("Adapter power set")
	return nil
}

// resolveAdapter returns the object path of id, or of the first adapter when id is empty
func (s *Stack) resolveAdapter(ctx context.Context, id string) (dbus.ObjectPath, error) {
	if id != "" {
		return adapterPath(id), nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultAdapterLookup)
	defer cancel()
	infos, err := s.ListAdapters(ctx)
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", stack.ErrNoAdapter
	}
	return adapterPath(infos[0].ID), nil
}

// Discovery

func (s *Stack) DiscoverDevices(ctx context.Context, filter stack.DiscoveryFilter) (<-chan stack.Device, error) {
	apath, err := s.resolveAdapter(ctx, filter.AdapterID)
	if err != nil {
		return nil, err
	}
	adapter := s.conn.Object(bluezDest, apath)

	df := map[string]interface{}{"Transport": "le", "DuplicateData": false}
	if len(filter.Services) > 0 {
		df["UUIDs"] = filter.Services
	}
	if err := adapter.CallWithContext(ctx, ifaceAdapter+".SetDiscoveryFilter", 0, df).Err; err != nil {
		s.logger.WithField("error", err).Debug("Discovery filter rejected, scanning unfiltered")
	}
	if err := adapter.CallWithContext(ctx, ifaceAdapter+".StartDiscovery", 0).Err; err != nil {
		return nil, classify("start_discovery", err)
	}

	sub := &scanSub{filter: filter, ch: make(chan stack.Device, eventBuffer)}
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.scanSubs[id] = sub
	s.mu.Unlock()

	// Devices BlueZ already knows do not trigger InterfacesAdded again
	if objs, err := s.managedObjects(ctx); err == nil {
		for p, ifaces := range objs {
			if props, ok := ifaces[ifaceDevice]; ok && strings.HasPrefix(string(p), string(apath)+"/") {
				s.offer(deviceFromProps(p, props))
			}
		}
	}

	groutine.Go(ctx, "bluez-discovery", func(ctx context.Context) {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.scanSubs, id)
		s.mu.Unlock()
		close(sub.ch)

		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := adapter.CallWithContext(stopCtx, ifaceAdapter+".StopDiscovery", 0).Err; err != nil {
			s.logger.WithField("error", err).Debug("StopDiscovery failed")
		}
	})
	return sub.ch, nil
}

// offer hands a device to every scan whose filter matches. Never blocks.
func (s *Stack) offer(d stack.Device) {
	if d.Address == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.scanSubs {
		if !sub.filter.Matches(d) {
			continue
		}
		select {
		case sub.ch <- d:
		default:
		}
	}
}

// Connections

func (s *Stack) devicePath(ctx context.Context, addr string) (dbus.ObjectPath, error) {
	apath, err := s.resolveAdapter(ctx, "")
	if err != nil {
		return "", err
	}
	return pathFromAddr(apath, addr), nil
}

func (s *Stack) Connect(ctx context.Context, address string, opts stack.ConnectOptions) error {
	addr := stack.NormalizeAddress(address)
	dpath, err := s.devicePath(ctx, addr)
	if err != nil {
		return err
	}
	dev := s.conn.Object(bluezDest, dpath)
	log := s.logger.WithField("address", addr)

	if opts.Persistent {
		// Trusted devices are reconnected by BlueZ itself
		if err := dev.CallWithContext(ctx, ifaceProps+".Set", 0, ifaceDevice, "Trusted", dbus.MakeVariant(true)).Err; err != nil {
			log.WithField("error", err).Debug("Failed to mark device trusted")
		}
	}

	log.Debug("Connecting")
	if err := dev.CallWithContext(ctx, ifaceDevice+".Connect", 0).Err; err != nil {
		return classify("connect", err)
	}

	if err := s.waitServicesResolved(ctx, dev); err != nil {
		_ = dev.Call(ifaceDevice+".Disconnect", 0).Err
		return err
	}
	if err := s.resolveChars(ctx, addr, dpath); err != nil {
		_ = dev.Call(ifaceDevice+".Disconnect", 0).Err
		return err
	}
	log.Info("Connected")
	return nil
}

func (s *Stack) waitServicesResolved(ctx context.Context, dev dbus.BusObject) error {
	ticker := time.NewTicker(servicesPollEvery)
	defer ticker.Stop()
	for {
		var v dbus.Variant
		err := dev.CallWithContext(ctx, ifaceProps+".Get", 0, ifaceDevice, "ServicesResolved").Store(&v)
		if err == nil {
			if resolved, _ := v.Value().(bool); resolved {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Stack) resolveChars(ctx context.Context, addr string, dpath dbus.ObjectPath) error {
	objs, err := s.managedObjects(ctx)
	if err != nil {
		return err
	}
	found := resolveLayout(objs, dpath, s.opts)
	if len(found) < 2 {
		return &stack.Error{Op: "resolve", Err: fmt.Errorf("service %s with request/response characteristics not found on %s", s.opts.ServiceUUID, addr)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgetLocked(addr)
	for uuid, ci := range found {
		h := stack.Handle{Peer: addr, UUID: uuid}
		s.chars[h] = ci
		s.byPath[ci.path] = h
	}
	return nil
}

func (s *Stack) forgetLocked(addr string) {
	for h, ci := range s.chars {
		if h.Peer == addr {
			delete(s.chars, h)
			delete(s.byPath, ci.path)
		}
	}
}

func (s *Stack) Disconnect(ctx context.Context, address string) error {
	addr := stack.NormalizeAddress(address)
	dpath, err := s.devicePath(ctx, addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.forgetLocked(addr)
	s.mu.Unlock()

	if err := s.conn.Object(bluezDest, dpath).CallWithContext(ctx, ifaceDevice+".Disconnect", 0).Err; err != nil {
		return classify("disconnect", err)
	}
	return nil
}

// char looks up a resolved characteristic. Links BlueZ restored on its own are
// resolved on first use.
func (s *Stack) char(ctx context.Context, h stack.Handle) (charInfo, error) {
	h = stack.Handle{Peer: stack.NormalizeAddress(h.Peer), UUID: stack.NormalizeUUID(h.UUID)}
	s.mu.Lock()
	ci, ok := s.chars[h]
	s.mu.Unlock()
	if ok {
		return ci, nil
	}

	dpath, err := s.devicePath(ctx, h.Peer)
	if err == nil {
		err = s.resolveChars(ctx, h.Peer, dpath)
	}
	if err != nil {
		return charInfo{}, fmt.Errorf("%s: %w", h, stack.ErrNotConnected)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ci, ok = s.chars[h]; !ok {
		return charInfo{}, fmt.Errorf("%s: %w", h, stack.ErrNotConnected)
	}
	return ci, nil
}

func (s *Stack) WriteCharacteristic(ctx context.Context, h stack.Handle, data []byte) error {
	ci, err := s.char(ctx, h)
	if err != nil {
		return err
	}
	opts := map[string]interface{}{"type": "command"}
	if err := s.conn.Object(bluezDest, ci.path).CallWithContext(ctx, ifaceChar+".WriteValue", 0, data, opts).Err; err != nil {
		return classify("write", err)
	}
	return nil
}

// EnableNotify subscribes to notifying characteristics. BlueZ confirms through the
// Notifying property; a write-only characteristic is confirmed right away.
func (s *Stack) EnableNotify(ctx context.Context, h stack.Handle) error {
	ci, err := s.char(ctx, h)
	if err != nil {
		return err
	}
	if !ci.notify {
		s.emit(stack.Event{Kind: stack.NotifyStateChanged, Handle: h, Enabled: true})
		return nil
	}
	if err := s.conn.Object(bluezDest, ci.path).CallWithContext(ctx, ifaceChar+".StartNotify", 0).Err; err != nil {
		var derr dbus.Error
		if errors.As(err, &derr) && derr.Name == "org.bluez.Error.InProgress" {
			return nil
		}
		return classify("start_notify", err)
	}
	return nil
}

func (s *Stack) DisableNotify(ctx context.Context, h stack.Handle) error {
	ci, err := s.char(ctx, h)
	if err != nil {
		return err
	}
	if !ci.notify {
		return nil
	}
	if err := s.conn.Object(bluezDest, ci.path).CallWithContext(ctx, ifaceChar+".StopNotify", 0).Err; err != nil {
		return classify("stop_notify", err)
	}
	return nil
}

// MTU reads the ATT MTU BlueZ negotiated for the response characteristic
func (s *Stack) MTU(ctx context.Context, address string) (int, error) {
	ci, err := s.char(ctx, stack.Handle{Peer: address, UUID: s.opts.ResponseCharUUID})
	if err != nil {
		return 0, err
	}
	var v dbus.Variant
	err = s.conn.Object(bluezDest, ci.path).
		CallWithContext(ctx, ifaceProps+".Get", 0, ifaceChar, "MTU").Store(&v)
	if err != nil {
		if name, _ := errorName(err); name == "org.freedesktop.DBus.Error.InvalidArgs" {
			return 0, &stack.Error{Op: "mtu", Err: errors.Join(stack.ErrUnsupported, err)}
		}
		return 0, classify("mtu", err)
	}
	return mtuFromVariant(v)
}

func adapterPath(id string) dbus.ObjectPath {
	return dbus.ObjectPath(adapterPrefix + id)
}

func adapterID(p dbus.ObjectPath) string {
	return path.Base(string(p))
}

var (
	_ stack.Stack       = (*Stack)(nil)
	_ stack.MTUReporter = (*Stack)(nil)
)
