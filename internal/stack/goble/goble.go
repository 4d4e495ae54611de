// Package goble binds stack.Stack to go-ble. It plays the central role on the
// platform's native Bluetooth API (CoreBluetooth on macOS).
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/stack"
)

// AdapterID is the single adapter go-ble exposes
const AdapterID = "default"

const eventBuffer = 256

// DeviceFactory creates the go-ble device (can be overridden in tests)
var DeviceFactory = newDevice

// ErrBluetoothOff is reported while the platform radio is switched off
var ErrBluetoothOff = errors.New("bluetooth is turned off")

// Options names the GATT layout resolved on every peer
type Options struct {
	ServiceUUID      string
	RequestCharUUID  string
	ResponseCharUUID string
}

// gattClient is the part of ble.Client the binding drives
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	ExchangeMTU(rxMTU int) (txMTU int, err error)
	CancelConnection() error
}

// radio scans and dials through a go-ble device
type radio interface {
	Scan(ctx context.Context, handler func(stack.Device)) error
	Dial(ctx context.Context, address string) (gattClient, error)
	Stop() error
}

type bleRadio struct {
	dev ble.Device
}

func (r *bleRadio) Scan(ctx context.Context, handler func(stack.Device)) error {
	return r.dev.Scan(ctx, true, func(adv ble.Advertisement) {
		handler(deviceFromAdvertisement(adv))
	})
}

func (r *bleRadio) Dial(ctx context.Context, address string) (gattClient, error) {
	return r.dev.Dial(ctx, ble.NewAddr(address))
}

func (r *bleRadio) Stop() error { return r.dev.Stop() }

func deviceFromAdvertisement(adv ble.Advertisement) stack.Device {
	d := stack.Device{
		Address: stack.NormalizeAddress(adv.Addr().String()),
		Name:    adv.LocalName(),
		RSSI:    adv.RSSI(),
	}
	for _, u := range adv.Services() {
		d.Services = append(d.Services, u.String())
	}
	return d
}

// link is a connected peer with its resolved characteristics, keyed by uuidKey
type link struct {
	client gattClient
	chars  map[string]*ble.Characteristic
	done   chan struct{}
	mtu    int
}

// Stack is the go-ble binding
type Stack struct {
	opts   Options
	logger *logrus.Logger

	mu    sync.Mutex
	radio radio
	links map[string]*link

	events chan stack.Event
	closed chan struct{}
	once   sync.Once
}

// New creates the binding. The go-ble device is created on first use.
func New(opts Options, logger *logrus.Logger) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	return &Stack{
		opts:   opts,
		logger: logger,
		links:  make(map[string]*link),
		events: make(chan stack.Event, eventBuffer),
		closed: make(chan struct{}),
	}
}

// Role reports the GATT role of the binding
func (s *Stack) Role() stack.Role { return stack.RoleCentral }

func (s *Stack) Events() <-chan stack.Event { return s.events }

func (s *Stack) emit(ev stack.Event) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

func (s *Stack) device() (radio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.radio != nil {
		return s.radio, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, classify("open_device", err)
	}
	s.radio = &bleRadio{dev: dev}
	return s.radio, nil
}

func (s *Stack) ListAdapters(context.Context) ([]stack.AdapterInfo, error) {
	_, err := s.device()
	if err != nil && !errors.Is(err, ErrBluetoothOff) {
		return nil, err
	}
	return []stack.AdapterInfo{{
		ID:           AdapterID,
		Powered:      err == nil,
		Capabilities: []stack.Capability{stack.CapLE, stack.CapCentral},
	}}, nil
}

func (s *Stack) AdapterPowerState(context.Context, string) (bool, error) {
	_, err := s.device()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrBluetoothOff):
		return false, nil
	}
	return false, err
}

// SetAdapterPower is not available: the platform owns the radio
func (s *Stack) SetAdapterPower(context.Context, string, bool) error {
	return &stack.Error{Op: "set_adapter_power", Err: stack.ErrUnsupported}
}

func (s *Stack) DiscoverDevices(ctx context.Context, filter stack.DiscoveryFilter) (<-chan stack.Device, error) {
	r, err := s.device()
	if err != nil {
		return nil, err
	}
	out := make(chan stack.Device, eventBuffer)
	groutine.Go(ctx, "goble-scan", func(ctx context.Context) {
		defer close(out)
		err := r.Scan(ctx, func(d stack.Device) {
			if d.Address == "" || !filter.Matches(d) {
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

func (s *Stack) Connect(ctx context.Context, address string, opts stack.ConnectOptions) error {
	addr := stack.NormalizeAddress(address)
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("device address is empty")
	}
	r, err := s.device()
	if err != nil {
		return err
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	log := s.logger.WithField("address", addr)
	log.Debug("Dialing BLE device...")
	client, err := r.Dial(ctx, addr)
	if err != nil {
		return classify("connect", err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			log.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return classify("discover_profile", err)
	}
	chars := resolveLayout(profile, s.opts)
	if len(chars) < 2 {
		_ = client.CancelConnection()
		return &stack.Error{Op: "resolve", Err: fmt.Errorf("service %s with request/response characteristics not found on %s", s.opts.ServiceUUID, addr)}
	}

	l := &link{client: client, chars: chars, done: make(chan struct{})}
	s.mu.Lock()
	if old, ok := s.links[addr]; ok {
		close(old.done)
	}
	s.links[addr] = l
	s.mu.Unlock()

	// CoreBluetooth reports link loss through Disconnected()
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "goble-link-monitor", func(context.Context) {
			select {
			case <-dc.Disconnected():
				if s.drop(addr, l) {
					log.Warn("Peer disconnected")
					s.emit(stack.Event{Kind: stack.DeviceDisconnected, Device: stack.Device{Address: addr}})
				}
			case <-l.done:
			case <-s.closed:
			}
		})
	}
	log.WithField("services", len(profile.Services)).Info("Connected")
	return nil
}

// drop removes l if it is still the current link of addr
func (s *Stack) drop(addr string, l *link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.links[addr] != l {
		return false
	}
	delete(s.links, addr)
	close(l.done)
	return true
}

func (s *Stack) Disconnect(_ context.Context, address string) error {
	addr := stack.NormalizeAddress(address)
	s.mu.Lock()
	l, ok := s.links[addr]
	s.mu.Unlock()
	if !ok {
		return &stack.Error{Op: "disconnect", Err: stack.ErrNotConnected}
	}
	s.drop(addr, l)
	return classify("disconnect", l.client.CancelConnection())
}

// MTU exchanges the ATT MTU once per link and returns what the peer accepted
func (s *Stack) MTU(_ context.Context, address string) (int, error) {
	addr := stack.NormalizeAddress(address)
	s.mu.Lock()
	l, ok := s.links[addr]
	var mtu int
	if ok {
		mtu = l.mtu
	}
	s.mu.Unlock()
	if !ok {
		return 0, &stack.Error{Op: "mtu", Err: stack.ErrNotConnected}
	}
	if mtu > 0 {
		return mtu, nil
	}

	mtu, err := l.client.ExchangeMTU(ble.MaxMTU)
	if err != nil {
		return 0, classify("exchange_mtu", err)
	}
	s.mu.Lock()
	l.mtu = mtu
	s.mu.Unlock()
	s.logger.WithFields(logrus.Fields{"address": addr, "mtu": mtu}).Debug("MTU exchanged")
	return mtu, nil
}

func (s *Stack) char(h stack.Handle) (gattClient, *ble.Characteristic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[stack.NormalizeAddress(h.Peer)]
	if !ok {
		return nil, nil, &stack.Error{Op: "lookup", Err: fmt.Errorf("%s: %w", h, stack.ErrNotConnected)}
	}
	c, ok := l.chars[uuidKey(h.UUID)]
	if !ok {
		return nil, nil, &stack.Error{Op: "lookup", Err: fmt.Errorf("characteristic %s not found", h)}
	}
	return l.client, c, nil
}

func (s *Stack) WriteCharacteristic(_ context.Context, h stack.Handle, data []byte) error {
	client, c, err := s.char(h)
	if err != nil {
		return err
	}
	return classify("write", client.WriteCharacteristic(c, data, true))
}

// EnableNotify subscribes to a notifying characteristic and confirms once the
// subscription is in place. Write-only characteristics are confirmed right away.
func (s *Stack) EnableNotify(_ context.Context, h stack.Handle) error {
	client, c, err := s.char(h)
	if err != nil {
		return err
	}
	if notifies(c) {
		ind := c.Property&ble.CharNotify == 0
		err := client.Subscribe(c, ind, func(data []byte) {
			buf := make([]byte, len(data))
			copy(buf, data)
			s.emit(stack.Event{Kind: stack.CharacteristicWritten, Handle: h, Data: buf})
		})
		if err != nil {
			return classify("subscribe", err)
		}
		s.logger.WithField("characteristic", h.String()).Debug("Subscribed to characteristic notifications")
	}
	s.emit(stack.Event{Kind: stack.NotifyStateChanged, Handle: h, Enabled: true})
	return nil
}

func (s *Stack) DisableNotify(_ context.Context, h stack.Handle) error {
	client, c, err := s.char(h)
	if err != nil {
		return err
	}
	if !notifies(c) {
		return nil
	}
	return classify("unsubscribe", client.Unsubscribe(c, c.Property&ble.CharNotify == 0))
}

// Close cancels every link and stops the device
func (s *Stack) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		links := s.links
		s.links = make(map[string]*link)
		r := s.radio
		s.mu.Unlock()

		for _, l := range links {
			close(l.done)
			_ = l.client.CancelConnection()
		}
		if r != nil {
			stopped := make(chan error, 1)
			go func() { stopped <- r.Stop() }()
			select {
			case err = <-stopped:
			case <-time.After(time.Second):
				err = fmt.Errorf("stop device: timed out")
			}
		}
	})
	return err
}

func notifies(c *ble.Characteristic) bool {
	return c.Property&(ble.CharNotify|ble.CharIndicate) != 0
}

// uuidKey normalizes UUIDs for lookup (lowercase, no dashes)
func uuidKey(u string) string {
	return strings.ReplaceAll(stack.NormalizeUUID(u), "-", "")
}

// resolveLayout picks the request and response characteristics of the configured service
func resolveLayout(p *ble.Profile, opts Options) map[string]*ble.Characteristic {
	if p == nil {
		return nil
	}
	want := map[string]bool{uuidKey(opts.RequestCharUUID): true, uuidKey(opts.ResponseCharUUID): true}
	svc := uuidKey(opts.ServiceUUID)
	found := make(map[string]*ble.Characteristic, 2)
	for _, s := range p.Services {
		if uuidKey(s.UUID.String()) != svc {
			continue
		}
		for _, c := range s.Characteristics {
			if k := uuidKey(c.UUID.String()); want[k] {
				found[k] = c
			}
		}
	}
	return found
}

var (
	_ stack.Stack       = (*Stack)(nil)
	_ stack.MTUReporter = (*Stack)(nil)
)
