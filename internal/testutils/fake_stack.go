package testutils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/srg/gattlink/internal/fragment"
	"github.com/srg/gattlink/internal/stack"
)

// FakeStack is a scriptable in-memory stack.Stack.
//
//	fs := testutils.NewFakeStack().
//	    WithAdapter("hci0", true).
//	    WithDevice(stack.Device{Address: "AA:BB:CC:DD:EE:FF"})
//	fs.FailConnect("AA:BB:CC:DD:EE:FF", 5, errors.New("refused"))
type FakeStack struct {
	mu sync.Mutex

	role     stack.Role
	adapters []stack.AdapterInfo
	devices  map[string]stack.Device

	connectErrs  map[string][]error
	connectDelay time.Duration
	connectBlock chan struct{}
	// stubborn connects finish their delay even after ctx is cancelled
	stubborn   bool
	connected  map[string]bool
	dialing    map[string]int
	maxDialing map[string]int
	mtu        int

	writes     map[stack.Handle][][]byte
	writeErr   func(h stack.Handle, n int) error
	notify     map[stack.Handle]bool
	autoNotify bool
	listErr    error
	listDelay  time.Duration

	calls    map[string]int
	connects []time.Time
	scans    int
	scanning int

	events chan stack.Event
	closed bool
}

// NewFakeStack creates a peripheral-role fake that confirms notify subscriptions
func NewFakeStack() *FakeStack {
	return &FakeStack{
		devices:     make(map[string]stack.Device),
		connectErrs: make(map[string][]error),
		connected:   make(map[string]bool),
		dialing:     make(map[string]int),
		maxDialing:  make(map[string]int),
		writes:      make(map[stack.Handle][][]byte),
		notify:      make(map[stack.Handle]bool),
		calls:       make(map[string]int),
		autoNotify:  true,
		events:      make(chan stack.Event, 4096),
	}
}

// WithRole sets the declared GATT role
func (f *FakeStack) WithRole(r stack.Role) *FakeStack {
	f.role = r
	return f
}

// WithAdapter adds an adapter supporting both roles
func (f *FakeStack) WithAdapter(id string, powered bool) *FakeStack {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adapters = append(f.adapters, stack.AdapterInfo{
		ID:           id,
		Address:      "00:00:00:00:00:0" + id[len(id)-1:],
		Powered:      powered,
		Capabilities: []stack.Capability{stack.CapLE, stack.CapCentral, stack.CapPeripheral},
	})
	return f
}

// WithDevice makes a device discoverable
func (f *FakeStack) WithDevice(d stack.Device) *FakeStack {
	f.mu.Lock()
	defer f.mu.Unlock()
	d.Address = stack.NormalizeAddress(d.Address)
	f.devices[d.Address] = d
	return f
}

// WithoutAutoNotify stops the fake from confirming EnableNotify calls
func (f *FakeStack) WithoutAutoNotify() *FakeStack {
	f.autoNotify = false
	return f
}

// WithConnectDelay delays every Connect call
func (f *FakeStack) WithConnectDelay(d time.Duration) *FakeStack {
	f.connectDelay = d
	return f
}

// WithStubbornConnect makes the connect delay ignore cancellation, like a controller
// that keeps paging after the caller gave up
func (f *FakeStack) WithStubbornConnect() *FakeStack {
	f.stubborn = true
	return f
}

// WithMTU makes MTU report n for every connected peer
func (f *FakeStack) WithMTU(n int) *FakeStack {
	f.mtu = n
	return f
}

// WithListDelay delays ListAdapters
func (f *FakeStack) WithListDelay(d time.Duration) *FakeStack {
	f.listDelay = d
	return f
}

// FailList makes ListAdapters fail
func (f *FakeStack) FailList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// BlockConnect makes Connect wait until the returned function is called or ctx ends
func (f *FakeStack) BlockConnect() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.connectBlock = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// FailConnect makes the next n Connect calls for addr fail with err
func (f *FakeStack) FailConnect(addr string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr = stack.NormalizeAddress(addr)
	for i := 0; i < n; i++ {
		f.connectErrs[addr] = append(f.connectErrs[addr], err)
	}
}

// FailWrite sets a hook deciding whether the n-th write (1-based, per handle) fails
func (f *FakeStack) FailWrite(fn func(h stack.Handle, n int) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = fn
}

func (f *FakeStack) Role() stack.Role { return f.role }

func (f *FakeStack) count(op string) {
	f.calls[op]++
}

// Calls returns how many times op was invoked; op may be suffixed with ":" + address
func (f *FakeStack) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// ConnectTimes returns when each Connect call started
func (f *FakeStack) ConnectTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.connects...)
}

// Scanning reports the number of active discovery streams
func (f *FakeStack) Scanning() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning
}

// IsConnected reports the fake link state
func (f *FakeStack) IsConnected(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[stack.NormalizeAddress(addr)]
}

// Writes returns the raw frames written to a handle
func (f *FakeStack) Writes(h stack.Handle) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes[h]...)
}

// Messages reassembles the frames written to a handle
func (f *FakeStack) Messages(h stack.Handle) ([][]byte, error) {
	r := fragment.NewReassembler(1 << 20)
	var out [][]byte
	for _, fr := range f.Writes(h) {
		msg, err := r.Feed(fr)
		if err != nil {
			return out, err
		}
		if msg != nil {
			out = append(out, msg.Data)
		}
	}
	return out, nil
}

// Emit injects an event
func (f *FakeStack) Emit(ev stack.Event) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if !closed {
		f.events <- ev
	}
}

// Deliver fragments data and emits it as peer writes on h
func (f *FakeStack) Deliver(h stack.Handle, data []byte, maxPayload int) error {
	frames, err := fragment.EncodeMessage(data, maxPayload)
	if err != nil {
		return err
	}
	for _, fr := range frames {
		f.Emit(stack.Event{Kind: stack.CharacteristicWritten, Handle: h, Data: fr})
	}
	return nil
}

// AcceptLink simulates a link opened by the peer
func (f *FakeStack) AcceptLink(addr string) {
	addr = stack.NormalizeAddress(addr)
	f.mu.Lock()
	f.connected[addr] = true
	f.mu.Unlock()
	f.Emit(stack.Event{Kind: stack.DeviceConnected, Device: stack.Device{Address: addr}})
}

// DropLink simulates an unexpected link loss
func (f *FakeStack) DropLink(addr string) {
	addr = stack.NormalizeAddress(addr)
	f.mu.Lock()
	delete(f.connected, addr)
	f.mu.Unlock()
	f.Emit(stack.Event{Kind: stack.DeviceDisconnected, Device: stack.Device{Address: addr}})
}

func (f *FakeStack) ListAdapters(ctx context.Context) ([]stack.AdapterInfo, error) {
	if f.listDelay > 0 {
		select {
		case <-time.After(f.listDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("list")
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]stack.AdapterInfo(nil), f.adapters...), nil
}

func (f *FakeStack) AdapterPowerState(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.adapters {
		if a.ID == id {
			return a.Powered, nil
		}
	}
	return false, stack.ErrNoAdapter
}

func (f *FakeStack) SetAdapterPower(_ context.Context, id string, on bool) error {
	f.mu.Lock()
	f.count("power")
	var info stack.AdapterInfo
	found := false
	for i := range f.adapters {
		if f.adapters[i].ID == id {
			f.adapters[i].Powered = on
			info = f.adapters[i]
			found = true
		}
	}
	if found && !on {
		f.connected = make(map[string]bool)
	}
	f.mu.Unlock()

	if !found {
		return stack.ErrNoAdapter
	}
	f.Emit(stack.Event{Kind: stack.AdapterPowerChanged, Adapter: info})
	return nil
}

func (f *FakeStack) DiscoverDevices(ctx context.Context, filter stack.DiscoveryFilter) (<-chan stack.Device, error) {
	f.mu.Lock()
	f.count("discover")
	f.scans++
	f.scanning++
	var found []stack.Device
	for _, d := range f.devices {
		if filter.Matches(d) {
			found = append(found, d)
		}
	}
	f.mu.Unlock()

	ch := make(chan stack.Device, len(found))
	for _, d := range found {
		ch <- d
	}
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		f.scanning--
		f.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (f *FakeStack) Connect(ctx context.Context, address string, _ stack.ConnectOptions) error {
	address = stack.NormalizeAddress(address)
	f.mu.Lock()
	f.count("connect")
	f.count("connect:" + address)
	f.connects = append(f.connects, time.Now())
	f.dialing[address]++
	if f.dialing[address] > f.maxDialing[address] {
		f.maxDialing[address] = f.dialing[address]
	}
	block := f.connectBlock
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.dialing[address]--
		f.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.connectDelay > 0 {
		if f.stubborn {
			time.Sleep(f.connectDelay)
		} else {
			select {
			case <-time.After(f.connectDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.connectErrs[address]; len(errs) > 0 {
		f.connectErrs[address] = errs[1:]
		return errs[0]
	}
	f.connected[address] = true
	return nil
}

// MaxConcurrentConnects returns the highest number of overlapping Connect calls for addr
func (f *FakeStack) MaxConcurrentConnects(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxDialing[stack.NormalizeAddress(addr)]
}

// MTU reports the configured MTU for a connected peer
func (f *FakeStack) MTU(_ context.Context, address string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("mtu")
	if !f.connected[stack.NormalizeAddress(address)] {
		return 0, stack.ErrNotConnected
	}
	if f.mtu == 0 {
		return 0, stack.ErrUnsupported
	}
	return f.mtu, nil
}

func (f *FakeStack) Disconnect(_ context.Context, address string) error {
	address = stack.NormalizeAddress(address)
	f.mu.Lock()
	f.count("disconnect")
	f.count("disconnect:" + address)
	was := f.connected[address]
	delete(f.connected, address)
	f.mu.Unlock()

	if !was {
		return stack.ErrNotConnected
	}
	f.Emit(stack.Event{Kind: stack.DeviceDisconnected, Device: stack.Device{Address: address}})
	return nil
}

func (f *FakeStack) WriteCharacteristic(_ context.Context, h stack.Handle, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("write")
	if !f.connected[h.Peer] {
		return stack.ErrNotConnected
	}
	if f.writeErr != nil {
		if err := f.writeErr(h, len(f.writes[h])+1); err != nil {
			return err
		}
	}
	f.writes[h] = append(f.writes[h], append([]byte(nil), data...))
	return nil
}

func (f *FakeStack) EnableNotify(_ context.Context, h stack.Handle) error {
	f.mu.Lock()
	f.count("enable_notify")
	f.notify[h] = true
	auto := f.autoNotify
	f.mu.Unlock()

	if auto {
		f.Emit(stack.Event{Kind: stack.NotifyStateChanged, Handle: h, Enabled: true})
	}
	return nil
}

func (f *FakeStack) DisableNotify(_ context.Context, h stack.Handle) error {
	f.mu.Lock()
	f.count("disable_notify")
	delete(f.notify, h)
	f.mu.Unlock()
	return nil
}

// Notifying reports whether notifications are armed on h
func (f *FakeStack) Notifying(h stack.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notify[h]
}

func (f *FakeStack) Events() <-chan stack.Event {
	return f.events
}

func (f *FakeStack) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("already closed")
	}
	f.closed = true
	return nil
}

var (
	_ stack.Stack       = (*FakeStack)(nil)
	_ stack.MTUReporter = (*FakeStack)(nil)
)
