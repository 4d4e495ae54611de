package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/session"
	"github.com/srg/gattlink/internal/stack"
	"github.com/srg/gattlink/internal/store"
	"github.com/srg/gattlink/pkg/config"
	"github.com/srg/gattlink/pkg/transport"
	"github.com/stretchr/testify/suite"
)

// StateChange is one recorded peer state callback
type StateChange struct {
	Addr  string
	State session.State
}

// Received is one recorded inbound message
type Received struct {
	Addr string
	Data []byte
}

// Recorder captures transport callbacks
type Recorder struct {
	mu       sync.Mutex
	messages []Received
	states   []StateChange
	adapter  []bool
}

func (r *Recorder) Messages() []Received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Received(nil), r.messages...)
}

func (r *Recorder) States(addr string) []session.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []session.State
	for _, c := range r.states {
		if c.Addr == addr {
			out = append(out, c.State)
		}
	}
	return out
}

func (r *Recorder) AdapterStates() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.adapter...)
}

// Attach registers the recorder as every transport callback
func (r *Recorder) Attach(t *transport.Transport) {
	t.OnMessage(func(addr string, data []byte) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.messages = append(r.messages, Received{Addr: addr, Data: data})
	})
	t.OnPeerStateChanged(func(addr string, st session.State) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states = append(r.states, StateChange{Addr: addr, State: st})
	})
	t.OnAdapterStateChanged(func(enabled bool) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.adapter = append(r.adapter, enabled)
	})
}

// TransportSuite runs a Transport against a FakeStack.
//
// SetupTest prepares a powered adapter, two discoverable peers, an in-memory store
// and fast timings. Tests adjust Stack, Store or Config and then call Start:
//
//	func (s *MySuite) TestSomething() {
//	    s.Stack.FailConnect(testutils.PeerAddr, 2, errors.New("refused"))
//	    s.Start()
//	    s.Require().NoError(s.Transport.SendTo(s.Ctx(), testutils.PeerAddr, []byte("hi")))
//	}
type TransportSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	Stack     *FakeStack
	Store     *store.MemoryStore
	Config    *config.Config
	Transport *transport.Transport
	Recorder  *Recorder

	// TestTimeout bounds Eventually waits and request contexts
	TestTimeout time.Duration
}

// SetupTest builds the default fixture. Override fields before calling Start.
func (s *TransportSuite) SetupTest() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	if s.TestTimeout == 0 {
		s.TestTimeout = 3 * time.Second
	}

	s.Stack = NewFakeStack().
		WithAdapter(AdapterID, true).
		WithDevice(Peer(PeerAddr, PeerName)).
		WithDevice(Peer(PeerAddr2, PeerName2))
	s.Store = store.NewMemoryStore()
	s.Config = FastConfig()
	s.Recorder = &Recorder{}
	s.Transport = nil
}

// TearDownTest stops the transport if a test started it
func (s *TransportSuite) TearDownTest() {
	if s.Transport != nil {
		s.NoError(s.Transport.Stop())
	}
	s.Transport = nil
}

// Build creates the transport from the current fixture without starting it
func (s *TransportSuite) Build() *transport.Transport {
	t, err := transport.New(s.Stack, s.Store, s.Config, s.Logger)
	s.Require().NoError(err)
	s.Recorder.Attach(t)
	s.Transport = t
	return t
}

// Start builds and starts the transport
func (s *TransportSuite) Start() *transport.Transport {
	t := s.Build()
	s.Require().NoError(t.Start(context.Background()))
	return t
}

// Ctx returns a context bounded by TestTimeout
func (s *TransportSuite) Ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), s.TestTimeout)
	s.T().Cleanup(cancel)
	return ctx
}

// Handles returns the inbound and outbound characteristic for addr in the stack's role
func (s *TransportSuite) Handles(addr string) (in, out stack.Handle) {
	req, resp := s.Config.RequestCharUUID, s.Config.ResponseCharUUID
	if stack.RoleOf(s.Stack) == stack.RoleCentral {
		req, resp = resp, req
	}
	addr = stack.NormalizeAddress(addr)
	return stack.Handle{Peer: addr, UUID: stack.NormalizeUUID(req)},
		stack.Handle{Peer: addr, UUID: stack.NormalizeUUID(resp)}
}

// SentMessages returns the messages the transport wrote to addr
func (s *TransportSuite) SentMessages(addr string) [][]byte {
	_, out := s.Handles(addr)
	msgs, err := s.Stack.Messages(out)
	s.Require().NoError(err)
	return msgs
}

// WaitState waits until addr has a session in the given state
func (s *TransportSuite) WaitState(addr string, want session.State) {
	s.Require().Eventually(func() bool {
		snap, ok := s.Transport.Session(addr)
		return ok && snap.State == want
	}, s.TestTimeout, 10*time.Millisecond, "session %s never reached %s", addr, want)
}

// WaitNoSession waits until addr has no session
func (s *TransportSuite) WaitNoSession(addr string) {
	s.Require().Eventually(func() bool {
		_, ok := s.Transport.Session(addr)
		return !ok
	}, s.TestTimeout, 10*time.Millisecond, "session %s still present", addr)
}

// WaitReady waits until addr is connected with notifications enabled
func (s *TransportSuite) WaitReady(addr string) {
	s.Require().Eventually(func() bool {
		snap, ok := s.Transport.Session(addr)
		return ok && snap.State == session.Connected && snap.NotifyEnabled
	}, s.TestTimeout, 10*time.Millisecond, "session %s never became ready", addr)
}
