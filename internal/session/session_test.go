package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/gattlink/internal/endpoint"
	"github.com/srg/gattlink/internal/stack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addr = "AA:BB:CC:DD:EE:FF"

type nopWriter struct{}

func (nopWriter) WriteCharacteristic(context.Context, stack.Handle, []byte) error { return nil }

func newSession(t *testing.T) *Session {
	t.Helper()
	req := endpoint.NewRequest(stack.Handle{Peer: addr, UUID: "req"}, 1024, nil, nil)
	resp := endpoint.NewResponse(stack.Handle{Peer: addr, UUID: "resp"}, nopWriter{}, 20, nil)
	return New(addr, req, resp, time.Now())
}

func TestTransition_HappyPath(t *testing.T) {
	s := newSession(t)
	now := time.Now()

	for _, to := range []State{Discovering, Connecting, Connected, Disconnecting, Idle} {
		_, err := s.Transition(to, now)
		require.NoError(t, err, "-> %s", to)
		assert.Equal(t, to, s.State())
	}
	assert.True(t, s.EverConnected)
}

func TestTransition_Illegal(t *testing.T) {
	tests := []struct {
		from, to State
	}{
		{Idle, Disconnecting},
		{Idle, PendingReconnect},
		{Discovering, Connected},
		{Disconnecting, Connected},
		{PendingReconnect, Connected},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			s := newSession(t)
			s.state = tt.from

			_, err := s.Transition(tt.to, time.Now())
			var te *TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.from, s.State(), "state unchanged")
		})
	}
}

func TestTransition_ConnectedClearsRetryCounters(t *testing.T) {
	s := newSession(t)
	s.state = Connecting
	s.ConnectAttempts = 3
	s.DiscoveryAttempts = 2
	s.Exhausted = true

	_, err := s.Transition(Connected, time.Now())
	require.NoError(t, err)
	assert.Zero(t, s.ConnectAttempts)
	assert.Zero(t, s.DiscoveryAttempts)
	assert.False(t, s.Exhausted)
}

func TestReady(t *testing.T) {
	s := newSession(t)
	s.state = Connected
	assert.False(t, s.Ready())

	s.Response.EnableNotify()
	assert.True(t, s.Ready())

	s.Teardown()
	assert.False(t, s.Ready())
}

func TestTimerAndWaiters(t *testing.T) {
	s := newSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	s.ArmTimer(cancel)
	assert.True(t, s.TimerArmed())

	ctx2, cancel2 := context.WithCancel(context.Background())
	s.ArmTimer(cancel2)
	assert.Error(t, ctx.Err(), "re-arming cancels the previous wait")

	assert.True(t, s.CancelTimer())
	assert.Error(t, ctx2.Err())
	assert.False(t, s.CancelTimer())

	var got []error
	s.Park(func(err error) { got = append(got, err) })
	s.Park(func(err error) { got = append(got, err) })
	assert.Equal(t, 2, s.Parked())
	assert.Equal(t, 2, s.Snapshot().Parked)

	boom := errors.New("boom")
	s.Release(boom)
	assert.Equal(t, []error{boom, boom}, got)
	assert.Zero(t, s.Parked())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "pending-reconnect", PendingReconnect.String())
	assert.Equal(t, "state(42)", State(42).String())
}
