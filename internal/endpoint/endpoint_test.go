package endpoint

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/fragment"
	"github.com/srg/gattlink/internal/stack"
	"github.com/srg/gattlink/pkg/blerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const peer = "AA:BB:CC:DD:EE:FF"

type recordingWriter struct {
	mu     sync.Mutex
	frames [][]byte
	failAt int // 1-based write index to fail, 0 = never
	calls  int
}

func (w *recordingWriter) WriteCharacteristic(_ context.Context, _ stack.Handle, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failAt != 0 && w.calls == w.failAt {
		return &stack.Error{Op: "write", Code: 14, Err: errors.New("rejected")}
	}
	w.frames = append(w.frames, append([]byte(nil), data...))
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestSend_NotReadyNeverReachesStack(t *testing.T) {
	w := &recordingWriter{}
	ep := NewResponse(stack.Handle{Peer: peer, UUID: "resp"}, w, 20, quietLogger())

	err := ep.Send(context.Background(), []byte("hello"))
	require.Error(t, err)
	assert.ErrorIs(t, err, blerr.ErrNotReady)
	assert.Equal(t, 0, w.calls)

	ep.EnableNotify()
	ep.EnableNotify() // re-enabling is not an error
	ep.DisableNotify()
	err = ep.Send(context.Background(), []byte("hello"))
	assert.ErrorIs(t, err, blerr.ErrNotReady)
	assert.Equal(t, 0, w.calls)
}

func TestSend_RoundTripThroughRequestEndpoint(t *testing.T) {
	w := &recordingWriter{}
	out := NewResponse(stack.Handle{Peer: peer, UUID: "resp"}, w, 14, quietLogger())
	out.EnableNotify()

	payload := bytes.Repeat([]byte("0123456789"), 30)
	require.NoError(t, out.Send(context.Background(), payload))
	assert.Len(t, w.frames, 22)

	var got [][]byte
	in := NewRequest(stack.Handle{Peer: peer, UUID: "req"}, 1024, func(m *fragment.InboundMessage) {
		got = append(got, m.Data)
	}, quietLogger())
	for _, f := range w.frames {
		require.NoError(t, in.OnWrite(f))
	}
	require.Len(t, got, 1)
	assert.Equal(t, payload, got[0])
	assert.Equal(t, 0, in.Pending())

	st := out.Stats()
	assert.Equal(t, uint64(1), st.MessagesOut)
	assert.Equal(t, uint64(22), st.FragmentsOut)
	assert.Equal(t, uint64(1), in.Stats().MessagesIn)
}

func TestSend_MidStreamFailureAbortsMessage(t *testing.T) {
	w := &recordingWriter{failAt: 3}
	ep := NewResponse(stack.Handle{Peer: peer, UUID: "resp"}, w, 10, quietLogger())
	ep.EnableNotify()

	err := ep.Send(context.Background(), bytes.Repeat([]byte("a"), 100))
	require.Error(t, err)
	assert.ErrorIs(t, err, blerr.ErrStackError)

	var be *blerr.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 14, be.Code)
	assert.Equal(t, peer, be.Addr)
	assert.Equal(t, 3, w.calls, "fragments after the failure are not written")
	assert.Len(t, w.frames, 2)

	// next independent message starts from offset zero
	w.frames = nil
	require.NoError(t, ep.Send(context.Background(), []byte("next")))
	require.Len(t, w.frames, 1)
	fr, err := fragment.Decode(w.frames[0])
	require.NoError(t, err)
	assert.True(t, fr.Start)
	assert.True(t, fr.Final)
	assert.Equal(t, uint8(0), fr.Seq)
	assert.Equal(t, []byte("next"), fr.Payload)
}

func TestSend_CancelledContext(t *testing.T) {
	w := &recordingWriter{}
	ep := NewResponse(stack.Handle{Peer: peer, UUID: "resp"}, w, 10, quietLogger())
	ep.EnableNotify()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ep.Send(ctx, []byte("data"))
	assert.ErrorIs(t, err, blerr.ErrTimeout)
	assert.Equal(t, 0, w.calls)
}

func TestOnWrite_ViolationThenRecovery(t *testing.T) {
	var delivered int
	in := NewRequest(stack.Handle{Peer: peer, UUID: "req"}, 64, func(*fragment.InboundMessage) { delivered++ }, quietLogger())

	frames, err := fragment.EncodeMessage([]byte("abcdefghij"), 4)
	require.NoError(t, err)

	require.NoError(t, in.OnWrite(frames[0]))
	assert.Equal(t, 4, in.Pending())
	err = in.OnWrite(frames[2])
	assert.ErrorIs(t, err, blerr.ErrProtocolViolation)
	assert.Equal(t, 0, in.Pending())
	assert.Equal(t, 0, delivered)

	for _, f := range frames {
		require.NoError(t, in.OnWrite(f))
	}
	assert.Equal(t, 1, delivered)
	assert.Equal(t, uint64(1), in.Stats().Violations)
}

func TestFlushAndClose(t *testing.T) {
	in := NewRequest(stack.Handle{Peer: peer, UUID: "req"}, 64, nil, quietLogger())
	frames, err := fragment.EncodeMessage([]byte("abcdefghij"), 4)
	require.NoError(t, err)
	require.NoError(t, in.OnWrite(frames[0]))

	in.Flush()
	assert.Equal(t, 0, in.Pending())

	out := NewResponse(stack.Handle{Peer: peer, UUID: "resp"}, &recordingWriter{}, 0, quietLogger())
	out.EnableNotify()
	out.Close()
	assert.False(t, out.NotifyEnabled())
}

func TestRoleMismatch(t *testing.T) {
	in := NewRequest(stack.Handle{Peer: peer, UUID: "req"}, 64, nil, quietLogger())
	out := NewResponse(stack.Handle{Peer: peer, UUID: "resp"}, &recordingWriter{}, 20, quietLogger())

	assert.ErrorIs(t, in.Send(context.Background(), []byte("x")), blerr.ErrInvalidArgument)
	assert.ErrorIs(t, out.OnWrite([]byte{0xC0, 0, 0, 0, 0, 0}), blerr.ErrInvalidArgument)
	assert.Equal(t, RoleRequest, in.Role())
	assert.Equal(t, "response", out.Role().String())
}
