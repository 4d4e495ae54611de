package fragment

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/srg/gattlink/pkg/blerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_LargeMessage(t *testing.T) {
	buf := make([]byte, 20000)
	frags, err := Split(buf, 180)
	require.NoError(t, err)

	require.Len(t, frags, 112)
	for i, f := range frags[:111] {
		assert.False(t, f.Final, "fragment %d must not be final", i)
		assert.Equal(t, 180, f.Length)
		assert.Equal(t, i*180, f.Offset)
	}
	last := frags[111]
	assert.True(t, last.Final)
	assert.Equal(t, 20, last.Length)
	assert.Equal(t, 19980, last.Offset)
}

func TestSplit_EmptyBuffer(t *testing.T) {
	frags, err := Split(nil, 20)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.True(t, frags[0].Final)
	assert.Equal(t, 0, frags[0].Length)
	assert.Empty(t, frags[0].Payload)

	r := NewReassembler(0)
	msg, err := r.Feed(Encode(frags[0]))
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Empty(t, msg.Data)
	assert.True(t, msg.Final)
}

func TestSplit_InvalidSize(t *testing.T) {
	_, err := Split([]byte("abc"), 0)
	assert.ErrorIs(t, err, blerr.ErrInvalidArgument)
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	sizes := []int{1, 2, 7, 20, 180, 512}
	lengths := []int{0, 1, 19, 20, 21, 179, 180, 181, 1000, 4096}

	r := NewReassembler(8192)
	for _, s := range sizes {
		for _, n := range lengths {
			buf := make([]byte, n)
			rng.Read(buf)

			frames, err := EncodeMessage(buf, s)
			require.NoError(t, err)

			var got *InboundMessage
			for i, fr := range frames {
				msg, err := r.Feed(fr)
				require.NoError(t, err, "size=%d len=%d frame=%d", s, n, i)
				if i < len(frames)-1 {
					require.Nil(t, msg)
				} else {
					got = msg
				}
			}
			require.NotNil(t, got, "size=%d len=%d", s, n)
			assert.True(t, bytes.Equal(buf, got.Data), "size=%d len=%d", s, n)
			assert.False(t, r.InProgress())
		}
	}
}

func TestReassembler_ZeroLengthFinalAfterFullFragments(t *testing.T) {
	buf := bytes.Repeat([]byte("x"), 40)
	frags, err := Split(buf, 20)
	require.NoError(t, err)
	require.Len(t, frags, 2)

	// sender that closes an exact multiple with an empty terminator
	frags[1].Final = false
	frags = append(frags, Fragment{
		Descriptor: Descriptor{Offset: 40, Length: 0, Final: true},
		Seq:        2,
		Total:      40,
		Payload:    []byte{},
	})

	r := NewReassembler(64)
	for i, f := range frags[:2] {
		msg, err := r.Feed(Encode(f))
		require.NoError(t, err, "fragment %d", i)
		require.Nil(t, msg)
	}
	msg, err := r.Feed(Encode(frags[2]))
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, buf, msg.Data)
	assert.False(t, r.InProgress())
}

func TestReassembler_Violations(t *testing.T) {
	msg := bytes.Repeat([]byte("x"), 50)
	frames, err := EncodeMessage(msg, 10)
	require.NoError(t, err)
	require.Len(t, frames, 5)

	tests := []struct {
		name  string
		feed  [][]byte
		reset bool
	}{
		{name: "continuation without start", feed: [][]byte{frames[1]}},
		{name: "out of order", feed: [][]byte{frames[0], frames[2]}},
		{name: "duplicate start", feed: [][]byte{frames[0], frames[0]}},
		{name: "fragment after final", feed: [][]byte{frames[0], frames[1], frames[2], frames[3], frames[4], frames[1]}},
		{name: "zero-length non-final", feed: [][]byte{frames[0], {0x00, 0x01}}},
		{name: "short final", feed: [][]byte{frames[0], {FlagFinal, 0x01, 'y'}}},
		{name: "truncated frame", feed: [][]byte{{FlagStart}}},
		{name: "unknown flags", feed: [][]byte{{0x01, 0x00}}},
		{name: "oversized", feed: [][]byte{Encode(Fragment{Total: 1 << 20, Payload: []byte("a")})}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReassembler(1024)
			var lastErr error
			for _, f := range tt.feed {
				if _, err := r.Feed(f); err != nil {
					lastErr = err
					break
				}
			}
			require.Error(t, lastErr)
			assert.ErrorIs(t, lastErr, blerr.ErrProtocolViolation)
			assert.False(t, r.InProgress(), "assembly must be abandoned")
			assert.Equal(t, 0, r.Pending())

			// The endpoint recovers on the next message.
			var out *InboundMessage
			for _, f := range frames {
				out, err = r.Feed(f)
				require.NoError(t, err)
			}
			require.NotNil(t, out)
			assert.Equal(t, msg, out.Data)
		})
	}
}

func TestReassembler_DeclaredSizeOverLimit(t *testing.T) {
	r := NewReassembler(16)
	frames, err := EncodeMessage(bytes.Repeat([]byte("z"), 17), 4)
	require.NoError(t, err)

	_, err = r.Feed(frames[0])
	assert.ErrorIs(t, err, blerr.ErrProtocolViolation)
}

func TestPayloadSize(t *testing.T) {
	assert.Equal(t, 14, PayloadSize(DefaultMTU))
	assert.Equal(t, 1, PayloadSize(3))
	assert.Equal(t, 6, HeaderOverhead(true))
	assert.Equal(t, 2, HeaderOverhead(false))
}

func TestEncodeDecode(t *testing.T) {
	frags, err := Split([]byte("hello world"), 5)
	require.NoError(t, err)

	first, err := Decode(Encode(frags[0]))
	require.NoError(t, err)
	assert.True(t, first.Start)
	assert.False(t, first.Final)
	assert.Equal(t, 11, first.Total)
	assert.Equal(t, []byte("hello"), first.Payload)

	last, err := Decode(Encode(frags[2]))
	require.NoError(t, err)
	assert.False(t, last.Start)
	assert.True(t, last.Final)
	assert.Equal(t, uint8(2), last.Seq)
	assert.Equal(t, []byte("d"), last.Payload)
}
