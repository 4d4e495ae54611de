// Package fragment splits messages into characteristic-sized fragments and
// reassembles them on the receiving side.
package fragment

import (
	"encoding/binary"
	"fmt"

	"github.com/srg/gattlink/pkg/blerr"
)

// Wire header flags (byte 0)
const (
	FlagStart byte = 0x80
	FlagFinal byte = 0x40
)

const (
	// baseHeaderLen is the flags byte plus the sequence byte
	baseHeaderLen = 2
	// lengthFieldLen is the big-endian total length carried by a start frame
	lengthFieldLen = 4

	// MaxHeaderLen is the largest per-fragment overhead
	MaxHeaderLen = baseHeaderLen + lengthFieldLen

	// DefaultMTU is the classic ATT payload size when no MTU exchange happened
	DefaultMTU = 20
)

// Descriptor locates a fragment within its message
type Descriptor struct {
	Offset int
	Length int
	Final  bool
}

// Fragment is a Descriptor-tagged slice of an outbound message.
// Total and Seq are only meaningful on the wire.
type Fragment struct {
	Descriptor
	Seq     uint8
	Total   int
	Payload []byte
}

// Start reports whether the fragment opens a message
func (f Fragment) Start() bool { return f.Offset == 0 }

// InboundMessage is a completely reassembled message
type InboundMessage struct {
	Data  []byte
	Final bool
}

// HeaderOverhead returns the framing bytes added to a fragment.
func HeaderOverhead(start bool) int {
	if start {
		return MaxHeaderLen
	}
	return baseHeaderLen
}

// PayloadSize returns the largest fragment payload that fits an ATT MTU.
func PayloadSize(mtu int) int {
	if mtu <= MaxHeaderLen {
		return 1
	}
	return mtu - MaxHeaderLen
}

// Split slices buf into fragments of at most maxSize payload bytes. Only the last
// fragment is marked final. A zero-length buffer yields one zero-length final fragment.
func Split(buf []byte, maxSize int) ([]Fragment, error) {
	if maxSize <= 0 {
		return nil, blerr.Newf(blerr.KindInvalidArgument, "fragment", "max fragment size must be positive, got %d", maxSize)
	}

	if len(buf) == 0 {
		return []Fragment{{Descriptor: Descriptor{Final: true}, Payload: []byte{}}}, nil
	}

	count := (len(buf) + maxSize - 1) / maxSize
	frags := make([]Fragment, 0, count)
	for off, seq := 0, 0; off < len(buf); off, seq = off+maxSize, seq+1 {
		end := off + maxSize
		if end > len(buf) {
			end = len(buf)
		}
		frags = append(frags, Fragment{
			Descriptor: Descriptor{Offset: off, Length: end - off, Final: end == len(buf)},
			Seq:        uint8(seq),
			Total:      len(buf),
			Payload:    buf[off:end],
		})
	}
	return frags, nil
}

// Encode renders f in wire format.
func Encode(f Fragment) []byte {
	start := f.Start()
	out := make([]byte, HeaderOverhead(start), HeaderOverhead(start)+len(f.Payload))

	var flags byte
	if start {
		flags |= FlagStart
	}
	if f.Final {
		flags |= FlagFinal
	}
	out[0] = flags
	out[1] = f.Seq
	if start {
		binary.BigEndian.PutUint32(out[baseHeaderLen:], uint32(f.Total))
	}
	return append(out, f.Payload...)
}

// Frame is a decoded wire fragment
type Frame struct {
	Start   bool
	Final   bool
	Seq     uint8
	Total   int
	Payload []byte
}

// Decode parses a wire fragment. The returned payload aliases b.
func Decode(b []byte) (Frame, error) {
	if len(b) < baseHeaderLen {
		return Frame{}, blerr.Newf(blerr.KindProtocolViolation, "decode", "frame too short: %d bytes", len(b))
	}
	flags := b[0]
	if flags&^(FlagStart|FlagFinal) != 0 {
		return Frame{}, blerr.Newf(blerr.KindProtocolViolation, "decode", "unknown flags 0x%02x", flags)
	}

	fr := Frame{
		Start: flags&FlagStart != 0,
		Final: flags&FlagFinal != 0,
		Seq:   b[1],
	}
	body := b[baseHeaderLen:]
	if fr.Start {
		if len(body) < lengthFieldLen {
			return Frame{}, blerr.Newf(blerr.KindProtocolViolation, "decode", "start frame missing length field")
		}
		fr.Total = int(binary.BigEndian.Uint32(body))
		body = body[lengthFieldLen:]
	}
	fr.Payload = body
	return fr, nil
}

// EncodeMessage splits and encodes buf in one step.
func EncodeMessage(buf []byte, maxPayload int) ([][]byte, error) {
	frags, err := Split(buf, maxPayload)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(frags))
	for i, f := range frags {
		out[i] = Encode(f)
	}
	return out, nil
}

func (f Frame) String() string {
	return fmt.Sprintf("frame{start=%t final=%t seq=%d total=%d len=%d}", f.Start, f.Final, f.Seq, f.Total, len(f.Payload))
}
