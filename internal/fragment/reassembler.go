package fragment

import (
	"fmt"

	"github.com/smallnest/ringbuffer"
	"github.com/srg/gattlink/pkg/blerr"
)

// DefaultMaxMessageSize bounds reassembly when no explicit limit is configured
const DefaultMaxMessageSize = 64 * 1024

// Reassembler accumulates fragments of one endpoint into complete messages.
// It is not safe for concurrent use; each endpoint owns its own instance.
type Reassembler struct {
	maxSize int
	buf     *ringbuffer.RingBuffer

	active  bool
	total   int
	nextSeq uint8
}

// NewReassembler creates a reassembler rejecting messages larger than maxSize.
func NewReassembler(maxSize int) *Reassembler {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Reassembler{
		maxSize: maxSize,
		buf:     ringbuffer.New(maxSize),
	}
}

// Pending returns the number of buffered bytes of the message in progress
func (r *Reassembler) Pending() int {
	return r.buf.Length()
}

// InProgress reports whether a message is partially assembled
func (r *Reassembler) InProgress() bool {
	return r.active
}

// Reset abandons any partially assembled message.
func (r *Reassembler) Reset() {
	r.buf.Reset()
	r.active = false
	r.total = 0
	r.nextSeq = 0
}

// Feed decodes a wire fragment and adds it to the assembly.
func (r *Reassembler) Feed(b []byte) (*InboundMessage, error) {
	fr, err := Decode(b)
	if err != nil {
		r.Reset()
		return nil, err
	}
	return r.Add(fr)
}

// Add appends a decoded frame. It returns nil while the message is incomplete and
// the message once a final frame completes it. Any violation abandons the assembly.
func (r *Reassembler) Add(fr Frame) (*InboundMessage, error) {
	msg, err := r.add(fr)
	if err != nil {
		r.Reset()
		return nil, err
	}
	return msg, nil
}

func (r *Reassembler) add(fr Frame) (*InboundMessage, error) {
	switch {
	case !r.active && !fr.Start:
		return nil, violation("fragment seq %d without message in progress", fr.Seq)
	case r.active && fr.Start:
		return nil, violation("start fragment while %d of %d bytes pending", r.buf.Length(), r.total)
	}

	if fr.Start {
		if fr.Seq != 0 {
			return nil, violation("start fragment with seq %d", fr.Seq)
		}
		if fr.Total > r.maxSize {
			return nil, violation("message of %d bytes exceeds limit %d", fr.Total, r.maxSize)
		}
		r.active = true
		r.total = fr.Total
		r.nextSeq = 0
	}

	if fr.Seq != r.nextSeq {
		return nil, violation("out of order fragment: got seq %d, want %d", fr.Seq, r.nextSeq)
	}
	if len(fr.Payload) == 0 && !fr.Final {
		return nil, violation("zero-length non-final fragment seq %d", fr.Seq)
	}
	if r.buf.Length()+len(fr.Payload) > r.total {
		return nil, violation("fragment overflows declared length %d", r.total)
	}

	if len(fr.Payload) > 0 {
		if _, err := r.buf.Write(fr.Payload); err != nil {
			return nil, violation("buffer: %v", err)
		}
	}
	r.nextSeq++

	if !fr.Final {
		return nil, nil
	}

	if r.buf.Length() != r.total {
		return nil, violation("final fragment at %d of %d bytes", r.buf.Length(), r.total)
	}

	data := make([]byte, r.buf.Length())
	if len(data) > 0 {
		if _, err := r.buf.Read(data); err != nil {
			return nil, violation("buffer: %v", err)
		}
	}
	r.Reset()
	return &InboundMessage{Data: data, Final: true}, nil
}

func violation(format string, args ...interface{}) error {
	return blerr.New(blerr.KindProtocolViolation, "reassemble", fmt.Errorf(format, args...))
}
