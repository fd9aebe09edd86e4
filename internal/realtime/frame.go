package realtime

import (
	"errors"
	"fmt"
)

// DefaultMaxMessageSize caps a reassembled message at 1 MiB.
const DefaultMaxMessageSize = 0x10_0000

// FrameKind classifies a frame delivered by a Transport.
type FrameKind uint8

const (
	FrameText FrameKind = iota
	FrameBinary
	FrameFirstText
	FrameFirstBinary
	FrameContinue
	FrameLast
	FrameClose
	FramePing
	FramePong
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FrameFirstText:
		return "first-text"
	case FrameFirstBinary:
		return "first-binary"
	case FrameContinue:
		return "continue"
	case FrameLast:
		return "last"
	case FrameClose:
		return "close"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	default:
		return fmt.Sprintf("frame(%d)", uint8(k))
	}
}

// Frame is one raw frame. Data is owned by the receiver.
type Frame struct {
	Kind FrameKind
	Data []byte
}

var ErrUnexpectedContinuation = errors.New("continuation frame without a first fragment")

// Message is a reassembled application message.
type Message struct {
	Text bool
	Data []byte
}

// Reassembler joins fragmented frames into messages. It keeps one reusable
// buffer whose length and capacity never exceed the limit; bytes past the
// limit are dropped silently.
type Reassembler struct {
	buf    []byte
	text   bool
	active bool
	limit  int
}

// NewReassembler creates a reassembler capped at limit bytes.
func NewReassembler(limit int) *Reassembler {
	if limit <= 0 {
		limit = DefaultMaxMessageSize
	}
	return &Reassembler{limit: limit}
}

// Push feeds one fragment. It returns done=true with the complete message
// when f is the last fragment. The returned data for binary messages is
// handed off; for text messages it is only valid until the next Push.
func (r *Reassembler) Push(f Frame) (Message, bool, error) {
	switch f.Kind {
	case FrameFirstText, FrameFirstBinary:
		r.buf = r.buf[:0]
		r.text = f.Kind == FrameFirstText
		r.active = true
		r.append(f.Data)
		return Message{}, false, nil

	case FrameContinue:
		if !r.active {
			return Message{}, false, ErrUnexpectedContinuation
		}
		r.append(f.Data)
		return Message{}, false, nil

	case FrameLast:
		if !r.active {
			return Message{}, false, ErrUnexpectedContinuation
		}
		r.append(f.Data)
		r.active = false
		msg := Message{Text: r.text, Data: r.buf}
		if r.text {
			r.buf = r.buf[:0]
		} else {
			r.buf = nil
		}
		return msg, true, nil

	default:
		return Message{}, false, fmt.Errorf("not a fragment: %s", f.Kind)
	}
}

// Buffered returns the number of bytes currently held.
func (r *Reassembler) Buffered() int { return len(r.buf) }

// Capacity returns the capacity of the held buffer.
func (r *Reassembler) Capacity() int { return cap(r.buf) }

func (r *Reassembler) append(p []byte) {
	room := r.limit - len(r.buf)
	if room <= 0 {
		return
	}
	if len(p) > room {
		p = p[:room]
	}
	need := len(r.buf) + len(p)
	if need > cap(r.buf) {
		newCap := 2 * cap(r.buf)
		if newCap < need {
			newCap = need
		}
		if newCap > r.limit {
			newCap = r.limit
		}
		grown := make([]byte, len(r.buf), newCap)
		copy(grown, r.buf)
		r.buf = grown
	}
	r.buf = append(r.buf, p...)
}
