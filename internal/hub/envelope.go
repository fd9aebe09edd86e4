// Package hub holds the process-wide connection registries: the audience set
// and the single-occupant admin and emitter slots. It fans pre-serialized
// envelopes out to registered handles without ever blocking on a slow peer.
package hub

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MessagePrefix marks an application message packet on the wire.
const MessagePrefix = '4'

// Envelope kinds.
const (
	KindDanmaku        = "danmaku"
	KindRepertoire     = "repertoire"
	KindLottery        = "lottery"
	KindDanmakuChecked = "danmaku-checked"
	KindLogin          = "login"
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrConnClosed     = errors.New("connection closed")
	ErrSlotEmpty      = errors.New("slot empty")
)

// Handle is a reference to one live connection's outbound queue.
// Identity is the dynamic value itself, so implementations must be pointers.
type Handle interface {
	// ID is a small diagnostic identifier. Never use it for correctness.
	ID() uint64
	// Emit queues an envelope without blocking.
	Emit(env *Envelope) error
}

// Envelope is an immutable, wire-ready outbound message shared by every
// recipient of a broadcast.
type Envelope struct {
	kind   string
	packet []byte
}

// NewEnvelope builds an envelope from an already serialized payload.
func NewEnvelope(kind string, payload []byte) *Envelope {
	packet := make([]byte, 1+len(payload))
	packet[0] = MessagePrefix
	copy(packet[1:], payload)
	return &Envelope{kind: kind, packet: packet}
}

// MarshalEnvelope serializes v as JSON once and wraps it in an envelope.
// HTML characters are left unescaped so content reaches clients verbatim.
func MarshalEnvelope(kind string, v any) (*Envelope, error) {
	var buf bytes.Buffer
	buf.WriteByte(MessagePrefix)
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", kind, err)
	}
	return &Envelope{kind: kind, packet: bytes.TrimSuffix(buf.Bytes(), []byte("\n"))}, nil
}

func (e *Envelope) Kind() string { return e.kind }

// Packet returns the prefixed message packet. The slice is shared and must
// not be modified.
func (e *Envelope) Packet() []byte { return e.packet }

// Payload returns the message without the packet prefix. Shared, read-only.
func (e *Envelope) Payload() []byte { return e.packet[1:] }

func (e *Envelope) String() string { return string(e.packet) }
