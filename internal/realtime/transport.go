package realtime

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
)

// Time allowed to write a frame to the peer.
const writeWait = 10 * time.Second

// Transport delivers raw frames and accepts outbound ones. Writes must be
// safe for concurrent use; ReadFrame is only called from one goroutine.
type Transport interface {
	ReadFrame() (Frame, error)
	WriteText(p []byte) error
	WritePong(p []byte) error
	WriteClose(p []byte) error
	Close() error
	RemoteAddr() string
}

// wsTransport reads WebSocket frames one at a time so fragments and control
// frames reach the connection unmerged.
type wsTransport struct {
	conn       net.Conn
	r          io.Reader
	maxPayload int64

	wmu sync.Mutex
}

// Upgrade performs the WebSocket handshake on an HTTP request and returns a
// frame-level transport. No single frame payload larger than maxPayload is
// ever held in memory; the excess is discarded from the socket.
func Upgrade(r *http.Request, w http.ResponseWriter, maxPayload int) (Transport, error) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return newWSTransport(conn, rw, maxPayload), nil
}

func newWSTransport(conn net.Conn, rw *bufio.ReadWriter, maxPayload int) *wsTransport {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxMessageSize
	}
	var r io.Reader = conn
	if rw != nil && rw.Reader != nil {
		r = rw.Reader
	}
	return &wsTransport{conn: conn, r: r, maxPayload: int64(maxPayload)}
}

func (t *wsTransport) ReadFrame() (Frame, error) {
	h, err := ws.ReadHeader(t.r)
	if err != nil {
		return Frame{}, err
	}
	// Fragment ordering is the Reassembler's job, so continuation frames are
	// checked as if a sequence were always open.
	state := ws.StateServerSide
	if h.OpCode == ws.OpContinuation {
		state |= ws.StateFragmented
	}
	if err := ws.CheckHeader(h, state); err != nil {
		return Frame{}, err
	}

	keep := h.Length
	if keep > t.maxPayload {
		keep = t.maxPayload
	}
	payload := make([]byte, keep)
	if _, err := io.ReadFull(t.r, payload); err != nil {
		return Frame{}, err
	}
	if h.Masked {
		ws.Cipher(payload, h.Mask, 0)
	}
	if h.Length > keep {
		if _, err := io.CopyN(io.Discard, t.r, h.Length-keep); err != nil {
			return Frame{}, err
		}
	}

	kind, err := classify(h)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: kind, Data: payload}, nil
}

func classify(h ws.Header) (FrameKind, error) {
	switch h.OpCode {
	case ws.OpText:
		if h.Fin {
			return FrameText, nil
		}
		return FrameFirstText, nil
	case ws.OpBinary:
		if h.Fin {
			return FrameBinary, nil
		}
		return FrameFirstBinary, nil
	case ws.OpContinuation:
		if h.Fin {
			return FrameLast, nil
		}
		return FrameContinue, nil
	case ws.OpClose:
		return FrameClose, nil
	case ws.OpPing:
		return FramePing, nil
	case ws.OpPong:
		return FramePong, nil
	default:
		return 0, fmt.Errorf("unsupported opcode %#x", byte(h.OpCode))
	}
}

func (t *wsTransport) write(f ws.Frame) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteFrame(t.conn, f)
}

func (t *wsTransport) WriteText(p []byte) error  { return t.write(ws.NewTextFrame(p)) }
func (t *wsTransport) WritePong(p []byte) error  { return t.write(ws.NewPongFrame(p)) }
func (t *wsTransport) WriteClose(p []byte) error { return t.write(ws.NewCloseFrame(p)) }

func (t *wsTransport) Close() error { return t.conn.Close() }

func (t *wsTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }
