package realtime

import (
	"context"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/chagpt/internal/hub"
)

const waitFor = 2 * time.Second

type fakeTransport struct {
	in        chan Frame
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	texts  []string
	pongs  [][]byte
	closes [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan Frame, 16), closed: make(chan struct{})}
}

func (f *fakeTransport) ReadFrame() (Frame, error) {
	select {
	case fr, ok := <-f.in:
		if !ok {
			return Frame{}, io.EOF
		}
		return fr, nil
	case <-f.closed:
		return Frame{}, net.ErrClosed
	}
}

func (f *fakeTransport) WriteText(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, string(p))
	return nil
}

func (f *fakeTransport) WritePong(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pongs = append(f.pongs, p)
	return nil
}

func (f *fakeTransport) WriteClose(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, p)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "pipe" }

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.texts)
}

func (f *fakeTransport) hasWritten(s string) bool {
	return slices.Contains(f.written(), s)
}

type recordingRole struct {
	mu           sync.Mutex
	texts        []string
	binaries     [][]byte
	connected    int
	disconnected chan struct{}
	onText       func(p Peer, text string)
}

func newRecordingRole() *recordingRole {
	return &recordingRole{disconnected: make(chan struct{})}
}

func (r *recordingRole) OnConnect(Peer) {
	r.mu.Lock()
	r.connected++
	r.mu.Unlock()
}

func (r *recordingRole) OnDisconnect(Peer) { close(r.disconnected) }

func (r *recordingRole) OnText(p Peer, text string) {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	fn := r.onText
	r.mu.Unlock()
	if fn != nil {
		fn(p, text)
	}
}

func (r *recordingRole) OnBinary(_ Peer, data []byte) {
	r.mu.Lock()
	r.binaries = append(r.binaries, data)
	r.mu.Unlock()
}

func (r *recordingRole) gotTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.texts)
}

func (r *recordingRole) isDisconnected() bool {
	select {
	case <-r.disconnected:
		return true
	default:
		return false
	}
}

type harness struct {
	t     *testing.T
	clock *clockwork.FakeClock
	tr    *fakeTransport
	role  *recordingRole
	conn  *Conn
}

func startConn(t *testing.T, engineIO bool) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		clock: clockwork.NewFakeClock(),
		tr:    newFakeTransport(),
		role:  newRecordingRole(),
	}
	opts := DefaultOptions()
	opts.EngineIO = engineIO
	opts.Clock = h.clock
	opts.RoleName = "test"
	h.conn = NewConn(h.tr, h.role, opts)
	go h.conn.Serve()
	t.Cleanup(h.conn.Close)

	if engineIO {
		h.waitTimers(2)
	}
	return h
}

func (h *harness) send(kind FrameKind, data string) {
	h.tr.in <- Frame{Kind: kind, Data: []byte(data)}
}

func (h *harness) waitTimers(n int) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(h.t, h.clock.BlockUntilContext(ctx, n))
}

func (h *harness) eventuallyWritten(s string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.tr.hasWritten(s) }, waitFor, time.Millisecond, "never wrote %q", s)
}

func (h *harness) eventuallyTexts(want ...string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return slices.Equal(h.role.gotTexts(), want) }, waitFor, time.Millisecond,
		"texts = %q, want %q", h.role.gotTexts(), want)
}

func (h *harness) eventuallyDisconnected() {
	h.t.Helper()
	select {
	case <-h.role.disconnected:
	case <-time.After(waitFor):
		h.t.Fatal("connection never disconnected")
	}
	assert.True(h.t, h.tr.isClosed())
}

func TestConn_Handshake(t *testing.T) {
	h := startConn(t, true)
	const handshake = `0{"pingInterval":18320,"pingTimeout":10240,"upgrades":[]}`
	h.eventuallyWritten(handshake)
	assert.Equal(t, handshake, h.tr.written()[0])
	require.Eventually(t, func() bool {
		h.role.mu.Lock()
		defer h.role.mu.Unlock()
		return h.role.connected == 1
	}, waitFor, time.Millisecond)
}

func TestConn_IdleClose(t *testing.T) {
	h := startConn(t, true)

	h.clock.Advance(DefaultPingInterval)
	h.eventuallyWritten("2")
	assert.False(t, h.role.isDisconnected())

	h.clock.Advance(DefaultPingTimeout - DefaultPingInterval)
	h.eventuallyDisconnected()
}

func TestConn_PongBeforeExpiry(t *testing.T) {
	h := startConn(t, true)

	h.clock.Advance(DefaultPingInterval)
	h.eventuallyWritten("2")
	h.waitTimers(1)

	h.clock.Advance(time.Second)
	h.send(FrameText, "3")
	h.waitTimers(2)

	// Still inside the refreshed idle window even though the original
	// deadline has passed.
	h.clock.Advance(DefaultPingTimeout - time.Millisecond)
	h.waitTimers(1)
	assert.False(t, h.role.isDisconnected())
	assert.False(t, h.tr.isClosed())

	h.clock.Advance(2 * time.Millisecond)
	h.eventuallyDisconnected()
}

func TestConn_AnyFrameRefreshesIdle(t *testing.T) {
	h := startConn(t, true)

	h.clock.Advance(DefaultPingTimeout - time.Second)
	h.eventuallyWritten("2")
	h.send(FrameBinary, "x")
	require.Eventually(t, func() bool {
		h.role.mu.Lock()
		defer h.role.mu.Unlock()
		return len(h.role.binaries) == 1
	}, waitFor, time.Millisecond)

	h.clock.Advance(2 * time.Second)
	assert.False(t, h.role.isDisconnected())
}

func TestConn_PingReply(t *testing.T) {
	h := startConn(t, true)
	h.send(FrameText, "2")
	h.eventuallyWritten("3")
}

func TestConn_EngineIODispatch(t *testing.T) {
	h := startConn(t, true)

	h.send(FrameText, "4hello")
	h.send(FrameText, "")
	h.send(FrameText, "9junk")
	h.send(FrameFirstText, "4wor")
	h.send(FramePing, "p")
	h.send(FrameContinue, "l")
	h.send(FrameLast, "d")
	h.send(FrameText, "4\xffbad")

	h.eventuallyTexts("hello", "world", "")
	require.Eventually(t, func() bool {
		h.tr.mu.Lock()
		defer h.tr.mu.Unlock()
		return len(h.tr.pongs) == 1 && string(h.tr.pongs[0]) == "p"
	}, waitFor, time.Millisecond)
}

func TestConn_PlainDispatch(t *testing.T) {
	h := startConn(t, false)

	h.send(FrameText, "2")
	h.send(FrameText, "4raw")
	h.eventuallyTexts("2", "4raw")
	assert.Empty(t, h.tr.written(), "no handshake or pong without engine.io")
}

func TestConn_CloseEcho(t *testing.T) {
	h := startConn(t, true)
	h.send(FrameClose, "\x03\xe8bye")
	h.eventuallyDisconnected()

	h.tr.mu.Lock()
	defer h.tr.mu.Unlock()
	require.Len(t, h.tr.closes, 1)
	assert.Equal(t, "\x03\xe8bye", string(h.tr.closes[0]))
}

func TestConn_UnexpectedContinuationCloses(t *testing.T) {
	h := startConn(t, true)
	h.send(FrameContinue, "orphan")
	h.eventuallyDisconnected()
	assert.Empty(t, h.role.gotTexts())
}

func TestConn_TransportEOF(t *testing.T) {
	h := startConn(t, false)
	close(h.tr.in)
	h.eventuallyDisconnected()
}

func TestConn_EmitThroughWriter(t *testing.T) {
	h := startConn(t, true)
	h.role.mu.Lock()
	h.role.onText = func(p Peer, text string) {
		require.NoError(t, p.Emit(hub.NewEnvelope(hub.KindLogin, []byte(text))))
	}
	h.role.mu.Unlock()

	h.send(FrameText, "4secret")
	h.eventuallyWritten("4secret")
}

func TestConn_Emit(t *testing.T) {
	env := hub.NewEnvelope(hub.KindDanmaku, []byte(`{"id":1}`))

	tests := []struct {
		name     string
		engineIO bool
		want     string
	}{
		{"engine.io", true, `4{"id":1}`},
		{"plain", false, `{"id":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.EngineIO = tt.engineIO
			opts.SendBuffer = 1
			c := NewConn(newFakeTransport(), newRecordingRole(), opts)

			require.NoError(t, c.Emit(env))
			assert.ErrorIs(t, c.Emit(env), hub.ErrSendBufferFull)
			assert.Equal(t, tt.want, string(<-c.send))

			c.Close()
			assert.ErrorIs(t, c.Emit(env), hub.ErrConnClosed)
		})
	}
}

func TestConn_IDsAreUnique(t *testing.T) {
	a := NewConn(newFakeTransport(), newRecordingRole(), DefaultOptions())
	b := NewConn(newFakeTransport(), newRecordingRole(), DefaultOptions())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.IsType(t, &slog.Logger{}, a.Logger())
}
