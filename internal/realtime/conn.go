package realtime

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/markb/chagpt/internal/hub"
	"github.com/markb/chagpt/internal/log"
	"github.com/markb/chagpt/internal/metrics"
	"github.com/markb/chagpt/internal/types"
)

const (
	// DefaultPingInterval is how long the server waits for a ping or pong
	// from the peer before sending its own ping.
	DefaultPingInterval = 18320 * time.Millisecond

	// DefaultPingTimeout is how long a connection may stay silent before it
	// is closed.
	DefaultPingTimeout = 28560 * time.Millisecond

	// DefaultSendBuffer is the outbound queue length per connection.
	DefaultSendBuffer = 256
)

// Role receives the application-level events of one connection. Callbacks
// run on the connection's read goroutine, one at a time.
type Role interface {
	OnConnect(p Peer)
	OnDisconnect(p Peer)
	OnText(p Peer, text string)
	OnBinary(p Peer, data []byte)
}

// Peer is the view of a connection handed to its Role.
type Peer interface {
	hub.Handle
	Close()
	Logger() *slog.Logger
}

// Options configures a connection.
type Options struct {
	// EngineIO enables the handshake/heartbeat sub-protocol and the "4"
	// message prefix on inbound and outbound text.
	EngineIO     bool
	PingInterval time.Duration
	PingTimeout  time.Duration

	MaxMessageSize int
	SendBuffer     int

	// RoleName labels logs and metrics.
	RoleName string
	Clock    clockwork.Clock
	Metrics  *metrics.Metrics
}

// DefaultOptions returns engine.io mode with the default timings.
func DefaultOptions() Options {
	return Options{
		EngineIO:       true,
		PingInterval:   DefaultPingInterval,
		PingTimeout:    DefaultPingTimeout,
		MaxMessageSize: DefaultMaxMessageSize,
		SendBuffer:     DefaultSendBuffer,
		Clock:          clockwork.NewRealClock(),
	}
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = DefaultPingTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

var connSeq atomic.Uint64

// Conn is one live connection: a transport, a role and the heartbeat timers.
type Conn struct {
	id     uint64
	t      Transport
	role   Role
	opts   Options
	logger *slog.Logger
	reasm  *Reassembler

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	timerMu   sync.Mutex
	closed    bool
	pingTimer clockwork.Timer
	idleTimer clockwork.Timer
}

// NewConn wraps a transport. Call Serve to run it.
func NewConn(t Transport, role Role, opts Options) *Conn {
	opts = opts.withDefaults()
	id := connSeq.Add(1)
	return &Conn{
		id:     id,
		t:      t,
		role:   role,
		opts:   opts,
		logger: log.With("conn_id", id, "role", opts.RoleName, "remote", t.RemoteAddr()),
		reasm:  NewReassembler(opts.MaxMessageSize),
		send:   make(chan []byte, opts.SendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Conn) ID() uint64 { return c.id }

func (c *Conn) Logger() *slog.Logger { return c.logger }

// Done is closed once the connection starts tearing down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Emit queues an envelope for the writer. It never blocks.
func (c *Conn) Emit(env *hub.Envelope) error {
	if c.opts.EngineIO {
		return c.enqueue(env.Packet())
	}
	return c.enqueue(env.Payload())
}

func (c *Conn) enqueue(p []byte) error {
	select {
	case <-c.done:
		return hub.ErrConnClosed
	default:
	}
	select {
	case c.send <- p:
		return nil
	case <-c.done:
		return hub.ErrConnClosed
	default:
		return hub.ErrSendBufferFull
	}
}

// Serve runs the connection until the peer leaves, the idle timer fires or a
// protocol error occurs. It blocks; the role sees OnConnect first and
// OnDisconnect last.
func (c *Conn) Serve() {
	c.opts.Metrics.ConnOpened(c.opts.RoleName)
	defer c.opts.Metrics.ConnClosed(c.opts.RoleName)

	go c.writePump()

	if c.opts.EngineIO {
		hs := NewHandshake(c.opts.PingInterval, c.opts.PingTimeout)
		if err := c.enqueue(hs.Packet()); err != nil {
			c.logger.Debug("realtime: handshake not queued", "error", err)
		}
		c.refreshPing()
		c.refreshIdle()
	}
	c.logger.Debug("realtime: connected")

	c.role.OnConnect(c)

	err := c.readLoop()
	c.Close()
	if err != nil {
		c.logger.Debug("realtime: connection ended", "error", err)
	}

	c.role.OnDisconnect(c)
	c.logger.Debug("realtime: disconnected")
}

// Close tears down the transport and stops the timers. Safe to call more
// than once and from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.timerMu.Lock()
		c.closed = true
		if c.pingTimer != nil {
			c.pingTimer.Stop()
		}
		if c.idleTimer != nil {
			c.idleTimer.Stop()
		}
		c.timerMu.Unlock()

		c.t.Close()
	})
}

func (c *Conn) readLoop() error {
	for {
		f, err := c.t.ReadFrame()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		c.refreshIdle()

		switch f.Kind {
		case FrameText:
			c.handleText(types.ValidPrefix(f.Data))
		case FrameBinary:
			c.role.OnBinary(c, f.Data)
		case FrameFirstText, FrameFirstBinary, FrameContinue, FrameLast:
			msg, complete, err := c.reasm.Push(f)
			if err != nil {
				return err
			}
			if !complete {
				continue
			}
			if msg.Text {
				c.handleText(types.ValidPrefix(msg.Data))
			} else {
				c.role.OnBinary(c, msg.Data)
			}
		case FrameClose:
			if err := c.t.WriteClose(f.Data); err != nil {
				c.logger.Debug("realtime: close echo failed", "error", err)
			}
			return nil
		case FramePing:
			if err := c.t.WritePong(f.Data); err != nil {
				return err
			}
		case FramePong:
		}
	}
}

func (c *Conn) handleText(text string) {
	if !c.opts.EngineIO {
		c.role.OnText(c, text)
		return
	}
	typ, body, ok := ParsePacket(text)
	if !ok {
		return
	}
	switch typ {
	case PacketPing:
		c.refreshPing()
		if err := c.enqueue(pongPacket); err != nil {
			c.logger.Debug("realtime: pong not queued", "error", err)
		}
	case PacketPong:
		c.refreshPing()
	case PacketMessage:
		c.role.OnText(c, body)
	default:
		c.logger.Debug("realtime: ignoring packet", "type", string(typ))
	}
}

// refreshPing restarts the ping timer. It only runs again when the peer
// pings or pongs, so a silent peer gets exactly one ping before the idle
// timer closes it.
func (c *Conn) refreshPing() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.closed {
		return
	}
	if c.pingTimer != nil {
		c.pingTimer.Stop()
	}
	c.pingTimer = c.opts.Clock.AfterFunc(c.opts.PingInterval, c.onPing)
}

func (c *Conn) refreshIdle() {
	if !c.opts.EngineIO {
		return
	}
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.closed {
		return
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = c.opts.Clock.AfterFunc(c.opts.PingTimeout, c.onIdle)
}

func (c *Conn) onPing() {
	if err := c.enqueue(pingPacket); err != nil {
		c.logger.Debug("realtime: ping not queued", "error", err)
	}
}

func (c *Conn) onIdle() {
	c.logger.Debug("realtime: idle timeout", "timeout", c.opts.PingTimeout)
	c.opts.Metrics.IdleDisconnect()
	c.Close()
}

func (c *Conn) writePump() {
	for {
		select {
		case p := <-c.send:
			if err := c.t.WriteText(p); err != nil {
				c.logger.Debug("realtime: write failed", "error", err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
