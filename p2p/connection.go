package p2p

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"fastp2p/observability"
	"fastp2p/observability/logging"
	"fastp2p/p2p/wire"
)

// Close reasons carried by the close notification.
const (
	CloseReasonSocketEnd       = "socket end"
	CloseReasonSocketClosed    = "socket closed"
	CloseReasonWriteFailed     = "write failed"
	CloseReasonIdentifyTimeout = "identify timeout"
	CloseReasonDestroyed       = "connection destroyed"
)

const (
	defaultIdentifyTimeout   = 4 * time.Second
	defaultHeartbeatInterval = 60 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	outboundQueueSize        = 1024
)

// connEvents receives the lifecycle notifications of a Connection. Node is the
// only implementation; callbacks are never invoked with the connection lock held.
type connEvents interface {
	connIdentified(c *Connection)
	connMessage(c *Connection, msg *wire.Message)
	connError(c *Connection, err error)
	connIdentifyFailed(c *Connection)
	connClosed(c *Connection, reason string)
}

type connOptions struct {
	localID           string
	inbound           bool
	dialID            string
	dialToken         uint64
	identifyTimeout   time.Duration
	heartbeatInterval time.Duration
	writeTimeout      time.Duration
	maxFrameSize      int
	logger            *slog.Logger
	metrics           *observability.P2PMetrics
}

// Connection wraps one socket: length-prefixed framing, the identify
// handshake and the heartbeat.
type Connection struct {
	conn         net.Conn
	reader       *bufio.Reader
	events       connEvents
	opts         connOptions
	observedAddr string

	outbound chan []byte
	done     chan struct{}

	mu            sync.Mutex
	remoteID      string
	identified    bool
	started       bool
	destroyed     bool
	closed        bool
	duplicate     bool
	closeReason   string
	identifyTimer *time.Timer
}

func newConnection(conn net.Conn, events connEvents, opts connOptions) *Connection {
	if opts.identifyTimeout <= 0 {
		opts.identifyTimeout = defaultIdentifyTimeout
	}
	if opts.heartbeatInterval <= 0 {
		opts.heartbeatInterval = defaultHeartbeatInterval
	}
	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}
	if opts.maxFrameSize <= 0 {
		opts.maxFrameSize = wire.MaxFrameSize
	}
	if opts.logger == nil {
		opts.logger = logging.Component("p2p_connection")
	}
	observed := ""
	if remote := conn.RemoteAddr(); remote != nil {
		observed = remote.String()
	}
	return &Connection{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		events:       events,
		opts:         opts,
		observedAddr: observed,
		outbound:     make(chan []byte, outboundQueueSize),
		done:         make(chan struct{}),
	}
}

// Start launches the read and write loops, sends identify and arms the
// identify timer. Calling Start more than once has no effect.
func (c *Connection) Start() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.identifyTimer = time.AfterFunc(c.opts.identifyTimeout, c.identifyExpired)
	c.mu.Unlock()

	go c.readLoop()
	go c.writeLoop()

	if err := c.Send(wire.NewIdentify(c.opts.localID)); err != nil {
		c.log().Debug("Queue identify failed", slog.Any("error", err))
	}
}

// Send enqueues msg for the write loop. It never blocks.
func (c *Connection) Send(msg any) error {
	payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	case c.outbound <- payload:
		c.opts.metrics.RecordMessage("out", wire.ProtocolOf(msg))
		return nil
	default:
		return ErrQueueFull
	}
}

// Destroy tears the connection down. It is idempotent and results in a single
// close notification with reason "connection destroyed" unless the connection
// had already closed for another reason.
func (c *Connection) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()
	c.finish(CloseReasonDestroyed)
}

// RemoteID returns the identity asserted by the remote side, or "" before identify.
func (c *Connection) RemoteID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

// Identified reports whether the identify handshake completed.
func (c *Connection) Identified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identified
}

// ObservedAddr is the socket's remote address. It is informational only.
func (c *Connection) ObservedAddr() string {
	return c.observedAddr
}

// Inbound reports whether the remote side initiated the connection.
func (c *Connection) Inbound() bool {
	return c.opts.inbound
}

// CloseReason returns the reason recorded by the close notification.
func (c *Connection) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

func (c *Connection) markDuplicate() {
	c.mu.Lock()
	c.duplicate = true
	c.mu.Unlock()
}

func (c *Connection) isDuplicate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duplicate
}

// isClosed reports whether the close path has run. Frames still buffered in
// the reader after that point are dropped.
func (c *Connection) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) readLoop() {
	for {
		payload, err := wire.ReadFrame(c.reader, c.opts.maxFrameSize)
		if c.isClosed() {
			return
		}
		if err != nil {
			if errors.Is(err, wire.ErrFrameTooLarge) {
				c.reportError(err)
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				c.finish(CloseReasonSocketEnd)
			} else {
				c.finish(CloseReasonSocketClosed)
			}
			return
		}
		msg, err := wire.Decode(payload)
		if err != nil {
			c.reportError(err)
			continue
		}
		c.opts.metrics.RecordMessage("in", msg.Protocol)
		if msg.Protocol == wire.ProtocolIdentify {
			c.handleIdentify(msg)
			continue
		}
		if c.isClosed() {
			return
		}
		c.events.connMessage(c, msg)
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.outbound:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.finish(CloseReasonWriteFailed)
				return
			}
			if err := wire.WriteFrame(c.conn, payload); err != nil {
				c.log().Debug("Write failed", slog.Any("error", err))
				c.finish(CloseReasonWriteFailed)
				return
			}
		}
	}
}

func (c *Connection) handleIdentify(msg *wire.Message) {
	var ident wire.Identify
	if err := msg.Unmarshal(&ident); err != nil {
		c.reportError(fmt.Errorf("%w: %v", ErrInvalidIdentify, err))
		return
	}
	if ident.ID == "" {
		c.reportError(ErrInvalidIdentify)
		return
	}

	c.mu.Lock()
	if c.identified || c.closed {
		c.mu.Unlock()
		return
	}
	c.remoteID = ident.ID
	c.identified = true
	if c.identifyTimer != nil {
		c.identifyTimer.Stop()
	}
	c.mu.Unlock()

	go c.heartbeatLoop()
	c.events.connIdentified(c)
}

func (c *Connection) identifyExpired() {
	c.mu.Lock()
	if c.identified || c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.events.connIdentifyFailed(c)
	c.finish(CloseReasonIdentifyTimeout)
}

func (c *Connection) heartbeatLoop() {
	ticker := time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Send(wire.NewHeartbeat()); err != nil && !errors.Is(err, ErrConnectionClosed) {
				c.log().Debug("Heartbeat dropped", slog.Any("error", err))
			}
		}
	}
}

func (c *Connection) reportError(err error) {
	c.opts.metrics.RecordFrameError()
	c.events.connError(c, err)
}

// finish runs the close path exactly once.
func (c *Connection) finish(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeReason = reason
	if c.identifyTimer != nil {
		c.identifyTimer.Stop()
	}
	close(c.done)
	c.mu.Unlock()

	_ = c.conn.Close()
	c.opts.metrics.RecordClose(reason)
	c.events.connClosed(c, reason)
}

func (c *Connection) log() *slog.Logger {
	return c.opts.logger.With(logging.MaskField("peer_address", c.observedAddr))
}
