package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"companion/internal/codec"
	"companion/internal/domain"
	"companion/internal/protocol/noise"
)

// Defaults for Config.
const (
	DefaultConnectTimeout    = 20 * time.Second
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultKeepAliveGrace    = 5 * time.Second
)

// DialFunc opens the underlying stream.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// PingFunc sends one keepalive request and waits for its answer.
type PingFunc func(ctx context.Context) error

// Config describes how to reach and authenticate to the server.
type Config struct {
	Address      string
	Dial         DialFunc
	Header       []byte
	NoiseKey     domain.KeyPair
	Payload      []byte
	VerifyServer func(static domain.X25519Public, certificate []byte) error
	Codec        domain.NodeCodec

	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	KeepAliveGrace    time.Duration
	Clock             Clock

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Dial == nil {
		var d net.Dialer
		c.Dial = d.DialContext
	}
	if c.Header == nil {
		c.Header = noise.DefaultIntroHeader
	}
	if c.Codec == nil {
		c.Codec = codec.NodeCodec{}
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.KeepAliveGrace <= 0 {
		c.KeepAliveGrace = DefaultKeepAliveGrace
	}
	if c.Clock == nil {
		c.Clock = RealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Conn is one connection attempt and, once open, the live session.
type Conn struct {
	cfg    Config
	logger *slog.Logger

	state atomic.Int32

	mu        sync.Mutex
	listeners listeners
	observers []func(StateChange)

	raw     net.Conn
	framer  *noise.Framer
	session *noise.Session
	sendMu  sync.Mutex

	lastRecv atomic.Int64

	connectOnce   sync.Once
	keepAliveOnce sync.Once
	closeOnce     sync.Once
	done          chan struct{}
	err           error
}

// New returns an idle connection. Subscribe and OnStateChange may be used
// before Connect.
func New(cfg Config) *Conn {
	cfg.applyDefaults()
	return &Conn{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "transport", "address", cfg.Address),
		done:   make(chan struct{}),
	}
}

// Connect dials and runs the handshake. On success the connection is Open
// and the reader is running. Any failure closes the connection with a
// *HandshakeError. Connect may only be called once.
func (c *Conn) Connect(ctx context.Context) error {
	err := ErrConnectionClosed
	c.connectOnce.Do(func() { err = c.connect(ctx) })
	return err
}

func (c *Conn) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	if !c.setState(StateConnecting, nil) {
		return ErrConnectionClosed
	}
	raw, err := c.cfg.Dial(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return c.failHandshake("dial", err)
	}
	c.mu.Lock()
	c.raw = raw
	c.mu.Unlock()

	if !c.setState(StateHandshaking, nil) {
		_ = raw.Close()
		return ErrConnectionClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = raw.SetDeadline(time.Unix(1, 0)) })
	framer := noise.NewClientFramer(raw, c.cfg.Header)
	session, err := noise.ClientHandshake(framer, noise.ClientConfig{
		Header:       c.cfg.Header,
		StaticKey:    c.cfg.NoiseKey,
		Payload:      c.cfg.Payload,
		VerifyServer: c.cfg.VerifyServer,
	})
	stopped := stop()
	if err != nil {
		if !stopped && ctx.Err() != nil {
			err = fmt.Errorf("%w (%v)", ctx.Err(), err)
		}
		return c.failHandshake("noise", err)
	}
	_ = raw.SetDeadline(time.Time{})

	c.framer = framer
	c.session = session
	c.lastRecv.Store(c.cfg.Clock.Now().UnixNano())
	if !c.setState(StateOpen, nil) {
		_ = raw.Close()
		return ErrConnectionClosed
	}
	c.logger.Info("connection open")
	go c.readLoop()
	return nil
}

func (c *Conn) failHandshake(stage string, err error) error {
	herr := &HandshakeError{Stage: stage, Err: err}
	c.logger.Warn("handshake failed", "stage", stage, "error", err)
	c.shutdown(herr, false)
	return herr
}

// State returns the current state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Done is closed when the connection reaches Closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the close reason once Done is closed.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// LastReceived is when the last inbound frame arrived.
func (c *Conn) LastReceived() time.Time { return time.Unix(0, c.lastRecv.Load()) }

// Subscribe registers h for event and returns a func that removes it.
func (c *Conn) Subscribe(event string, h Handler) (unsubscribe func()) {
	c.mu.Lock()
	id := c.listeners.add(event, h)
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.listeners.remove(event, id)
			c.mu.Unlock()
		})
	}
}

// Listeners returns the number of registered handlers.
func (c *Conn) Listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listeners.count()
}

// OnStateChange registers an observer for state transitions.
func (c *Conn) OnStateChange(fn func(StateChange)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// SendFrame encrypts and writes one frame.
func (c *Conn) SendFrame(ctx context.Context, data []byte) error {
	if c.State() != StateOpen {
		return ErrConnectionClosed
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	ct, err := c.session.Send().Encrypt(data)
	if err != nil {
		c.shutdown(fmt.Errorf("transport: %w", err), true)
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.raw.SetWriteDeadline(deadline)
		defer c.raw.SetWriteDeadline(time.Time{})
	}
	if err := c.framer.WriteFrame(ct); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.shutdown(fmt.Errorf("%w: write: %v", ErrConnectionClosed, err), false)
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// SendNode encodes and sends n.
func (c *Conn) SendNode(ctx context.Context, n domain.Node) error {
	b, err := c.cfg.Codec.EncodeNode(n)
	if err != nil {
		return err
	}
	payload, err := codec.PackPayload(b, false)
	if err != nil {
		return err
	}
	c.logger.Debug("send", "tag", n.Tag, "id", n.Attr("id"))
	return c.SendFrame(ctx, payload)
}

// Close shuts the connection down with reason (ErrConnectionClosed when
// nil). Calling it again is a no-op.
func (c *Conn) Close(reason error) {
	if reason == nil {
		reason = ErrConnectionClosed
	}
	c.shutdown(reason, true)
}

// StartKeepAlive begins the keepalive loop. Every KeepAliveInterval it
// closes the connection with ErrConnectionLost if nothing arrived for
// interval+grace, and otherwise calls ping.
func (c *Conn) StartKeepAlive(ping PingFunc) {
	c.keepAliveOnce.Do(func() { go c.keepAlive(ping) })
}

func (c *Conn) keepAlive(ping PingFunc) {
	interval := c.cfg.KeepAliveInterval
	ticks, stop := c.cfg.Clock.NewTicker(interval)
	defer stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticks:
			if since := now.Sub(c.LastReceived()); since > interval+c.cfg.KeepAliveGrace {
				c.logger.Warn("no traffic, closing", "since", since)
				c.Close(ErrConnectionLost)
				return
			}
			if ping == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := ping(ctx); err != nil && !errors.Is(err, ErrConnectionClosed) {
				c.logger.Warn("keepalive ping failed", "error", err)
			}
			cancel()
		}
	}
}

func (c *Conn) readLoop() {
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrConnectionClosed, err), false)
			return
		}
		c.lastRecv.Store(c.cfg.Clock.Now().UnixNano())

		pt, err := c.session.Recv().Decrypt(frame)
		if err != nil {
			c.shutdown(fmt.Errorf("transport: %w", err), false)
			return
		}
		body, err := codec.UnpackPayload(pt)
		if err != nil {
			c.logger.Error("bad frame payload", "error", err)
			continue
		}
		node, err := c.cfg.Codec.DecodeNode(body)
		if err != nil {
			c.logger.Debug("frame is not a node", "error", err, "size", len(body))
			c.emitRaw(body)
			continue
		}
		c.dispatch(node)
	}
}

func (c *Conn) dispatch(n domain.Node) {
	c.emit(EventFrame, n)
	handled := false
	for _, name := range eventNames(n) {
		if c.emit(name, n) {
			handled = true
		}
	}
	if !handled {
		c.logger.Debug("unhandled node", "tag", n.Tag, "id", n.Attr("id"))
	}
}

func (c *Conn) emit(name string, n domain.Node) bool {
	c.mu.Lock()
	hs := c.listeners.snapshot(name)
	c.mu.Unlock()
	for _, h := range hs {
		h(Event{Name: name, Node: n})
	}
	return len(hs) > 0
}

func (c *Conn) emitRaw(b []byte) {
	c.mu.Lock()
	hs := c.listeners.snapshot(EventRaw)
	c.mu.Unlock()
	for _, h := range hs {
		h(Event{Name: EventRaw, Raw: b})
	}
}

// shutdown runs the close sequence once. graceful connections pass
// through Closing; abrupt failures go straight to Closed.
func (c *Conn) shutdown(reason error, graceful bool) {
	first := false
	c.closeOnce.Do(func() { first = true })
	if !first {
		c.logger.Debug("close on closed connection ignored", "reason", reason)
		return
	}

	if graceful && c.State() == StateOpen {
		c.setState(StateClosing, reason)
	}
	c.mu.Lock()
	raw := c.raw
	c.mu.Unlock()
	if raw != nil {
		_ = raw.Close()
	}

	c.err = reason
	close(c.done)
	c.setState(StateClosed, reason)

	c.mu.Lock()
	c.listeners = listeners{}
	c.mu.Unlock()
	c.logger.Info("connection closed", "reason", reason)
}

// setState moves to the new state and notifies observers. It reports
// false when the move is refused: nothing leaves Closed.
func (c *Conn) setState(to State, reason error) bool {
	var from State
	for {
		cur := c.state.Load()
		from = State(cur)
		if from == to || (from == StateClosed && to != StateClosed) {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(to)) {
			break
		}
	}
	c.mu.Lock()
	obs := slices.Clone(c.observers)
	c.mu.Unlock()
	for _, fn := range obs {
		fn(StateChange{From: from, To: to, Reason: reason})
	}
	return true
}
