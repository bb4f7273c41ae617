package correlator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"companion/internal/domain"
	"companion/internal/transport"
)

// DefaultTimeout applies when Query is given no timeout.
const DefaultTimeout = 60 * time.Second

// Conn is the part of *transport.Conn the correlator uses.
type Conn interface {
	SendNode(ctx context.Context, n domain.Node) error
	Subscribe(event string, h transport.Handler) (unsubscribe func())
	Done() <-chan struct{}
	Err() error
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithDefaultTimeout sets the timeout used when Query gets zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Correlator) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) { c.logger = l }
}

// Correlator issues queries on one connection.
type Correlator struct {
	conn    Conn
	prefix  string
	epoch   atomic.Uint64
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time
}

// New returns a Correlator for conn.
func New(conn Conn, opts ...Option) *Correlator {
	u := uuid.New()
	c := &Correlator{
		conn:    conn,
		prefix:  fmt.Sprintf("%d.%d-", binary.BigEndian.Uint16(u[0:2]), binary.BigEndian.Uint16(u[2:4])),
		timeout: DefaultTimeout,
		logger:  slog.New(slog.DiscardHandler),
		pending: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "correlator")
	return c
}

// NextID returns a fresh message tag.
func (c *Correlator) NextID() string {
	return c.prefix + strconv.FormatUint(c.epoch.Add(1), 10)
}

// Pending is the number of queries awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Query sends n and waits for the node answering it. n gets an id when it
// has none. When timeout or the deadline of ctx passes first, Query
// returns (nil, nil); cancelling ctx returns ctx.Err(). An error reply is
// returned as *RemoteProtocolError. A reply that arrived before the
// connection closed is returned rather than the close error.
func (c *Correlator) Query(ctx context.Context, n domain.Node, timeout time.Duration) (*domain.Node, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	id := n.Attr("id")
	if id == "" {
		id = c.NextID()
		attrs := make(domain.Attrs, len(n.Attrs)+1)
		maps.Copy(attrs, n.Attrs)
		attrs["id"] = id
		n.Attrs = attrs
	}

	resp := make(chan domain.Node, 1)
	unsubscribe := c.conn.Subscribe(transport.TagEvent(id), func(ev transport.Event) {
		select {
		case resp <- ev.Node:
		default:
		}
	})
	defer unsubscribe()

	c.mu.Lock()
	c.pending[id] = time.Now()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.conn.SendNode(ctx, n); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-resp:
		return answer(r)
	case <-timer.C:
		c.logger.Warn("query timed out", "id", id, "tag", n.Tag, "xmlns", n.Attr("xmlns"), "timeout", timeout)
		return nil, nil
	case <-c.conn.Done():
		// A reply read just before the close is still delivered.
		select {
		case r := <-resp:
			return answer(r)
		default:
		}
		return nil, closedError(c.conn.Err())
	case <-ctx.Done():
		select {
		case r := <-resp:
			return answer(r)
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.logger.Warn("query deadline exceeded", "id", id, "tag", n.Tag, "xmlns", n.Attr("xmlns"))
			return nil, nil
		}
		return nil, ctx.Err()
	}
}

func answer(r domain.Node) (*domain.Node, error) {
	if err := protocolError(r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Ping sends a keepalive iq and waits for its answer.
func (c *Correlator) Ping(ctx context.Context) error {
	resp, err := c.Query(ctx, domain.Node{
		Tag: "iq",
		Attrs: domain.Attrs{
			"id":    c.NextID(),
			"to":    domain.ServerJID.String(),
			"type":  "get",
			"xmlns": "w:p",
		},
		Children: []domain.Node{{Tag: "ping"}},
	}, 0)
	if err != nil {
		return err
	}
	if resp == nil {
		return ErrNoResponse
	}
	return nil
}

func closedError(reason error) error {
	if reason == nil || errors.Is(reason, transport.ErrConnectionClosed) {
		return transport.ErrConnectionClosed
	}
	return fmt.Errorf("%w: %w", transport.ErrConnectionClosed, reason)
}
