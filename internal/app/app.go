package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"companion/internal/codec"
	"companion/internal/config"
	"companion/internal/correlator"
	"companion/internal/domain"
	"companion/internal/keystore"
	"companion/internal/scheduler"
	"companion/internal/services/identity"
	"companion/internal/services/mapping"
	"companion/internal/services/message"
	"companion/internal/services/prekey"
	"companion/internal/services/session"
	"companion/internal/transport"
)

// Client is an unlocked account plus at most one live connection.
type Client struct {
	cfg     config.Config
	logger  *slog.Logger
	dial    transport.DialFunc
	account *identity.Account
	closer  io.Closer

	keys      *keystore.Store
	scheduler *scheduler.Scheduler
	inbound   *scheduler.Scheduler
	mappings  *mapping.Store
	sessions  *session.Repository
	devices   keystore.Bucket[[]uint16]
	inbox     chan message.Message
	qrs       chan string

	mu       sync.Mutex
	conn     *transport.Conn
	corr     *correlator.Correlator
	prekeys  *prekey.Service
	messages *message.Service
	state    *connState
	ready    chan struct{}
	loginErr error
}

// Account returns the unlocked credentials.
func (c *Client) Account() *identity.Account { return c.account }

// Keys returns the signal key store.
func (c *Client) Keys() *keystore.Store { return c.keys }

// Mappings returns the PN/LID mapping store.
func (c *Client) Mappings() *mapping.Store { return c.mappings }

// Sessions returns the session repository.
func (c *Client) Sessions() *session.Repository { return c.sessions }

// Conn returns the current connection, or nil before Connect.
func (c *Client) Conn() *transport.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// PreKeys returns the pre-key service of the current connection.
func (c *Client) PreKeys() (*prekey.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prekeys == nil {
		return nil, ErrNotConnected
	}
	return c.prekeys, nil
}

// Messages returns the message service of the current connection.
func (c *Client) Messages() (*message.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.messages == nil {
		return nil, ErrNotConnected
	}
	return c.messages, nil
}

// Incoming delivers decrypted messages in arrival order per sender. It
// stays open across reconnects.
func (c *Client) Incoming() <-chan message.Message { return c.inbox }

// Query sends n on the current connection and waits for its response. A
// nil node with a nil error means the deadline passed.
func (c *Client) Query(ctx context.Context, n domain.Node, timeout time.Duration) (*domain.Node, error) {
	c.mu.Lock()
	corr := c.corr
	c.mu.Unlock()
	if corr == nil {
		return nil, ErrNotConnected
	}
	return corr.Query(ctx, n, timeout)
}

// Connect opens a new connection. A previous connection must be closed.
func (c *Client) Connect(ctx context.Context) error {
	creds, err := c.account.Creds(ctx)
	if err != nil {
		return err
	}
	header, err := c.cfg.Server.Header()
	if err != nil {
		return err
	}
	payload, err := codec.Marshal(loginPayload(creds))
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.conn != nil && c.conn.State() != transport.StateClosed {
		c.mu.Unlock()
		return errors.New("app: already connected")
	}
	conn := transport.New(transport.Config{
		Address:           c.cfg.Server.Address,
		Dial:              c.dial,
		Header:            header,
		NoiseKey:          creds.NoiseKey,
		Payload:           payload,
		ConnectTimeout:    c.cfg.Server.ConnectTimeout.Std(),
		KeepAliveInterval: c.cfg.Server.KeepAliveInterval.Std(),
		Logger:            c.logger,
	})
	corr := correlator.New(conn,
		correlator.WithDefaultTimeout(c.cfg.Server.QueryTimeout.Std()),
		correlator.WithLogger(c.logger))
	pk := prekey.New(c.keys, c.account, corr, c.scheduler, prekey.Config{
		InitialCount:      c.cfg.PreKeys.InitialCount,
		MinCount:          c.cfg.PreKeys.MinCount,
		MinUploadInterval: c.cfg.PreKeys.MinUploadInterval.Std(),
		UploadTimeout:     c.cfg.PreKeys.UploadTimeout.Std(),
	}, prekey.WithLogger(c.logger))
	msgs := message.New(c.sessions, corr, conn,
		message.WithTimeout(c.cfg.Server.QueryTimeout.Std()),
		message.WithLogger(c.logger))
	ready, st := make(chan struct{}), newConnState()
	c.conn, c.corr, c.prekeys, c.messages, c.state, c.ready, c.loginErr = conn, corr, pk, msgs, st, ready, nil
	c.mu.Unlock()

	c.installHandlers(conn, pk, msgs, ready)
	c.installPairing(conn, st)
	c.mappings.SetLookup(mapping.USyncLookup(corr, c.cfg.Server.QueryTimeout.Std()))

	if err := conn.Connect(ctx); err != nil {
		return err
	}
	conn.StartKeepAlive(corr.Ping)
	return nil
}

// WaitReady blocks until login success has been processed, the connection
// closes, or ctx ends.
func (c *Client) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	conn, ready := c.conn, c.ready
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	select {
	case <-ready:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.loginErr
	case <-conn.Done():
		return conn.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the connection and releases the key store.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close(nil)
	}
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

func (c *Client) installHandlers(conn *transport.Conn, pk *prekey.Service, msgs *message.Service, ready chan struct{}) {
	conn.Subscribe(transport.CallbackEvent("xmlstreamend"), func(transport.Event) {
		c.logger.Info("stream ended by server")
		conn.Close(&DisconnectError{Code: CodeConnectionClosed, Reason: "connection terminated by server"})
	})
	conn.Subscribe(transport.CallbackEvent("stream:error"), func(ev transport.Event) {
		err := streamError(ev.Node)
		c.logger.Warn("stream error", "code", err.Code, "reason", err.Reason)
		conn.Close(err)
	})
	conn.Subscribe(transport.CallbackEvent("failure"), func(ev transport.Event) {
		code, convErr := strconv.Atoi(ev.Node.Attr("reason"))
		if convErr != nil || code == 0 {
			code = CodeBadSession
		}
		c.logger.Warn("login failed", "code", code, "location", ev.Node.Attr("location"))
		conn.Close(&DisconnectError{Code: code, Reason: "connection failure"})
	})
	conn.Subscribe(transport.CallbackEvent("ib", "", "edge_routing"), func(ev transport.Event) {
		edge, _ := ev.Node.Child("edge_routing")
		info, ok := edge.Child("routing_info")
		if !ok {
			return
		}
		routing := append([]byte(nil), info.Payload...)
		if err := c.account.Update(context.Background(), func(cr *domain.AuthCreds) error {
			cr.RoutingInfo = routing
			return nil
		}); err != nil {
			c.logger.Warn("saving routing info failed", "error", err)
		}
	})
	var login sync.Once
	conn.Subscribe(transport.CallbackEvent("success"), func(ev transport.Event) {
		n := ev.Node
		login.Do(func() { go c.finishLogin(conn, pk, n, ready) })
	})
	connCtx := doneContext(conn.Done())
	conn.Subscribe(transport.CallbackEvent("message"), func(ev transport.Event) {
		n := ev.Node
		c.inbound.Enqueue(connCtx, "message:"+n.Attr("from"), func(ctx context.Context) (any, error) {
			return nil, c.receive(ctx, msgs, n)
		})
	})
}

func (c *Client) receive(ctx context.Context, msgs *message.Service, n domain.Node) error {
	m, err := msgs.Receive(ctx, n)
	if err != nil {
		c.logger.Warn("dropping undecryptable message", "id", n.Attr("id"), "from", n.Attr("from"), "error", err)
		return err
	}
	select {
	case c.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// doneContext returns a context cancelled when done closes.
func doneContext(done <-chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-done
		cancel()
	}()
	return ctx
}

func (c *Client) finishLogin(conn *transport.Conn, pk *prekey.Service, n domain.Node, ready chan struct{}) {
	err := c.onSuccess(conn, pk, n)
	c.mu.Lock()
	if c.ready == ready {
		c.loginErr = err
	}
	c.mu.Unlock()
	close(ready)
}

// onSuccess records the account's own LID and device, then makes sure the
// server has pre-keys for us. It runs off the read loop since it queries.
func (c *Client) onSuccess(conn *transport.Conn, pk *prekey.Service, n domain.Node) error {
	ctx := doneContext(conn.Done())

	c.logger.Info("logged in", "t", n.Attr("t"))
	err := c.account.Update(ctx, func(cr *domain.AuthCreds) error {
		cr.Registered = true
		if lidAttr := n.Attr("lid"); lidAttr != "" && cr.Me != nil {
			lid, err := domain.ParseJID(lidAttr)
			if err != nil {
				return fmt.Errorf("app: success lid: %w", err)
			}
			lid.Device = cr.Me.Device
			cr.LID = &lid
		}
		return nil
	})
	if err != nil {
		return err
	}

	if me, lid, err := c.account.Me(); err == nil {
		if !lid.IsZero() {
			c.mappings.StoreMappings(ctx, nil, []mapping.Pair{{PN: me, LID: lid}})
		}
		if err := c.recordOwnDevice(ctx, me); err != nil {
			c.logger.Warn("recording own device failed", "error", err)
		}
	}

	if err := pk.UploadIfRequired(ctx); err != nil {
		c.logger.Warn("pre-key upload failed", "error", err)
		return err
	}
	return nil
}

func (c *Client) recordOwnDevice(ctx context.Context, me domain.JID) error {
	return c.keys.Transaction(ctx, nil, string(domain.KindDeviceList), func(ctx context.Context, tx *keystore.Tx) error {
		devs, _, err := c.devices.GetOne(ctx, tx, me.User)
		if err != nil {
			return err
		}
		if slices.Contains(devs, me.Device) {
			return nil
		}
		devs = append(devs, me.Device)
		slices.Sort(devs)
		return c.devices.PutOne(ctx, tx, me.User, devs)
	})
}

func streamError(n domain.Node) *DisconnectError {
	reason := "unknown"
	if len(n.Children) > 0 {
		reason = n.Children[0].Tag
	}
	code, err := strconv.Atoi(n.Attr("code"))
	if err != nil || code == 0 {
		code = streamErrorCodes[reason]
	}
	if code == 0 {
		code = CodeBadSession
	}
	if code == CodeRestartRequired {
		reason = "restart required"
	}
	return &DisconnectError{Code: code, Reason: reason}
}

func loginPayload(creds domain.AuthCreds) domain.ClientPayload {
	if creds.Me != nil {
		return domain.ClientPayload{Username: creds.Me.User, Device: creds.Me.Device, Passive: true}
	}
	return domain.ClientPayload{
		RegistrationID:  creds.RegistrationID,
		IdentityKey:     creds.Identity.XPub,
		SignedPreKeyID:  creds.SignedPreKey.ID,
		SignedPreKey:    creds.SignedPreKey.Pub,
		SignedPreKeySig: creds.SignedPreKey.Signature,
	}
}
