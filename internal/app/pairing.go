package app

import (
	"context"
	"strconv"
	"sync"
	"time"

	"companion/internal/domain"
	"companion/internal/services/mapping"
	"companion/internal/services/pairing"
	"companion/internal/transport"
)

const (
	firstQRTimeout = time.Minute
	nextQRTimeout  = 20 * time.Second
	offlineBatch   = "100"
)

// connState is what one connection learns about pairing and the offline
// backlog.
type connState struct {
	pairOnce sync.Once
	paired   chan struct{}

	offlineOnce  sync.Once
	offline      chan struct{}
	offlineCount int
}

func newConnState() *connState {
	return &connState{paired: make(chan struct{}), offline: make(chan struct{})}
}

// QRCodes delivers the codes to show while an unregistered device waits
// to be paired. Codes nobody reads in time are dropped.
func (c *Client) QRCodes() <-chan string { return c.qrs }

// WaitOffline blocks until the server reports the offline backlog of the
// current connection delivered and returns how many stanzas it held.
func (c *Client) WaitOffline(ctx context.Context) (int, error) {
	c.mu.Lock()
	conn, st := c.conn, c.state
	c.mu.Unlock()
	if conn == nil {
		return 0, ErrNotConnected
	}
	select {
	case <-st.offline:
		return st.offlineCount, nil
	case <-conn.Done():
		return 0, conn.Err()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Logout asks the server to remove this companion device and closes the
// connection with CodeLoggedOut.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	conn, corr := c.conn, c.corr
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	var err error
	if me, _, meErr := c.account.Me(); meErr == nil {
		err = conn.SendNode(ctx, domain.Node{
			Tag:   "iq",
			Attrs: domain.Attrs{"to": domain.ServerJID.String(), "type": "set", "id": corr.NextID(), "xmlns": "md"},
			Children: []domain.Node{{
				Tag:   "remove-companion-device",
				Attrs: domain.Attrs{"jid": me.String(), "reason": "user_initiated"},
			}},
		})
	}
	conn.Close(&DisconnectError{Code: CodeLoggedOut, Reason: "intentional logout"})
	return err
}

// OnWhatsApp returns the accounts behind phones that exist.
func (c *Client) OnWhatsApp(ctx context.Context, phones ...string) ([]domain.JID, error) {
	c.mu.Lock()
	corr := c.corr
	c.mu.Unlock()
	if corr == nil {
		return nil, ErrNotConnected
	}
	return mapping.OnWhatsApp(ctx, corr, c.cfg.Server.QueryTimeout.Std(), phones...)
}

func (c *Client) installPairing(conn *transport.Conn, st *connState) {
	ctx := doneContext(conn.Done())
	conn.Subscribe(transport.CallbackEvent("iq", "type:set", "pair-device"), func(ev transport.Event) {
		n := ev.Node
		go func() {
			ack := domain.Node{Tag: "iq", Attrs: domain.Attrs{"to": domain.ServerJID.String(), "type": "result", "id": n.Attr("id")}}
			if err := conn.SendNode(ctx, ack); err != nil {
				c.logger.Warn("pair-device ack failed", "error", err)
				return
			}
			c.showQRs(ctx, conn, st, pairing.Refs(n))
		}()
	})
	conn.Subscribe(transport.CallbackEvent("iq", "", "pair-success"), func(ev transport.Event) {
		n := ev.Node
		st.pairOnce.Do(func() { close(st.paired) })
		go c.finishPairing(ctx, conn, n)
	})
	conn.Subscribe(transport.CallbackEvent("ib", "", "offline_preview"), func(ev transport.Event) {
		preview, _ := ev.Node.Child("offline_preview")
		c.logger.Info("offline preview", "count", preview.Attr("count"))
		go func() {
			batch := domain.Node{Tag: "ib", Children: []domain.Node{{Tag: "offline_batch", Attrs: domain.Attrs{"count": offlineBatch}}}}
			if err := conn.SendNode(ctx, batch); err != nil {
				c.logger.Warn("requesting offline batch failed", "error", err)
			}
		}()
	})
	conn.Subscribe(transport.CallbackEvent("ib", "", "offline"), func(ev transport.Event) {
		off, _ := ev.Node.Child("offline")
		count, _ := strconv.Atoi(off.Attr("count"))
		c.logger.Info("handled offline notifications", "count", count)
		st.offlineOnce.Do(func() {
			st.offlineCount = count
			close(st.offline)
		})
	})
	conn.Subscribe(transport.CallbackEvent("ib", "", "downgrade_webclient"), func(transport.Event) {
		conn.Close(&DisconnectError{Code: CodeMultideviceMismatch, Reason: "multi-device not enabled on the primary device"})
	})
}

// showQRs publishes one code per ref, each until it expires, and gives up
// on the connection when all refs expired unscanned.
func (c *Client) showQRs(ctx context.Context, conn *transport.Conn, st *connState, refs []string) {
	creds, err := c.account.Creds(ctx)
	if err != nil {
		conn.Close(err)
		return
	}
	wait, next := firstQRTimeout, nextQRTimeout
	if t := c.cfg.Server.QRTimeout.Std(); t > 0 {
		wait, next = t, t
	}
	for _, ref := range refs {
		select {
		case c.qrs <- pairing.QR(ref, creds):
		default:
			c.logger.Warn("qr code dropped, nobody is reading")
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-st.paired:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
		wait = next
	}
	c.logger.Info("no qr code was scanned")
	conn.Close(&DisconnectError{Code: CodeTimedOut, Reason: "QR refs attempts ended"})
}

// finishPairing checks pair-success, stores who we now are and returns
// our countersignature. The server then asks for a restart.
func (c *Client) finishPairing(ctx context.Context, conn *transport.Conn, n domain.Node) {
	creds, err := c.account.Creds(ctx)
	if err != nil {
		conn.Close(err)
		return
	}
	res, err := pairing.Configure(n, creds)
	if err != nil {
		c.logger.Warn("pairing failed", "error", err)
		conn.Close(&DisconnectError{Code: CodeBadSession, Reason: "pairing failed: " + err.Error()})
		return
	}
	err = c.account.Update(ctx, func(cr *domain.AuthCreds) error {
		cr.Me = &res.Me
		cr.LID = res.LID
		cr.Account = res.Account.Marshal(true)
		cr.Platform = res.Platform
		if res.Name != "" {
			cr.PushName = res.Name
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("saving paired identity failed", "error", err)
		conn.Close(err)
		return
	}
	c.logger.Info("paired", "me", res.Me.String(), "platform", res.Platform)
	if err := conn.SendNode(ctx, res.Reply); err != nil {
		c.logger.Warn("pair-device-sign failed", "error", err)
	}
}
