package app_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/internal/app"
	"companion/internal/config"
	"companion/internal/correlator"
	"companion/internal/crypto"
	"companion/internal/domain"
	"companion/internal/relay"
	"companion/internal/services/message"
	"companion/internal/transport"
)

const pass = "Str0ng-Passphrase!"

// testBudget bounds each relay round trip sequence; it leaves room for
// the race detector.
const testBudget = 30 * time.Second

func newRelay(t *testing.T) *relay.Server {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return relay.New(relay.Config{StaticKey: kp})
}

func pipeDial(srv *relay.Server) transport.DialFunc {
	return func(ctx context.Context, _, _ string) (net.Conn, error) {
		client, server := net.Pipe()
		go func() { _ = srv.ServeConn(context.Background(), server) }()
		return client, nil
	}
}

func newClient(t *testing.T, srv *relay.Server, driver string, me *domain.JID, tune ...func(*config.Config)) *app.Client {
	t.Helper()
	ctx := context.Background()
	settings := config.Defaults()
	settings.Store.Driver = driver
	settings.Store.Path = "keys"
	settings.PreKeys.InitialCount = 20
	settings.Server.KeepAliveInterval = config.Duration(time.Minute)
	settings.Store.KDFCost = 10
	for _, f := range tune {
		f(&settings)
	}
	require.NoError(t, settings.Validate())

	w := app.NewWire(app.Config{Home: t.TempDir(), Settings: settings, Dial: pipeDial(srv)})
	_, _, err := w.Identity.Generate(pass)
	require.NoError(t, err)
	c, err := w.Open(ctx, pass)
	require.NoError(t, err)
	if me != nil {
		require.NoError(t, c.Account().Update(ctx, func(cr *domain.AuthCreds) error {
			cr.Me = me
			return nil
		}))
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLoginSeedsPreKeysAndMapsOwnLID(t *testing.T) {
	for _, driver := range []string{config.DriverMemory, config.DriverSQLite, config.DriverFile} {
		t.Run(driver, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), testBudget)
			defer cancel()

			srv := newRelay(t)
			srv.OnConnect(srv.Welcome)
			srv.Directory().AddLID("111", "900")

			me := domain.MustParseJID("111:2@s.whatsapp.net")
			c := newClient(t, srv, driver, &me)

			require.NoError(t, c.Connect(ctx))
			require.NoError(t, c.WaitReady(ctx))

			creds, err := c.Account().Creds(ctx)
			require.NoError(t, err)
			assert.True(t, creds.Registered)
			assert.NotEmpty(t, creds.RoutingInfo)
			require.NotNil(t, creds.LID)
			assert.Equal(t, domain.MustParseJID("900:2@lid"), *creds.LID)
			assert.Equal(t, uint32(21), creds.FirstUnuploadedPreKeyID)
			assert.Equal(t, 20, srv.Directory().PreKeyCount(creds.NoiseKey.Pub))

			lid, ok, err := c.Mappings().LIDForPN(ctx, nil, me)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, domain.MustParseJID("900:2@lid"), lid)

			pn, ok, err := c.Mappings().PNForLID(ctx, nil, lid)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, me, pn)
		})
	}
}

func TestRemoteLIDLookupAndPing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testBudget)
	defer cancel()

	srv := newRelay(t)
	srv.Directory().AddLID("5511", "7777")
	c := newClient(t, srv, config.DriverMemory, nil)

	_, err := c.Query(ctx, domain.Node{Tag: "iq"}, time.Second)
	assert.ErrorIs(t, err, app.ErrNotConnected)
	_, err = c.PreKeys()
	assert.ErrorIs(t, err, app.ErrNotConnected)

	require.NoError(t, c.Connect(ctx))

	pn := domain.MustParseJID("5511@s.whatsapp.net")
	got, err := c.Mappings().LIDsForPNs(ctx, nil, []domain.JID{pn, domain.MustParseJID("5599@s.whatsapp.net")})
	require.NoError(t, err)
	assert.Equal(t, map[domain.JID]domain.JID{pn: domain.MustParseJID("7777@lid")}, got)

	resp, err := c.Query(ctx, domain.Node{
		Tag:      "iq",
		Attrs:    domain.Attrs{"xmlns": "w:p", "type": "get", "to": domain.ServerJID.String()},
		Children: []domain.Node{{Tag: "ping"}},
	}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "result", resp.Attr("type"))

	pk, err := c.PreKeys()
	require.NoError(t, err)
	n, err := pk.ServerCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Error(t, c.Connect(ctx), "second connect while open")
}

func TestServerInitiatedDisconnect(t *testing.T) {
	cases := []struct {
		name       string
		node       domain.Node
		wantCode   int
		wantReason string
	}{
		{"stream end", domain.Node{Tag: "xmlstreamend"}, app.CodeConnectionClosed, "connection terminated by server"},
		{"replaced", domain.Node{Tag: "stream:error", Children: []domain.Node{{Tag: "conflict"}}}, app.CodeConnectionReplaced, "conflict"},
		{"restart", domain.Node{Tag: "stream:error", Attrs: domain.Attrs{"code": "515"}}, app.CodeRestartRequired, "restart required"},
		{"unknown stream error", domain.Node{Tag: "stream:error", Children: []domain.Node{{Tag: "gone"}}}, app.CodeBadSession, "gone"},
		{"logged out", domain.Node{Tag: "failure", Attrs: domain.Attrs{"reason": "401"}}, app.CodeLoggedOut, "connection failure"},
		{"downgraded", domain.Node{Tag: "ib", Children: []domain.Node{{Tag: "downgrade_webclient"}}}, app.CodeMultideviceMismatch, "multi-device not enabled on the primary device"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), testBudget)
			defer cancel()

			srv := newRelay(t)
			srv.OnConnect(func(p *relay.Peer) { _ = p.Send(tc.node) })
			c := newClient(t, srv, config.DriverMemory, nil)
			require.NoError(t, c.Connect(ctx))

			err := c.WaitReady(ctx)
			var de *app.DisconnectError
			require.True(t, errors.As(err, &de), "got %v", err)
			assert.Equal(t, tc.wantCode, de.Code)
			assert.Equal(t, tc.wantReason, de.Reason)
			assert.Equal(t, transport.StateClosed, c.Conn().State())
		})
	}
}

func TestReconnectAfterClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testBudget)
	defer cancel()

	srv := newRelay(t)
	srv.OnConnect(srv.Welcome)
	c := newClient(t, srv, config.DriverMemory, nil)

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.WaitReady(ctx))
	first := c.Conn()
	first.Close(nil)

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.WaitReady(ctx))
	assert.NotSame(t, first, c.Conn())
	assert.Equal(t, transport.StateOpen, c.Conn().State())
}

func nextMessage(t *testing.T, ctx context.Context, c *app.Client) message.Message {
	t.Helper()
	select {
	case m := <-c.Incoming():
		return m
	case <-ctx.Done():
		t.Fatal("no message before deadline")
		return message.Message{}
	}
}

func TestMessagesThroughRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testBudget)
	defer cancel()

	srv := newRelay(t)
	srv.OnConnect(srv.Welcome)

	alicePN := domain.MustParseJID("111@s.whatsapp.net")
	bobPN := domain.MustParseJID("222@s.whatsapp.net")
	alice := newClient(t, srv, config.DriverMemory, &alicePN)
	bob := newClient(t, srv, config.DriverSQLite, &bobPN)
	for _, c := range []*app.Client{alice, bob} {
		require.NoError(t, c.Connect(ctx))
		require.NoError(t, c.WaitReady(ctx))
	}
	bobCreds, err := bob.Account().Creds(ctx)
	require.NoError(t, err)

	out, err := alice.Messages()
	require.NoError(t, err)
	id, err := out.Send(ctx, bobPN, []byte("hi bob"))
	require.NoError(t, err)
	assert.Equal(t, 19, srv.Directory().PreKeyCount(bobCreds.NoiseKey.Pub), "bundle fetch used one pre-key")

	m := nextMessage(t, ctx, bob)
	assert.Equal(t, id, m.ID)
	assert.Equal(t, alicePN, m.From)
	assert.Equal(t, domain.MessageTypePreKey, m.Type)
	assert.Equal(t, "hi bob", string(m.Plaintext))
	assert.False(t, m.Timestamp.IsZero())

	back, err := bob.Messages()
	require.NoError(t, err)
	_, err = back.Send(ctx, m.From, []byte("hi alice"))
	require.NoError(t, err)
	m = nextMessage(t, ctx, alice)
	assert.Equal(t, bobPN, m.From)
	assert.Equal(t, domain.MessageTypeWhisper, m.Type)
	assert.Equal(t, "hi alice", string(m.Plaintext))

	for _, text := range []string{"one", "two", "three"} {
		_, err = out.Send(ctx, bobPN, []byte(text))
		require.NoError(t, err)
	}
	for _, text := range []string{"one", "two", "three"} {
		m = nextMessage(t, ctx, bob)
		assert.Equal(t, domain.MessageTypeWhisper, m.Type)
		assert.Equal(t, text, string(m.Plaintext))
	}

	_, err = out.Send(ctx, domain.MustParseJID("333@s.whatsapp.net"), []byte("nobody"))
	assert.ErrorIs(t, err, message.ErrNoBundle)
}

func TestMessageToOfflinePeerIsRejected(t *testing.T) {
	srv := newRelay(t)
	srv.OnConnect(srv.Welcome)
	alicePN := domain.MustParseJID("111@s.whatsapp.net")
	bobPN := domain.MustParseJID("222@s.whatsapp.net")
	alice := newClient(t, srv, config.DriverMemory, &alicePN)
	bob := newClient(t, srv, config.DriverMemory, &bobPN)

	ctx, cancel := context.WithTimeout(context.Background(), testBudget)
	defer cancel()
	for _, c := range []*app.Client{alice, bob} {
		require.NoError(t, c.Connect(ctx))
		require.NoError(t, c.WaitReady(ctx))
	}
	bob.Conn().Close(nil)
	require.Eventually(t, func() bool { return !srv.Online("222") }, time.Second, 10*time.Millisecond)

	out, err := alice.Messages()
	require.NoError(t, err)
	_, err = out.Send(ctx, bobPN, []byte("are you there"))
	var rpe *correlator.RemoteProtocolError
	require.ErrorAs(t, err, &rpe)
	assert.Equal(t, 404, rpe.Code)
}
