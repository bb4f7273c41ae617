package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/internal/domain"
	"companion/internal/services/identity"
	"companion/internal/services/pairing"
)

func TestEncryptCountAndUpload(t *testing.T) {
	s := New(Config{})
	p := &Peer{Static: domain.X25519Public{1}}
	ctx := context.Background()

	count := domain.Node{Tag: "iq", Attrs: domain.Attrs{"id": "1", "type": "get", "xmlns": "encrypt"},
		Children: []domain.Node{{Tag: "count"}}}
	out, err := s.handleEncrypt(ctx, p, count)
	require.NoError(t, err)
	c, ok := out[0].Child("count")
	require.True(t, ok)
	assert.Equal(t, "0", c.Attr("value"))

	key := func(id byte) domain.Node {
		return domain.Node{Tag: "key", Children: []domain.Node{
			{Tag: "id", Payload: []byte{0, 0, id}},
			{Tag: "value", Payload: make([]byte, 32)},
		}}
	}
	upload := domain.Node{Tag: "iq", Attrs: domain.Attrs{"id": "2", "type": "set", "xmlns": "encrypt"},
		Children: []domain.Node{{Tag: "list", Children: []domain.Node{key(1), key(2), key(2)}}}}
	out, err = s.handleEncrypt(ctx, p, upload)
	require.NoError(t, err)
	assert.Equal(t, "result", out[0].Attr("type"))
	assert.Equal(t, 2, s.Directory().PreKeyCount(p.Static))
	assert.Zero(t, s.Directory().PreKeyCount(domain.X25519Public{2}))

	bad := upload
	bad.Children = []domain.Node{{Tag: "list", Children: []domain.Node{{Tag: "key"}}}}
	out, err = s.handleEncrypt(ctx, p, bad)
	require.NoError(t, err)
	assert.Equal(t, "error", out[0].Attr("type"))
}

func TestUSyncAnswersKnownUsers(t *testing.T) {
	s := New(Config{})
	s.Directory().AddLID("5511999", "8812345")

	req := domain.Node{Tag: "iq", Attrs: domain.Attrs{"id": "u1", "type": "get", "xmlns": "usync"},
		Children: []domain.Node{{Tag: "usync", Attrs: domain.Attrs{"sid": "s1"}, Children: []domain.Node{
			{Tag: "query", Children: []domain.Node{{Tag: "lid"}}},
			{Tag: "list", Children: []domain.Node{
				{Tag: "user", Attrs: domain.Attrs{"jid": "5511999@s.whatsapp.net"}},
				{Tag: "user", Attrs: domain.Attrs{"jid": "5511000@s.whatsapp.net"}},
			}},
		}}}}
	out, err := s.handleUSync(context.Background(), nil, req)
	require.NoError(t, err)
	require.Len(t, out, 1)

	usync, ok := out[0].Child("usync")
	require.True(t, ok)
	list, _ := usync.Child("list")
	users := list.ChildrenByTag("user")
	require.Len(t, users, 2)
	lid, ok := users[0].Child("lid")
	require.True(t, ok)
	assert.Equal(t, "8812345@lid", lid.Attr("val"))
	_, ok = users[1].Child("lid")
	assert.False(t, ok)
}

func TestErrorReply(t *testing.T) {
	r := ErrorReply(domain.Node{Tag: "iq", Attrs: domain.Attrs{"id": "x"}}, 404, "item-not-found")
	assert.Equal(t, "x", r.Attr("id"))
	e, ok := r.Child("error")
	require.True(t, ok)
	assert.Equal(t, "404", e.Attr("code"))
}

func TestBundleFetchHandsOutEachPreKeyOnce(t *testing.T) {
	s := New(Config{})
	p := &Peer{Static: domain.X25519Public{7}}
	ctx := context.Background()
	s.Directory().Bind("222", p.Static)
	s.Directory().AddLID("222", "9000")

	upload := domain.Node{Tag: "iq", Attrs: domain.Attrs{"id": "1", "type": "set", "xmlns": "encrypt"},
		Children: []domain.Node{
			{Tag: "registration", Payload: []byte{0, 0, 0x12, 0x34}},
			{Tag: "type", Payload: []byte{domain.KeyTypeDJB}},
			{Tag: "identity", Payload: make([]byte, 32)},
			{Tag: "signing", Payload: make([]byte, 32)},
			{Tag: "list", Children: []domain.Node{
				keyNode("key", 5, domain.X25519Public{5}, nil),
				keyNode("key", 3, domain.X25519Public{3}, nil),
			}},
			keyNode("skey", 1, domain.X25519Public{1}, []byte("sig")),
		}}
	out, err := s.handleEncrypt(ctx, p, upload)
	require.NoError(t, err)
	require.Equal(t, "result", out[0].Attr("type"))

	fetch := func(jid string) domain.Node {
		req := domain.Node{Tag: "iq", Attrs: domain.Attrs{"id": "f", "type": "get", "xmlns": "encrypt"},
			Children: []domain.Node{{Tag: "key", Children: []domain.Node{{Tag: "user", Attrs: domain.Attrs{"jid": jid}}}}}}
		out, err := s.handleEncrypt(ctx, nil, req)
		require.NoError(t, err)
		list, ok := out[0].Child("list")
		require.True(t, ok)
		users := list.ChildrenByTag("user")
		require.Len(t, users, 1)
		return users[0]
	}

	u := fetch("222@s.whatsapp.net")
	reg, _ := u.Child("registration")
	assert.Equal(t, []byte{0, 0, 0x12, 0x34}, reg.Payload)
	key, ok := u.Child("key")
	require.True(t, ok)
	id, pub, _, ok := parseKey(key)
	require.True(t, ok)
	assert.Equal(t, uint32(3), id)
	assert.Equal(t, domain.X25519Public{3}, pub)
	skey, _ := u.Child("skey")
	_, _, sig, _ := parseKey(skey)
	assert.Equal(t, []byte("sig"), sig)

	key, _ = fetch("9000@lid").Child("key")
	id, _, _, _ = parseKey(key)
	assert.Equal(t, uint32(5), id, "LID resolves to the same device")

	_, ok = fetch("222@s.whatsapp.net").Child("key")
	assert.False(t, ok, "bundle without one-time pre-key once they run out")
	assert.Zero(t, s.Directory().PreKeyCount(p.Static))

	_, ok = fetch("333@s.whatsapp.net").Child("error")
	assert.True(t, ok)
}

func TestUploadRejectsPartialIdentity(t *testing.T) {
	s := New(Config{})
	req := domain.Node{Tag: "iq", Attrs: domain.Attrs{"id": "1", "type": "set", "xmlns": "encrypt"},
		Children: []domain.Node{
			{Tag: "identity", Payload: make([]byte, 32)},
			{Tag: "list"},
		}}
	out, err := s.handleEncrypt(context.Background(), &Peer{}, req)
	require.NoError(t, err)
	assert.Equal(t, "error", out[0].Attr("type"))
}

func TestMessageAckErrors(t *testing.T) {
	s := New(Config{})
	msg := domain.Node{Tag: "message", Attrs: domain.Attrs{"id": "m1", "to": "222@s.whatsapp.net"}}

	out, err := s.handleMessage(context.Background(), &Peer{}, msg)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "ack", out[0].Tag)
	assert.Equal(t, "m1", out[0].Attr("id"))
	e, _ := out[0].Child("error")
	assert.Equal(t, "401", e.Attr("code"), "anonymous peers cannot send")

	out, err = s.handleMessage(context.Background(), &Peer{User: "111"}, msg)
	require.NoError(t, err)
	e, _ = out[0].Child("error")
	assert.Equal(t, "404", e.Attr("code"))
	assert.False(t, s.Online("222"))
}

func TestUSyncContactSaysWhoIsRegistered(t *testing.T) {
	s := New(Config{})
	s.Directory().AddLID("5511999", "8812345")
	s.Directory().Bind("4477", domain.X25519Public{4})

	contact := func(phone string) domain.Node {
		return domain.Node{Tag: "user", Children: []domain.Node{{Tag: "contact", Payload: []byte(phone)}}}
	}
	req := domain.Node{Tag: "iq", Attrs: domain.Attrs{"id": "u2", "type": "get", "xmlns": "usync"},
		Children: []domain.Node{{Tag: "usync", Children: []domain.Node{
			{Tag: "query", Children: []domain.Node{{Tag: "contact"}}},
			{Tag: "list", Children: []domain.Node{contact("+5511999"), contact("+4477"), contact("+1000")}},
		}}}}
	out, err := s.handleUSync(context.Background(), nil, req)
	require.NoError(t, err)
	usync, _ := out[0].Child("usync")
	list, _ := usync.Child("list")
	users := list.ChildrenByTag("user")
	require.Len(t, users, 3)

	var got []string
	for _, u := range users {
		c, ok := u.Child("contact")
		require.True(t, ok)
		got = append(got, u.Attr("jid")+"="+c.Attr("type"))
		_, hasLID := u.Child("lid")
		assert.False(t, hasLID, "lid protocol was not asked for")
	}
	assert.Equal(t, []string{
		"5511999@s.whatsapp.net=in",
		"4477@s.whatsapp.net=in",
		"1000@s.whatsapp.net=out",
	}, got)
}

func TestRemoveCompanionDevice(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()
	dev := domain.X25519Public{9}
	s.Directory().Bind("4477", dev)
	s.Directory().StorePreKeys(dev, map[uint32]domain.X25519Public{1: {1}})

	remove := func(jid string) domain.Node {
		return domain.Node{Tag: "iq", Attrs: domain.Attrs{"id": "r", "type": "set", "xmlns": "md"},
			Children: []domain.Node{{Tag: "remove-companion-device", Attrs: domain.Attrs{"jid": jid, "reason": "user_initiated"}}}}
	}
	code := func(n domain.Node) string {
		e, _ := n.Child("error")
		return e.Attr("code")
	}

	out, err := s.handleMD(ctx, &Peer{}, remove("4477:2@s.whatsapp.net"))
	require.NoError(t, err)
	assert.Equal(t, "401", code(out[0]))

	out, err = s.handleMD(ctx, &Peer{User: "4477"}, remove("5500:1@s.whatsapp.net"))
	require.NoError(t, err)
	assert.Equal(t, "403", code(out[0]), "only the caller's own device")

	out, err = s.handleMD(ctx, &Peer{User: "4477"}, domain.Node{Tag: "iq", Attrs: domain.Attrs{"id": "r", "type": "set"}})
	require.NoError(t, err)
	assert.Equal(t, "400", code(out[0]))
	assert.True(t, s.Directory().Registered("4477"))

	out, err = s.handleMD(ctx, &Peer{User: "4477"}, remove("4477:2@s.whatsapp.net"))
	require.NoError(t, err)
	assert.Equal(t, "result", out[0].Attr("type"))
	assert.False(t, s.Directory().Registered("4477"))
	assert.Zero(t, s.Directory().PreKeyCount(dev))
	_, ok := s.Directory().TakeBundle("4477")
	assert.False(t, ok)
}

func TestOfflineBatchIsEmpty(t *testing.T) {
	s := New(Config{})
	out, err := s.handleIB(context.Background(), &Peer{}, domain.Node{Tag: "ib",
		Children: []domain.Node{{Tag: "offline_batch", Attrs: domain.Attrs{"count": "100"}}}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	off, ok := out[0].Child("offline")
	require.True(t, ok)
	assert.Equal(t, "0", off.Attr("count"))

	out, err = s.handleIB(context.Background(), &Peer{}, domain.Node{Tag: "ib", Children: []domain.Node{{Tag: "edge_routing"}}})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRepliesReachOnlyTheirWaiter(t *testing.T) {
	s := New(Config{})
	ch := make(chan domain.Node, 1)
	s.waiters["srv-1"] = ch

	s.route(context.Background(), &Peer{}, domain.Node{Tag: "iq", Attrs: domain.Attrs{"id": "srv-2", "type": "result"}})
	s.route(context.Background(), &Peer{}, domain.Node{Tag: "iq", Attrs: domain.Attrs{"id": "srv-1", "type": "result"}})
	s.route(context.Background(), &Peer{}, domain.Node{Tag: "iq", Attrs: domain.Attrs{"id": "srv-1", "type": "error"}})

	select {
	case n := <-ch:
		assert.Equal(t, "result", n.Attr("type"))
	default:
		t.Fatal("reply was not delivered")
	}
	assert.Empty(t, ch, "a second reply for the same id is dropped")
}

func TestApprovePairingNeedsWaitingDevice(t *testing.T) {
	s := New(Config{})
	primary, err := pairing.NewPrimary()
	require.NoError(t, err)
	err = s.ApprovePairing(context.Background(), "nope", primary, domain.MustParseJID("1:1@s.whatsapp.net"))
	assert.ErrorIs(t, err, pairing.ErrBadQR)

	creds, err := identity.NewCreds()
	require.NoError(t, err)
	err = s.ApprovePairing(context.Background(), pairing.QR("ref", creds), primary, domain.MustParseJID("1:1@s.whatsapp.net"))
	assert.ErrorIs(t, err, ErrNotPairing)
}
