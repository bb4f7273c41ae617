package mapping

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/internal/domain"
)

type querierFunc func(ctx context.Context, n domain.Node, timeout time.Duration) (*domain.Node, error)

func (f querierFunc) Query(ctx context.Context, n domain.Node, timeout time.Duration) (*domain.Node, error) {
	return f(ctx, n, timeout)
}

func TestUSyncLookupBuildsQueryAndParsesReply(t *testing.T) {
	var sent domain.Node
	q := querierFunc(func(_ context.Context, n domain.Node, _ time.Duration) (*domain.Node, error) {
		sent = n
		reply := domain.Node{Tag: "iq", Attrs: domain.Attrs{"type": "result"}, Children: []domain.Node{{
			Tag: "usync",
			Children: []domain.Node{{Tag: "list", Children: []domain.Node{
				{Tag: "user", Attrs: domain.Attrs{"jid": "5511999@s.whatsapp.net"},
					Children: []domain.Node{{Tag: "lid", Attrs: domain.Attrs{"val": "8812345@lid"}}}},
				{Tag: "user", Attrs: domain.Attrs{"jid": "5511000@s.whatsapp.net"}},
			}}},
		}}}
		return &reply, nil
	})

	pairs, err := USyncLookup(q, time.Second)(context.Background(), []domain.JID{
		domain.MustParseJID("5511999:4@s.whatsapp.net"),
		domain.MustParseJID("5511000@s.whatsapp.net"),
	})
	require.NoError(t, err)
	assert.Equal(t, []Pair{{PN: domain.MustParseJID("5511999@s.whatsapp.net"), LID: domain.MustParseJID("8812345@lid")}}, pairs)

	assert.Equal(t, "usync", sent.Attr("xmlns"))
	usync, ok := sent.Child("usync")
	require.True(t, ok)
	list, _ := usync.Child("list")
	users := list.ChildrenByTag("user")
	require.Len(t, users, 2)
	assert.Equal(t, "5511999@s.whatsapp.net", users[0].Attr("jid"), "device suffix dropped")
}

func TestUSyncLookupErrors(t *testing.T) {
	silent := querierFunc(func(context.Context, domain.Node, time.Duration) (*domain.Node, error) { return nil, nil })
	_, err := USyncLookup(silent, time.Second)(context.Background(), []domain.JID{domain.ServerJID})
	assert.ErrorIs(t, err, ErrNoResponse)

	boom := errors.New("closed")
	failing := querierFunc(func(context.Context, domain.Node, time.Duration) (*domain.Node, error) { return nil, boom })
	_, err = USyncLookup(failing, time.Second)(context.Background(), nil)
	assert.ErrorIs(t, err, boom)
}

func TestOnWhatsAppSendsContactsAndKeepsMembers(t *testing.T) {
	var sent domain.Node
	q := querierFunc(func(_ context.Context, n domain.Node, _ time.Duration) (*domain.Node, error) {
		sent = n
		reply := domain.Node{Tag: "iq", Attrs: domain.Attrs{"type": "result"}, Children: []domain.Node{{
			Tag: "usync",
			Children: []domain.Node{{Tag: "list", Children: []domain.Node{
				{Tag: "user", Attrs: domain.Attrs{"jid": "5511999@s.whatsapp.net"},
					Children: []domain.Node{{Tag: "contact", Attrs: domain.Attrs{"type": "in"}}}},
				{Tag: "user", Attrs: domain.Attrs{"jid": "5511000@s.whatsapp.net"},
					Children: []domain.Node{{Tag: "contact", Attrs: domain.Attrs{"type": "out"}}}},
			}}},
		}}}
		return &reply, nil
	})

	got, err := OnWhatsApp(context.Background(), q, time.Second, "+5511999", "5511000:2@s.whatsapp.net", "8812@lid")
	require.NoError(t, err)
	assert.Equal(t, []domain.JID{domain.MustParseJID("5511999@s.whatsapp.net")}, got)

	usync, _ := sent.Child("usync")
	query, _ := usync.Child("query")
	_, ok := query.Child("contact")
	assert.True(t, ok)
	list, _ := usync.Child("list")
	users := list.ChildrenByTag("user")
	require.Len(t, users, 2, "lid skipped")
	c0, _ := users[0].Child("contact")
	c1, _ := users[1].Child("contact")
	assert.Equal(t, "+5511999", string(c0.Payload))
	assert.Equal(t, "+5511000", string(c1.Payload))
}

func TestOnWhatsAppWithOnlyLIDsAsksNothing(t *testing.T) {
	q := querierFunc(func(context.Context, domain.Node, time.Duration) (*domain.Node, error) {
		t.Fatal("no query expected")
		return nil, nil
	})
	got, err := OnWhatsApp(context.Background(), q, time.Second, "8812@lid")
	require.NoError(t, err)
	assert.Empty(t, got)
}
