package mapping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"companion/internal/domain"
)

// ErrNoResponse means the usync query was not answered in time.
var ErrNoResponse = errors.New("mapping: usync query got no response")

// USyncLookup resolves LIDs with a usync query through q.
func USyncLookup(q domain.Querier, timeout time.Duration) LookupFunc {
	return func(ctx context.Context, pns []domain.JID) ([]Pair, error) {
		users := make([]domain.Node, 0, len(pns))
		for _, pn := range pns {
			users = append(users, domain.Node{Tag: "user", Attrs: domain.Attrs{"jid": pn.ToNonAD().String()}})
		}
		resp, err := q.Query(ctx, usyncQuery("lid", users), timeout)
		if err != nil {
			return nil, fmt.Errorf("mapping: usync: %w", err)
		}
		if resp == nil {
			return nil, ErrNoResponse
		}
		return parseUSync(*resp), nil
	}
}

// OnWhatsApp asks which of phones have an account and returns their
// JIDs. Phones may be bare numbers, with or without +, or PN JIDs; LID
// JIDs are skipped.
func OnWhatsApp(ctx context.Context, q domain.Querier, timeout time.Duration, phones ...string) ([]domain.JID, error) {
	var users []domain.Node
	for _, p := range phones {
		if jid, err := domain.ParseJID(p); err == nil && jid.IsLID() {
			continue
		}
		number, _, _ := strings.Cut(p, "@")
		number, _, _ = strings.Cut(number, ":")
		number = strings.TrimPrefix(number, "+")
		if number == "" {
			continue
		}
		users = append(users, domain.Node{
			Tag:      "user",
			Children: []domain.Node{{Tag: "contact", Payload: []byte("+" + number)}},
		})
	}
	if len(users) == 0 {
		return nil, nil
	}
	resp, err := q.Query(ctx, usyncQuery("contact", users), timeout)
	if err != nil {
		return nil, fmt.Errorf("mapping: usync: %w", err)
	}
	if resp == nil {
		return nil, ErrNoResponse
	}
	usync, _ := resp.Child("usync")
	list, _ := usync.Child("list")
	var found []domain.JID
	for _, u := range list.ChildrenByTag("user") {
		contact, ok := u.Child("contact")
		if !ok || contact.Attr("type") != "in" {
			continue
		}
		if jid, err := domain.ParseJID(u.Attr("jid")); err == nil {
			found = append(found, jid)
		}
	}
	return found, nil
}

func usyncQuery(protocol string, users []domain.Node) domain.Node {
	return domain.Node{
		Tag:   "iq",
		Attrs: domain.Attrs{"to": domain.ServerJID.String(), "type": "get", "xmlns": "usync"},
		Children: []domain.Node{{
			Tag:   "usync",
			Attrs: domain.Attrs{"context": "interactive", "mode": "query", "last": "true", "index": "0"},
			Children: []domain.Node{
				{Tag: "query", Children: []domain.Node{{Tag: protocol}}},
				{Tag: "list", Children: users},
			},
		}},
	}
}

func parseUSync(resp domain.Node) []Pair {
	usync, _ := resp.Child("usync")
	list, _ := usync.Child("list")
	var pairs []Pair
	for _, u := range list.ChildrenByTag("user") {
		lidNode, ok := u.Child("lid")
		if !ok {
			continue
		}
		pn, err := domain.ParseJID(u.Attr("jid"))
		if err != nil {
			continue
		}
		lid, err := domain.ParseJID(lidNode.Attr("val"))
		if err != nil {
			continue
		}
		pairs = append(pairs, Pair{PN: pn, LID: lid})
	}
	return pairs
}
