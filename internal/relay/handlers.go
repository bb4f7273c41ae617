package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"maps"
	"strconv"
	"strings"
	"time"

	"companion/internal/codec"
	"companion/internal/domain"
)

// Result builds the success reply to an iq.
func Result(req domain.Node, children ...domain.Node) domain.Node {
	return domain.Node{
		Tag:      "iq",
		Attrs:    domain.Attrs{"id": req.Attr("id"), "type": "result", "from": domain.ServerJID.String()},
		Children: children,
	}
}

// ErrorReply builds an iq error reply.
func ErrorReply(req domain.Node, code int, text string) domain.Node {
	return domain.Node{
		Tag:   "iq",
		Attrs: domain.Attrs{"id": req.Attr("id"), "type": "error", "from": domain.ServerJID.String()},
		Children: []domain.Node{{
			Tag:   "error",
			Attrs: domain.Attrs{"code": strconv.Itoa(code), "text": text},
		}},
	}
}

func handlePing(_ context.Context, _ *Peer, req domain.Node) ([]domain.Node, error) {
	return []domain.Node{Result(req)}, nil
}

func (s *Server) handleEncrypt(_ context.Context, p *Peer, req domain.Node) ([]domain.Node, error) {
	if req.Attr("type") == "get" {
		if _, ok := req.Child("count"); ok {
			count := domain.Node{Tag: "count", Attrs: domain.Attrs{"value": strconv.Itoa(s.dir.PreKeyCount(p.Static))}}
			return []domain.Node{Result(req, count)}, nil
		}
		if key, ok := req.Child("key"); ok {
			return []domain.Node{Result(req, s.bundles(key))}, nil
		}
	}
	list, ok := req.Child("list")
	if !ok || req.Attr("type") != "set" {
		return []domain.Node{ErrorReply(req, 400, "bad-request")}, nil
	}
	keys := make(map[uint32]domain.X25519Public)
	for _, k := range list.ChildrenByTag("key") {
		id, pub, _, ok := parseKey(k)
		if !ok {
			return []domain.Node{ErrorReply(req, 400, "bad-key")}, nil
		}
		keys[id] = pub
	}
	if dk, ok, err := parseDeviceKeys(req); err != nil {
		return []domain.Node{ErrorReply(req, 400, err.Error())}, nil
	} else if ok {
		s.dir.StoreKeys(p.Static, dk)
	}
	s.dir.StorePreKeys(p.Static, keys)
	s.logger.Info("pre-keys uploaded", "count", len(keys))
	return []domain.Node{Result(req)}, nil
}

// bundles answers <key><user jid/>...</key> with one bundle per user.
// Users without published keys get an error child.
func (s *Server) bundles(key domain.Node) domain.Node {
	var users []domain.Node
	for _, u := range key.ChildrenByTag("user") {
		jid, err := domain.ParseJID(u.Attr("jid"))
		out := domain.Node{Tag: "user", Attrs: domain.Attrs{"jid": u.Attr("jid")}}
		var b domain.PreKeyBundle
		ok := false
		if err == nil {
			b, ok = s.dir.TakeBundle(s.phoneUser(jid))
		}
		if !ok {
			out.Children = []domain.Node{{Tag: "error", Attrs: domain.Attrs{"code": "404", "text": "item-not-found"}}}
			users = append(users, out)
			continue
		}
		reg := make([]byte, 4)
		binary.BigEndian.PutUint32(reg, b.RegistrationID)
		out.Children = []domain.Node{
			{Tag: "registration", Payload: reg},
			{Tag: "type", Payload: []byte{domain.KeyTypeDJB}},
			{Tag: "identity", Payload: b.IdentityKey.Slice()},
			{Tag: "signing", Payload: b.SigningKey.Slice()},
			keyNode("skey", b.SignedPreKeyID, b.SignedPreKey, b.SignedPreKeySignature),
		}
		if b.PreKey != nil {
			out.Children = append(out.Children, keyNode("key", b.PreKeyID, *b.PreKey, nil))
		}
		users = append(users, out)
	}
	return domain.Node{Tag: "list", Children: users}
}

// phoneUser maps a LID user back to its phone user when known.
func (s *Server) phoneUser(jid domain.JID) string {
	if jid.IsLID() {
		if pn, ok := s.dir.PN(jid.User); ok {
			return pn
		}
	}
	return jid.User
}

func keyNode(tag string, id uint32, pub domain.X25519Public, sig []byte) domain.Node {
	n := domain.Node{
		Tag: tag,
		Children: []domain.Node{
			{Tag: "id", Payload: []byte{byte(id >> 16), byte(id >> 8), byte(id)}},
			{Tag: "value", Payload: pub.Slice()},
		},
	}
	if sig != nil {
		n.Children = append(n.Children, domain.Node{Tag: "signature", Payload: sig})
	}
	return n
}

func parseKey(k domain.Node) (id uint32, pub domain.X25519Public, sig []byte, ok bool) {
	idNode, ok1 := k.Child("id")
	valNode, ok2 := k.Child("value")
	if !ok1 || !ok2 || len(idNode.Payload) != 3 {
		return 0, pub, nil, false
	}
	pub, err := domain.ParseX25519Public(valNode.Payload)
	if err != nil {
		return 0, pub, nil, false
	}
	id = binary.BigEndian.Uint32(append([]byte{0}, idNode.Payload...))
	if sigNode, ok := k.Child("signature"); ok {
		sig = sigNode.Payload
	}
	return id, pub, sig, true
}

// parseDeviceKeys reads the identity material sent alongside an upload.
// Uploads carrying only a list report ok == false.
func parseDeviceKeys(req domain.Node) (DeviceKeys, bool, error) {
	ident, ok := req.Child("identity")
	if !ok {
		return DeviceKeys{}, false, nil
	}
	reg, _ := req.Child("registration")
	signing, _ := req.Child("signing")
	skey, hasSKey := req.Child("skey")
	identity, err := domain.ParseX25519Public(ident.Payload)
	if err != nil || len(reg.Payload) != 4 || len(signing.Payload) != 32 || !hasSKey {
		return DeviceKeys{}, false, errors.New("bad-identity")
	}
	id, pub, sig, ok := parseKey(skey)
	if !ok || len(sig) == 0 {
		return DeviceKeys{}, false, errors.New("bad-skey")
	}
	dk := DeviceKeys{
		RegistrationID: binary.BigEndian.Uint32(reg.Payload),
		Identity:       identity,
		SignedPreKey:   domain.SignedPreKey{ID: id, Pub: pub, Signature: sig},
	}
	copy(dk.Signing[:], signing.Payload)
	return dk, true, nil
}

// handleUSync answers the lid and contact protocols. Contact users are
// named by a +phone payload and come back with their JID and whether the
// number has an account.
func (s *Server) handleUSync(_ context.Context, _ *Peer, req domain.Node) ([]domain.Node, error) {
	usync, ok := req.Child("usync")
	if !ok {
		return []domain.Node{ErrorReply(req, 400, "bad-request")}, nil
	}
	query, _ := usync.Child("query")
	_, wantContact := query.Child("contact")
	_, wantLID := query.Child("lid")
	list, _ := usync.Child("list")
	var users []domain.Node
	for _, u := range list.ChildrenByTag("user") {
		var jid domain.JID
		if c, ok := u.Child("contact"); ok && wantContact {
			jid = domain.JID{User: strings.TrimPrefix(string(c.Payload), "+"), Server: domain.DefaultUserServer}
		} else if parsed, err := domain.ParseJID(u.Attr("jid")); err == nil {
			jid = parsed
		} else {
			continue
		}
		out := domain.Node{Tag: "user", Attrs: domain.Attrs{"jid": jid.String()}}
		if wantContact {
			kind := "out"
			if s.dir.Registered(jid.User) {
				kind = "in"
			}
			out.Children = append(out.Children, domain.Node{Tag: "contact", Attrs: domain.Attrs{"type": kind}})
		}
		if lid, ok := s.dir.LID(jid.User); ok && wantLID {
			out.Children = append(out.Children, domain.Node{Tag: "lid", Attrs: domain.Attrs{"val": lid + "@" + domain.HiddenUserServer}})
		}
		users = append(users, out)
	}
	reply := domain.Node{
		Tag:      "usync",
		Attrs:    domain.Attrs{"sid": usync.Attr("sid")},
		Children: []domain.Node{{Tag: "list", Children: users}},
	}
	return []domain.Node{Result(req, reply)}, nil
}

// Welcome greets a freshly connected peer the way the server does after a
// login: edge routing info, then <success> carrying the peer's LID when the
// directory knows its user, then a preview of the (empty) offline backlog.
// An unreadable login payload gets <failure>.
func (s *Server) Welcome(p *Peer) {
	var login domain.ClientPayload
	if err := codec.Unmarshal(p.Payload, &login); err != nil {
		s.logger.Warn("bad login payload", "error", err)
		_ = p.Send(domain.Node{Tag: "failure", Attrs: domain.Attrs{"reason": "400"}})
		return
	}
	routing := domain.Node{
		Tag: "ib",
		Children: []domain.Node{{
			Tag:      "edge_routing",
			Children: []domain.Node{{Tag: "routing_info", Payload: append([]byte("edge-"), p.Static[:4]...)}},
		}},
	}
	success := domain.Node{Tag: "success", Attrs: domain.Attrs{"t": strconv.FormatInt(time.Now().Unix(), 10)}}
	if login.Username != "" {
		p.User = login.Username
		s.dir.Bind(login.Username, p.Static)
		s.addPeer(p)
		if lid, ok := s.dir.LID(login.Username); ok {
			success.Attrs["lid"] = lid + "@" + domain.HiddenUserServer
		}
	}
	preview := domain.Node{
		Tag:      "ib",
		Children: []domain.Node{{Tag: "offline_preview", Attrs: domain.Attrs{"count": "0", "message": "0", "notification": "0", "receipt": "0"}}},
	}
	for _, n := range []domain.Node{routing, success, preview} {
		if err := p.Send(n); err != nil {
			return
		}
	}
}

// handleMessage forwards a <message> to the connected recipient, stamped
// with the sender and server time, and acks it to the sender. A recipient
// that is not online gets the ack an error instead.
func (s *Server) handleMessage(_ context.Context, p *Peer, req domain.Node) ([]domain.Node, error) {
	ack := domain.Node{Tag: "ack", Attrs: domain.Attrs{"id": req.Attr("id"), "class": "message"}}
	if p.User == "" {
		return []domain.Node{withError(ack, 401, "not-authorized")}, nil
	}
	to, err := domain.ParseJID(req.Attr("to"))
	if err != nil {
		return []domain.Node{withError(ack, 400, "bad-request")}, nil
	}
	target, ok := s.peer(s.phoneUser(to))
	if !ok {
		return []domain.Node{withError(ack, 404, "recipient-unavailable")}, nil
	}

	fwd := req
	fwd.Attrs = make(domain.Attrs, len(req.Attrs)+2)
	maps.Copy(fwd.Attrs, req.Attrs)
	delete(fwd.Attrs, "to")
	fwd.Attrs["from"] = domain.JID{User: p.User, Server: domain.DefaultUserServer}.String()
	fwd.Attrs["t"] = strconv.FormatInt(time.Now().Unix(), 10)
	if err := target.Send(fwd); err != nil {
		return []domain.Node{withError(ack, 503, "delivery-failed")}, nil
	}
	s.logger.Debug("message relayed", "id", req.Attr("id"), "to", target.User)
	return []domain.Node{ack}, nil
}

func withError(n domain.Node, code int, text string) domain.Node {
	n.Children = []domain.Node{{Tag: "error", Attrs: domain.Attrs{"code": strconv.Itoa(code), "text": text}}}
	return n
}
