package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"

	"companion/internal/codec"
	"companion/internal/domain"
	"companion/internal/services/pairing"
)

// pairingRefs is how many QR references an unpaired device is offered.
const pairingRefs = 3

// ErrNotPairing means no connected device is waiting to be paired with
// the scanned code.
var ErrNotPairing = errors.New("relay: no device waiting for this code")

// OfferPairing greets a logged-in peer like Welcome and asks an unpaired
// one to show QR codes.
func (s *Server) OfferPairing(p *Peer) {
	var login domain.ClientPayload
	if err := codec.Unmarshal(p.Payload, &login); err != nil || login.Username != "" {
		s.Welcome(p)
		return
	}
	refs := make([]domain.Node, pairingRefs)
	for i := range refs {
		refs[i] = domain.Node{Tag: "ref", Payload: []byte("2@" + uuid.NewString())}
	}
	s.mu.Lock()
	s.unpaired[p.Static] = p
	s.mu.Unlock()
	_ = p.Send(domain.Node{
		Tag:      "iq",
		Attrs:    domain.Attrs{"id": s.nextID(), "type": "set", "from": domain.ServerJID.String(), "xmlns": "md"},
		Children: []domain.Node{{Tag: "pair-device", Children: refs}},
	})
}

// ApprovePairing plays the primary device that scanned qr: it sends the
// waiting device a pair-success naming it me, checks the countersigned
// identity in its reply and then asks it to reconnect.
func (s *Server) ApprovePairing(ctx context.Context, qr string, primary pairing.Primary, me domain.JID) error {
	code, err := pairing.ParseQR(qr)
	if err != nil {
		return err
	}
	s.mu.RLock()
	p := s.unpaired[code.NoiseKey]
	s.mu.RUnlock()
	if p == nil {
		return ErrNotPairing
	}

	device := pairing.DeviceIdentity{RawID: rand.Uint32(), Timestamp: uint64(time.Now().Unix()), KeyIndex: 1}
	devNode := domain.Node{Tag: "device", Attrs: domain.Attrs{"jid": me.String()}}
	if lid, ok := s.dir.LID(me.User); ok {
		devNode.Attrs["lid"] = domain.JID{User: lid, Device: me.Device, Server: domain.HiddenUserServer}.String()
	}
	reply, err := s.request(ctx, p, domain.Node{
		Tag:   "iq",
		Attrs: domain.Attrs{"id": s.nextID(), "type": "set", "from": domain.ServerJID.String(), "xmlns": "md"},
		Children: []domain.Node{{
			Tag: "pair-success",
			Children: []domain.Node{
				{Tag: "device-identity", Payload: primary.Approve(code, device)},
				{Tag: "platform", Attrs: domain.Attrs{"name": "relay"}},
				devNode,
			},
		}},
	})
	if err != nil {
		return err
	}
	sign, _ := reply.Child("pair-device-sign")
	identity, ok := sign.Child("device-identity")
	if reply.Attr("type") != "result" || !ok {
		return fmt.Errorf("relay: pairing rejected by device: %s", reply.Attr("type"))
	}
	if err := primary.VerifyReply(identity.Payload, code, device); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.unpaired, p.Static)
	s.mu.Unlock()
	s.logger.Info("device paired", "jid", me.String())
	_ = p.Send(domain.Node{Tag: "stream:error", Attrs: domain.Attrs{"code": "515"}})
	return p.Close()
}

// request sends n to p and waits for the iq answering it.
func (s *Server) request(ctx context.Context, p *Peer, n domain.Node) (domain.Node, error) {
	id := n.Attr("id")
	ch := make(chan domain.Node, 1)
	s.mu.Lock()
	s.waiters[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, id)
		s.mu.Unlock()
	}()
	if err := p.Send(n); err != nil {
		return domain.Node{}, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return domain.Node{}, ctx.Err()
	}
}

func (s *Server) deliverReply(n domain.Node) {
	s.mu.RLock()
	ch, ok := s.waiters[n.Attr("id")]
	s.mu.RUnlock()
	if !ok {
		s.logger.Debug("unsolicited reply", "id", n.Attr("id"))
		return
	}
	select {
	case ch <- n:
	default:
	}
}

func (s *Server) nextID() string {
	return "srv-" + strconv.FormatUint(s.ids.Add(1), 10)
}

// handleMD removes the caller's own companion device on logout.
func (s *Server) handleMD(_ context.Context, p *Peer, req domain.Node) ([]domain.Node, error) {
	rm, ok := req.Child("remove-companion-device")
	if !ok || req.Attr("type") != "set" {
		return []domain.Node{ErrorReply(req, 400, "bad-request")}, nil
	}
	if p.User == "" {
		return []domain.Node{ErrorReply(req, 401, "not-authorized")}, nil
	}
	jid, err := domain.ParseJID(rm.Attr("jid"))
	if err != nil || jid.User != p.User {
		return []domain.Node{ErrorReply(req, 403, "forbidden")}, nil
	}
	s.dir.Unbind(p.User)
	s.logger.Info("companion removed", "user", p.User, "reason", rm.Attr("reason"))
	return []domain.Node{Result(req)}, nil
}

// handleIB answers a request for the offline backlog. The relay keeps no
// backlog, so the batch is always empty.
func (s *Server) handleIB(_ context.Context, _ *Peer, req domain.Node) ([]domain.Node, error) {
	if _, ok := req.Child("offline_batch"); !ok {
		return nil, nil
	}
	return []domain.Node{{
		Tag:      "ib",
		Children: []domain.Node{{Tag: "offline", Attrs: domain.Attrs{"count": "0"}}},
	}}, nil
}
