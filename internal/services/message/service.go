package message

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"companion/internal/domain"
	"companion/internal/services/session"
)

var (
	// ErrNoBundle is returned when the server has no keys for the peer.
	ErrNoBundle = errors.New("message: peer has no published keys")
	// ErrNoResponse is returned when the server did not answer in time.
	ErrNoResponse = errors.New("message: no response from server")
	// ErrMalformed is returned for message nodes that cannot be decrypted
	// because a part is missing.
	ErrMalformed = errors.New("message: malformed message node")
)

const encVersion = "2"

// Sender pushes a node without waiting for an answer.
type Sender interface {
	SendNode(ctx context.Context, n domain.Node) error
}

// Message is a decrypted incoming message.
type Message struct {
	ID        string
	From      domain.JID
	Type      domain.MessageType
	Timestamp time.Time
	Plaintext []byte
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithIDs replaces the message id generator.
func WithIDs(next func() string) Option { return func(s *Service) { s.newID = next } }

// WithTimeout bounds how long Send waits for the server ack.
func WithTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

// Service sends and receives messages over one connection.
type Service struct {
	sessions *session.Repository
	q        domain.Querier
	send     Sender
	logger   *slog.Logger
	newID    func() string
	timeout  time.Duration
}

// New returns a Service. q carries bundle fetches and message sends; send
// carries acks.
func New(sessions *session.Repository, q domain.Querier, send Sender, opts ...Option) *Service {
	s := &Service{
		sessions: sessions,
		q:        q,
		send:     send,
		newID:    NewMessageID,
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.logger = s.logger.With("component", "message")
	return s
}

// NewMessageID returns a random message id in the usual 3EB0 form.
func NewMessageID() string {
	id := uuid.New()
	return "3EB0" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:16])
}

// Send encrypts plaintext for to and waits for the server to accept it.
// A session is started from the peer's bundle when none is open.
func (s *Service) Send(ctx context.Context, to domain.JID, plaintext []byte) (string, error) {
	if err := s.EnsureSession(ctx, to); err != nil {
		return "", err
	}
	enc, err := s.sessions.EncryptMessage(ctx, to, plaintext)
	if err != nil {
		return "", err
	}
	id := s.newID()
	n := domain.Node{
		Tag:   "message",
		Attrs: domain.Attrs{"id": id, "to": to.String(), "type": "text"},
		Children: []domain.Node{{
			Tag:     "enc",
			Attrs:   domain.Attrs{"v": encVersion, "type": string(enc.Type)},
			Payload: enc.Ciphertext,
		}},
	}
	ack, err := s.q.Query(ctx, n, s.timeout)
	if err != nil {
		return id, fmt.Errorf("message: sending %s: %w", id, err)
	}
	if ack == nil {
		return id, ErrNoResponse
	}
	s.logger.Debug("message sent", "id", id, "to", to.String(), "type", enc.Type)
	return id, nil
}

// EnsureSession starts a session with jid from its published bundle unless
// one is already open.
func (s *Service) EnsureSession(ctx context.Context, jid domain.JID) error {
	ok, reason, err := s.sessions.ValidateSession(ctx, jid)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	s.logger.Debug("fetching bundle", "jid", jid.String(), "reason", reason)
	bundle, err := s.FetchBundle(ctx, jid)
	if err != nil {
		return err
	}
	return s.sessions.InjectE2ESession(ctx, jid, bundle)
}

// FetchBundle asks the server for jid's pre-key bundle. The server hands
// out each one-time pre-key once.
func (s *Service) FetchBundle(ctx context.Context, jid domain.JID) (domain.PreKeyBundle, error) {
	resp, err := s.q.Query(ctx, domain.Node{
		Tag:   "iq",
		Attrs: domain.Attrs{"xmlns": "encrypt", "type": "get", "to": domain.ServerJID.String()},
		Children: []domain.Node{{
			Tag:      "key",
			Children: []domain.Node{{Tag: "user", Attrs: domain.Attrs{"jid": jid.String()}}},
		}},
	}, s.timeout)
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	if resp == nil {
		return domain.PreKeyBundle{}, ErrNoResponse
	}
	list, _ := resp.Child("list")
	for _, u := range list.ChildrenByTag("user") {
		if u.Attr("jid") != jid.String() {
			continue
		}
		if _, failed := u.Child("error"); failed {
			return domain.PreKeyBundle{}, ErrNoBundle
		}
		return parseBundle(u)
	}
	return domain.PreKeyBundle{}, ErrNoBundle
}

// Receive decrypts an incoming <message> node and acks it. Nothing is
// acked when decryption fails.
func (s *Service) Receive(ctx context.Context, n domain.Node) (Message, error) {
	from, err := domain.ParseJID(n.Attr("from"))
	if err != nil {
		return Message{}, fmt.Errorf("%w: from: %v", ErrMalformed, err)
	}
	enc, ok := n.Child("enc")
	if !ok {
		return Message{}, fmt.Errorf("%w: no enc", ErrMalformed)
	}
	typ := domain.MessageType(enc.Attr("type"))
	if typ != domain.MessageTypePreKey && typ != domain.MessageTypeWhisper {
		return Message{}, fmt.Errorf("%w: enc type %q", ErrMalformed, typ)
	}
	pt, err := s.sessions.DecryptMessage(ctx, from, domain.EncryptedMessage{Type: typ, Ciphertext: enc.Payload})
	if err != nil {
		return Message{}, err
	}

	msg := Message{ID: n.Attr("id"), From: from, Type: typ, Plaintext: pt}
	if sec, err := strconv.ParseInt(n.Attr("t"), 10, 64); err == nil {
		msg.Timestamp = time.Unix(sec, 0)
	}
	ack := domain.Node{Tag: "ack", Attrs: domain.Attrs{"id": msg.ID, "class": "message", "to": from.String()}}
	if err := s.send.SendNode(ctx, ack); err != nil {
		s.logger.Warn("ack failed", "id", msg.ID, "error", err)
	}
	return msg, nil
}

func parseBundle(u domain.Node) (domain.PreKeyBundle, error) {
	var b domain.PreKeyBundle
	reg, _ := u.Child("registration")
	ident, _ := u.Child("identity")
	signing, _ := u.Child("signing")
	skey, ok := u.Child("skey")
	if len(reg.Payload) != 4 || len(signing.Payload) != 32 || !ok {
		return b, fmt.Errorf("%w: incomplete bundle", ErrMalformed)
	}
	identity, err := domain.ParseX25519Public(ident.Payload)
	if err != nil {
		return b, fmt.Errorf("%w: identity: %v", ErrMalformed, err)
	}
	b.RegistrationID = binary.BigEndian.Uint32(reg.Payload)
	b.IdentityKey = identity
	copy(b.SigningKey[:], signing.Payload)

	id, pub, sig, ok := parseKey(skey)
	if !ok {
		return b, fmt.Errorf("%w: signed pre-key", ErrMalformed)
	}
	b.SignedPreKeyID, b.SignedPreKey, b.SignedPreKeySignature = id, pub, sig

	if key, ok := u.Child("key"); ok {
		id, pub, _, ok := parseKey(key)
		if !ok {
			return b, fmt.Errorf("%w: one-time pre-key", ErrMalformed)
		}
		b.PreKeyID, b.PreKey = id, &pub
	}
	return b, nil
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
	id = uint32(idNode.Payload[0])<<16 | uint32(idNode.Payload[1])<<8 | uint32(idNode.Payload[2])
	if s, ok := k.Child("signature"); ok {
		sig = s.Payload
	}
	return id, pub, sig, true
}
