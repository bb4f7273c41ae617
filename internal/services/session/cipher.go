package session

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"companion/internal/codec"
	"companion/internal/domain"
	"companion/internal/protocol/ratchet"
	"companion/internal/protocol/x3dh"
	"companion/internal/util/memzero"
)

var (
	// ErrNoSession means no session exists with the address.
	ErrNoSession = errors.New("session: no session with peer")
	// ErrInvalidMessage means the ciphertext envelope is malformed.
	ErrInvalidMessage = errors.New("session: invalid message")
	// ErrUnknownSignedPreKey means a pre-key message names a signed
	// pre-key this device does not have.
	ErrUnknownSignedPreKey = errors.New("session: unknown signed pre-key")
	// ErrMissingPreKey means the one-time pre-key a message names is gone.
	ErrMissingPreKey = errors.New("session: one-time pre-key not found")
)

// LocalKeys are this device's long-term keys.
type LocalKeys struct {
	Identity       domain.Identity
	RegistrationID uint32
	SignedPreKey   domain.SignedPreKey
}

// PreKeySource hands out one-time pre-keys. A taken key is deleted.
type PreKeySource interface {
	TakePreKey(id uint32) (domain.PreKeyRecord, bool, error)
}

// Cipher is the one-to-one cipher the repository drives. Implementations
// update the record in place or return the replacement; the repository
// persists the result only when no error is returned.
type Cipher interface {
	Initiate(local LocalKeys, bundle domain.PreKeyBundle) (domain.SessionRecord, error)
	Encrypt(rec *domain.SessionRecord, plaintext []byte) (domain.EncryptedMessage, error)
	Decrypt(rec *domain.SessionRecord, local LocalKeys, msg domain.EncryptedMessage, prekeys PreKeySource) (domain.SessionRecord, []byte, error)
}

// RatchetCipher is the default Cipher: X3DH to start, Double Ratchet after.
type RatchetCipher struct {
	Now func() time.Time
}

type envelope struct {
	Header domain.RatchetHeader  `cbor:"1,keyasint"`
	Cipher []byte                `cbor:"2,keyasint"`
	PreKey *domain.PreKeyMessage `cbor:"3,keyasint,omitempty"`
}

// Initiate starts a session from the peer's bundle. Until the peer answers,
// outgoing messages carry the pre-key message.
func (c RatchetCipher) Initiate(local LocalKeys, bundle domain.PreKeyBundle) (domain.SessionRecord, error) {
	root, pkm, err := x3dh.InitiatorRoot(local.Identity, local.RegistrationID, bundle)
	if err != nil {
		return domain.SessionRecord{}, err
	}
	defer memzero.Zero(root)
	st, err := ratchet.InitAsInitiator(root, bundle.IdentityKey)
	if err != nil {
		return domain.SessionRecord{}, err
	}
	return domain.SessionRecord{
		State:          st,
		PeerIdentity:   bundle.IdentityKey,
		LocalIdentity:  local.Identity.XPub,
		Pending:        &pkm,
		RegistrationID: bundle.RegistrationID,
		CreatedUTC:     c.now().Unix(),
	}, nil
}

// Encrypt seals plaintext with the record's sending chain.
func (RatchetCipher) Encrypt(rec *domain.SessionRecord, plaintext []byte) (domain.EncryptedMessage, error) {
	h, ct, err := ratchet.Encrypt(&rec.State, associatedData(rec.LocalIdentity, rec.PeerIdentity), plaintext)
	if err != nil {
		return domain.EncryptedMessage{}, err
	}
	b, err := codec.Marshal(envelope{Header: h, Cipher: ct, PreKey: rec.Pending})
	if err != nil {
		return domain.EncryptedMessage{}, err
	}
	typ := domain.MessageTypeWhisper
	if rec.Pending != nil {
		typ = domain.MessageTypePreKey
	}
	return domain.EncryptedMessage{Type: typ, Ciphertext: b}, nil
}

// Decrypt opens msg. A pre-key message starts a new session unless it
// continues the one rec already holds.
func (c RatchetCipher) Decrypt(rec *domain.SessionRecord, local LocalKeys, msg domain.EncryptedMessage, prekeys PreKeySource) (domain.SessionRecord, []byte, error) {
	var env envelope
	if err := codec.Unmarshal(msg.Ciphertext, &env); err != nil {
		return domain.SessionRecord{}, nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch msg.Type {
	case domain.MessageTypePreKey:
		if env.PreKey == nil {
			return domain.SessionRecord{}, nil, fmt.Errorf("%w: pre-key message without pre-key data", ErrInvalidMessage)
		}
		if rec == nil || rec.PeerIdentity != env.PreKey.InitiatorIdentityKey || !bytes.Equal(rec.State.PeerDHPub[:], env.Header.DHPub) {
			fresh, err := c.accept(local, env, prekeys)
			if err != nil {
				return domain.SessionRecord{}, nil, err
			}
			rec = &fresh
		}
	case domain.MessageTypeWhisper:
		if rec == nil {
			return domain.SessionRecord{}, nil, ErrNoSession
		}
	default:
		return domain.SessionRecord{}, nil, fmt.Errorf("%w: type %q", ErrInvalidMessage, msg.Type)
	}

	pt, err := ratchet.Decrypt(&rec.State, associatedData(rec.PeerIdentity, rec.LocalIdentity), env.Header, env.Cipher)
	if err != nil {
		return domain.SessionRecord{}, nil, err
	}
	if msg.Type == domain.MessageTypeWhisper {
		rec.Pending = nil
	}
	return *rec, pt, nil
}

func (c RatchetCipher) accept(local LocalKeys, env envelope, prekeys PreKeySource) (domain.SessionRecord, error) {
	pkm := *env.PreKey
	if len(env.Header.DHPub) != 32 {
		return domain.SessionRecord{}, fmt.Errorf("%w: bad ratchet key", ErrInvalidMessage)
	}
	if pkm.SignedPreKeyID != local.SignedPreKey.ID {
		return domain.SessionRecord{}, fmt.Errorf("%w: %d", ErrUnknownSignedPreKey, pkm.SignedPreKeyID)
	}
	var opk *domain.X25519Private
	if pkm.PreKeyID != 0 {
		pk, ok, err := prekeys.TakePreKey(pkm.PreKeyID)
		if err != nil {
			return domain.SessionRecord{}, err
		}
		if !ok {
			return domain.SessionRecord{}, fmt.Errorf("%w: %d", ErrMissingPreKey, pkm.PreKeyID)
		}
		opk = &pk.Priv
	}
	root, err := x3dh.ResponderRoot(local.Identity, local.SignedPreKey.Priv, opk, pkm)
	if err != nil {
		return domain.SessionRecord{}, err
	}
	defer memzero.Zero(root)

	var senderRatchet domain.X25519Public
	copy(senderRatchet[:], env.Header.DHPub)
	st, err := ratchet.InitAsResponder(root, local.Identity.XPriv, senderRatchet)
	if err != nil {
		return domain.SessionRecord{}, err
	}
	return domain.SessionRecord{
		State:          st,
		PeerIdentity:   pkm.InitiatorIdentityKey,
		LocalIdentity:  local.Identity.XPub,
		RegistrationID: pkm.RegistrationID,
		CreatedUTC:     c.now().Unix(),
	}, nil
}

func (c RatchetCipher) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// associatedData binds a message to sender and receiver identities.
func associatedData(sender, receiver domain.X25519Public) []byte {
	ad := make([]byte, 0, 64)
	ad = append(ad, sender[:]...)
	return append(ad, receiver[:]...)
}

var _ Cipher = RatchetCipher{}
