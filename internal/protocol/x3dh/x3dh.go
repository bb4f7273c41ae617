package x3dh

import (
	"errors"

	"companion/internal/crypto"
	"companion/internal/domain"
	"companion/internal/util/memzero"
)

// ErrBadSPK is returned when a bundle's signed pre-key signature does not
// verify against its signing key.
var ErrBadSPK = errors.New("x3dh: signed pre-key signature invalid")

var rootInfo = []byte("companion-x3dh")

// InitiatorRoot verifies bundle and derives the root key with a fresh
// ephemeral key. It returns the root key, the pre-key message the peer
// needs to derive the same key, and nothing else the caller must keep.
func InitiatorRoot(id domain.Identity, registrationID uint32, bundle domain.PreKeyBundle) ([]byte, domain.PreKeyMessage, error) {
	if !VerifySPK(bundle.SigningKey, bundle.SignedPreKey, bundle.SignedPreKeySignature) {
		return nil, domain.PreKeyMessage{}, ErrBadSPK
	}
	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, domain.PreKeyMessage{}, err
	}
	defer memzero.Zero(eph.Priv[:])

	root, err := InitiatorRootKey(id.XPriv, eph.Priv, bundle.IdentityKey, bundle.SignedPreKey, bundle.PreKey)
	if err != nil {
		return nil, domain.PreKeyMessage{}, err
	}
	msg := domain.PreKeyMessage{
		RegistrationID:       registrationID,
		InitiatorIdentityKey: id.XPub,
		InitiatorSigningKey:  id.EdPub,
		EphemeralKey:         eph.Pub,
		SignedPreKeyID:       bundle.SignedPreKeyID,
	}
	if bundle.PreKey != nil {
		msg.PreKeyID = bundle.PreKeyID
	}
	return root, msg, nil
}

// InitiatorRootKey derives the root key for the initiator using X3DH.
func InitiatorRootKey(
	ourIDPriv domain.X25519Private,
	ourEphPriv domain.X25519Private,
	peerIDPub domain.X25519Public,
	peerSPK domain.X25519Public,
	peerOPK *domain.X25519Public,
) ([]byte, error) {
	pairs := []dhPair{
		{ourIDPriv, peerSPK},    // DH(IKA, SPKB)
		{ourEphPriv, peerIDPub}, // DH(EKA, IKB)
		{ourEphPriv, peerSPK},   // DH(EKA, SPKB)
	}
	if peerOPK != nil {
		pairs = append(pairs, dhPair{ourEphPriv, *peerOPK}) // DH(EKA, OPKB)
	}
	return derive(pairs)
}

// ResponderRoot derives the root key on the receiving side from msg, our
// signed pre-key and the one-time pre-key it names, if any.
func ResponderRoot(id domain.Identity, spkPriv domain.X25519Private, opkPriv *domain.X25519Private, msg domain.PreKeyMessage) ([]byte, error) {
	pairs := []dhPair{
		{spkPriv, msg.InitiatorIdentityKey}, // DH(SPKB, IKA)
		{id.XPriv, msg.EphemeralKey},        // DH(IKB, EKA)
		{spkPriv, msg.EphemeralKey},         // DH(SPKB, EKA)
	}
	if opkPriv != nil {
		pairs = append(pairs, dhPair{*opkPriv, msg.EphemeralKey}) // DH(OPKB, EKA)
	}
	return derive(pairs)
}

// VerifySPK checks the signed prekey signature.
func VerifySPK(edPub domain.Ed25519Public, spk domain.X25519Public, sig []byte) bool {
	return crypto.VerifyEd25519(edPub, spk.Slice(), sig)
}

type dhPair struct {
	priv domain.X25519Private
	pub  domain.X25519Public
}

func derive(pairs []dhPair) ([]byte, error) {
	transcript := make([]byte, 0, 32*len(pairs))
	defer func() { memzero.Zero(transcript) }()
	for _, p := range pairs {
		shared, err := crypto.DH(p.priv, p.pub)
		if err != nil {
			return nil, err
		}
		transcript = append(transcript, shared[:]...)
		memzero.Zero(shared[:])
	}
	return crypto.HKDF(transcript, nil, rootInfo, 32)
}
