package x3dh_test

import (
	"bytes"
	"errors"
	"testing"

	"companion/internal/crypto"
	"companion/internal/domain"
	"companion/internal/protocol/x3dh"
)

func makeIdentity(t *testing.T) domain.Identity {
	t.Helper()
	id, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	return id
}

// bundleFor publishes bob's signed pre-key and, when withOPK is set, one
// one-time pre-key.
func bundleFor(t *testing.T, bob domain.Identity, withOPK bool) (domain.PreKeyBundle, domain.SignedPreKey, *domain.X25519Private) {
	t.Helper()
	spk, err := crypto.SignPreKey(bob, 7)
	if err != nil {
		t.Fatalf("SignPreKey: %v", err)
	}
	bundle := domain.PreKeyBundle{
		RegistrationID:        42,
		IdentityKey:           bob.XPub,
		SigningKey:            bob.EdPub,
		SignedPreKeyID:        spk.ID,
		SignedPreKey:          spk.Pub,
		SignedPreKeySignature: spk.Signature,
	}
	if !withOPK {
		return bundle, spk, nil
	}
	opkPriv, opkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519 (opk): %v", err)
	}
	bundle.PreKeyID = 99
	bundle.PreKey = &opkPub
	return bundle, spk, &opkPriv
}

func TestInitiatorAndResponderRoot_NoOneTimePreKey(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)
	bundle, spk, _ := bundleFor(t, bob, false)

	rootInitiator, msg, err := x3dh.InitiatorRoot(alice, 1234, bundle)
	if err != nil {
		t.Fatalf("InitiatorRoot: %v", err)
	}
	if msg.SignedPreKeyID != 7 {
		t.Fatalf("want signed pre-key id 7, got %d", msg.SignedPreKeyID)
	}
	if msg.PreKeyID != 0 {
		t.Fatalf("want no one-time pre-key id, got %d", msg.PreKeyID)
	}
	if msg.RegistrationID != 1234 || msg.InitiatorIdentityKey != alice.XPub {
		t.Fatalf("pre-key message does not describe the initiator: %+v", msg)
	}

	rootResponder, err := x3dh.ResponderRoot(bob, spk.Priv, nil, msg)
	if err != nil {
		t.Fatalf("ResponderRoot: %v", err)
	}
	if !bytes.Equal(rootInitiator, rootResponder) {
		t.Fatal("root keys differ (no OPK)")
	}
}

func TestInitiatorAndResponderRoot_WithOneTimePreKey(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)
	bundle, spk, opkPriv := bundleFor(t, bob, true)

	rootInitiator, msg, err := x3dh.InitiatorRoot(alice, 1, bundle)
	if err != nil {
		t.Fatalf("InitiatorRoot: %v", err)
	}
	if msg.PreKeyID != 99 {
		t.Fatalf("want one-time pre-key id 99, got %d", msg.PreKeyID)
	}

	rootResponder, err := x3dh.ResponderRoot(bob, spk.Priv, opkPriv, msg)
	if err != nil {
		t.Fatalf("ResponderRoot: %v", err)
	}
	if !bytes.Equal(rootInitiator, rootResponder) {
		t.Fatal("root keys differ (with OPK)")
	}

	// Forgetting the OPK must yield a different key.
	withoutOPK, err := x3dh.ResponderRoot(bob, spk.Priv, nil, msg)
	if err != nil {
		t.Fatalf("ResponderRoot: %v", err)
	}
	if bytes.Equal(rootInitiator, withoutOPK) {
		t.Fatal("root key ignored the one-time pre-key")
	}
}

func TestInitiatorRoot_RejectsBadSignature(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)
	bundle, _, _ := bundleFor(t, bob, false)
	bundle.SignedPreKeySignature = append([]byte(nil), bundle.SignedPreKeySignature...)
	bundle.SignedPreKeySignature[0] ^= 0xff

	if _, _, err := x3dh.InitiatorRoot(alice, 1, bundle); !errors.Is(err, x3dh.ErrBadSPK) {
		t.Fatalf("want ErrBadSPK, got %v", err)
	}
}
