package crypto

import "companion/internal/domain"

// NewIdentity generates a fresh X25519 key pair and an Ed25519 key pair.
func NewIdentity() (domain.Identity, error) {
	xpriv, xpub, err := GenerateX25519()
	if err != nil {
		return domain.Identity{}, err
	}
	edpriv, edpub, err := GenerateEd25519()
	if err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{XPub: xpub, XPriv: xpriv, EdPub: edpub, EdPriv: edpriv}, nil
}

// SignPreKey produces the signed pre-key for id.
func SignPreKey(ident domain.Identity, id uint32) (domain.SignedPreKey, error) {
	priv, pub, err := GenerateX25519()
	if err != nil {
		return domain.SignedPreKey{}, err
	}
	return domain.SignedPreKey{
		ID:        id,
		Priv:      priv,
		Pub:       pub,
		Signature: SignEd25519(ident.EdPriv, pub.Slice()),
	}, nil
}
