package types

// PreKeyRecord is a one-time pre-key pair stored locally.
type PreKeyRecord struct {
	ID   uint32        `json:"id"`
	Priv X25519Private `json:"priv"`
	Pub  X25519Public  `json:"pub"`
}

// SignedPreKey is the medium-term pre-key signed by the identity key.
type SignedPreKey struct {
	ID        uint32        `json:"id"`
	Priv      X25519Private `json:"priv"`
	Pub       X25519Public  `json:"pub"`
	Signature []byte        `json:"signature"`
}

// PreKeyBundle is the set of public keys needed to start a session with a
// peer device.
type PreKeyBundle struct {
	RegistrationID        uint32        `json:"registration_id"`
	IdentityKey           X25519Public  `json:"identity_key"`
	SigningKey            Ed25519Public `json:"signing_key"`
	SignedPreKeyID        uint32        `json:"signed_pre_key_id"`
	SignedPreKey          X25519Public  `json:"signed_pre_key"`
	SignedPreKeySignature []byte        `json:"signed_pre_key_signature"`
	PreKeyID              uint32        `json:"pre_key_id,omitempty"`
	PreKey                *X25519Public `json:"pre_key,omitempty"`
}

// PreKeyMessage carries the X3DH handshake parameters on every message
// sent before the peer has answered.
type PreKeyMessage struct {
	RegistrationID       uint32        `json:"registration_id"`
	InitiatorIdentityKey X25519Public  `json:"initiator_identity_key"`
	InitiatorSigningKey  Ed25519Public `json:"initiator_signing_key"`
	EphemeralKey         X25519Public  `json:"ephemeral_key"`
	SignedPreKeyID       uint32        `json:"signed_pre_key_id"`
	PreKeyID             uint32        `json:"pre_key_id,omitempty"`
}
