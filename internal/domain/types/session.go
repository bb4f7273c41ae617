package types

// SessionRecord is the persisted one-to-one session with a peer device.
// Pending is set on the initiating side until the peer's first reply.
type SessionRecord struct {
	State          RatchetState   `json:"state"`
	PeerIdentity   X25519Public   `json:"peer_identity"`
	LocalIdentity  X25519Public   `json:"local_identity"`
	Pending        *PreKeyMessage `json:"pending,omitempty"`
	RegistrationID uint32         `json:"registration_id"`
	CreatedUTC     int64          `json:"created_utc"`
}

// EncryptedMessage is the result of a one-to-one encryption.
type EncryptedMessage struct {
	Type       MessageType `json:"type"`
	Ciphertext []byte      `json:"ciphertext"`
}
