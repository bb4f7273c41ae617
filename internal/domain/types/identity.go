package types

// Identity holds your long-term X25519 and Ed25519 keys.
type Identity struct {
	XPub   X25519Public   `json:"xpub"`
	XPriv  X25519Private  `json:"xpriv"`
	EdPub  Ed25519Public  `json:"edpub"`
	EdPriv Ed25519Private `json:"edpriv"`
}

// AuthCreds is everything a companion device needs to log in and to
// maintain its pre-keys. It is persisted sealed by a passphrase.
type AuthCreds struct {
	NoiseKey       KeyPair      `json:"noise_key"`
	Identity       Identity     `json:"identity"`
	SignedPreKey   SignedPreKey `json:"signed_pre_key"`
	RegistrationID uint32       `json:"registration_id"`
	AdvSecretKey   []byte       `json:"adv_secret_key"`

	NextPreKeyID            uint32 `json:"next_pre_key_id"`
	FirstUnuploadedPreKeyID uint32 `json:"first_unuploaded_pre_key_id"`
	LastPreKeyUploadUnix    int64  `json:"last_pre_key_upload"`

	Me          *JID   `json:"me,omitempty"`
	LID         *JID   `json:"lid,omitempty"`
	PushName    string `json:"push_name,omitempty"`
	Platform    string `json:"platform,omitempty"`
	RoutingInfo []byte `json:"routing_info,omitempty"`
	Registered  bool   `json:"registered"`
	// Account is the signed device identity the primary device issued when
	// this device was paired.
	Account []byte `json:"account,omitempty"`

	// StorageKey is the age identity sealing the file key backend.
	StorageKey string `json:"storage_key,omitempty"`
}

// ClientPayload is sent inside the final handshake message. A device that
// is not registered yet leaves Username empty and carries its keys.
type ClientPayload struct {
	Username        string       `cbor:"1,keyasint,omitempty"`
	Device          uint16       `cbor:"2,keyasint,omitempty"`
	Passive         bool         `cbor:"3,keyasint,omitempty"`
	RegistrationID  uint32       `cbor:"4,keyasint,omitempty"`
	IdentityKey     X25519Public `cbor:"5,keyasint"`
	SignedPreKeyID  uint32       `cbor:"6,keyasint,omitempty"`
	SignedPreKey    X25519Public `cbor:"7,keyasint"`
	SignedPreKeySig []byte       `cbor:"8,keyasint,omitempty"`
}
