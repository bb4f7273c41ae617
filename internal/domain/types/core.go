package types

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// KeyKind names a category of records in the signal key store. Each kind
// has exactly one record schema.
type KeyKind string

const (
	// KindSession holds one-to-one session records keyed by signal address.
	KindSession KeyKind = "session"
	// KindPreKey holds one-time pre-key pairs keyed by decimal id.
	KindPreKey KeyKind = "pre-key"
	// KindSenderKey holds group sender-key records keyed by "group::address".
	KindSenderKey KeyKind = "sender-key"
	// KindIdentityMapping holds PN<->LID user mappings.
	KindIdentityMapping KeyKind = "lid-mapping"
	// KindDeviceList holds the known device ids of a user.
	KindDeviceList KeyKind = "device-list"
)

// Kinds lists every record kind the store knows about.
var Kinds = []KeyKind{KindSession, KindPreKey, KindSenderKey, KindIdentityMapping, KindDeviceList}

// String returns the kind name.
func (k KeyKind) String() string { return string(k) }

// MessageType tags a one-to-one ciphertext.
type MessageType string

const (
	// MessageTypePreKey is a message that still carries session setup data.
	MessageTypePreKey MessageType = "pkmsg"
	// MessageTypeWhisper is a message on an established session.
	MessageTypeWhisper MessageType = "msg"
	// MessageTypeSenderKey is a group message.
	MessageTypeSenderKey MessageType = "skmsg"
)
