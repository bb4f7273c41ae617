package domain

import (
	interfaces "companion/internal/domain/interfaces"
	types "companion/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	Fingerprint      = types.Fingerprint
	KeyKind          = types.KeyKind
	MessageType      = types.MessageType
	Identity         = types.Identity
	AuthCreds        = types.AuthCreds
	ClientPayload    = types.ClientPayload
	KeyPair          = types.KeyPair
	PreKeyRecord     = types.PreKeyRecord
	SignedPreKey     = types.SignedPreKey
	PreKeyBundle     = types.PreKeyBundle
	PreKeyMessage    = types.PreKeyMessage
	RatchetHeader    = types.RatchetHeader
	RatchetState     = types.RatchetState
	SessionRecord    = types.SessionRecord
	EncryptedMessage = types.EncryptedMessage
	JID              = types.JID
	SignalAddress    = types.SignalAddress
	Node             = types.Node
	Attrs            = types.Attrs
	X25519Public     = types.X25519Public
	X25519Private    = types.X25519Private
	Ed25519Public    = types.Ed25519Public
	Ed25519Private   = types.Ed25519Private
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	KeyMutation = interfaces.KeyMutation
	KeyBackend  = interfaces.KeyBackend
	CredsStore  = interfaces.CredsStore
	NodeCodec   = interfaces.NodeCodec
	Querier     = interfaces.Querier
)

// Record kinds and message types re-exported for callers that only import domain.
const (
	KindSession         = types.KindSession
	KindPreKey          = types.KindPreKey
	KindSenderKey       = types.KindSenderKey
	KindIdentityMapping = types.KindIdentityMapping
	KindDeviceList      = types.KindDeviceList

	MessageTypePreKey    = types.MessageTypePreKey
	MessageTypeWhisper   = types.MessageTypeWhisper
	MessageTypeSenderKey = types.MessageTypeSenderKey

	DefaultUserServer = types.DefaultUserServer
	HiddenUserServer  = types.HiddenUserServer
	HostedServer      = types.HostedServer
	HostedLIDServer   = types.HostedLIDServer
	GroupServer       = types.GroupServer

	KeyTypeDJB = types.KeyTypeDJB
)

// Re-exported helpers.
var (
	ParseJID     = types.ParseJID
	MustParseJID = types.MustParseJID
	ServerJID    = types.ServerJID
	Kinds        = types.Kinds

	ParseX25519Public = types.ParseX25519Public
)
