// Package identity creates, unlocks and updates the device credentials.
//
// Credentials hold the noise key used for the transport handshake, the
// long-term identity keys, the signed pre-key, the registration id and the
// pre-key counters. They are persisted sealed by a passphrase through a
// domain.CredsStore. An Account is the unlocked, in-memory view used by the
// rest of the client; its updates are written through to the store.
package identity
