// Package ratchet implements the Double Ratchet algorithm following Signal's design.
//
// The algorithm maintains a root key and two message chains (send and receive).
// Each message advances a KDF chain so that keys are forward secure. When a party
// changes its DH ratchet public key, both sides derive new chain keys from a new
// root derived via DH. Out-of-order messages are served from retained skipped
// keys; a header more than MaxSkip messages ahead is rejected.
//
// Concurrency: RatchetState is NOT safe for concurrent use. Callers must
// serialise access per session; the session repository does so with a
// keystore transaction.
package ratchet
