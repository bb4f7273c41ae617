// Package group implements sender-key group encryption.
//
// A sender owns a chain key that advances one HMAC step per message; each
// step yields a single-use message key. Receivers keep the chain of every
// sender they know (a SenderKeyRecord holds up to five generations) and
// retain up to MaxMessageKeys skipped message keys for out-of-order
// delivery. Jumping ahead more than MaxForwardJumps iterations, or asking
// for an old iteration whose key is gone, fails with ErrMessageKeyExhausted.
//
// Functions that fail leave the record in an unspecified state; callers
// persist a record only after a successful call.
package group
