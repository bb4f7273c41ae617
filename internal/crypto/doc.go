// Package crypto exposes the minimal primitives used by the client.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie–Hellman (GenerateX25519,
//     GenerateKeyPair, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - Identity and signed pre-key generation (NewIdentity, SignPreKey)
//   - HKDF-SHA256 expansion (HKDF)
//   - Grouped display fingerprints over one or more public keys (Fingerprint)
//
// # Notes
//
// All functions return fixed-size array types defined in internal/domain to
// avoid accidental reallocations. Callers should treat returned secrets as
// sensitive and rely on memzero.Zero when practical to reduce lifetime in memory.
package crypto
