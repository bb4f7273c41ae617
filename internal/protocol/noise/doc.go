// Package noise implements the Noise XX handshake (25519, AES-GCM,
// SHA-256) that secures the client connection, the post-handshake cipher
// states, and the length-prefixed framing the handshake runs over.
//
// Both sides are provided: ClientHandshake is what the client runs;
// ServerHandshake backs the local stub server and the transport tests.
package noise
