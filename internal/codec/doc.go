// Package codec holds the binary encodings shared by the client:
// deterministic CBOR for stored records and protocol nodes, and the
// flag-prefixed frame payload with optional zlib compression.
package codec
