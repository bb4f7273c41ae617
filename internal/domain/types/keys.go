package types

import "fmt"

// KeyTypeDJB prefixes Curve25519 public keys in their 33-byte wire form.
const KeyTypeDJB byte = 0x05

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

// Slice returns the key as a []byte.
func (p X25519Public) Slice() []byte { return p[:] }

// Prefixed returns the 33-byte wire form carrying KeyTypeDJB.
func (p X25519Public) Prefixed() []byte { return append([]byte{KeyTypeDJB}, p[:]...) }

// ParseX25519Public accepts a raw 32-byte key or its KeyTypeDJB-prefixed
// 33-byte form.
func ParseX25519Public(b []byte) (X25519Public, error) {
	var p X25519Public
	switch {
	case len(b) == 32:
	case len(b) == 33 && b[0] == KeyTypeDJB:
		b = b[1:]
	default:
		return p, fmt.Errorf("x25519 public key: %d bytes", len(b))
	}
	copy(p[:], b)
	return p, nil
}

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

// Slice returns the key as a []byte.
func (k X25519Private) Slice() []byte { return k[:] }

// Ed25519Public is an Ed25519 signing public key.
type Ed25519Public [32]byte

// Slice returns the key as a []byte.
func (p Ed25519Public) Slice() []byte { return p[:] }

// Ed25519Private is an Ed25519 seed followed by its public key.
type Ed25519Private [64]byte

// Slice returns the key as a []byte.
func (k Ed25519Private) Slice() []byte { return k[:] }

// KeyPair is an X25519 key pair, used for the noise static key and
// pre-keys.
type KeyPair struct {
	Priv X25519Private `json:"priv"`
	Pub  X25519Public  `json:"pub"`
}
