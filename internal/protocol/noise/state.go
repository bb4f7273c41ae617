package noise

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"companion/internal/crypto"
)

// Pattern is the protocol name. It is exactly 32 bytes and seeds the
// handshake hash directly.
const Pattern = "Noise_XX_25519_AESGCM_SHA256\x00\x00\x00\x00"

var (
	// ErrDecrypt is returned when a handshake or transport ciphertext does
	// not authenticate.
	ErrDecrypt = errors.New("noise: decryption failed")
	// ErrNonceExhausted is returned when a cipher state ran out of nonces.
	ErrNonceExhausted = errors.New("noise: nonce exhausted")
)

// HandshakeState carries the running hash, chaining key and the current
// handshake cipher.
type HandshakeState struct {
	hash    []byte
	salt    []byte
	aead    cipher.AEAD
	counter uint32
}

// NewHandshakeState starts a handshake with prologue mixed into the hash.
func NewHandshakeState(prologue []byte) (*HandshakeState, error) {
	h := []byte(Pattern)
	aead, err := newAESGCM(h)
	if err != nil {
		return nil, err
	}
	hs := &HandshakeState{
		hash: append([]byte(nil), h...),
		salt: append([]byte(nil), h...),
		aead: aead,
	}
	hs.MixHash(prologue)
	return hs, nil
}

// MixHash folds data into the handshake hash.
func (hs *HandshakeState) MixHash(data []byte) {
	sum := sha256.New()
	sum.Write(hs.hash)
	sum.Write(data)
	hs.hash = sum.Sum(nil)
}

// MixKey folds a DH result into the chaining key and rekeys the cipher.
func (hs *HandshakeState) MixKey(ikm []byte) error {
	okm, err := crypto.HKDF(ikm, hs.salt, nil, 64)
	if err != nil {
		return err
	}
	aead, err := newAESGCM(okm[32:])
	if err != nil {
		return err
	}
	hs.salt = okm[:32]
	hs.aead = aead
	hs.counter = 0
	return nil
}

// EncryptAndHash seals plaintext with the hash as associated data and
// mixes the ciphertext into the hash.
func (hs *HandshakeState) EncryptAndHash(plaintext []byte) ([]byte, error) {
	if hs.counter == math.MaxUint32 {
		return nil, ErrNonceExhausted
	}
	ct := hs.aead.Seal(nil, nonce(hs.counter), plaintext, hs.hash)
	hs.counter++
	hs.MixHash(ct)
	return ct, nil
}

// DecryptAndHash opens ciphertext and mixes it into the hash.
func (hs *HandshakeState) DecryptAndHash(ciphertext []byte) ([]byte, error) {
	pt, err := hs.aead.Open(nil, nonce(hs.counter), ciphertext, hs.hash)
	if err != nil {
		return nil, ErrDecrypt
	}
	hs.counter++
	hs.MixHash(ciphertext)
	return pt, nil
}

// Split derives the transport cipher states. The initiator sends with the
// first key; the responder with the second.
func (hs *HandshakeState) Split(initiator bool) (*Session, error) {
	okm, err := crypto.HKDF(nil, hs.salt, nil, 64)
	if err != nil {
		return nil, err
	}
	first, err := newAESGCM(okm[:32])
	if err != nil {
		return nil, err
	}
	second, err := newAESGCM(okm[32:])
	if err != nil {
		return nil, err
	}
	if initiator {
		return &Session{send: &CipherState{aead: first}, recv: &CipherState{aead: second}}, nil
	}
	return &Session{send: &CipherState{aead: second}, recv: &CipherState{aead: first}}, nil
}

// CipherState is one direction of an established session. It is not safe
// for concurrent use.
type CipherState struct {
	aead    cipher.AEAD
	counter uint32
}

// Encrypt seals the next frame.
func (c *CipherState) Encrypt(plaintext []byte) ([]byte, error) {
	if c.counter == math.MaxUint32 {
		return nil, ErrNonceExhausted
	}
	ct := c.aead.Seal(nil, nonce(c.counter), plaintext, nil)
	c.counter++
	return ct, nil
}

// Decrypt opens the next frame.
func (c *CipherState) Decrypt(ciphertext []byte) ([]byte, error) {
	pt, err := c.aead.Open(nil, nonce(c.counter), ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w at frame %d", ErrDecrypt, c.counter)
	}
	c.counter++
	return pt, nil
}

// Session is the pair of cipher states produced by a finished handshake.
type Session struct {
	send *CipherState
	recv *CipherState
}

// Send returns the outbound cipher state.
func (s *Session) Send() *CipherState { return s.send }

// Recv returns the inbound cipher state.
func (s *Session) Recv() *CipherState { return s.recv }

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// nonce is eight zero bytes followed by the big-endian counter.
func nonce(counter uint32) []byte {
	iv := make([]byte, 12)
	binary.BigEndian.PutUint32(iv[8:], counter)
	return iv
}
