package group

import (
	"crypto/hmac"
	"crypto/sha256"

	"companion/internal/crypto"
)

var (
	messageKeySeed = []byte{0x01}
	chainKeySeed   = []byte{0x02}
	groupInfo      = []byte("WhisperGroup")
)

// ChainKey is a sender chain position. It is a value: Next returns a new
// key and leaves the receiver unchanged.
type ChainKey struct {
	Iteration uint32 `json:"iteration"`
	Seed      []byte `json:"seed"`
}

// MessageKey derives the message key for this iteration.
func (c ChainKey) MessageKey() MessageKey {
	return MessageKey{Iteration: c.Iteration, Seed: hmacSHA256(c.Seed, messageKeySeed)}
}

// Next returns the chain key one iteration ahead.
func (c ChainKey) Next() ChainKey {
	return ChainKey{Iteration: c.Iteration + 1, Seed: hmacSHA256(c.Seed, chainKeySeed)}
}

// MessageKey is the single-use key material of one iteration.
type MessageKey struct {
	Iteration uint32 `json:"iteration"`
	Seed      []byte `json:"seed"`
}

// cipherKeys expands the seed into the AES-CBC IV and key.
func (m MessageKey) cipherKeys() (iv, key []byte, err error) {
	okm, err := crypto.HKDF(m.Seed, nil, groupInfo, 48)
	if err != nil {
		return nil, nil, err
	}
	return okm[:16], okm[16:48], nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
