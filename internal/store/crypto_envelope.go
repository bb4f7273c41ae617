package store

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"companion/internal/codec"
	"companion/internal/util/memzero"
)

const envelopeVersion = 2

// ErrWrongPassphrase is returned when the passphrase is incorrect or the
// ciphertext has been modified.
var ErrWrongPassphrase = errors.New("store: wrong passphrase or corrupted credentials")

// kdfParams are the scrypt cost parameters recorded with each envelope.
type kdfParams struct {
	LogN uint8
	R, P int
}

func defaultKDF() kdfParams { return kdfParams{LogN: 15, R: 8, P: 1} }

// envelope is the on-disk form of passphrase-sealed data. Everything but
// Sealed is bound as associated data.
type envelope struct {
	Version int    `cbor:"1,keyasint"`
	Salt    []byte `cbor:"2,keyasint"`
	LogN    uint8  `cbor:"3,keyasint"`
	R       int    `cbor:"4,keyasint"`
	P       int    `cbor:"5,keyasint"`
	Nonce   []byte `cbor:"6,keyasint"`
	Sealed  []byte `cbor:"7,keyasint,omitempty"`
}

func (e envelope) header() ([]byte, error) {
	e.Sealed = nil
	return codec.Marshal(e)
}

// seal derives a key from passphrase and seals raw into an envelope.
func seal(passphrase string, raw []byte, kdf kdfParams) ([]byte, error) {
	e := envelope{
		Version: envelopeVersion,
		Salt:    make([]byte, 16),
		LogN:    kdf.LogN,
		R:       kdf.R,
		P:       kdf.P,
		Nonce:   make([]byte, chacha20poly1305.NonceSizeX),
	}
	if _, err := rand.Read(e.Salt); err != nil {
		return nil, err
	}
	if _, err := rand.Read(e.Nonce); err != nil {
		return nil, err
	}
	ad, err := e.header()
	if err != nil {
		return nil, err
	}
	key, err := passphraseKey(passphrase, e)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	e.Sealed = aead.Seal(nil, e.Nonce, raw, ad)
	return codec.Marshal(e)
}

// unseal opens an envelope produced by seal.
func unseal(passphrase string, b []byte) ([]byte, error) {
	var e envelope
	if err := codec.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("store: parse envelope: %w", err)
	}
	if e.Version != envelopeVersion {
		return nil, fmt.Errorf("store: unsupported envelope version %d", e.Version)
	}
	if len(e.Nonce) != chacha20poly1305.NonceSizeX || e.LogN == 0 || e.LogN > 30 {
		return nil, errors.New("store: malformed envelope")
	}
	ad, err := e.header()
	if err != nil {
		return nil, err
	}
	key, err := passphraseKey(passphrase, e)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, e.Nonce, e.Sealed, ad)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}

func passphraseKey(passphrase string, e envelope) ([]byte, error) {
	return scrypt.Key([]byte(passphrase), e.Salt, 1<<e.LogN, e.R, e.P, chacha20poly1305.KeySize)
}
