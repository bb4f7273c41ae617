package group

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"companion/internal/crypto"
)

// MaxForwardJumps bounds how many iterations a receiver derives ahead of
// its chain to reach an incoming message.
const MaxForwardJumps = 2000

var (
	// ErrNoSenderKey means the record has no state for the message.
	ErrNoSenderKey = errors.New("group: no sender key state")
	// ErrNoSigningKey means the state cannot sign, so it cannot encrypt.
	ErrNoSigningKey = errors.New("group: sender key state has no private signing key")
	// ErrInvalidSignature means the message signature does not verify.
	ErrInvalidSignature = errors.New("group: invalid message signature")
	// ErrCorruptCiphertext means the ciphertext did not decrypt.
	ErrCorruptCiphertext = errors.New("group: corrupt ciphertext")
	// ErrMessageKeyExhausted means the key for the iteration is out of
	// reach: too far ahead, already used, or evicted.
	ErrMessageKeyExhausted = errors.New("group: message key exhausted")
)

// NewDistributionMessage returns the distribution message for the newest
// state of record, creating a fresh sending state if the record is empty.
func NewDistributionMessage(record *SenderKeyRecord) (DistributionMessage, error) {
	if record.IsEmpty() {
		state, err := newSendingState()
		if err != nil {
			return DistributionMessage{}, err
		}
		record.SetState(state)
	}
	state := record.Latest()
	return DistributionMessage{
		KeyID:      state.keyID,
		Iteration:  state.chain.Iteration,
		ChainKey:   append([]byte(nil), state.chain.Seed...),
		SigningKey: state.signingPub,
	}, nil
}

// ProcessDistributionMessage installs a sender's chain into record.
func ProcessDistributionMessage(record *SenderKeyRecord, msg DistributionMessage) {
	chain := ChainKey{Iteration: msg.Iteration, Seed: append([]byte(nil), msg.ChainKey...)}
	record.AddState(NewSenderKeyState(msg.KeyID, chain, msg.SigningKey, nil))
}

func newSendingState() (*SenderKeyState, error) {
	var idBuf [4]byte
	if _, err := rand.Read(idBuf[:]); err != nil {
		return nil, err
	}
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	priv, pub, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	keyID := binary.BigEndian.Uint32(idBuf[:]) & 0x7fffffff
	return NewSenderKeyState(keyID, ChainKey{Seed: seed}, pub, &priv), nil
}

// Encrypt seals plaintext with the next message key of the newest state.
func Encrypt(record *SenderKeyRecord, plaintext []byte) ([]byte, error) {
	state := record.Latest()
	if state == nil {
		return nil, ErrNoSenderKey
	}
	if !state.CanSign() {
		return nil, ErrNoSigningKey
	}
	mk := state.chain.MessageKey()
	iv, key, err := mk.cipherKeys()
	if err != nil {
		return nil, err
	}
	ct, err := cbcEncrypt(key, iv, plaintext)
	if err != nil {
		return nil, err
	}
	state.chain = state.chain.Next()

	body := SenderKeyMessage{KeyID: state.keyID, Iteration: mk.Iteration, Ciphertext: ct}.body()
	sig := crypto.SignEd25519(*state.signingPriv, body)
	return append(body, sig...), nil
}

// Decrypt verifies and opens a sender-key message.
func Decrypt(record *SenderKeyRecord, data []byte) ([]byte, error) {
	msg, signed, sig, err := parseSenderKeyMessage(data)
	if err != nil {
		return nil, err
	}
	state := record.State(msg.KeyID)
	if state == nil {
		return nil, fmt.Errorf("%w: key id %d", ErrNoSenderKey, msg.KeyID)
	}
	if !crypto.VerifyEd25519(state.signingPub, signed, sig) {
		return nil, ErrInvalidSignature
	}
	mk, err := messageKeyFor(state, msg.Iteration)
	if err != nil {
		return nil, err
	}
	iv, key, err := mk.cipherKeys()
	if err != nil {
		return nil, err
	}
	return cbcDecrypt(key, iv, msg.Ciphertext)
}

// messageKeyFor returns the key for iteration, retaining the keys it
// skips over and moving the chain past it.
func messageKeyFor(state *SenderKeyState, iteration uint32) (MessageKey, error) {
	chain := state.chain
	if chain.Iteration > iteration {
		if mk, ok := state.TakeMessageKey(iteration); ok {
			return mk, nil
		}
		return MessageKey{}, fmt.Errorf("%w: iteration %d is behind chain at %d", ErrMessageKeyExhausted, iteration, chain.Iteration)
	}
	if iteration-chain.Iteration > MaxForwardJumps {
		return MessageKey{}, fmt.Errorf("%w: iteration %d is more than %d ahead of chain at %d",
			ErrMessageKeyExhausted, iteration, MaxForwardJumps, chain.Iteration)
	}
	for chain.Iteration < iteration {
		state.AddMessageKey(chain.MessageKey())
		chain = chain.Next()
	}
	state.chain = chain.Next()
	return chain.MessageKey(), nil
}

func cbcEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	buf := make([]byte, len(plaintext)+pad)
	copy(buf, plaintext)
	copy(buf[len(plaintext):], bytes.Repeat([]byte{byte(pad)}, pad))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(buf, buf)
	return buf, nil
}

func cbcDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrCorruptCiphertext
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(buf, ciphertext)
	pad := int(buf[len(buf)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(buf) {
		return nil, ErrCorruptCiphertext
	}
	for _, b := range buf[len(buf)-pad:] {
		if int(b) != pad {
			return nil, ErrCorruptCiphertext
		}
	}
	return buf[:len(buf)-pad], nil
}
