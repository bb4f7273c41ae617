package ratchet

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"

	"companion/internal/crypto"
	"companion/internal/domain"
	"companion/internal/util/memzero"
)

// MaxSkip bounds how many message keys one header may make us derive
// ahead, and how many skipped keys a state retains.
const MaxSkip = 1000

var (
	ErrSkippedKeyNotFound = errors.New("ratchet: skipped message key not found")
	// ErrTooManySkipped is returned when a header is further ahead than
	// MaxSkip messages.
	ErrTooManySkipped = errors.New("ratchet: too many skipped messages")
	errMalformed      = errors.New("ratchet: malformed header")
	errNoChain        = errors.New("ratchet: chain key is uninitialised")
)

var (
	rootInfo  = []byte("DR|rk")
	chainInfo = []byte("DR|ck")
)

// InitAsInitiator seeds the sending chain from root using a fresh ratchet
// key and the peer's identity pub. PeerDHPub holds that pub until the
// first reply brings the peer's ratchet key.
func InitAsInitiator(root []byte, peer domain.X25519Public) (domain.RatchetState, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return domain.RatchetState{}, err
	}
	rk, sendCK, err := rootStep(root, kp.Priv, peer)
	if err != nil {
		return domain.RatchetState{}, err
	}
	return domain.RatchetState{
		RootKey:   rk,
		DHPriv:    kp.Priv,
		DHPub:     kp.Pub,
		PeerDHPub: peer,
		SendCK:    sendCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// InitAsResponder seeds the receiving chain from root using our identity
// priv and the sender's ratchet pub. The sending chain is created
// on the first Encrypt.
func InitAsResponder(root []byte, ours domain.X25519Private, senderRatchet domain.X25519Public) (domain.RatchetState, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return domain.RatchetState{}, err
	}
	rk, recvCK, err := rootStep(root, ours, senderRatchet)
	if err != nil {
		return domain.RatchetState{}, err
	}
	return domain.RatchetState{
		RootKey:   rk,
		DHPriv:    kp.Priv,
		DHPub:     kp.Pub,
		PeerDHPub: senderRatchet,
		RecvCK:    recvCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// Encrypt produces a header and ciphertext. A state without a sending
// chain turns the DH ratchet first.
func Encrypt(st *domain.RatchetState, ad, plaintext []byte) (domain.RatchetHeader, []byte, error) {
	if len(st.SendCK) == 0 {
		if err := turnSending(st); err != nil {
			return domain.RatchetHeader{}, nil, err
		}
	}
	mk, err := nextKey(&st.SendCK)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	defer memzero.Zero(mk)

	h := domain.RatchetHeader{DHPub: st.DHPub.Slice(), PN: st.PN, N: st.Ns}
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	ct := aead.Seal(nil, nonce(h), plaintext, headerAD(ad, h))
	st.Ns++
	return h, ct, nil
}

// Decrypt opens a message, using a retained skipped key when one matches
// and turning the DH ratchet when the header carries a new peer key. st is
// modified even when an error is returned; callers persist it only on
// success.
func Decrypt(st *domain.RatchetState, ad []byte, h domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	if len(h.DHPub) != 32 {
		return nil, errMalformed
	}
	id := skippedID(h.DHPub, h.N)
	if mk, ok := st.Skipped[id]; ok {
		pt, err := open(mk, ad, h, ciphertext)
		if err != nil {
			return nil, err
		}
		delete(st.Skipped, id)
		memzero.Zero(mk)
		return pt, nil
	}

	if subtle.ConstantTimeCompare(st.PeerDHPub[:], h.DHPub) != 1 {
		if err := skipTo(st, h.PN); err != nil {
			return nil, err
		}
		var peer domain.X25519Public
		copy(peer[:], h.DHPub)
		if err := turnReceiving(st, peer); err != nil {
			return nil, err
		}
	}

	if h.N < st.Nr {
		return nil, ErrSkippedKeyNotFound
	}
	if err := skipTo(st, h.N); err != nil {
		return nil, err
	}
	mk, err := nextKey(&st.RecvCK)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(mk)
	pt, err := open(mk, ad, h, ciphertext)
	if err != nil {
		return nil, err
	}
	st.Nr++
	return pt, nil
}

// turnSending starts a new sending chain with a fresh ratchet key.
func turnSending(st *domain.RatchetState) error {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	rk, sendCK, err := rootStep(st.RootKey, kp.Priv, st.PeerDHPub)
	if err != nil {
		return err
	}
	st.PN, st.Ns = st.Ns, 0
	st.RootKey = rk
	st.DHPriv, st.DHPub = kp.Priv, kp.Pub
	st.SendCK = sendCK
	return nil
}

// turnReceiving adopts the peer's new ratchet key: one root step for the
// receiving chain, then a second with a fresh key pair for sending.
func turnReceiving(st *domain.RatchetState, peer domain.X25519Public) error {
	rk, recvCK, err := rootStep(st.RootKey, st.DHPriv, peer)
	if err != nil {
		return err
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	rk, sendCK, err := rootStep(rk, kp.Priv, peer)
	if err != nil {
		return err
	}
	st.PN = st.Ns
	st.Ns, st.Nr = 0, 0
	st.RootKey = rk
	st.DHPriv, st.DHPub = kp.Priv, kp.Pub
	st.PeerDHPub = peer
	st.SendCK, st.RecvCK = sendCK, recvCK
	return nil
}

// rootStep mixes DH(priv, pub) into rk, returning the next root key and a
// chain key.
func rootStep(rk []byte, priv domain.X25519Private, pub domain.X25519Public) (nextRK, ck []byte, err error) {
	dh, err := crypto.DH(priv, pub)
	if err != nil {
		return nil, nil, err
	}
	defer memzero.Zero(dh[:])
	out, err := crypto.HKDF(dh[:], rk, rootInfo, 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

// nextKey advances *ck and returns the message key for its old position.
func nextKey(ck *[]byte) ([]byte, error) {
	if len(*ck) == 0 {
		return nil, errNoChain
	}
	out, err := crypto.HKDF(*ck, nil, chainInfo, 64)
	if err != nil {
		return nil, err
	}
	*ck = out[:32]
	return out[32:], nil
}

// skipTo retains the receiving chain's message keys below n. The retained
// set is capped at MaxSkip; an arbitrary old key is dropped first.
func skipTo(st *domain.RatchetState, n uint32) error {
	if n <= st.Nr {
		return nil
	}
	if n-st.Nr > MaxSkip {
		return ErrTooManySkipped
	}
	if len(st.RecvCK) == 0 {
		return nil
	}
	if st.Skipped == nil {
		st.Skipped = make(map[string][]byte)
	}
	for ; st.Nr < n; st.Nr++ {
		mk, err := nextKey(&st.RecvCK)
		if err != nil {
			return err
		}
		if len(st.Skipped) >= MaxSkip {
			for k := range st.Skipped {
				delete(st.Skipped, k)
				break
			}
		}
		st.Skipped[skippedID(st.PeerDHPub[:], st.Nr)] = mk
	}
	return nil
}

func open(mk, ad []byte, h domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce(h), ciphertext, headerAD(ad, h))
}

// nonce is the message number, big-endian in the last four bytes.
func nonce(h domain.RatchetHeader) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(n[len(n)-4:], h.N)
	return n
}

func headerAD(ad []byte, h domain.RatchetHeader) []byte {
	out := make([]byte, 0, len(ad)+len(h.DHPub)+8)
	out = append(out, ad...)
	out = append(out, h.DHPub...)
	out = binary.BigEndian.AppendUint32(out, h.PN)
	return binary.BigEndian.AppendUint32(out, h.N)
}

func skippedID(peer []byte, n uint32) string {
	b := make([]byte, 0, len(peer)+4)
	b = append(b, peer...)
	return string(binary.BigEndian.AppendUint32(b, n))
}
