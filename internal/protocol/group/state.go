package group

import (
	"container/list"

	"companion/internal/domain"
)

// MaxMessageKeys bounds the skipped message keys kept per state.
const MaxMessageKeys = 2000

// SenderKeyState is one generation of a sender's chain together with its
// signing key and the retained message keys.
type SenderKeyState struct {
	keyID       uint32
	chain       ChainKey
	signingPub  domain.Ed25519Public
	signingPriv *domain.Ed25519Private

	keys  *list.List // MessageKey, oldest first
	index map[uint32]*list.Element
}

// NewSenderKeyState builds a state. priv is nil on the receiving side.
func NewSenderKeyState(keyID uint32, chain ChainKey, pub domain.Ed25519Public, priv *domain.Ed25519Private) *SenderKeyState {
	return &SenderKeyState{
		keyID:       keyID,
		chain:       chain,
		signingPub:  pub,
		signingPriv: priv,
		keys:        list.New(),
		index:       make(map[uint32]*list.Element),
	}
}

// KeyID identifies the state within its record.
func (s *SenderKeyState) KeyID() uint32 { return s.keyID }

// ChainKey returns the current chain position.
func (s *SenderKeyState) ChainKey() ChainKey { return s.chain }

// SetChainKey moves the chain.
func (s *SenderKeyState) SetChainKey(c ChainKey) { s.chain = c }

// SigningKey returns the public signing key.
func (s *SenderKeyState) SigningKey() domain.Ed25519Public { return s.signingPub }

// CanSign reports whether the state holds the private signing key.
func (s *SenderKeyState) CanSign() bool { return s.signingPriv != nil }

// AddMessageKey retains mk, evicting the oldest keys beyond MaxMessageKeys.
func (s *SenderKeyState) AddMessageKey(mk MessageKey) {
	if el, ok := s.index[mk.Iteration]; ok {
		el.Value = mk
		return
	}
	s.index[mk.Iteration] = s.keys.PushBack(mk)
	for s.keys.Len() > MaxMessageKeys {
		oldest := s.keys.Front()
		s.keys.Remove(oldest)
		delete(s.index, oldest.Value.(MessageKey).Iteration)
	}
}

// HasMessageKey reports whether the key for iteration is retained.
func (s *SenderKeyState) HasMessageKey(iteration uint32) bool {
	_, ok := s.index[iteration]
	return ok
}

// TakeMessageKey removes and returns the key for iteration.
func (s *SenderKeyState) TakeMessageKey(iteration uint32) (MessageKey, bool) {
	el, ok := s.index[iteration]
	if !ok {
		return MessageKey{}, false
	}
	s.keys.Remove(el)
	delete(s.index, iteration)
	return el.Value.(MessageKey), true
}

// MessageKeyCount returns the number of retained keys.
func (s *SenderKeyState) MessageKeyCount() int { return s.keys.Len() }

func (s *SenderKeyState) messageKeys() []MessageKey {
	out := make([]MessageKey, 0, s.keys.Len())
	for el := s.keys.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(MessageKey))
	}
	return out
}
