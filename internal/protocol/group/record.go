package group

import (
	"companion/internal/codec"
	"companion/internal/domain"
)

// maxStates bounds the generations a record keeps.
const maxStates = 5

// SenderKeyRecord is what the store keeps per (group, sender device).
// Newest state last.
type SenderKeyRecord struct {
	states []*SenderKeyState
}

// NewSenderKeyRecord returns an empty record.
func NewSenderKeyRecord() *SenderKeyRecord { return &SenderKeyRecord{} }

// IsEmpty reports whether the record has no state.
func (r *SenderKeyRecord) IsEmpty() bool { return len(r.states) == 0 }

// Latest returns the newest state or nil.
func (r *SenderKeyRecord) Latest() *SenderKeyState {
	if len(r.states) == 0 {
		return nil
	}
	return r.states[len(r.states)-1]
}

// State returns the state with keyID or nil.
func (r *SenderKeyRecord) State(keyID uint32) *SenderKeyState {
	for _, s := range r.states {
		if s.keyID == keyID {
			return s
		}
	}
	return nil
}

// AddState appends a generation, dropping the oldest beyond five. A state
// with an existing key id replaces it.
func (r *SenderKeyRecord) AddState(s *SenderKeyState) {
	for i, old := range r.states {
		if old.keyID == s.keyID {
			r.states = append(r.states[:i], r.states[i+1:]...)
			break
		}
	}
	r.states = append(r.states, s)
	if len(r.states) > maxStates {
		r.states = r.states[len(r.states)-maxStates:]
	}
}

// SetState replaces every generation with s.
func (r *SenderKeyRecord) SetState(s *SenderKeyState) { r.states = []*SenderKeyState{s} }

type stateData struct {
	KeyID       uint32                 `json:"key_id"`
	Chain       ChainKey               `json:"chain"`
	SigningPub  domain.Ed25519Public   `json:"signing_pub"`
	SigningPriv *domain.Ed25519Private `json:"signing_priv,omitempty"`
	MessageKeys []MessageKey           `json:"message_keys,omitempty"`
}

type recordData struct {
	States []stateData `json:"states"`
}

// MarshalCBOR lets the record be stored through a keystore bucket.
func (r *SenderKeyRecord) MarshalCBOR() ([]byte, error) {
	data := recordData{States: make([]stateData, 0, len(r.states))}
	for _, s := range r.states {
		data.States = append(data.States, stateData{
			KeyID:       s.keyID,
			Chain:       s.chain,
			SigningPub:  s.signingPub,
			SigningPriv: s.signingPriv,
			MessageKeys: s.messageKeys(),
		})
	}
	return codec.Marshal(data)
}

// UnmarshalCBOR restores a record, keeping message-key order.
func (r *SenderKeyRecord) UnmarshalCBOR(b []byte) error {
	var data recordData
	if err := codec.Unmarshal(b, &data); err != nil {
		return err
	}
	r.states = r.states[:0]
	for _, sd := range data.States {
		s := NewSenderKeyState(sd.KeyID, sd.Chain, sd.SigningPub, sd.SigningPriv)
		for _, mk := range sd.MessageKeys {
			s.AddMessageKey(mk)
		}
		r.states = append(r.states, s)
	}
	return nil
}
