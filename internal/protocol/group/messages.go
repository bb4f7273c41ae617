package group

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"companion/internal/domain"
)

const (
	currentVersion = 3
	versionByte    = currentVersion<<4 | currentVersion
	signatureSize  = 64
)

// ErrInvalidMessage is returned for undecodable group messages.
var ErrInvalidMessage = errors.New("group: invalid message")

// SenderKeyMessage is one encrypted group message.
type SenderKeyMessage struct {
	KeyID      uint32
	Iteration  uint32
	Ciphertext []byte
}

func (m SenderKeyMessage) body() []byte {
	b := []byte{versionByte}
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.KeyID))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Iteration))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Ciphertext)
	return b
}

// parseSenderKeyMessage splits data into the message, the signed bytes
// and the signature.
func parseSenderKeyMessage(data []byte) (SenderKeyMessage, []byte, []byte, error) {
	if len(data) < 1+signatureSize {
		return SenderKeyMessage{}, nil, nil, fmt.Errorf("%w: %d bytes", ErrInvalidMessage, len(data))
	}
	if v := data[0] >> 4; v != currentVersion {
		return SenderKeyMessage{}, nil, nil, fmt.Errorf("%w: version %d", ErrInvalidMessage, v)
	}
	signed := data[:len(data)-signatureSize]
	sig := data[len(data)-signatureSize:]

	var m SenderKeyMessage
	err := walkFields(signed[1:], func(num protowire.Number, v uint64, b []byte) {
		switch num {
		case 1:
			m.KeyID = uint32(v)
		case 2:
			m.Iteration = uint32(v)
		case 3:
			m.Ciphertext = append([]byte(nil), b...)
		}
	})
	if err != nil {
		return SenderKeyMessage{}, nil, nil, err
	}
	if len(m.Ciphertext) == 0 {
		return SenderKeyMessage{}, nil, nil, fmt.Errorf("%w: no ciphertext", ErrInvalidMessage)
	}
	return m, signed, sig, nil
}

// DistributionMessage hands a sender's chain and signing key to the other
// group members.
type DistributionMessage struct {
	KeyID      uint32
	Iteration  uint32
	ChainKey   []byte
	SigningKey domain.Ed25519Public
}

// Marshal encodes the message.
func (m DistributionMessage) Marshal() []byte {
	b := []byte{versionByte}
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.KeyID))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Iteration))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, m.ChainKey)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, m.SigningKey[:])
	return b
}

// ParseDistributionMessage decodes a distribution message.
func ParseDistributionMessage(data []byte) (DistributionMessage, error) {
	if len(data) < 1 {
		return DistributionMessage{}, fmt.Errorf("%w: empty distribution message", ErrInvalidMessage)
	}
	if v := data[0] >> 4; v != currentVersion {
		return DistributionMessage{}, fmt.Errorf("%w: version %d", ErrInvalidMessage, v)
	}
	var (
		m          DistributionMessage
		signingLen = -1
	)
	err := walkFields(data[1:], func(num protowire.Number, v uint64, b []byte) {
		switch num {
		case 1:
			m.KeyID = uint32(v)
		case 2:
			m.Iteration = uint32(v)
		case 3:
			m.ChainKey = append([]byte(nil), b...)
		case 4:
			signingLen = len(b)
			copy(m.SigningKey[:], b)
		}
	})
	if err != nil {
		return DistributionMessage{}, err
	}
	if len(m.ChainKey) != 32 || signingLen != len(m.SigningKey) {
		return DistributionMessage{}, fmt.Errorf("%w: bad key lengths", ErrInvalidMessage)
	}
	return m, nil
}

// walkFields calls fn for every varint and bytes field of a protobuf
// message and skips the rest.
func walkFields(b []byte, fn func(num protowire.Number, v uint64, bytes []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
			}
			fn(num, v, nil)
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
			}
			fn(num, 0, v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
