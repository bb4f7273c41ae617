package pairing

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"companion/internal/domain"
)

// Account and device types of an advertised identity.
const (
	TypeE2EE   = 0
	TypeHosted = 1
)

var (
	accountSigPrefix       = []byte{6, 0}
	deviceSigPrefix        = []byte{6, 1}
	hostedAccountSigPrefix = []byte{6, 5}
)

// ErrMalformed means a device identity did not decode.
var ErrMalformed = errors.New("pairing: malformed device identity")

// DeviceIdentity is what the primary device says about a companion.
type DeviceIdentity struct {
	RawID       uint32
	Timestamp   uint64
	KeyIndex    uint32
	AccountType uint32
	DeviceType  uint32
}

// Marshal encodes the identity.
func (d DeviceIdentity) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(d.RawID))
	b = appendVarint(b, 2, d.Timestamp)
	b = appendVarint(b, 3, uint64(d.KeyIndex))
	b = appendVarint(b, 4, uint64(d.AccountType))
	b = appendVarint(b, 5, uint64(d.DeviceType))
	return b
}

// ParseDeviceIdentity decodes a DeviceIdentity.
func ParseDeviceIdentity(b []byte) (DeviceIdentity, error) {
	var d DeviceIdentity
	err := fields(b, func(num protowire.Number, v uint64, _ []byte) {
		switch num {
		case 1:
			d.RawID = uint32(v)
		case 2:
			d.Timestamp = v
		case 3:
			d.KeyIndex = uint32(v)
		case 4:
			d.AccountType = uint32(v)
		case 5:
			d.DeviceType = uint32(v)
		}
	})
	return d, err
}

// SignedDeviceIdentity carries the account's signature over Details and,
// once the companion accepted it, the companion's own signature.
type SignedDeviceIdentity struct {
	Details             []byte
	AccountSignatureKey domain.Ed25519Public
	AccountSignature    []byte
	DeviceSignature     []byte
}

// Marshal encodes the identity. The reply to the server leaves the
// account signature key out.
func (s SignedDeviceIdentity) Marshal(withKey bool) []byte {
	var b []byte
	b = appendBytes(b, 1, s.Details)
	if withKey {
		b = appendBytes(b, 2, s.AccountSignatureKey[:])
	}
	b = appendBytes(b, 3, s.AccountSignature)
	b = appendBytes(b, 4, s.DeviceSignature)
	return b
}

// ParseSignedDeviceIdentity decodes a SignedDeviceIdentity. The account
// signature key must be present.
func ParseSignedDeviceIdentity(b []byte) (SignedDeviceIdentity, error) {
	var (
		s      SignedDeviceIdentity
		keyLen = -1
	)
	err := fields(b, func(num protowire.Number, _ uint64, v []byte) {
		switch num {
		case 1:
			s.Details = append([]byte(nil), v...)
		case 2:
			keyLen = len(v)
			copy(s.AccountSignatureKey[:], v)
		case 3:
			s.AccountSignature = append([]byte(nil), v...)
		case 4:
			s.DeviceSignature = append([]byte(nil), v...)
		}
	})
	if err != nil {
		return SignedDeviceIdentity{}, err
	}
	if len(s.Details) == 0 || keyLen != len(s.AccountSignatureKey) {
		return SignedDeviceIdentity{}, fmt.Errorf("%w: missing details or account key", ErrMalformed)
	}
	return s, nil
}

// SignedDeviceIdentityHMAC wraps an encoded SignedDeviceIdentity with an
// HMAC keyed by the companion's adv secret.
type SignedDeviceIdentityHMAC struct {
	Details     []byte
	HMAC        []byte
	AccountType uint32
}

// Marshal encodes the wrapper.
func (h SignedDeviceIdentityHMAC) Marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, h.Details)
	b = appendBytes(b, 2, h.HMAC)
	b = appendVarint(b, 3, uint64(h.AccountType))
	return b
}

// ParseSignedDeviceIdentityHMAC decodes the wrapper.
func ParseSignedDeviceIdentityHMAC(b []byte) (SignedDeviceIdentityHMAC, error) {
	var h SignedDeviceIdentityHMAC
	err := fields(b, func(num protowire.Number, v uint64, bs []byte) {
		switch num {
		case 1:
			h.Details = append([]byte(nil), bs...)
		case 2:
			h.HMAC = append([]byte(nil), bs...)
		case 3:
			h.AccountType = uint32(v)
		}
	})
	if err != nil {
		return SignedDeviceIdentityHMAC{}, err
	}
	if len(h.Details) == 0 || len(h.HMAC) == 0 {
		return SignedDeviceIdentityHMAC{}, fmt.Errorf("%w: missing details or hmac", ErrMalformed)
	}
	return h, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// fields calls fn for every varint and bytes field and skips the rest.
func fields(b []byte, fn func(num protowire.Number, v uint64, bytes []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			fn(num, v, nil)
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			fn(num, 0, v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
