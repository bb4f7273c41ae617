package pairing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"companion/internal/crypto"
	"companion/internal/domain"
)

var (
	// ErrMissingNodes means pair-success lacks device-identity or device.
	ErrMissingNodes = errors.New("pairing: pair-success lacks device-identity or device")
	// ErrBadHMAC means the identity was not wrapped with our adv secret.
	ErrBadHMAC = errors.New("pairing: device identity hmac mismatch")
	// ErrBadAccountSignature means the account did not sign our identity key.
	ErrBadAccountSignature = errors.New("pairing: invalid account signature")
	// ErrBadDeviceSignature means the companion's countersignature is wrong.
	ErrBadDeviceSignature = errors.New("pairing: invalid device signature")
	// ErrBadQR means a scanned code is not one QR produced.
	ErrBadQR = errors.New("pairing: malformed qr code")
)

// Refs returns the QR references of a pair-device request in the order
// they are to be shown.
func Refs(stanza domain.Node) []string {
	pd, _ := stanza.Child("pair-device")
	var refs []string
	for _, r := range pd.ChildrenByTag("ref") {
		refs = append(refs, string(r.Payload))
	}
	return refs
}

// QR is the text of the code shown for ref: the reference followed by the
// keys the primary device needs to link us. The signing key comes last
// since identity and signing keys are separate pairs here.
func QR(ref string, creds domain.AuthCreds) string {
	enc := base64.StdEncoding
	return strings.Join([]string{
		ref,
		enc.EncodeToString(creds.NoiseKey.Pub.Slice()),
		enc.EncodeToString(creds.Identity.XPub.Slice()),
		enc.EncodeToString(creds.AdvSecretKey),
		enc.EncodeToString(creds.Identity.EdPub.Slice()),
	}, ",")
}

// Code is a scanned QR code.
type Code struct {
	Ref         string
	NoiseKey    domain.X25519Public
	IdentityKey domain.X25519Public
	AdvSecret   []byte
	SigningKey  domain.Ed25519Public
}

// ParseQR reads the text produced by QR.
func ParseQR(s string) (Code, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 5 || parts[0] == "" {
		return Code{}, ErrBadQR
	}
	var (
		c    = Code{Ref: parts[0]}
		raws [4][]byte
	)
	for i, p := range parts[1:] {
		b, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return Code{}, fmt.Errorf("%w: %v", ErrBadQR, err)
		}
		raws[i] = b
	}
	if len(raws[0]) != 32 || len(raws[1]) != 32 || len(raws[2]) == 0 || len(raws[3]) != 32 {
		return Code{}, fmt.Errorf("%w: bad key lengths", ErrBadQR)
	}
	copy(c.NoiseKey[:], raws[0])
	copy(c.IdentityKey[:], raws[1])
	c.AdvSecret = raws[2]
	copy(c.SigningKey[:], raws[3])
	return c, nil
}

// Result is what a successful pair-success changes.
type Result struct {
	Reply    domain.Node
	Me       domain.JID
	LID      *domain.JID
	Name     string
	Platform string
	Account  SignedDeviceIdentity
}

// Configure verifies a pair-success stanza against creds and builds the
// pair-device-sign reply carrying our countersignature.
func Configure(stanza domain.Node, creds domain.AuthCreds) (Result, error) {
	ps, _ := stanza.Child("pair-success")
	idNode, hasIdentity := ps.Child("device-identity")
	devNode, hasDevice := ps.Child("device")
	if !hasIdentity || !hasDevice {
		return Result{}, ErrMissingNodes
	}
	me, err := domain.ParseJID(devNode.Attr("jid"))
	if err != nil {
		return Result{}, fmt.Errorf("pairing: device jid: %w", err)
	}
	var lid *domain.JID
	if v := devNode.Attr("lid"); v != "" {
		l, err := domain.ParseJID(v)
		if err != nil {
			return Result{}, fmt.Errorf("pairing: device lid: %w", err)
		}
		lid = &l
	}

	wrapped, err := ParseSignedDeviceIdentityHMAC(idNode.Payload)
	if err != nil {
		return Result{}, err
	}
	var prefix []byte
	if wrapped.AccountType == TypeHosted {
		prefix = hostedAccountSigPrefix
	}
	if !hmac.Equal(wrapped.HMAC, advHMAC(creds.AdvSecretKey, prefix, wrapped.Details)) {
		return Result{}, ErrBadHMAC
	}

	account, err := ParseSignedDeviceIdentity(wrapped.Details)
	if err != nil {
		return Result{}, err
	}
	device, err := ParseDeviceIdentity(account.Details)
	if err != nil {
		return Result{}, err
	}
	msg := accountMessage(device, account.Details, creds.Identity.XPub)
	if !crypto.VerifyEd25519(account.AccountSignatureKey, msg, account.AccountSignature) {
		return Result{}, ErrBadAccountSignature
	}
	account.DeviceSignature = crypto.SignEd25519(creds.Identity.EdPriv,
		deviceMessage(account.Details, creds.Identity.XPub, account.AccountSignatureKey))

	res := Result{
		Reply: domain.Node{
			Tag:   "iq",
			Attrs: domain.Attrs{"to": domain.ServerJID.String(), "type": "result", "id": stanza.Attr("id")},
			Children: []domain.Node{{
				Tag: "pair-device-sign",
				Children: []domain.Node{{
					Tag:     "device-identity",
					Attrs:   domain.Attrs{"key-index": strconv.FormatUint(uint64(device.KeyIndex), 10)},
					Payload: account.Marshal(false),
				}},
			}},
		},
		Me:      me,
		LID:     lid,
		Account: account,
	}
	if p, ok := ps.Child("platform"); ok {
		res.Platform = p.Attr("name")
	}
	if b, ok := ps.Child("biz"); ok {
		res.Name = b.Attr("name")
	}
	return res, nil
}

// Primary is the account side of pairing: the phone whose key vouches
// for companion devices.
type Primary struct {
	Key domain.Ed25519Private
	Pub domain.Ed25519Public
}

// NewPrimary generates an account signing key.
func NewPrimary() (Primary, error) {
	priv, pub, err := crypto.GenerateEd25519()
	if err != nil {
		return Primary{}, err
	}
	return Primary{Key: priv, Pub: pub}, nil
}

// Approve builds the device-identity payload of pair-success for the
// companion that showed code.
func (p Primary) Approve(code Code, device DeviceIdentity) []byte {
	details := device.Marshal()
	signed := SignedDeviceIdentity{
		Details:             details,
		AccountSignatureKey: p.Pub,
		AccountSignature:    crypto.SignEd25519(p.Key, accountMessage(device, details, code.IdentityKey)),
	}.Marshal(true)
	var prefix []byte
	if device.AccountType == TypeHosted {
		prefix = hostedAccountSigPrefix
	}
	return SignedDeviceIdentityHMAC{
		Details:     signed,
		HMAC:        advHMAC(code.AdvSecret, prefix, signed),
		AccountType: device.AccountType,
	}.Marshal()
}

// VerifyReply checks the companion's pair-device-sign payload: the details
// must be the ones p signed and the device signature must verify under
// the companion's signing key.
func (p Primary) VerifyReply(payload []byte, code Code, device DeviceIdentity) error {
	var signed SignedDeviceIdentity
	err := fields(payload, func(num protowire.Number, _ uint64, v []byte) {
		switch num {
		case 1:
			signed.Details = append([]byte(nil), v...)
		case 4:
			signed.DeviceSignature = append([]byte(nil), v...)
		}
	})
	if err != nil {
		return err
	}
	if !bytes.Equal(signed.Details, device.Marshal()) {
		return fmt.Errorf("%w: details changed", ErrMalformed)
	}
	msg := deviceMessage(signed.Details, code.IdentityKey, p.Pub)
	if !crypto.VerifyEd25519(code.SigningKey, msg, signed.DeviceSignature) {
		return ErrBadDeviceSignature
	}
	return nil
}

func advHMAC(secret, prefix, details []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(prefix)
	mac.Write(details)
	return mac.Sum(nil)
}

func accountMessage(device DeviceIdentity, details []byte, identity domain.X25519Public) []byte {
	prefix := accountSigPrefix
	if device.DeviceType == TypeHosted {
		prefix = hostedAccountSigPrefix
	}
	msg := append([]byte(nil), prefix...)
	msg = append(msg, details...)
	return append(msg, identity[:]...)
}

func deviceMessage(details []byte, identity domain.X25519Public, account domain.Ed25519Public) []byte {
	msg := append([]byte(nil), deviceSigPrefix...)
	msg = append(msg, details...)
	msg = append(msg, identity[:]...)
	return append(msg, account[:]...)
}
