package identity

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unicode"

	"companion/internal/crypto"
	"companion/internal/domain"
)

const (
	// minPassphraseLength defines the minimum number of characters required for a passphrase.
	minPassphraseLength = 12

	// registrationIDMask keeps registration ids in 14 bits.
	registrationIDMask = 0x3fff
	advSecretSize      = 32
)

var (
	// ErrWeakPassphrase is returned when the passphrase fails the strength policy.
	ErrWeakPassphrase = fmt.Errorf(
		"passphrase is too weak (must be at least %d characters and include upper, lower, "+
			"number, and symbol)",
		minPassphraseLength,
	)
	// ErrNotRegistered means the credentials carry no account JID yet.
	ErrNotRegistered = errors.New("identity: device not registered")
)

// Service creates and unlocks credentials using a backing store.
type Service struct {
	store  domain.CredsStore
	logger *slog.Logger
}

// New returns a Service backed by the given store. A nil logger discards.
func New(s domain.CredsStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{store: s, logger: logger}
}

// Generate creates fresh credentials, saves them sealed with passphrase and
// returns them plus the identity fingerprint.
func (s *Service) Generate(passphrase string) (domain.AuthCreds, domain.Fingerprint, error) {
	if !isSecurePassphrase(passphrase) {
		return domain.AuthCreds{}, "", ErrWeakPassphrase
	}
	creds, err := NewCreds()
	if err != nil {
		return domain.AuthCreds{}, "", err
	}
	if err := s.store.SaveCreds(passphrase, creds); err != nil {
		return domain.AuthCreds{}, "", err
	}
	fp := Fingerprint(creds.Identity)
	s.logger.Info("credentials generated", "fingerprint", fp.String(), "registration_id", creds.RegistrationID)
	return creds, fp, nil
}

// Unlock loads the credentials and returns an Account bound to passphrase.
func (s *Service) Unlock(passphrase string) (*Account, error) {
	creds, err := s.store.LoadCreds(passphrase)
	if err != nil {
		return nil, err
	}
	return &Account{store: s.store, passphrase: passphrase, creds: creds}, nil
}

// FingerprintIdentity returns the fingerprint of the stored identity key.
func (s *Service) FingerprintIdentity(passphrase string) (domain.Fingerprint, error) {
	creds, err := s.store.LoadCreds(passphrase)
	if err != nil {
		return "", err
	}
	return Fingerprint(creds.Identity), nil
}

// NewCreds generates a complete set of credentials. Pre-key ids start at 1.
func NewCreds() (domain.AuthCreds, error) {
	noise, err := crypto.GenerateKeyPair()
	if err != nil {
		return domain.AuthCreds{}, err
	}
	id, err := crypto.NewIdentity()
	if err != nil {
		return domain.AuthCreds{}, err
	}
	spk, err := crypto.SignPreKey(id, 1)
	if err != nil {
		return domain.AuthCreds{}, err
	}
	var buf [2 + advSecretSize]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return domain.AuthCreds{}, err
	}
	return domain.AuthCreds{
		NoiseKey:                noise,
		Identity:                id,
		SignedPreKey:            spk,
		RegistrationID:          uint32(binary.BigEndian.Uint16(buf[:2]) & registrationIDMask),
		AdvSecretKey:            append([]byte(nil), buf[2:]...),
		NextPreKeyID:            1,
		FirstUnuploadedPreKeyID: 1,
	}, nil
}

// Fingerprint covers both identity public keys.
func Fingerprint(id domain.Identity) domain.Fingerprint {
	return domain.Fingerprint(crypto.Fingerprint(id.XPub.Slice(), id.EdPub.Slice()))
}

// Account is unlocked credentials. It is safe for concurrent use.
type Account struct {
	store      domain.CredsStore
	passphrase string

	mu    sync.Mutex
	creds domain.AuthCreds
}

// Creds returns a copy of the current credentials.
func (a *Account) Creds(context.Context) (domain.AuthCreds, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creds, nil
}

// Update applies fn to a copy of the credentials and saves the result. The
// in-memory credentials change only when fn and the save succeed.
func (a *Account) Update(_ context.Context, fn func(*domain.AuthCreds) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.creds
	if err := fn(&next); err != nil {
		return err
	}
	if err := a.store.SaveCreds(a.passphrase, next); err != nil {
		return fmt.Errorf("identity: save creds: %w", err)
	}
	a.creds = next
	return nil
}

// Me returns the account PN and LID once registered.
func (a *Account) Me() (pn, lid domain.JID, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.creds.Me == nil {
		return domain.JID{}, domain.JID{}, ErrNotRegistered
	}
	if a.creds.LID != nil {
		lid = *a.creds.LID
	}
	return *a.creds.Me, lid, nil
}

// isSecurePassphrase enforces a basic strength policy.
func isSecurePassphrase(passphrase string) bool {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	if len(passphrase) < minPassphraseLength {
		return false
	}
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	return hasUpper && hasLower && hasDigit && hasSymbol
}
