package identity_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/internal/crypto"
	"companion/internal/domain"
	"companion/internal/services/identity"
)

const goodPass = "Correct-Horse-9"

type memCreds struct {
	mu      sync.Mutex
	pass    string
	creds   *domain.AuthCreds
	saves   int
	failing bool
}

func (m *memCreds) SaveCreds(pass string, c domain.AuthCreds) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("read-only")
	}
	m.pass, m.creds = pass, &c
	m.saves++
	return nil
}

func (m *memCreds) LoadCreds(pass string) (domain.AuthCreds, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil || pass != m.pass {
		return domain.AuthCreds{}, errors.New("wrong passphrase")
	}
	return *m.creds, nil
}

func TestGenerateRejectsWeakPassphrase(t *testing.T) {
	svc := identity.New(&memCreds{}, nil)
	for _, p := range []string{"short", "alllowercase123!", "NoDigitsHere!!", "NoSymbols12345"} {
		_, _, err := svc.Generate(p)
		assert.ErrorIs(t, err, identity.ErrWeakPassphrase, p)
	}
}

func TestGenerateProducesUsableCreds(t *testing.T) {
	store := &memCreds{}
	svc := identity.New(store, nil)

	creds, fp, err := svc.Generate(goodPass)
	require.NoError(t, err)
	assert.Regexp(t, `^([0-9a-f]{4} ){4}[0-9a-f]{4}$`, fp.String())
	assert.LessOrEqual(t, creds.RegistrationID, uint32(0x3fff))
	assert.Len(t, creds.AdvSecretKey, 32)
	assert.Equal(t, uint32(1), creds.NextPreKeyID)
	assert.Equal(t, uint32(1), creds.FirstUnuploadedPreKeyID)
	assert.NotEqual(t, creds.NoiseKey.Pub, creds.Identity.XPub)
	assert.True(t, crypto.VerifyEd25519(creds.Identity.EdPub, creds.SignedPreKey.Pub.Slice(), creds.SignedPreKey.Signature))

	again, err := svc.FingerprintIdentity(goodPass)
	require.NoError(t, err)
	assert.Equal(t, fp, again)

	_, err = svc.Unlock("Wrong-Horse-9")
	assert.Error(t, err)
}

func TestAccountUpdate(t *testing.T) {
	ctx := context.Background()
	store := &memCreds{}
	svc := identity.New(store, nil)
	_, _, err := svc.Generate(goodPass)
	require.NoError(t, err)

	acct, err := svc.Unlock(goodPass)
	require.NoError(t, err)
	_, _, err = acct.Me()
	assert.ErrorIs(t, err, identity.ErrNotRegistered)

	me := domain.MustParseJID("111@s.whatsapp.net")
	require.NoError(t, acct.Update(ctx, func(c *domain.AuthCreds) error {
		c.Me = &me
		c.NextPreKeyID = 30
		return nil
	}))
	pn, lid, err := acct.Me()
	require.NoError(t, err)
	assert.Equal(t, me, pn)
	assert.True(t, lid.IsZero())

	stored, err := store.LoadCreds(goodPass)
	require.NoError(t, err)
	assert.Equal(t, uint32(30), stored.NextPreKeyID)

	boom := errors.New("boom")
	assert.ErrorIs(t, acct.Update(ctx, func(c *domain.AuthCreds) error {
		c.NextPreKeyID = 99
		return boom
	}), boom)

	store.failing = true
	assert.Error(t, acct.Update(ctx, func(c *domain.AuthCreds) error {
		c.NextPreKeyID = 99
		return nil
	}))

	creds, err := acct.Creds(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(30), creds.NextPreKeyID, "failed updates leave memory unchanged")
}
