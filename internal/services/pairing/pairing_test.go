package pairing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/internal/domain"
	"companion/internal/services/identity"
	"companion/internal/services/pairing"
)

func pairSuccess(payload []byte) domain.Node {
	return domain.Node{
		Tag:   "iq",
		Attrs: domain.Attrs{"id": "ps1", "type": "set", "from": domain.ServerJID.String()},
		Children: []domain.Node{{
			Tag: "pair-success",
			Children: []domain.Node{
				{Tag: "device-identity", Payload: payload},
				{Tag: "platform", Attrs: domain.Attrs{"name": "smba"}},
				{Tag: "biz", Attrs: domain.Attrs{"name": "Shop"}},
				{Tag: "device", Attrs: domain.Attrs{"jid": "4477:3@s.whatsapp.net", "lid": "9001:3@lid"}},
			},
		}},
	}
}

func scan(t *testing.T, creds domain.AuthCreds) pairing.Code {
	t.Helper()
	code, err := pairing.ParseQR(pairing.QR("ref-1", creds))
	require.NoError(t, err)
	return code
}

func TestQRCarriesDeviceKeys(t *testing.T) {
	creds, err := identity.NewCreds()
	require.NoError(t, err)

	code := scan(t, creds)
	assert.Equal(t, "ref-1", code.Ref)
	assert.Equal(t, creds.NoiseKey.Pub, code.NoiseKey)
	assert.Equal(t, creds.Identity.XPub, code.IdentityKey)
	assert.Equal(t, creds.Identity.EdPub, code.SigningKey)
	assert.Equal(t, creds.AdvSecretKey, code.AdvSecret)

	for _, bad := range []string{"", "ref", "ref,a,b,c,d", ",AAAA,AAAA,AAAA,AAAA"} {
		_, err := pairing.ParseQR(bad)
		assert.ErrorIs(t, err, pairing.ErrBadQR, bad)
	}
}

func TestRefsInOrder(t *testing.T) {
	n := domain.Node{Tag: "iq", Children: []domain.Node{{
		Tag: "pair-device",
		Children: []domain.Node{
			{Tag: "ref", Payload: []byte("a")},
			{Tag: "ref", Payload: []byte("b")},
		},
	}}}
	assert.Equal(t, []string{"a", "b"}, pairing.Refs(n))
}

func TestConfigureRoundTrip(t *testing.T) {
	creds, err := identity.NewCreds()
	require.NoError(t, err)
	primary, err := pairing.NewPrimary()
	require.NoError(t, err)
	device := pairing.DeviceIdentity{RawID: 77, Timestamp: 1_700_000_000, KeyIndex: 4}

	res, err := pairing.Configure(pairSuccess(primary.Approve(scan(t, creds), device)), creds)
	require.NoError(t, err)

	assert.Equal(t, domain.MustParseJID("4477:3@s.whatsapp.net"), res.Me)
	require.NotNil(t, res.LID)
	assert.Equal(t, domain.MustParseJID("9001:3@lid"), *res.LID)
	assert.Equal(t, "smba", res.Platform)
	assert.Equal(t, "Shop", res.Name)
	assert.Equal(t, primary.Pub, res.Account.AccountSignatureKey)
	assert.NotEmpty(t, res.Account.DeviceSignature)

	assert.Equal(t, "ps1", res.Reply.Attr("id"))
	assert.Equal(t, "result", res.Reply.Attr("type"))
	sign, ok := res.Reply.Child("pair-device-sign")
	require.True(t, ok)
	di, ok := sign.Child("device-identity")
	require.True(t, ok)
	assert.Equal(t, "4", di.Attr("key-index"))
	require.NoError(t, primary.VerifyReply(di.Payload, scan(t, creds), device))

	other := device
	other.KeyIndex = 5
	assert.Error(t, primary.VerifyReply(di.Payload, scan(t, creds), other))

	stranger, err := identity.NewCreds()
	require.NoError(t, err)
	assert.ErrorIs(t, primary.VerifyReply(di.Payload, scan(t, stranger), device), pairing.ErrBadDeviceSignature)
}

func TestConfigureRejects(t *testing.T) {
	creds, err := identity.NewCreds()
	require.NoError(t, err)
	primary, err := pairing.NewPrimary()
	require.NoError(t, err)
	device := pairing.DeviceIdentity{RawID: 1, KeyIndex: 1}

	t.Run("missing nodes", func(t *testing.T) {
		_, err := pairing.Configure(domain.Node{Tag: "iq", Children: []domain.Node{{Tag: "pair-success"}}}, creds)
		assert.ErrorIs(t, err, pairing.ErrMissingNodes)
	})

	t.Run("other adv secret", func(t *testing.T) {
		code := scan(t, creds)
		code.AdvSecret = []byte("not the secret")
		_, err := pairing.Configure(pairSuccess(primary.Approve(code, device)), creds)
		assert.ErrorIs(t, err, pairing.ErrBadHMAC)
	})

	t.Run("signed for another identity", func(t *testing.T) {
		stranger, err := identity.NewCreds()
		require.NoError(t, err)
		code := scan(t, stranger)
		code.AdvSecret = creds.AdvSecretKey
		_, err = pairing.Configure(pairSuccess(primary.Approve(code, device)), creds)
		assert.ErrorIs(t, err, pairing.ErrBadAccountSignature)
	})

	t.Run("garbage identity", func(t *testing.T) {
		_, err := pairing.Configure(pairSuccess([]byte{0xff, 0xff}), creds)
		assert.ErrorIs(t, err, pairing.ErrMalformed)
	})
}

func TestDeviceIdentityFields(t *testing.T) {
	d := pairing.DeviceIdentity{RawID: 9, Timestamp: 123, KeyIndex: 2, AccountType: pairing.TypeHosted, DeviceType: pairing.TypeHosted}
	got, err := pairing.ParseDeviceIdentity(d.Marshal())
	require.NoError(t, err)
	assert.Equal(t, d, got)
}
