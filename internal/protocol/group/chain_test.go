package group

import (
	"crypto/hmac"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChainKey_DerivationSeeds(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	c := ChainKey{Iteration: 4, Seed: seed}

	mac := func(b byte) []byte {
		h := hmac.New(sha256.New, seed)
		h.Write([]byte{b})
		return h.Sum(nil)
	}

	mk := c.MessageKey()
	require.Equal(t, uint32(4), mk.Iteration)
	require.Equal(t, mac(0x01), mk.Seed)

	next := c.Next()
	require.Equal(t, uint32(5), next.Iteration)
	require.Equal(t, mac(0x02), next.Seed)
	require.Equal(t, uint32(4), c.Iteration, "Next must not mutate the receiver")
}

func TestChainKey_Deterministic(t *testing.T) {
	a := ChainKey{Seed: []byte("0123456789abcdef0123456789abcdef")}
	b := ChainKey{Seed: []byte("0123456789abcdef0123456789abcdef")}
	for range 10 {
		a, b = a.Next(), b.Next()
	}
	require.Equal(t, a, b)
	require.Equal(t, uint32(10), a.Iteration)
}

func TestState_RetentionCapEvictsOldest(t *testing.T) {
	s := NewSenderKeyState(1, ChainKey{Seed: make([]byte, 32)}, [32]byte{}, nil)
	for i := uint32(0); i < MaxMessageKeys+1; i++ {
		s.AddMessageKey(MessageKey{Iteration: i, Seed: []byte{byte(i)}})
	}
	require.Equal(t, MaxMessageKeys, s.MessageKeyCount())
	require.False(t, s.HasMessageKey(0))
	require.True(t, s.HasMessageKey(1))
	require.True(t, s.HasMessageKey(MaxMessageKeys))
}

func TestState_TakeIsSingleUse(t *testing.T) {
	s := NewSenderKeyState(1, ChainKey{Seed: make([]byte, 32)}, [32]byte{}, nil)
	s.AddMessageKey(MessageKey{Iteration: 9, Seed: []byte{9}})

	mk, ok := s.TakeMessageKey(9)
	require.True(t, ok)
	require.Equal(t, []byte{9}, mk.Seed)

	_, ok = s.TakeMessageKey(9)
	require.False(t, ok)
	require.Zero(t, s.MessageKeyCount())
}
