package types_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/internal/domain/types"
)

func TestParseX25519Public(t *testing.T) {
	want := types.X25519Public{1, 2, 3}

	got, err := types.ParseX25519Public(want.Slice())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	prefixed := want.Prefixed()
	require.Len(t, prefixed, 33)
	assert.Equal(t, types.KeyTypeDJB, prefixed[0])
	got, err = types.ParseX25519Public(prefixed)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	prefixed[0] = 0x06
	_, err = types.ParseX25519Public(prefixed)
	assert.Error(t, err)
	_, err = types.ParseX25519Public(make([]byte, 31))
	assert.Error(t, err)
}
