package codec_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"companion/internal/codec"
	"companion/internal/domain"
)

func TestNodeCodec_PreservesChildrenAndPayload(t *testing.T) {
	in := domain.Node{
		Tag:   "iq",
		Attrs: domain.Attrs{"id": "abc.1", "type": "result"},
		Children: []domain.Node{
			{Tag: "count", Attrs: domain.Attrs{"value": "12"}},
			{Tag: "registration", Payload: []byte{0, 0, 0, 7}},
		},
	}
	var c codec.NodeCodec
	b, err := c.EncodeNode(in)
	require.NoError(t, err)

	out, err := c.DecodeNode(b)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestNodeCodec_Deterministic(t *testing.T) {
	n := domain.Node{Tag: "x", Attrs: domain.Attrs{"b": "2", "a": "1", "c": "3"}}
	var c codec.NodeCodec
	first, err := c.EncodeNode(n)
	require.NoError(t, err)
	for range 10 {
		again, err := c.EncodeNode(n)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestNodeCodec_RejectsUntagged(t *testing.T) {
	var c codec.NodeCodec
	_, err := c.EncodeNode(domain.Node{})
	require.Error(t, err)

	_, err = c.DecodeNode([]byte{0xff})
	require.Error(t, err)
}

func TestPayload_PlainAndCompressed(t *testing.T) {
	data := bytes.Repeat([]byte("stanza"), 500)

	plain, err := codec.PackPayload(data, false)
	require.NoError(t, err)
	require.Equal(t, byte(0), plain[0])

	packed, err := codec.PackPayload(data, true)
	require.NoError(t, err)
	require.Equal(t, codec.FlagCompressed, packed[0])
	require.Less(t, len(packed), len(plain))

	for _, b := range [][]byte{plain, packed} {
		got, err := codec.UnpackPayload(b)
		require.NoError(t, err)
		require.Equal(t, data, got)
	}
}

func TestPayload_Errors(t *testing.T) {
	_, err := codec.UnpackPayload(nil)
	require.Error(t, err)

	_, err = codec.UnpackPayload([]byte{codec.FlagCompressed, 1, 2, 3})
	require.Error(t, err)
}
