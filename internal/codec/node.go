package codec

import (
	"fmt"

	"companion/internal/domain"
)

// NodeCodec encodes protocol nodes as CBOR maps.
type NodeCodec struct{}

// EncodeNode implements domain.NodeCodec.
func (NodeCodec) EncodeNode(n domain.Node) ([]byte, error) {
	if n.Tag == "" {
		return nil, fmt.Errorf("codec: node without tag")
	}
	return Marshal(n)
}

// DecodeNode implements domain.NodeCodec.
func (NodeCodec) DecodeNode(b []byte) (domain.Node, error) {
	var n domain.Node
	if err := Unmarshal(b, &n); err != nil {
		return domain.Node{}, fmt.Errorf("codec: decode node: %w", err)
	}
	if n.Tag == "" {
		return domain.Node{}, fmt.Errorf("codec: decoded node without tag")
	}
	return n, nil
}

var _ domain.NodeCodec = NodeCodec{}
