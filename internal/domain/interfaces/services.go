package interfaces

import (
	"context"
	"time"

	domaintypes "companion/internal/domain/types"
)

// NodeCodec turns nodes into frame payloads and back.
type NodeCodec interface {
	EncodeNode(n domaintypes.Node) ([]byte, error)
	DecodeNode(b []byte) (domaintypes.Node, error)
}

// Querier sends a request node and waits for its correlated response. A
// nil node with a nil error means the deadline passed.
type Querier interface {
	Query(ctx context.Context, n domaintypes.Node, timeout time.Duration) (*domaintypes.Node, error)
}
