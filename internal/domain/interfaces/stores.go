package interfaces

import (
	"context"

	domaintypes "companion/internal/domain/types"
)

// KeyMutation is a batch of writes grouped by kind. A nil value deletes
// the id.
type KeyMutation map[domaintypes.KeyKind]map[string][]byte

// KeyBackend is the raw persistence behind the signal key store. Set must
// apply the whole mutation or none of it.
type KeyBackend interface {
	Get(ctx context.Context, kind domaintypes.KeyKind, ids []string) (map[string][]byte, error)
	Set(ctx context.Context, data KeyMutation) error
}

// CredsStore persists the local device credentials.
type CredsStore interface {
	SaveCreds(passphrase string, creds domaintypes.AuthCreds) error
	LoadCreds(passphrase string) (domaintypes.AuthCreds, error)
}
