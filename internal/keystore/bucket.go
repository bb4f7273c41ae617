package keystore

import (
	"context"
	"fmt"

	"companion/internal/codec"
	"companion/internal/domain"
)

// Bucket is typed access to one record kind. Values are CBOR encoded.
type Bucket[T any] struct {
	store *Store
	kind  domain.KeyKind
}

// NewBucket binds kind to its record type.
func NewBucket[T any](s *Store, kind domain.KeyKind) Bucket[T] {
	return Bucket[T]{store: s, kind: kind}
}

// Kind returns the bound kind.
func (b Bucket[T]) Kind() domain.KeyKind { return b.kind }

// Get decodes the records stored under ids. Absent ids are left out.
func (b Bucket[T]) Get(ctx context.Context, tx *Tx, ids ...string) (map[string]T, error) {
	raw, err := b.store.Get(ctx, tx, b.kind, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(raw))
	for id, data := range raw {
		var v T
		if err := codec.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("keystore: decode %s %q: %w", b.kind, id, err)
		}
		out[id] = v
	}
	return out, nil
}

// GetOne returns the record for id.
func (b Bucket[T]) GetOne(ctx context.Context, tx *Tx, id string) (T, bool, error) {
	m, err := b.Get(ctx, tx, id)
	if err != nil {
		var zero T
		return zero, false, err
	}
	v, ok := m[id]
	return v, ok, nil
}

// Put stores records keyed by id.
func (b Bucket[T]) Put(ctx context.Context, tx *Tx, records map[string]T) error {
	entries := make(map[string][]byte, len(records))
	for id, v := range records {
		data, err := codec.Marshal(v)
		if err != nil {
			return fmt.Errorf("keystore: encode %s %q: %w", b.kind, id, err)
		}
		entries[id] = data
	}
	return b.store.Set(ctx, tx, domain.KeyMutation{b.kind: entries})
}

// PutOne stores a single record.
func (b Bucket[T]) PutOne(ctx context.Context, tx *Tx, id string, v T) error {
	return b.Put(ctx, tx, map[string]T{id: v})
}

// Delete removes ids.
func (b Bucket[T]) Delete(ctx context.Context, tx *Tx, ids ...string) error {
	entries := make(map[string][]byte, len(ids))
	for _, id := range ids {
		entries[id] = nil
	}
	return b.store.Set(ctx, tx, domain.KeyMutation{b.kind: entries})
}
