package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"

	"companion/internal/domain"
)

// NewStorageKey returns a fresh age identity for a FileBackend, encoded
// as AGE-SECRET-KEY-1...
func NewStorageKey() (string, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("store: generate storage key: %w", err)
	}
	return id.String(), nil
}

// FileBackend keeps one age-sealed file per record under a directory.
// Files are named "<kind>-<id>" with '/' written as "__" and ':' as '-'.
type FileBackend struct {
	dir       string
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
	mu        sync.RWMutex
}

// NewFileBackend opens dir with the storage key from NewStorageKey. The
// directory is created if missing.
func NewFileBackend(dir, storageKey string) (*FileBackend, error) {
	id, err := age.ParseX25519Identity(storageKey)
	if err != nil {
		return nil, fmt.Errorf("store: parse storage key: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileBackend{dir: dir, identity: id, recipient: id.Recipient()}, nil
}

// FileName is the file a record is stored under.
func FileName(kind domain.KeyKind, id string) string {
	name := string(kind) + "-" + id
	name = strings.ReplaceAll(name, "/", "__")
	return strings.ReplaceAll(name, ":", "-")
}

// Get reads the ids that exist.
func (b *FileBackend) Get(ctx context.Context, kind domain.KeyKind, ids []string) (map[string][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sealed, err := readFile(filepath.Join(b.dir, FileName(kind, id)))
		if err != nil {
			return nil, err
		}
		if sealed == nil {
			continue
		}
		v, err := b.open(sealed)
		if err != nil {
			return nil, fmt.Errorf("store: %s/%s: %w", kind, id, err)
		}
		out[id] = v
	}
	return out, nil
}

// Set stages every write before renaming any of them into place, so a
// failure while sealing or writing leaves the directory untouched.
func (b *FileBackend) Set(ctx context.Context, data domain.KeyMutation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	type staged struct{ tmp, path string }
	var (
		writes  []staged
		deletes []string
	)
	cleanup := func() {
		for _, w := range writes {
			_ = os.Remove(w.tmp)
		}
	}
	for kind, records := range data {
		for id, v := range records {
			if err := ctx.Err(); err != nil {
				cleanup()
				return err
			}
			path := filepath.Join(b.dir, FileName(kind, id))
			if v == nil {
				deletes = append(deletes, path)
				continue
			}
			sealed, err := b.seal(v)
			if err != nil {
				cleanup()
				return err
			}
			tmp, err := stageFile(path, sealed, 0o600)
			if err != nil {
				cleanup()
				return err
			}
			writes = append(writes, staged{tmp: tmp, path: path})
		}
	}
	for i, w := range writes {
		if err := os.Rename(w.tmp, w.path); err != nil {
			writes = writes[i:]
			cleanup()
			return err
		}
	}
	for _, p := range deletes {
		if err := removeFile(p); err != nil {
			return err
		}
	}
	return nil
}

func (b *FileBackend) seal(v []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, b.recipient)
	if err != nil {
		return nil, fmt.Errorf("store: age encrypt: %w", err)
	}
	if _, err := w.Write(v); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("store: age finalize: %w", err)
	}
	return buf.Bytes(), nil
}

func (b *FileBackend) open(sealed []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(sealed), b.identity)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	return io.ReadAll(r)
}

var _ domain.KeyBackend = (*FileBackend)(nil)
