package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"companion/internal/codec"
	"companion/internal/domain"
)

// CredsFilename is the credentials file inside the home directory.
const CredsFilename = "creds.enc"

// ErrNoCreds means the home directory holds no credentials yet.
var ErrNoCreds = errors.New("store: no credentials, run init first")

// CredsFileStore persists the device credentials sealed by a passphrase.
type CredsFileStore struct {
	path string
	kdf  kdfParams
	mu   sync.Mutex
}

// CredsOption configures a CredsFileStore.
type CredsOption func(*CredsFileStore)

// WithKDFCost sets log2 of the scrypt N used when sealing. Opening reads
// the cost from the file, so existing files stay readable.
func WithKDFCost(logN uint8) CredsOption {
	return func(s *CredsFileStore) {
		if logN > 0 {
			s.kdf.LogN = logN
		}
	}
}

// NewCredsFileStore returns a CredsFileStore keeping creds.enc under dir.
func NewCredsFileStore(dir string, opts ...CredsOption) *CredsFileStore {
	s := &CredsFileStore{path: filepath.Join(dir, CredsFilename), kdf: defaultKDF()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SaveCreds seals creds with passphrase and writes them.
func (s *CredsFileStore) SaveCreds(passphrase string, creds domain.AuthCreds) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := codec.Marshal(creds)
	if err != nil {
		return err
	}
	b, err := seal(passphrase, raw, s.kdf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return writeFile(s.path, b, 0o600)
}

// LoadCreds reads and unseals the credentials.
func (s *CredsFileStore) LoadCreds(passphrase string) (domain.AuthCreds, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := readFile(s.path)
	if err != nil {
		return domain.AuthCreds{}, err
	}
	if b == nil {
		return domain.AuthCreds{}, ErrNoCreds
	}
	raw, err := unseal(passphrase, b)
	if err != nil {
		return domain.AuthCreds{}, err
	}
	var creds domain.AuthCreds
	if err := codec.Unmarshal(raw, &creds); err != nil {
		return domain.AuthCreds{}, fmt.Errorf("store: decode creds: %w", err)
	}
	return creds, nil
}

// Exists reports whether credentials were saved.
func (s *CredsFileStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

var _ domain.CredsStore = (*CredsFileStore)(nil)
