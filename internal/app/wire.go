package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"companion/internal/config"
	"companion/internal/domain"
	"companion/internal/keystore"
	"companion/internal/scheduler"
	"companion/internal/services/identity"
	"companion/internal/services/mapping"
	"companion/internal/services/message"
	"companion/internal/services/session"
	"companion/internal/store"
)

const (
	inboxSize = 64
	qrBuffer  = 8
)

// Wire bundles the credential store and identity service for the CLI.
type Wire struct {
	cfg      Config
	logger   *slog.Logger
	Creds    *store.CredsFileStore
	Identity *identity.Service
}

// NewWire constructs the credential layer from cfg.
func NewWire(cfg Config) *Wire {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg.Logger = logger
	creds := store.NewCredsFileStore(cfg.Home, store.WithKDFCost(cfg.Settings.Store.KDFCost))
	return &Wire{
		cfg:      cfg,
		logger:   logger,
		Creds:    creds,
		Identity: identity.New(creds, logger.With("component", "identity")),
	}
}

// Open unlocks the credentials and builds the key store and services. The
// returned Client is not connected.
func (w *Wire) Open(ctx context.Context, passphrase string) (*Client, error) {
	acct, err := w.Identity.Unlock(passphrase)
	if err != nil {
		return nil, err
	}
	backend, closer, err := w.openBackend(ctx, acct)
	if err != nil {
		return nil, err
	}

	st := w.cfg.Settings.Store
	cached := keystore.NewCached(backend, st.CacheTTL.Std(), w.logger)
	keys := keystore.New(cached, keystore.Options{
		MaxCommitRetries:  st.MaxCommitRetries,
		DelayBetweenTries: st.DelayBetweenTries.Std(),
		Logger:            w.logger,
	})
	mappings := mapping.New(keys, mapping.WithLogger(w.logger))
	sessions := session.New(keys, mappings, localKeys(acct), session.WithLogger(w.logger))

	return &Client{
		cfg:       w.cfg.Settings,
		logger:    w.logger,
		dial:      w.cfg.Dial,
		account:   acct,
		closer:    closer,
		keys:      keys,
		scheduler: scheduler.New(scheduler.WithLogger(w.logger)),
		inbound:   scheduler.New(scheduler.WithLogger(w.logger), scheduler.WithMaxConcurrent(1)),
		mappings:  mappings,
		sessions:  sessions,
		devices:   keystore.NewBucket[[]uint16](keys, domain.KindDeviceList),
		inbox:     make(chan message.Message, inboxSize),
		qrs:       make(chan string, qrBuffer),
	}, nil
}

func (w *Wire) openBackend(ctx context.Context, acct *identity.Account) (domain.KeyBackend, io.Closer, error) {
	st := w.cfg.Settings.Store
	path := config.ResolvePath(w.cfg.Home, st.Path)
	switch st.Driver {
	case config.DriverMemory:
		return keystore.NewMemory(), nil, nil
	case config.DriverSQLite:
		b, err := store.OpenSQLite(path, 0, w.logger)
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	case config.DriverFile:
		key, err := storageKey(ctx, acct)
		if err != nil {
			return nil, nil, err
		}
		b, err := store.NewFileBackend(path, key)
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil
	default:
		return nil, nil, fmt.Errorf("app: unknown store driver %q", st.Driver)
	}
}

// storageKey returns the file backend key, creating it on first use.
func storageKey(ctx context.Context, acct *identity.Account) (string, error) {
	creds, err := acct.Creds(ctx)
	if err != nil {
		return "", err
	}
	if creds.StorageKey != "" {
		return creds.StorageKey, nil
	}
	key, err := store.NewStorageKey()
	if err != nil {
		return "", err
	}
	err = acct.Update(ctx, func(c *domain.AuthCreds) error {
		if c.StorageKey == "" {
			c.StorageKey = key
		}
		key = c.StorageKey
		return nil
	})
	return key, err
}

func localKeys(acct *identity.Account) session.LocalKeysFunc {
	return func(ctx context.Context) (session.LocalKeys, error) {
		creds, err := acct.Creds(ctx)
		if err != nil {
			return session.LocalKeys{}, err
		}
		return session.LocalKeys{
			Identity:       creds.Identity,
			RegistrationID: creds.RegistrationID,
			SignedPreKey:   creds.SignedPreKey,
		}, nil
	}
}
