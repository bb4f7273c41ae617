package keystore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"companion/internal/domain"
)

// Defaults for commit retries.
const (
	DefaultMaxCommitRetries  = 10
	DefaultDelayBetweenTries = 3 * time.Second
)

// Options tunes a Store.
type Options struct {
	MaxCommitRetries  int
	DelayBetweenTries time.Duration
	Logger            *slog.Logger
}

// Store wraps a backend with named transactions. See the package doc.
type Store struct {
	backend   domain.KeyBackend
	txLocks   *mutexRegistry
	kindLocks *mutexRegistry

	maxRetries int
	delay      time.Duration
	logger     *slog.Logger
}

// New returns a Store over backend.
func New(backend domain.KeyBackend, opts Options) *Store {
	if opts.MaxCommitRetries <= 0 {
		opts.MaxCommitRetries = DefaultMaxCommitRetries
	}
	if opts.DelayBetweenTries < 0 {
		opts.DelayBetweenTries = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		backend:    backend,
		txLocks:    newMutexRegistry(),
		kindLocks:  newMutexRegistry(),
		maxRetries: opts.MaxCommitRetries,
		delay:      opts.DelayBetweenTries,
		logger:     logger,
	}
}

// Tx is an open transaction. It is safe for concurrent use by the
// goroutines of the work it was handed to.
type Tx struct {
	key string

	mu        sync.Mutex
	cache     map[domain.KeyKind]map[string][]byte // nil value: known absent or deleted
	mutations domain.KeyMutation
	queries   int
}

func newTx(key string) *Tx {
	return &Tx{
		key:       key,
		cache:     make(map[domain.KeyKind]map[string][]byte),
		mutations: make(domain.KeyMutation),
	}
}

// Key returns the name the transaction was opened with.
func (tx *Tx) Key() string { return tx.key }

// Queries returns how many backend reads the transaction issued.
func (tx *Tx) Queries() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.queries
}

// Get returns the stored values for ids; absent ids are left out. Inside a
// transaction, values come from the transaction cache, with misses fetched
// once under the kind's mutex.
func (s *Store) Get(ctx context.Context, tx *Tx, kind domain.KeyKind, ids []string) (map[string][]byte, error) {
	if tx == nil {
		return s.backend.Get(ctx, kind, ids)
	}

	tx.mu.Lock()
	var missing []string
	for _, id := range ids {
		if _, ok := tx.cache[kind][id]; !ok {
			missing = append(missing, id)
		}
	}
	tx.mu.Unlock()

	if len(missing) > 0 {
		release, err := s.kindLocks.acquire(ctx, string(kind))
		if err != nil {
			return nil, fmt.Errorf("keystore: lock %s: %w", kind, err)
		}
		fetched, err := s.backend.Get(ctx, kind, missing)
		release()
		if err != nil {
			return nil, fmt.Errorf("keystore: get %s: %w", kind, err)
		}

		tx.mu.Lock()
		tx.queries++
		byID := tx.cache[kind]
		if byID == nil {
			byID = make(map[string][]byte)
			tx.cache[kind] = byID
		}
		for _, id := range missing {
			// A write staged while the read was in flight wins.
			if _, ok := byID[id]; !ok {
				byID[id] = fetched[id]
			}
		}
		tx.mu.Unlock()
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		if v := tx.cache[kind][id]; v != nil {
			out[id] = v
		}
	}
	return out, nil
}

// Set writes m. Inside a transaction the writes are staged for the commit
// and visible to later reads of the same transaction only.
func (s *Store) Set(ctx context.Context, tx *Tx, m domain.KeyMutation) error {
	if tx == nil {
		return s.backend.Set(ctx, m)
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for kind, entries := range m {
		if tx.cache[kind] == nil {
			tx.cache[kind] = make(map[string][]byte)
		}
		if tx.mutations[kind] == nil {
			tx.mutations[kind] = make(map[string][]byte)
		}
		for id, v := range entries {
			tx.cache[kind][id] = v
			tx.mutations[kind][id] = v
		}
	}
	return nil
}

// Transaction runs work inside the transaction named key. When tx is
// non-nil, work joins it and nothing is committed here. Otherwise the named
// mutex is taken, a fresh transaction is opened and, if work succeeds, all
// of its writes are committed in one backend call.
func (s *Store) Transaction(ctx context.Context, tx *Tx, key string, work func(ctx context.Context, tx *Tx) error) error {
	if tx != nil {
		return work(ctx, tx)
	}

	release, err := s.txLocks.acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("keystore: lock transaction %q: %w", key, err)
	}
	defer release()

	tx = newTx(key)
	if err := work(ctx, tx); err != nil {
		s.logger.Debug("transaction rolled back", "key", key, "error", err)
		return err
	}
	return s.commit(ctx, tx)
}

// Run is Transaction for work that produces a value. The value is returned
// only once the commit has completed.
func Run[T any](ctx context.Context, s *Store, tx *Tx, key string, work func(ctx context.Context, tx *Tx) (T, error)) (T, error) {
	var out T
	err := s.Transaction(ctx, tx, key, func(ctx context.Context, tx *Tx) error {
		v, err := work(ctx, tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (s *Store) commit(ctx context.Context, tx *Tx) error {
	tx.mu.Lock()
	mutations := tx.mutations
	tx.mutations = make(domain.KeyMutation)
	tx.mu.Unlock()

	count := 0
	for _, entries := range mutations {
		count += len(entries)
	}
	if count == 0 {
		s.logger.Debug("transaction has no mutations", "key", tx.key)
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		lastErr = s.backend.Set(ctx, mutations)
		if lastErr == nil {
			s.logger.Debug("transaction committed", "key", tx.key, "mutations", count, "attempt", attempt)
			return nil
		}
		s.logger.Warn("transaction commit failed",
			"key", tx.key, "mutations", count, "attempt", attempt, "tries_left", s.maxRetries-attempt, "error", lastErr)
		if attempt == s.maxRetries {
			break
		}
		if err := sleepCtx(ctx, s.delay); err != nil {
			return &CommitError{Key: tx.key, Attempts: attempt, Err: err}
		}
	}
	return &CommitError{Key: tx.key, Attempts: s.maxRetries, Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
