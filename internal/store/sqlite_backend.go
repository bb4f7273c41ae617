package store

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"companion/internal/domain"
)

const schema = `CREATE TABLE IF NOT EXISTS keys (
	kind  TEXT NOT NULL,
	id    TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (kind, id)
) WITHOUT ROWID;`

// SQLiteBackend keeps key records in one SQLite table. Each Set is a
// single IMMEDIATE transaction.
type SQLiteBackend struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
}

// OpenSQLite opens or creates the database at path. Use ":memory:" with
// poolSize 1 for a throwaway database.
func OpenSQLite(path string, poolSize int, logger *slog.Logger) (*SQLiteBackend, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	logger.Info("sqlite key store opened", "path", path, "pool_size", poolSize)
	return &SQLiteBackend{pool: pool, path: path, logger: logger}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// Get reads the ids that exist.
func (b *SQLiteBackend) Get(ctx context.Context, kind domain.KeyKind, ids []string) (map[string][]byte, error) {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: get: %w", err)
	}
	defer b.pool.Put(conn)

	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		err := sqlitex.Execute(conn, "SELECT value FROM keys WHERE kind = ? AND id = ?", &sqlitex.ExecOptions{
			Args: []any{string(kind), id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				v := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, v)
				out[id] = v
				return nil
			},
		})
		if err != nil {
			return nil, fmt.Errorf("store: get %s/%s: %w", kind, id, err)
		}
	}
	return out, nil
}

// Set applies the whole mutation in one transaction.
func (b *SQLiteBackend) Set(ctx context.Context, data domain.KeyMutation) (err error) {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: set: %w", err)
	}
	defer b.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for kind, records := range data {
		for id, v := range records {
			if v == nil {
				err = sqlitex.Execute(conn, "DELETE FROM keys WHERE kind = ? AND id = ?", &sqlitex.ExecOptions{
					Args: []any{string(kind), id},
				})
			} else {
				err = sqlitex.Execute(conn,
					"INSERT INTO keys (kind, id, value) VALUES (?, ?, ?) ON CONFLICT (kind, id) DO UPDATE SET value = excluded.value",
					&sqlitex.ExecOptions{Args: []any{string(kind), id, v}})
			}
			if err != nil {
				return fmt.Errorf("store: set %s/%s: %w", kind, id, err)
			}
		}
	}
	return nil
}

// Close closes the connection pool.
func (b *SQLiteBackend) Close() error {
	if err := b.pool.Close(); err != nil {
		return fmt.Errorf("store: close %s: %w", b.path, err)
	}
	b.logger.Info("sqlite key store closed", "path", b.path)
	return nil
}

var _ domain.KeyBackend = (*SQLiteBackend)(nil)
