// Package keystore is the transactional signal key store.
//
// A Store sits in front of a domain.KeyBackend and adds:
//
//   - transactions keyed by a name, serialized by a ref-counted registry of
//     named mutexes, with nested calls joining the caller's transaction;
//   - per-transaction read caching, so each record is fetched at most once;
//   - a single batched commit with bounded retries when the outermost
//     transaction finishes.
//
// Transactions are explicit: every operation takes a *Tx, and a nil *Tx
// means "no transaction". Reads outside a transaction never block on
// transaction locks.
//
// CachedBackend adds a read-through TTL cache in front of any backend and
// Memory is an in-process backend used by tests and the "memory" driver.
package keystore
