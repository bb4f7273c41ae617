// Package store provides on-disk persistence for the device.
//
// CredsFileStore keeps the credentials in a single file sealed by a
// passphrase (scrypt + ChaCha20-Poly1305). The key backends implement
// domain.KeyBackend for the signal key store:
//   - FileBackend writes one age-sealed file per record.
//   - SQLiteBackend keeps records in a single SQLite table.
//
// Writes go through a temp file and a rename so a crash never leaves a
// half-written record behind.
package store
