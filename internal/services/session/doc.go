// Package session is the repository behind message encryption. It
// resolves addresses through the LID mapping, opens one key-store
// transaction per call keyed by the peer address or the group, and runs
// the one-to-one cipher or the group sender-key cipher inside it. Session
// state changes are committed only when the cipher succeeds.
package session
