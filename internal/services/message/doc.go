// Package message sends and receives encrypted one-to-one messages.
//
// Outgoing plaintext is encrypted through the session repository and sent
// as <message><enc type="pkmsg|msg"/></message>; the first message to a
// peer fetches its pre-key bundle to start the session. Incoming message
// nodes are decrypted the same way and acked to the server once the
// plaintext is recovered.
package message
