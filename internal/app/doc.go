// Package app wires the client together.
//
// Wire opens the credentials and the key store described by the
// configuration and builds the services on top of them. Client owns one
// connection at a time: it installs the handlers for server-initiated nodes
// (stream end, stream errors, login failure and success, edge routing),
// starts the keepalive, and on login success makes sure the server holds
// enough pre-keys and that the account's own LID mapping is recorded.
//
// An unregistered device is paired over the same connection: QR codes
// are published on QRCodes, and after pair-success the server asks for a
// restart, after which Connect logs in as the paired account.
package app
