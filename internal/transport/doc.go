// Package transport is the client's framed, noise-secured connection.
//
// A Conn dials the server, runs the XX handshake, and then owns a single
// reader goroutine that decrypts frames, decodes them into nodes and
// dispatches them to subscribers in arrival order. Subscribers register
// for event names:
//
//	frame                         every node
//	TAG:<id>                      nodes whose id attribute is <id>
//	CB:<tag>,<attr>:<val>,<child> tag, one attribute and first child tag
//	CB:<tag>,<attr>:<val>         tag and one attribute
//	CB:<tag>,<attr>               tag and attribute name
//	CB:<tag>,,<child>             tag and first child tag
//	CB:<tag>                      tag only
//
// The connection moves through Idle, Connecting, Handshaking, Open,
// Closing and Closed; Closed is terminal. Close is idempotent.
package transport
