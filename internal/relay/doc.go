// Package relay is a minimal server-side peer for the client protocol. It
// accepts connections, runs the responder half of the noise handshake and
// answers iq requests through pluggable handlers. Default handlers cover
// keepalive pings, pre-key counts and uploads, usync LID and contact
// lookups backed by an in-memory Directory, and companion removal. The
// server can also play a primary device and pair an unregistered client.
//
// cmd/relay runs it as a local development server; the transport,
// correlator and app tests use it in-process over net.Pipe.
package relay
