// Package main runs the development relay: a server that speaks the
// companion wire protocol over TCP so the client can be exercised without
// the real service.
//
// Protocol
//
//	Transport   Noise XX handshake behind the four-byte intro header, then
//	            3-byte length-prefixed encrypted frames carrying CBOR nodes.
//
//	Login       The client payload is checked and answered with
//	            <ib><edge_routing/></ib> followed by <success/>, which
//	            carries lid="<lid>@lid" when the phone user was seeded
//	            with --lid, and an empty <offline_preview/>.
//
//	Pairing     A device logging in without a username is sent
//	            <pair-device/> with three refs. With --pair-as, QR codes
//	            pasted on stdin are approved as that phone and device;
//	            the device is then told to restart (515).
//
//	iq w:p      Ping.
//	iq encrypt  Pre-key count (get) and pre-key upload (set).
//	iq usync    PN to LID lookup and contact checks against the directory.
//	iq md       remove-companion-device on logout.
//	ib          offline_batch, always answered with an empty backlog.
//
// Behaviour
//
//   - All state is held in memory and lost on process exit.
//   - The static key is ephemeral unless --key-file is given.
//   - The default listen address is 127.0.0.1:5222, matching the client
//     defaults.
//
// The relay never sees plaintext message content or private keys; it only
// holds public pre-keys and the seeded directory.
package main
