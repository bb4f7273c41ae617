// Package pairing links this device to an account as a companion.
//
// The server asks an unpaired device to show QR codes (Refs, QR). The
// primary device scans one and vouches for the companion with a signed
// device identity, wrapped in an HMAC keyed by the companion's adv secret.
// Configure checks both layers, countersigns the identity with the
// companion's signing key and builds the reply. Primary is the phone's
// half of the exchange, used by the relay.
package pairing
