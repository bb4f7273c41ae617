// Package prekey keeps the server stocked with one-time pre-keys.
//
// Keys are generated inside a key-store transaction and numbered from the
// counters in the device credentials. Uploads run in the "pre-key-upload"
// scheduler bucket, are deduplicated while one is in flight, retry with
// exponential backoff and are rate limited by a minimum interval.
package prekey
