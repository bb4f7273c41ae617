package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
)

// Fingerprint returns a display fingerprint over one or more public keys:
// SHA-256 of the length-prefixed keys, truncated to 10 bytes and printed
// as five space-separated groups of four hex digits.
func Fingerprint(keys ...[]byte) string {
	h := sha256.New()
	var n [4]byte
	for _, k := range keys {
		binary.BigEndian.PutUint32(n[:], uint32(len(k)))
		h.Write(n[:])
		h.Write(k)
	}
	digits := hex.EncodeToString(h.Sum(nil)[:10])
	groups := make([]string, 0, 5)
	for i := 0; i < len(digits); i += 4 {
		groups = append(groups, digits[i:i+4])
	}
	return strings.Join(groups, " ")
}
