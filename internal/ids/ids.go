// Package ids generates gateway-side request identifiers.
package ids

import (
	"crypto/rand"
	"encoding/hex"
)

const prefix = "req_"

// New returns a fresh request id: the req_ prefix plus 128 bits of
// crypto/rand hex.
func New() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return prefix + hex.EncodeToString(buf)
}
