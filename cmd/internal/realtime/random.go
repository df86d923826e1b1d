package realtime

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRandomHex returns 2*nBytes hex characters from crypto/rand, used for
// per-connection session ids. nBytes <= 0 falls back to 16 bytes.
// An empty return means the randomness source failed; callers log and drop
// the connection rather than reuse an id.
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}

	return hex.EncodeToString(b)
}
