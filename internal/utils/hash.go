package utils

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// HashBytes calculates the BLAKE3 hash of a byte slice
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint is a short, stable identifier for secret material that is safe
// to log or put in a token header
func Fingerprint(secret []byte) string {
	return HashBytes(secret)[:16]
}
