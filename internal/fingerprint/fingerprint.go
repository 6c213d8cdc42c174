// Package fingerprint derives stable device identifiers from client signals.
package fingerprint

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"strings"
)

// Device hashes an ordered list of client signals into one identifier.
// Each signal is trimmed and length-prefixed before hashing, so
// ("ab","c") and ("a","bc") produce different identifiers. Signal order
// matters; callers must pass signals in a fixed order.
func Device(signals ...string) [32]byte {
	h := sha256.New()
	var n [4]byte
	for _, s := range signals {
		s = Normalize(s)
		binary.BigEndian.PutUint32(n[:], uint32(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// Signal hashes one normalized signal on its own. Per-signal hashes let
// the caller tell which signal diverged without storing raw values.
func Signal(v string) [32]byte {
	return sha256.Sum256([]byte(Normalize(v)))
}

// Normalize collapses runs of whitespace and trims the ends, so rewrapped
// or padded header values map to the same identifier.
func Normalize(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

func Equal(a, b [32]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
