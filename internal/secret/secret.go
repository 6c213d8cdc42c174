package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

const plaintextSize = 32 // 256 bits of entropy

// ErrMalformed is returned when a presented token is not a well-formed
// encoding of a generated secret. Rejected before any storage access.
var ErrMalformed = errors.New("malformed secret token")

// Generate mints a new opaque secret. The plaintext is handed to the
// caller exactly once; only the digest is ever persisted.
func Generate() (plaintext string, digest [32]byte, err error) {
	var raw [plaintextSize]byte
	if _, err = rand.Read(raw[:]); err != nil {
		return "", digest, err
	}
	plaintext = base64.RawURLEncoding.EncodeToString(raw[:])
	digest = sha256.Sum256(raw[:])
	return plaintext, digest, nil
}

// Digest recomputes the storage digest for a presented plaintext.
// Pure and deterministic; fails only on malformed input.
func Digest(plaintext string) ([32]byte, error) {
	var digest [32]byte

	raw, err := base64.RawURLEncoding.DecodeString(plaintext)
	if err != nil {
		return digest, ErrMalformed
	}
	if len(raw) != plaintextSize {
		return digest, ErrMalformed
	}
	return sha256.Sum256(raw), nil
}

// DigestPrefix returns a short hex prefix of a digest, safe for log
// correlation. Never log the plaintext.
func DigestPrefix(digest [32]byte) string {
	return hex.EncodeToString(digest[:4])
}
