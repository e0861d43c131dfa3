package hash

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// SHA256 implements the Hash interface with a plain (unkeyed) SHA-256 digest.
//
// Use it for values that must be findable by exact hash lookup, like session
// token hashes used as storage keys. Keyed hashing cannot serve that case
// when the looker-up and the writer share no secret.
type SHA256 struct{}

// NewSHA256 creates a new unkeyed hasher.
func NewSHA256() *SHA256 {
	return &SHA256{}
}

// Hash returns the SHA-256 digest of the input string (hex-encoded).
func (s *SHA256) Hash(str string) ([]byte, error) {
	return s.gen(str), nil
}

// Verify checks whether the plaintext string matches the given hash.
func (s *SHA256) Verify(hashed, str string) bool {
	expected := s.gen(str)
	return subtle.ConstantTimeCompare([]byte(hashed), expected) == 1
}

func (s *SHA256) gen(str string) []byte {
	sum := sha256.Sum256([]byte(str))
	result := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(result, sum[:])
	return result
}
