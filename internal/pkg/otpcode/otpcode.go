package otpcode

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
)

// MinTokenLength is the minimum accepted session token length.
//
// Anything shorter does not carry enough entropy to act as HMAC input for a
// challenge, so derivation refuses it outright.
const MinTokenLength = 32

const codeSpace = 1_000_000 // 6 decimal digits

// ErrTokenTooShort is returned when the session token is shorter than MinTokenLength.
var ErrTokenTooShort = errors.New("otpcode: session token must be at least 32 characters")

// Deriver computes one-time codes from opaque session tokens.
//
// The derivation is stateless: the code is HMAC-SHA256(secret, token) truncated
// to the first 4 bytes, read big-endian, reduced mod 1,000,000 and zero-padded
// to 6 digits. Because the code is recomputable from the token, no code value
// is ever persisted anywhere.
type Deriver struct {
	secret []byte
}

// NewDeriver creates a Deriver keyed with the given HMAC secret.
func NewDeriver(secret string) *Deriver {
	return &Deriver{secret: []byte(secret)}
}

// Derive returns the 6-digit code for a session token.
func (d *Deriver) Derive(token string) (string, error) {
	if len(token) < MinTokenLength {
		return "", ErrTokenTooShort
	}

	mac := hmac.New(sha256.New, d.secret)
	mac.Write([]byte(token))
	sum := mac.Sum(nil)

	n := binary.BigEndian.Uint32(sum[:4]) % codeSpace

	return fmt.Sprintf("%06d", n), nil
}

// Matches reports whether the given code equals the code derived from token.
//
// The comparison is constant-time. A token that fails derivation never matches.
func (d *Deriver) Matches(token, code string) bool {
	expected, err := d.Derive(token)
	if err != nil {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1
}
