package entity

import (
	"time"
)

// OtpSession is one OTP challenge bound to an email and a session token hash.
//
// The raw session token never touches storage; only its SHA-256 hex digest is
// kept, and the code itself is derived on demand from the raw token.
type OtpSession struct {
	ID               int64
	Email            string
	SessionTokenHash string
	Action           OtpAction
	Status           OtpStatus
	Attempts         int32
	IP               string
	UserAgent        string
	ExpiresAt        time.Time
	UsedAt           *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RateLimitStats aggregates recent issuance history for one email and one IP.
type RateLimitStats struct {
	EmailCount    int64
	IPCount       int64
	LastRequestAt *time.Time
}

// AttemptResult reports the outcome of atomically registering a failed
// verify attempt.
type AttemptResult struct {
	// Applied is false when the session was no longer active, i.e. a
	// concurrent request already moved it to a terminal state.
	Applied bool
	// Attempts is the attempt count after the increment.
	Attempts int32
	// Blocked is true when this attempt exhausted the allowance.
	Blocked bool
}

// PendingRegistration is the boundary view of a not-yet-finalized signup.
type PendingRegistration struct {
	Email            string
	Status           string
	ExpiresAt        time.Time
	SessionTokenHash string
}

// VerificationGrant carries the persistence parameters of a freshly minted
// verification token: where its hash lands and when it expires.
type VerificationGrant struct {
	Email     string
	TokenHash string
	ExpiresAt time.Time
}
