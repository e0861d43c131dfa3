package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/koderena/koderena/internal/verification/entity"
)

// RegisterFailedAttempt bumps the attempt counter and, when the bump reaches
// the max, flips the session to BLOCKED in the same statement. The WHERE on
// status makes concurrent updates safe: only one writer ever applies a given
// increment, and a session already out of ACTIVE is left untouched.
func (s *DB) RegisterFailedAttempt(ctx context.Context, id int64, maxAttempts int32) (_ *entity.AttemptResult, err error) {
	ctx, span := s.startSpan(ctx, "RegisterFailedAttempt")
	defer func() { s.endSpan(span, err) }()

	row := s.conn.QueryRow(ctx, `
		UPDATE otp_sessions
		SET attempts = attempts + 1,
			status = CASE WHEN attempts + 1 >= $1 THEN $2::smallint ELSE status END,
			updated_at = NOW()
		WHERE id = $3 AND status = $4
		RETURNING attempts, status`,
		maxAttempts, entity.OtpStatusBlocked, id, entity.OtpStatusActive,
	)

	var (
		attempts int32
		status   entity.OtpStatus
	)
	if err = row.Scan(&attempts, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = nil
			return &entity.AttemptResult{Applied: false}, nil
		}
		return nil, s.mapError(err)
	}

	return &entity.AttemptResult{
		Applied:  true,
		Attempts: attempts,
		Blocked:  status == entity.OtpStatusBlocked,
	}, nil
}

// MarkSessionUsed is conditional on the session still being ACTIVE; the
// boolean result tells the caller whether this request won the transition.
func (s *DB) MarkSessionUsed(ctx context.Context, id int64, at time.Time) (_ bool, err error) {
	ctx, span := s.startSpan(ctx, "MarkSessionUsed")
	defer func() { s.endSpan(span, err) }()

	tag, err := s.conn.Exec(ctx, `
		UPDATE otp_sessions
		SET status = $1, used_at = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		entity.OtpStatusUsed, at, id, entity.OtpStatusActive,
	)
	if err != nil {
		return false, s.mapError(err)
	}

	return tag.RowsAffected() == 1, nil
}

func (s *DB) MarkSessionExpired(ctx context.Context, id int64) (err error) {
	ctx, span := s.startSpan(ctx, "MarkSessionExpired")
	defer func() { s.endSpan(span, err) }()

	_, err = s.conn.Exec(ctx, `
		UPDATE otp_sessions
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		entity.OtpStatusExpired, id, entity.OtpStatusActive,
	)
	return s.mapError(err)
}

func (s *DB) MarkSessionBlocked(ctx context.Context, id int64) (err error) {
	ctx, span := s.startSpan(ctx, "MarkSessionBlocked")
	defer func() { s.endSpan(span, err) }()

	_, err = s.conn.Exec(ctx, `
		UPDATE otp_sessions
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		entity.OtpStatusBlocked, id, entity.OtpStatusActive,
	)
	return s.mapError(err)
}

func (s *DB) SetUserResetToken(ctx context.Context, grant entity.VerificationGrant) (err error) {
	ctx, span := s.startSpan(ctx, "SetUserResetToken")
	defer func() { s.endSpan(span, err) }()

	_, err = s.conn.Exec(ctx, `
		UPDATE users
		SET reset_password_token = $1, reset_password_expiry = $2, updated_at = NOW()
		WHERE email = $3 AND deleted_at IS NULL`,
		grant.TokenHash, grant.ExpiresAt, grant.Email,
	)
	return s.mapError(err)
}

// MarkRegistrationOtpVerified moves a pending registration to OTP_VERIFIED
// and stamps the follow-up token. A registration already in OTP_VERIFIED is
// re-stamped rather than rejected, matching a user who verifies again after
// abandoning the final step.
func (s *DB) MarkRegistrationOtpVerified(ctx context.Context, grant entity.VerificationGrant) (err error) {
	ctx, span := s.startSpan(ctx, "MarkRegistrationOtpVerified")
	defer func() { s.endSpan(span, err) }()

	_, err = s.conn.Exec(ctx, `
		UPDATE pending_registrations
		SET status = $1,
			otp_verified_at = NOW(),
			verification_token_hash = $2,
			verification_expiry = $3,
			updated_at = NOW()
		WHERE email = $4 AND status IN ($1, $5)`,
		entity.PendingRegistrationStatusOtpVerified,
		grant.TokenHash, grant.ExpiresAt, grant.Email,
		entity.PendingRegistrationStatusPending,
	)
	return s.mapError(err)
}
