package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/koderena/koderena/internal/verification/entity"
)

// CreateSession installs a new ACTIVE session in a single transaction:
// any prior ACTIVE session for the email is superseded, the new row is
// inserted, and pending login/registration records awaiting an OTP are
// re-bound to the new token hash. Doing all three atomically means a crash
// can never leave an external flow pointing at a stale hash.
func (s *DB) CreateSession(ctx context.Context, in entity.OtpSession) (err error) {
	ctx, span := s.startSpan(ctx, "CreateSession")
	defer func() { s.endSpan(span, err) }()

	tx, err := s.conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return s.mapError(err)
	}
	defer func() {
		if rErr := tx.Rollback(ctx); rErr != nil && !errors.Is(rErr, pgx.ErrTxClosed) {
			slog.ErrorContext(ctx, "failed to rollback", "error", rErr)
		}
	}()

	if _, err = tx.Exec(ctx, `
		UPDATE otp_sessions
		SET status = $1, updated_at = NOW()
		WHERE email = $2 AND status = $3`,
		entity.OtpStatusSuperseded, in.Email, entity.OtpStatusActive,
	); err != nil {
		return s.mapError(err)
	}

	if _, err = tx.Exec(ctx, `
		INSERT INTO otp_sessions
			(id, email, session_token_hash, action, status, attempts, ip, user_agent, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		in.ID, in.Email, in.SessionTokenHash, in.Action, in.Status, in.Attempts,
		in.IP, in.UserAgent, in.ExpiresAt,
	); err != nil {
		return s.mapError(err)
	}

	if _, err = tx.Exec(ctx, `
		UPDATE pending_logins
		SET session_token_hash = $1, updated_at = NOW()
		WHERE email = $2 AND status = $3`,
		in.SessionTokenHash, in.Email, entity.PendingLoginStatusPendingOtp,
	); err != nil {
		return s.mapError(err)
	}

	if _, err = tx.Exec(ctx, `
		UPDATE pending_registrations
		SET session_token_hash = $1, updated_at = NOW()
		WHERE email = $2 AND status = $3`,
		in.SessionTokenHash, in.Email, entity.PendingRegistrationStatusPending,
	); err != nil {
		return s.mapError(err)
	}

	if err = tx.Commit(ctx); err != nil {
		return s.mapError(err)
	}

	return nil
}
