package db

import (
	"context"
	"time"

	"github.com/koderena/koderena/internal/verification/entity"
)

const sessionColumns = `id, email, session_token_hash, action, status, attempts, ip, user_agent,
	expires_at, used_at, created_at, updated_at`

func (s *DB) GetSessionByTokenHash(ctx context.Context, email, tokenHash string) (_ *entity.OtpSession, err error) {
	ctx, span := s.startSpan(ctx, "GetSessionByTokenHash")
	defer func() { s.endSpan(span, err) }()

	row := s.conn.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM otp_sessions
		WHERE email = $1 AND session_token_hash = $2
		ORDER BY created_at DESC
		LIMIT 1`,
		email, tokenHash,
	)

	var ses entity.OtpSession
	if err = row.Scan(
		&ses.ID, &ses.Email, &ses.SessionTokenHash, &ses.Action, &ses.Status, &ses.Attempts,
		&ses.IP, &ses.UserAgent, &ses.ExpiresAt, &ses.UsedAt, &ses.CreatedAt, &ses.UpdatedAt,
	); err != nil {
		return nil, s.mapError(err)
	}

	return &ses, nil
}

// GetRateLimitStats aggregates issuance history in one round trip: sessions
// for the email and for the IP inside the window, plus the email's most
// recent createdAt for the cooldown check.
func (s *DB) GetRateLimitStats(ctx context.Context, email, ip string, since time.Time) (_ *entity.RateLimitStats, err error) {
	ctx, span := s.startSpan(ctx, "GetRateLimitStats")
	defer func() { s.endSpan(span, err) }()

	row := s.conn.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE email = $1),
			COUNT(*) FILTER (WHERE ip = $2),
			MAX(created_at) FILTER (WHERE email = $1)
		FROM otp_sessions
		WHERE created_at >= $3 AND (email = $1 OR ip = $2)`,
		email, ip, since,
	)

	var stats entity.RateLimitStats
	if err = row.Scan(&stats.EmailCount, &stats.IPCount, &stats.LastRequestAt); err != nil {
		return nil, s.mapError(err)
	}

	return &stats, nil
}

func (s *DB) ListSessionsByEmail(ctx context.Context, email string, limit, offset int32) (_ []entity.OtpSession, _ int64, err error) {
	ctx, span := s.startSpan(ctx, "ListSessionsByEmail")
	defer func() { s.endSpan(span, err) }()

	rows, err := s.conn.Query(ctx, `
		SELECT `+sessionColumns+`, COUNT(*) OVER()
		FROM otp_sessions
		WHERE email = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		email, limit, offset,
	)
	if err != nil {
		return nil, 0, s.mapError(err)
	}
	defer rows.Close()

	var (
		sessions []entity.OtpSession
		total    int64
	)
	for rows.Next() {
		var ses entity.OtpSession
		if err = rows.Scan(
			&ses.ID, &ses.Email, &ses.SessionTokenHash, &ses.Action, &ses.Status, &ses.Attempts,
			&ses.IP, &ses.UserAgent, &ses.ExpiresAt, &ses.UsedAt, &ses.CreatedAt, &ses.UpdatedAt,
			&total,
		); err != nil {
			return nil, 0, s.mapError(err)
		}
		sessions = append(sessions, ses)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, s.mapError(err)
	}

	return sessions, total, nil
}

func (s *DB) UserExistsByEmail(ctx context.Context, email string) (_ bool, err error) {
	ctx, span := s.startSpan(ctx, "UserExistsByEmail")
	defer func() { s.endSpan(span, err) }()

	var exists bool
	err = s.conn.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE email = $1 AND deleted_at IS NULL)`,
		email,
	).Scan(&exists)
	if err != nil {
		return false, s.mapError(err)
	}

	return exists, nil
}

func (s *DB) GetPendingRegistration(ctx context.Context, email string) (_ *entity.PendingRegistration, err error) {
	ctx, span := s.startSpan(ctx, "GetPendingRegistration")
	defer func() { s.endSpan(span, err) }()

	row := s.conn.QueryRow(ctx, `
		SELECT email, status, expires_at, COALESCE(session_token_hash, '')
		FROM pending_registrations
		WHERE email = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		email,
	)

	var reg entity.PendingRegistration
	if err = row.Scan(&reg.Email, &reg.Status, &reg.ExpiresAt, &reg.SessionTokenHash); err != nil {
		return nil, s.mapError(err)
	}

	return &reg, nil
}
