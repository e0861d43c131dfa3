package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koderena/koderena/internal/pkg/instrument"
	"github.com/koderena/koderena/internal/verification/entity"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const schema = `
CREATE TABLE users (
	id                    BIGINT PRIMARY KEY,
	email                 TEXT NOT NULL,
	reset_password_token  TEXT,
	reset_password_expiry TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	deleted_at            TIMESTAMPTZ
);

CREATE TABLE otp_sessions (
	id                 BIGINT PRIMARY KEY,
	email              TEXT NOT NULL,
	session_token_hash TEXT NOT NULL,
	action             SMALLINT NOT NULL,
	status             SMALLINT NOT NULL,
	attempts           INT NOT NULL DEFAULT 0,
	ip                 TEXT NOT NULL DEFAULT '',
	user_agent         TEXT NOT NULL DEFAULT '',
	expires_at         TIMESTAMPTZ NOT NULL,
	used_at            TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE pending_registrations (
	id                      BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	email                   TEXT NOT NULL,
	status                  TEXT NOT NULL,
	session_token_hash      TEXT,
	verification_token_hash TEXT,
	verification_expiry     TIMESTAMPTZ,
	otp_verified_at         TIMESTAMPTZ,
	expires_at              TIMESTAMPTZ NOT NULL,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE pending_logins (
	id                 BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	email              TEXT NOT NULL,
	status             TEXT NOT NULL,
	session_token_hash TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// setupStore starts a throwaway postgres, applies the schema and returns a
// store backed by it.
func setupStore(t *testing.T) (*DB, *pgxpool.Pool) {
	t.Helper()

	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("koderena_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	return NewDB(pool, instrument.NewNoop()), pool
}

func activeSession(id int64, email, tokenHash string) entity.OtpSession {
	return entity.OtpSession{
		ID:               id,
		Email:            email,
		SessionTokenHash: tokenHash,
		Action:           entity.OtpActionVerify,
		Status:           entity.OtpStatusActive,
		IP:               "203.0.113.7",
		UserAgent:        "go-test",
		ExpiresAt:        time.Now().Add(2 * time.Minute),
	}
}

func sessionStatus(t *testing.T, pool *pgxpool.Pool, id int64) entity.OtpStatus {
	t.Helper()

	var status entity.OtpStatus
	if err := pool.QueryRow(context.Background(),
		`SELECT status FROM otp_sessions WHERE id = $1`, id,
	).Scan(&status); err != nil {
		t.Fatalf("read session status: %v", err)
	}
	return status
}

func TestCreateSessionSupersedesAndRebinds(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}

	// Arrange: pending records awaiting an OTP, plus one already past it.
	store, pool := setupStore(t)
	ctx := context.Background()

	if _, err := pool.Exec(ctx, `
		INSERT INTO pending_registrations (email, status, session_token_hash, expires_at)
		VALUES ($1, $2, $3, NOW() + INTERVAL '1 hour')`,
		"new@x.com", entity.PendingRegistrationStatusPending, "stale",
	); err != nil {
		t.Fatalf("seed pending registration: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO pending_logins (email, status, session_token_hash)
		VALUES ($1, $2, $3)`,
		"new@x.com", entity.PendingLoginStatusPendingOtp, "stale",
	); err != nil {
		t.Fatalf("seed pending login: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO pending_registrations (email, status, session_token_hash, expires_at)
		VALUES ($1, $2, $3, NOW() + INTERVAL '1 hour')`,
		"done@x.com", entity.PendingRegistrationStatusOtpVerified, "untouched",
	); err != nil {
		t.Fatalf("seed verified registration: %v", err)
	}

	// Act: two issuances for the same email.
	if err := store.CreateSession(ctx, activeSession(1, "new@x.com", "hash-1")); err != nil {
		t.Fatalf("first CreateSession failed: %v", err)
	}
	if err := store.CreateSession(ctx, activeSession(2, "new@x.com", "hash-2")); err != nil {
		t.Fatalf("second CreateSession failed: %v", err)
	}

	// Assert: the first session is superseded, the second active.
	if got := sessionStatus(t, pool, 1); got != entity.OtpStatusSuperseded {
		t.Fatalf("session 1 status = %v, want Superseded", got)
	}
	if got := sessionStatus(t, pool, 2); got != entity.OtpStatusActive {
		t.Fatalf("session 2 status = %v, want Active", got)
	}

	// Pending records that wait on an OTP now point at the newest hash.
	var regHash, loginHash string
	if err := pool.QueryRow(ctx,
		`SELECT session_token_hash FROM pending_registrations WHERE email = $1`, "new@x.com",
	).Scan(&regHash); err != nil {
		t.Fatalf("read registration hash: %v", err)
	}
	if regHash != "hash-2" {
		t.Fatalf("registration hash = %q, want hash-2", regHash)
	}
	if err := pool.QueryRow(ctx,
		`SELECT session_token_hash FROM pending_logins WHERE email = $1`, "new@x.com",
	).Scan(&loginHash); err != nil {
		t.Fatalf("read login hash: %v", err)
	}
	if loginHash != "hash-2" {
		t.Fatalf("login hash = %q, want hash-2", loginHash)
	}

	// A registration past the OTP step keeps its hash.
	var doneHash string
	if err := pool.QueryRow(ctx,
		`SELECT session_token_hash FROM pending_registrations WHERE email = $1`, "done@x.com",
	).Scan(&doneHash); err != nil {
		t.Fatalf("read verified registration hash: %v", err)
	}
	if doneHash != "untouched" {
		t.Fatalf("verified registration hash = %q, want untouched", doneHash)
	}
}

func TestRegisterFailedAttemptBlocksAtomically(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}

	// Arrange
	store, pool := setupStore(t)
	ctx := context.Background()
	const maxAttempts = int32(5)

	if err := store.CreateSession(ctx, activeSession(10, "u@x.com", "hash-10")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Act: ten concurrent wrong guesses against a max of five.
	results := make([]*entity.AttemptResult, 10)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := store.RegisterFailedAttempt(ctx, 10, maxAttempts)
			if err != nil {
				t.Errorf("RegisterFailedAttempt failed: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	// Assert: exactly maxAttempts increments applied, exactly one of them
	// crossing into BLOCKED, never an attempt count past the max.
	var applied, blocked int
	for _, res := range results {
		if res == nil {
			t.Fatal("missing result")
		}
		if !res.Applied {
			continue
		}
		applied++
		if res.Attempts > maxAttempts {
			t.Fatalf("attempts = %d, exceeded max %d", res.Attempts, maxAttempts)
		}
		if res.Blocked {
			blocked++
			if res.Attempts != maxAttempts {
				t.Fatalf("blocking increment reported attempts = %d, want %d", res.Attempts, maxAttempts)
			}
		}
	}
	if applied != int(maxAttempts) {
		t.Fatalf("applied increments = %d, want %d", applied, maxAttempts)
	}
	if blocked != 1 {
		t.Fatalf("blocking increments = %d, want exactly 1", blocked)
	}

	var attempts int32
	var status entity.OtpStatus
	if err := pool.QueryRow(ctx,
		`SELECT attempts, status FROM otp_sessions WHERE id = 10`,
	).Scan(&attempts, &status); err != nil {
		t.Fatalf("read session: %v", err)
	}
	if attempts != maxAttempts || status != entity.OtpStatusBlocked {
		t.Fatalf("session = attempts %d status %v, want %d Blocked", attempts, status, maxAttempts)
	}

	// A blocked session rejects further increments.
	res, err := store.RegisterFailedAttempt(ctx, 10, maxAttempts)
	if err != nil {
		t.Fatalf("RegisterFailedAttempt failed: %v", err)
	}
	if res.Applied {
		t.Fatal("increment applied to a blocked session")
	}
}

func TestMarkSessionUsedIsConditional(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}

	// Arrange
	store, pool := setupStore(t)
	ctx := context.Background()

	if err := store.CreateSession(ctx, activeSession(20, "u@x.com", "hash-20")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Act + Assert: only the first transition wins.
	ok, err := store.MarkSessionUsed(ctx, 20, time.Now())
	if err != nil {
		t.Fatalf("MarkSessionUsed failed: %v", err)
	}
	if !ok {
		t.Fatal("first MarkSessionUsed lost the transition")
	}

	ok, err = store.MarkSessionUsed(ctx, 20, time.Now())
	if err != nil {
		t.Fatalf("second MarkSessionUsed failed: %v", err)
	}
	if ok {
		t.Fatal("second MarkSessionUsed must not win")
	}

	if got := sessionStatus(t, pool, 20); got != entity.OtpStatusUsed {
		t.Fatalf("status = %v, want Used", got)
	}

	// Used sessions also reject attempt increments.
	res, err := store.RegisterFailedAttempt(ctx, 20, 5)
	if err != nil {
		t.Fatalf("RegisterFailedAttempt failed: %v", err)
	}
	if res.Applied {
		t.Fatal("increment applied to a used session")
	}
}
