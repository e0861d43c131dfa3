package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koderena/koderena/internal/pkg/clock"
	"github.com/koderena/koderena/internal/pkg/goerror"
	"github.com/koderena/koderena/internal/pkg/goroutine"
	"github.com/koderena/koderena/internal/pkg/hash"
	"github.com/koderena/koderena/internal/pkg/idempotency"
	"github.com/koderena/koderena/internal/pkg/instrument"
	"github.com/koderena/koderena/internal/pkg/jwt"
	"github.com/koderena/koderena/internal/pkg/otpcode"
	"github.com/koderena/koderena/internal/pkg/validator"
	"github.com/koderena/koderena/internal/verification/entity"
)

const testSecret = "s3cr3t"

var _ clock.Clocker = (*fakeClock)(nil)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeConfig struct {
	values map[string]int
}

func newFakeConfig() *fakeConfig {
	return &fakeConfig{values: map[string]int{
		"modules.verification.otp_ttl_seconds":               120,
		"modules.verification.max_verify_attempts":           5,
		"modules.verification.rate_limit_window_minutes":     15,
		"modules.verification.max_requests_per_window":       5,
		"modules.verification.ip_rate_limit_multiplier":      2,
		"modules.verification.resend_cooldown_seconds":       60,
		"modules.verification.verification_token_ttl_minutes": 10,
	}}
}

func (c *fakeConfig) Close() error                      { return nil }
func (c *fakeConfig) GetSecond(key string) time.Duration { return time.Duration(c.values[key]) * time.Second }
func (c *fakeConfig) GetMinute(key string) time.Duration { return time.Duration(c.values[key]) * time.Minute }
func (c *fakeConfig) GetHour(key string) time.Duration   { return time.Duration(c.values[key]) * time.Hour }
func (c *fakeConfig) GetDay(key string) time.Duration    { return time.Duration(c.values[key]) * 24 * time.Hour }
func (c *fakeConfig) GetInt(key string) int              { return c.values[key] }
func (c *fakeConfig) GetInt32(key string) int32          { return int32(c.values[key]) }
func (c *fakeConfig) GetInt64(key string) int64          { return int64(c.values[key]) }
func (c *fakeConfig) GetFloat32(string) float32          { return 0 }
func (c *fakeConfig) GetFloat64(string) float64          { return 0 }
func (c *fakeConfig) GetBool(string) bool                { return false }
func (c *fakeConfig) GetString(string) string            { return "" }
func (c *fakeConfig) GetArray(string) []string           { return nil }

type fakeIdemp struct {
	state idempotency.State
}

func (f *fakeIdemp) Acquire(context.Context, string, time.Duration) (idempotency.State, error) {
	if f.state == "" {
		return idempotency.StateNone, nil
	}
	return f.state, nil
}
func (f *fakeIdemp) MarkCompleted(context.Context, string, time.Duration) error { return nil }
func (f *fakeIdemp) MarkFailed(context.Context, string, time.Duration) error    { return nil }
func (f *fakeIdemp) Exec(ctx context.Context, _ string, fn func(context.Context) error, _ ...idempotency.Option) error {
	return fn(ctx)
}

type fakeMessaging struct {
	mu       sync.Mutex
	issued   []OtpIssuedEvent
	verified []OtpVerifiedEvent
}

func (f *fakeMessaging) PublishOtpIssued(_ context.Context, msg OtpIssuedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued = append(f.issued, msg)
	return nil
}

func (f *fakeMessaging) PublishOtpVerified(_ context.Context, msg OtpVerifiedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified = append(f.verified, msg)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []OtpNotification
}

func (f *fakeNotifier) SendOtpCode(_ context.Context, n OtpNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) Sent() []OtpNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OtpNotification, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeRepo mimics the store semantics the usecase relies on: supersede on
// create, conditional transitions out of ACTIVE, pending-record stamping.
type fakeRepo struct {
	mu          sync.Mutex
	clk         *fakeClock
	sessions    []*entity.OtpSession
	users       map[string]bool
	pendingRegs map[string]*entity.PendingRegistration
	grants      []entity.VerificationGrant
	regGrants   []entity.VerificationGrant
}

func newFakeRepo(clk *fakeClock) *fakeRepo {
	return &fakeRepo{
		clk:         clk,
		users:       map[string]bool{},
		pendingRegs: map[string]*entity.PendingRegistration{},
	}
}

func (r *fakeRepo) find(id int64) *entity.OtpSession {
	for _, ses := range r.sessions {
		if ses.ID == id {
			return ses
		}
	}
	return nil
}

func (r *fakeRepo) GetSessionByTokenHash(_ context.Context, email, tokenHash string) (*entity.OtpSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.sessions) - 1; i >= 0; i-- {
		ses := r.sessions[i]
		if ses.Email == email && ses.SessionTokenHash == tokenHash {
			cp := *ses
			return &cp, nil
		}
	}
	return nil, goerror.ErrNotFound
}

func (r *fakeRepo) GetRateLimitStats(_ context.Context, email, ip string, since time.Time) (*entity.RateLimitStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := entity.RateLimitStats{}
	for _, ses := range r.sessions {
		if ses.CreatedAt.Before(since) {
			continue
		}
		if ses.Email == email {
			stats.EmailCount++
			if stats.LastRequestAt == nil || ses.CreatedAt.After(*stats.LastRequestAt) {
				at := ses.CreatedAt
				stats.LastRequestAt = &at
			}
		}
		if ses.IP == ip {
			stats.IPCount++
		}
	}
	return &stats, nil
}

func (r *fakeRepo) ListSessionsByEmail(_ context.Context, email string, limit, offset int32) ([]entity.OtpSession, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []entity.OtpSession
	for i := len(r.sessions) - 1; i >= 0; i-- {
		if r.sessions[i].Email == email {
			all = append(all, *r.sessions[i])
		}
	}
	total := int64(len(all))
	if int(offset) >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if int(limit) < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func (r *fakeRepo) UserExistsByEmail(_ context.Context, email string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[email], nil
}

func (r *fakeRepo) GetPendingRegistration(_ context.Context, email string) (*entity.PendingRegistration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.pendingRegs[email]
	if !ok {
		return nil, goerror.ErrNotFound
	}
	cp := *reg
	return &cp, nil
}

func (r *fakeRepo) CreateSession(_ context.Context, in entity.OtpSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ses := range r.sessions {
		if ses.Email == in.Email && ses.Status == entity.OtpStatusActive {
			ses.Status = entity.OtpStatusSuperseded
		}
	}

	if in.CreatedAt.IsZero() {
		in.CreatedAt = r.clk.Now()
	}
	r.sessions = append(r.sessions, &in)

	if reg, ok := r.pendingRegs[in.Email]; ok && reg.Status == entity.PendingRegistrationStatusPending {
		reg.SessionTokenHash = in.SessionTokenHash
	}
	return nil
}

func (r *fakeRepo) RegisterFailedAttempt(_ context.Context, id int64, maxAttempts int32) (*entity.AttemptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ses := r.find(id)
	if ses == nil || ses.Status != entity.OtpStatusActive {
		return &entity.AttemptResult{Applied: false}, nil
	}

	ses.Attempts++
	if ses.Attempts >= maxAttempts {
		ses.Status = entity.OtpStatusBlocked
	}
	return &entity.AttemptResult{
		Applied:  true,
		Attempts: ses.Attempts,
		Blocked:  ses.Status == entity.OtpStatusBlocked,
	}, nil
}

func (r *fakeRepo) MarkSessionUsed(_ context.Context, id int64, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ses := r.find(id)
	if ses == nil || ses.Status != entity.OtpStatusActive {
		return false, nil
	}
	ses.Status = entity.OtpStatusUsed
	ses.UsedAt = &at
	return true, nil
}

func (r *fakeRepo) MarkSessionExpired(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ses := r.find(id); ses != nil && ses.Status == entity.OtpStatusActive {
		ses.Status = entity.OtpStatusExpired
	}
	return nil
}

func (r *fakeRepo) MarkSessionBlocked(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ses := r.find(id); ses != nil && ses.Status == entity.OtpStatusActive {
		ses.Status = entity.OtpStatusBlocked
	}
	return nil
}

func (r *fakeRepo) SetUserResetToken(_ context.Context, grant entity.VerificationGrant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants = append(r.grants, grant)
	return nil
}

func (r *fakeRepo) MarkRegistrationOtpVerified(_ context.Context, grant entity.VerificationGrant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.pendingRegs[grant.Email]; ok {
		reg.Status = entity.PendingRegistrationStatusOtpVerified
	}
	r.regGrants = append(r.regGrants, grant)
	return nil
}

func (r *fakeRepo) latest(email string) *entity.OtpSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.sessions) - 1; i >= 0; i-- {
		if r.sessions[i].Email == email {
			return r.sessions[i]
		}
	}
	return nil
}

type counterID struct{ n int64 }

func (c *counterID) Generate() int64 {
	c.n++
	return c.n
}

type staticStringID struct{ v string }

func (s *staticStringID) Generate() string { return s.v }

type fixture struct {
	uc       *Usecase
	repo     *fakeRepo
	clk      *fakeClock
	msg      *fakeMessaging
	notifier *fakeNotifier
	idemp    *fakeIdemp
	deriver  *otpcode.Deriver
	g        *goroutine.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	v10, err := validator.NewV10Validator()
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}

	clk := newFakeClock()
	repo := newFakeRepo(clk)
	msg := &fakeMessaging{}
	notifier := &fakeNotifier{}
	idemp := &fakeIdemp{}
	deriver := otpcode.NewDeriver(testSecret)
	g := goroutine.NewManager(8)

	uc := New(Dependency{
		RepoDB:        repo,
		RepoMessaging: msg,
		Notifier:      notifier,
		Idempotency:   idemp,
		Validator:     v10,
		Config:        newFakeConfig(),
		SHA256:        hash.NewSHA256(),
		Deriver:       deriver,
		UID:           &counterID{},
		OID:           &staticStringID{v: strings.Repeat("f", 64)},
		Clock:         clk,
		Instrument:    instrument.NewNoop(),
		Goroutine:     g,
	})

	return &fixture{uc: uc, repo: repo, clk: clk, msg: msg, notifier: notifier, idemp: idemp, deriver: deriver, g: g}
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()

	var gerr *goerror.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("expected goerror, got %v", err)
	}
	return gerr.Reason()
}

func metaOf(t *testing.T, err error) map[string]any {
	t.Helper()

	var gerr *goerror.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("expected goerror, got %v", err)
	}
	return gerr.Meta()
}

const validToken = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" // 40 chars

func TestRequestOtpIssuesSession(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()

	// Act
	out, err := f.uc.RequestOtp(ctx, RequestOtpInput{
		Email:        "U@X.com",
		SessionToken: validToken,
		Action:       "verify",
		IP:           "203.0.113.7",
		UserAgent:    "go-test",
	})

	// Assert
	if err != nil {
		t.Fatalf("RequestOtp failed: %v", err)
	}
	if out.TTLSeconds != 120 {
		t.Fatalf("ttl = %d, want 120", out.TTLSeconds)
	}
	if want := f.clk.Now().Add(120 * time.Second); !out.ExpiresAt.Equal(want) {
		t.Fatalf("expiresAt = %v, want %v", out.ExpiresAt, want)
	}

	ses := f.repo.latest("u@x.com")
	if ses == nil {
		t.Fatal("no session stored")
	}
	if ses.Status != entity.OtpStatusActive {
		t.Fatalf("status = %v, want Active", ses.Status)
	}
	if ses.Email != "u@x.com" {
		t.Fatalf("email not normalized: %q", ses.Email)
	}
	if ses.SessionTokenHash == validToken {
		t.Fatal("raw token must not be stored")
	}

	if len(f.msg.issued) != 1 {
		t.Fatalf("issued events = %d, want 1", len(f.msg.issued))
	}
}

func TestRequestOtpDeliversDerivedCode(t *testing.T) {
	// Arrange
	f := newFixture(t)

	// Act
	_, err := f.uc.RequestOtp(context.Background(), RequestOtpInput{
		Email:        "u@x.com",
		SessionToken: validToken,
		Action:       "verify",
		IP:           "203.0.113.7",
	})
	if err != nil {
		t.Fatalf("RequestOtp failed: %v", err)
	}
	if err := f.g.Wait(); err != nil {
		t.Fatalf("goroutines failed: %v", err)
	}

	// Assert
	sent := f.notifier.Sent()
	if len(sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(sent))
	}
	want, err := f.deriver.Derive(validToken)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if sent[0].Code != want {
		t.Fatalf("delivered code = %q, want %q", sent[0].Code, want)
	}
}

func TestRequestOtpValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		in     RequestOtpInput
		reason string
	}{
		{
			name:   "missing fields",
			in:     RequestOtpInput{Email: "u@x.com"},
			reason: entity.ReasonMissingParams,
		},
		{
			name:   "malformed email",
			in:     RequestOtpInput{Email: "not-an-email", SessionToken: validToken, Action: "verify"},
			reason: entity.ReasonInvalidEmail,
		},
		{
			name:   "short token",
			in:     RequestOtpInput{Email: "u@x.com", SessionToken: "short", Action: "verify"},
			reason: entity.ReasonInvalidToken,
		},
		{
			name:   "unknown action",
			in:     RequestOtpInput{Email: "u@x.com", SessionToken: validToken, Action: "teleport"},
			reason: entity.ReasonInvalidAction,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.uc.RequestOtp(ctx, tc.in)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := reasonOf(t, err); got != tc.reason {
				t.Fatalf("reason = %q, want %q", got, tc.reason)
			}
		})
	}
}

func TestRequestOtpCooldown(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()
	in := RequestOtpInput{Email: "u@x.com", SessionToken: validToken, Action: "verify", IP: "203.0.113.7"}

	if _, err := f.uc.RequestOtp(ctx, in); err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	// Act: immediate retry
	_, err := f.uc.RequestOtp(ctx, in)

	// Assert
	if got := reasonOf(t, err); got != entity.ReasonCooldown {
		t.Fatalf("reason = %q, want COOLDOWN", got)
	}
	meta := metaOf(t, err)
	remaining, ok := meta["remaining_cooldown"].(int64)
	if !ok || remaining <= 0 {
		t.Fatalf("remaining_cooldown = %v, want > 0", meta["remaining_cooldown"])
	}

	// After the cooldown elapses the request succeeds and supersedes.
	f.clk.Advance(61 * time.Second)
	in.SessionToken = strings.Repeat("b", 40)
	if _, err := f.uc.RequestOtp(ctx, in); err != nil {
		t.Fatalf("post-cooldown request failed: %v", err)
	}
}

func TestRequestOtpRateLimited(t *testing.T) {
	// Arrange: five issuances inside the window, spaced past the cooldown.
	f := newFixture(t)
	ctx := context.Background()

	for i := range 5 {
		in := RequestOtpInput{
			Email:        "u@x.com",
			SessionToken: strings.Repeat(string(rune('a'+i)), 40),
			Action:       "verify",
			IP:           "203.0.113.7",
		}
		if _, err := f.uc.RequestOtp(ctx, in); err != nil {
			t.Fatalf("request %d failed: %v", i+1, err)
		}
		f.clk.Advance(61 * time.Second)
	}

	// Act: sixth request inside the 15-minute window, different IP.
	_, err := f.uc.RequestOtp(ctx, RequestOtpInput{
		Email:        "u@x.com",
		SessionToken: strings.Repeat("z", 40),
		Action:       "verify",
		IP:           "198.51.100.9",
	})

	// Assert
	if got := reasonOf(t, err); got != entity.ReasonRateLimited {
		t.Fatalf("reason = %q, want RATE_LIMITED", got)
	}
}

func TestRequestOtpActionPreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("reset_password without account", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.uc.RequestOtp(ctx, RequestOtpInput{Email: "ghost@x.com", SessionToken: validToken, Action: "reset_password"})
		if got := reasonOf(t, err); got != entity.ReasonEmailNotFound {
			t.Fatalf("reason = %q, want EMAIL_NOT_FOUND", got)
		}
	})

	t.Run("login_2fa without account", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.uc.RequestOtp(ctx, RequestOtpInput{Email: "ghost@x.com", SessionToken: validToken, Action: "login_2fa"})
		if got := reasonOf(t, err); got != entity.ReasonEmailNotFound {
			t.Fatalf("reason = %q, want EMAIL_NOT_FOUND", got)
		}
	})

	t.Run("register_verify with existing account", func(t *testing.T) {
		f := newFixture(t)
		f.repo.users["taken@x.com"] = true
		_, err := f.uc.RequestOtp(ctx, RequestOtpInput{Email: "taken@x.com", SessionToken: validToken, Action: "register_verify"})
		if got := reasonOf(t, err); got != entity.ReasonEmailExists {
			t.Fatalf("reason = %q, want EMAIL_EXISTS", got)
		}
	})

	t.Run("register_verify without pending registration", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.uc.RequestOtp(ctx, RequestOtpInput{Email: "new@x.com", SessionToken: validToken, Action: "register_verify"})
		if got := reasonOf(t, err); got != entity.ReasonNoPendingRegistration {
			t.Fatalf("reason = %q, want NO_PENDING_REGISTRATION", got)
		}
	})

	t.Run("register_verify with expired pending registration", func(t *testing.T) {
		f := newFixture(t)
		f.repo.pendingRegs["new@x.com"] = &entity.PendingRegistration{
			Email:     "new@x.com",
			Status:    entity.PendingRegistrationStatusPending,
			ExpiresAt: f.clk.Now().Add(-time.Minute),
		}
		_, err := f.uc.RequestOtp(ctx, RequestOtpInput{Email: "new@x.com", SessionToken: validToken, Action: "register_verify"})
		if got := reasonOf(t, err); got != entity.ReasonNoPendingRegistration {
			t.Fatalf("reason = %q, want NO_PENDING_REGISTRATION", got)
		}
	})

	t.Run("register_verify with valid pending registration", func(t *testing.T) {
		f := newFixture(t)
		f.repo.pendingRegs["new@x.com"] = &entity.PendingRegistration{
			Email:     "new@x.com",
			Status:    entity.PendingRegistrationStatusPending,
			ExpiresAt: f.clk.Now().Add(time.Hour),
		}
		if _, err := f.uc.RequestOtp(ctx, RequestOtpInput{Email: "new@x.com", SessionToken: validToken, Action: "register_verify"}); err != nil {
			t.Fatalf("RequestOtp failed: %v", err)
		}

		// Issuance re-binds the pending record to the new session hash.
		ses := f.repo.latest("new@x.com")
		if got := f.repo.pendingRegs["new@x.com"].SessionTokenHash; got != ses.SessionTokenHash {
			t.Fatalf("pending registration hash = %q, want %q", got, ses.SessionTokenHash)
		}
	})
}

func issue(t *testing.T, f *fixture, email, token, action string) string {
	t.Helper()

	if _, err := f.uc.RequestOtp(context.Background(), RequestOtpInput{
		Email:        email,
		SessionToken: token,
		Action:       action,
		IP:           "203.0.113.7",
	}); err != nil {
		t.Fatalf("RequestOtp failed: %v", err)
	}

	code, err := f.deriver.Derive(token)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return code
}

func TestVerifyOtpSingleUse(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()
	code := issue(t, f, "u@x.com", validToken, "verify")

	// Act: first verify succeeds once.
	out, err := f.uc.VerifyOtp(ctx, VerifyOtpInput{Email: "u@x.com", SessionToken: validToken, Otp: code})

	// Assert
	if err != nil {
		t.Fatalf("VerifyOtp failed: %v", err)
	}
	if out.Action != entity.OtpActionVerify {
		t.Fatalf("action = %v, want verify", out.Action)
	}
	if out.VerificationToken == "" {
		t.Fatal("expected a verification token")
	}
	if ses := f.repo.latest("u@x.com"); ses.Status != entity.OtpStatusUsed || ses.UsedAt == nil {
		t.Fatalf("session not consumed: status=%v usedAt=%v", ses.Status, ses.UsedAt)
	}
	if len(f.msg.verified) != 1 {
		t.Fatalf("verified events = %d, want 1", len(f.msg.verified))
	}

	// Identical repeat is rejected.
	_, err = f.uc.VerifyOtp(ctx, VerifyOtpInput{Email: "u@x.com", SessionToken: validToken, Otp: code})
	if got := reasonOf(t, err); got != entity.ReasonOtpInvalidStatus {
		t.Fatalf("reason = %q, want OTP_INVALID_STATUS", got)
	}
}

func TestVerifyOtpWrongCode(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()
	code := issue(t, f, "u@x.com", validToken, "verify")

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	// Act
	_, err := f.uc.VerifyOtp(ctx, VerifyOtpInput{Email: "u@x.com", SessionToken: validToken, Otp: wrong})

	// Assert
	if got := reasonOf(t, err); got != entity.ReasonWrongOtp {
		t.Fatalf("reason = %q, want WRONG_OTP", got)
	}
	if got := metaOf(t, err)["remaining_attempts"]; got != int32(4) {
		t.Fatalf("remaining_attempts = %v, want 4", got)
	}
}

func TestVerifyOtpAttemptExhaustion(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()
	code := issue(t, f, "u@x.com", validToken, "verify")

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	// Act: burn all five attempts.
	var lastErr error
	for range 5 {
		_, lastErr = f.uc.VerifyOtp(ctx, VerifyOtpInput{Email: "u@x.com", SessionToken: validToken, Otp: wrong})
	}

	// Assert: fifth wrong guess blocks the session.
	if got := reasonOf(t, lastErr); got != entity.ReasonMaxAttemptsExceeded {
		t.Fatalf("reason = %q, want MAX_ATTEMPTS_EXCEEDED", got)
	}
	if ses := f.repo.latest("u@x.com"); ses.Status != entity.OtpStatusBlocked {
		t.Fatalf("status = %v, want Blocked", ses.Status)
	}

	// Even the correct code is now rejected.
	_, err := f.uc.VerifyOtp(ctx, VerifyOtpInput{Email: "u@x.com", SessionToken: validToken, Otp: code})
	if got := reasonOf(t, err); got != entity.ReasonMaxAttemptsExceeded {
		t.Fatalf("reason = %q, want MAX_ATTEMPTS_EXCEEDED", got)
	}
}

func TestVerifyOtpExpired(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()
	code := issue(t, f, "u@x.com", validToken, "verify")

	f.clk.Advance(121 * time.Second)

	// Act
	_, err := f.uc.VerifyOtp(ctx, VerifyOtpInput{Email: "u@x.com", SessionToken: validToken, Otp: code})

	// Assert
	if got := reasonOf(t, err); got != entity.ReasonOtpExpired {
		t.Fatalf("reason = %q, want OTP_EXPIRED", got)
	}
	if ses := f.repo.latest("u@x.com"); ses.Status != entity.OtpStatusExpired {
		t.Fatalf("status = %v, want Expired", ses.Status)
	}
}

func TestVerifyOtpUnknownSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.uc.VerifyOtp(context.Background(), VerifyOtpInput{
		Email:        "nobody@x.com",
		SessionToken: validToken,
		Otp:          "123456",
	})
	if got := reasonOf(t, err); got != entity.ReasonInvalidOtp {
		t.Fatalf("reason = %q, want INVALID_OTP", got)
	}
}

func TestVerifyOtpSupersede(t *testing.T) {
	// Arrange: two issuances, the second supersedes the first.
	f := newFixture(t)
	ctx := context.Background()
	firstToken := validToken
	secondToken := strings.Repeat("b", 40)

	firstCode := issue(t, f, "u@x.com", firstToken, "verify")
	f.clk.Advance(61 * time.Second)
	secondCode := issue(t, f, "u@x.com", secondToken, "verify")

	// Act + Assert: the first token's code is dead.
	_, err := f.uc.VerifyOtp(ctx, VerifyOtpInput{Email: "u@x.com", SessionToken: firstToken, Otp: firstCode})
	if got := reasonOf(t, err); got != entity.ReasonOtpInvalidStatus {
		t.Fatalf("reason = %q, want OTP_INVALID_STATUS", got)
	}

	// The second token's code verifies.
	if _, err := f.uc.VerifyOtp(ctx, VerifyOtpInput{Email: "u@x.com", SessionToken: secondToken, Otp: secondCode}); err != nil {
		t.Fatalf("VerifyOtp on superseding session failed: %v", err)
	}
}

func TestVerifyOtpPersistsGrantForResetPassword(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()
	f.repo.users["u@x.com"] = true
	code := issue(t, f, "u@x.com", validToken, "reset_password")

	// Act
	out, err := f.uc.VerifyOtp(ctx, VerifyOtpInput{Email: "u@x.com", SessionToken: validToken, Otp: code})

	// Assert
	if err != nil {
		t.Fatalf("VerifyOtp failed: %v", err)
	}
	if len(f.repo.grants) != 1 {
		t.Fatalf("grants = %d, want 1", len(f.repo.grants))
	}

	grant := f.repo.grants[0]
	if grant.TokenHash == out.VerificationToken {
		t.Fatal("raw verification token must not be persisted")
	}
	h, err := hash.NewSHA256().Hash(out.VerificationToken)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if grant.TokenHash != string(h) {
		t.Fatal("persisted hash does not match returned token")
	}
	if want := f.clk.Now().Add(10 * time.Minute); !grant.ExpiresAt.Equal(want) {
		t.Fatalf("grant expiry = %v, want %v", grant.ExpiresAt, want)
	}
}

func TestVerifyOtpMarksRegistrationVerified(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()
	f.repo.pendingRegs["new@x.com"] = &entity.PendingRegistration{
		Email:     "new@x.com",
		Status:    entity.PendingRegistrationStatusPending,
		ExpiresAt: f.clk.Now().Add(time.Hour),
	}
	code := issue(t, f, "new@x.com", validToken, "register_verify")

	// Act
	_, err := f.uc.VerifyOtp(ctx, VerifyOtpInput{Email: "new@x.com", SessionToken: validToken, Otp: code})

	// Assert
	if err != nil {
		t.Fatalf("VerifyOtp failed: %v", err)
	}
	if got := f.repo.pendingRegs["new@x.com"].Status; got != entity.PendingRegistrationStatusOtpVerified {
		t.Fatalf("registration status = %q, want OTP_VERIFIED", got)
	}
	if len(f.repo.regGrants) != 1 {
		t.Fatalf("registration grants = %d, want 1", len(f.repo.regGrants))
	}
}

func TestResendOtpMintsNewToken(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()
	issue(t, f, "u@x.com", validToken, "verify")
	f.clk.Advance(61 * time.Second)

	// Act
	out, err := f.uc.ResendOtp(ctx, ResendOtpInput{Email: "u@x.com", Action: "verify", IP: "203.0.113.7"})

	// Assert
	if err != nil {
		t.Fatalf("ResendOtp failed: %v", err)
	}
	if len(out.SessionToken) < otpcode.MinTokenLength {
		t.Fatalf("minted token too short: %d chars", len(out.SessionToken))
	}

	code, err := f.deriver.Derive(out.SessionToken)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if _, err := f.uc.VerifyOtp(ctx, VerifyOtpInput{Email: "u@x.com", SessionToken: out.SessionToken, Otp: code}); err != nil {
		t.Fatalf("VerifyOtp with minted token failed: %v", err)
	}
}

func TestResendOtpRespectsCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issue(t, f, "u@x.com", validToken, "verify")

	_, err := f.uc.ResendOtp(ctx, ResendOtpInput{Email: "u@x.com", Action: "verify", IP: "203.0.113.7"})
	if got := reasonOf(t, err); got != entity.ReasonCooldown {
		t.Fatalf("reason = %q, want COOLDOWN", got)
	}
}

func TestWorkedExample(t *testing.T) {
	// token = 40 'a' characters, secret = "s3cr3t".
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.uc.RequestOtp(ctx, RequestOtpInput{
		Email:        "u@x.com",
		SessionToken: validToken,
		Action:       "verify",
		IP:           "203.0.113.7",
	})
	if err != nil {
		t.Fatalf("RequestOtp failed: %v", err)
	}
	if want := f.clk.Now().Add(120 * time.Second); !out.ExpiresAt.Equal(want) {
		t.Fatalf("expiresAt = %v, want now+120s", out.ExpiresAt)
	}

	code, err := f.deriver.Derive(validToken)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	res, err := f.uc.VerifyOtp(ctx, VerifyOtpInput{Email: "u@x.com", SessionToken: validToken, Otp: code})
	if err != nil {
		t.Fatalf("VerifyOtp failed: %v", err)
	}
	if res.Action != entity.OtpActionVerify {
		t.Fatalf("action = %v, want verify", res.Action)
	}
	if ses := f.repo.latest("u@x.com"); ses.Status != entity.OtpStatusUsed {
		t.Fatalf("status = %v, want Used", ses.Status)
	}

	_, err = f.uc.VerifyOtp(ctx, VerifyOtpInput{Email: "u@x.com", SessionToken: validToken, Otp: code})
	if got := reasonOf(t, err); got != entity.ReasonOtpInvalidStatus {
		t.Fatalf("reason = %q, want OTP_INVALID_STATUS", got)
	}
}

func TestSessionAudit(t *testing.T) {
	// Arrange: three sessions for the audited email, one for another.
	f := newFixture(t)
	for i := range 3 {
		issue(t, f, "u@x.com", strings.Repeat(string(rune('a'+i)), 40), "verify")
		f.clk.Advance(61 * time.Second)
	}
	issue(t, f, "other@x.com", strings.Repeat("z", 40), "verify")

	authed := jwt.SetAuth(context.Background(), jwt.Claims{UserID: 7, UserEmail: "ops@x.com"})

	t.Run("requires auth", func(t *testing.T) {
		_, err := f.uc.SessionAudit(context.Background(), SessionAuditInput{Email: "u@x.com"})

		var gerr *goerror.Error
		if !errors.As(err, &gerr) || gerr.Code() != goerror.CodeUnauthorized {
			t.Fatalf("expected unauthorized, got %v", err)
		}
	})

	t.Run("lists newest first", func(t *testing.T) {
		out, err := f.uc.SessionAudit(authed, SessionAuditInput{Email: "u@x.com"})
		if err != nil {
			t.Fatalf("SessionAudit failed: %v", err)
		}
		if out.Total != 3 {
			t.Fatalf("total = %d, want 3", out.Total)
		}
		if len(out.Items) != 3 {
			t.Fatalf("items = %d, want 3", len(out.Items))
		}
		for i := 1; i < len(out.Items); i++ {
			if out.Items[i].CreatedAt.After(out.Items[i-1].CreatedAt) {
				t.Fatal("items not ordered newest first")
			}
		}
		if got := out.Items[0].Status; got != entity.OtpStatusActive.String() {
			t.Fatalf("latest status = %q, want Active", got)
		}
		if got := out.Items[1].Status; got != entity.OtpStatusSuperseded.String() {
			t.Fatalf("older status = %q, want Superseded", got)
		}
	})

	t.Run("paginates", func(t *testing.T) {
		out, err := f.uc.SessionAudit(authed, SessionAuditInput{Email: "u@x.com", Limit: 2, Offset: 2})
		if err != nil {
			t.Fatalf("SessionAudit failed: %v", err)
		}
		if out.Total != 3 || len(out.Items) != 1 {
			t.Fatalf("total = %d items = %d, want 3 and 1", out.Total, len(out.Items))
		}
	})
}
