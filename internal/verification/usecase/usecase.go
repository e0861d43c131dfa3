package usecase

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/koderena/koderena/internal/pkg/clock"
	"github.com/koderena/koderena/internal/pkg/config"
	"github.com/koderena/koderena/internal/pkg/goerror"
	"github.com/koderena/koderena/internal/pkg/goroutine"
	"github.com/koderena/koderena/internal/pkg/hash"
	"github.com/koderena/koderena/internal/pkg/idempotency"
	"github.com/koderena/koderena/internal/pkg/instrument"
	"github.com/koderena/koderena/internal/pkg/otpcode"
	"github.com/koderena/koderena/internal/pkg/uid"
	"github.com/koderena/koderena/internal/pkg/validator"
	"github.com/koderena/koderena/internal/verification/entity"
	"go.opentelemetry.io/otel/trace"
)

type OtpIssuedEvent struct {
	Email     string
	Action    entity.OtpAction
	ExpiresAt time.Time
}

type OtpVerifiedEvent struct {
	Email  string
	Action entity.OtpAction
}

type repoMessaging interface {
	PublishOtpIssued(ctx context.Context, msg OtpIssuedEvent) error
	PublishOtpVerified(ctx context.Context, msg OtpVerifiedEvent) error
}

// OtpNotification is what the delivery channel needs to put a code in front
// of the user. The code travels here and nowhere else.
type OtpNotification struct {
	Email     string
	Action    entity.OtpAction
	Code      string
	ExpiresAt time.Time
}

type notifier interface {
	SendOtpCode(ctx context.Context, n OtpNotification) error
}

type repoDB interface {
	GetSessionByTokenHash(ctx context.Context, email, tokenHash string) (*entity.OtpSession, error)
	GetRateLimitStats(ctx context.Context, email, ip string, since time.Time) (*entity.RateLimitStats, error)
	ListSessionsByEmail(ctx context.Context, email string, limit, offset int32) ([]entity.OtpSession, int64, error)
	UserExistsByEmail(ctx context.Context, email string) (bool, error)
	GetPendingRegistration(ctx context.Context, email string) (*entity.PendingRegistration, error)

	CreateSession(ctx context.Context, in entity.OtpSession) error
	RegisterFailedAttempt(ctx context.Context, id int64, maxAttempts int32) (*entity.AttemptResult, error)
	MarkSessionUsed(ctx context.Context, id int64, at time.Time) (bool, error)
	MarkSessionExpired(ctx context.Context, id int64) error
	MarkSessionBlocked(ctx context.Context, id int64) error

	SetUserResetToken(ctx context.Context, grant entity.VerificationGrant) error
	MarkRegistrationOtpVerified(ctx context.Context, grant entity.VerificationGrant) error
}

type Usecase struct {
	repoDB        repoDB
	repoMessaging repoMessaging
	notifier      notifier
	idemp         idempotency.Idempotency
	validator     validator.Validator
	cfg           config.Config
	sha256        hash.Hash
	deriver       *otpcode.Deriver
	uid           uid.NumberID
	oid           uid.StringID
	clock         clock.Clocker
	ins           instrument.Instrumentation
	goroutine     *goroutine.Manager
}

type Dependency struct {
	RepoDB        repoDB
	RepoMessaging repoMessaging
	Notifier      notifier
	Idempotency   idempotency.Idempotency
	Validator     validator.Validator
	Config        config.Config
	SHA256        hash.Hash
	Deriver       *otpcode.Deriver
	UID           uid.NumberID
	OID           uid.StringID
	Clock         clock.Clocker
	Instrument    instrument.Instrumentation
	Goroutine     *goroutine.Manager
}

func New(dep Dependency) *Usecase {
	return &Usecase{
		repoDB:        dep.RepoDB,
		repoMessaging: dep.RepoMessaging,
		notifier:      dep.Notifier,
		idemp:         dep.Idempotency,
		validator:     dep.Validator,
		cfg:           dep.Config,
		sha256:        dep.SHA256,
		deriver:       dep.Deriver,
		uid:           dep.UID,
		oid:           dep.OID,
		clock:         dep.Clock,
		ins:           dep.Instrument,
		goroutine:     dep.Goroutine,
	}
}

func (s *Usecase) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.ins.Tracer("verification.usecase").Start(ctx, name)
}

func (s *Usecase) hashSessionToken(token string) (string, error) {
	h, err := s.sha256.Hash(token)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (s *Usecase) otpTTL() time.Duration {
	return s.cfg.GetSecond("modules.verification.otp_ttl_seconds")
}

func (s *Usecase) maxAttempts() int32 {
	return s.cfg.GetInt32("modules.verification.max_verify_attempts")
}

// issueSession builds a fresh ACTIVE session, persists it (superseding any
// prior ACTIVE session for the email and re-binding pending records in the
// same transaction), and fans out the code over the delivery channel plus a
// domain event. A store failure is the only hard error here: without a
// persisted session there is no code anyone could verify.
func (s *Usecase) issueSession(ctx context.Context, email, rawToken string, action entity.OtpAction, ip, userAgent string) (*entity.OtpSession, error) {
	tokenHash, err := s.hashSessionToken(rawToken)
	if err != nil {
		slog.ErrorContext(ctx, "failed to hash session token", "error", err)
		return nil, goerror.NewServer(err)
	}

	code, err := s.deriver.Derive(rawToken)
	if err != nil {
		return nil, goerror.NewValidationReason("session token is too short", entity.ReasonInvalidToken)
	}

	now := s.clock.Now()
	ses := entity.OtpSession{
		ID:               s.uid.Generate(),
		Email:            email,
		SessionTokenHash: tokenHash,
		Action:           action,
		Status:           entity.OtpStatusActive,
		Attempts:         0,
		IP:               ip,
		UserAgent:        userAgent,
		ExpiresAt:        now.Add(s.otpTTL()),
	}

	if err := s.repoDB.CreateSession(ctx, ses); err != nil {
		slog.ErrorContext(ctx, "failed to repo create otp session", "email", email, "action", action.String(), "error", err)
		return nil, goerror.NewServer(err)
	}

	notif := OtpNotification{
		Email:     email,
		Action:    action,
		Code:      code,
		ExpiresAt: ses.ExpiresAt,
	}
	s.goroutine.Go(context.WithoutCancel(ctx), func(ctx context.Context) error {
		if err := s.notifier.SendOtpCode(ctx, notif); err != nil {
			slog.WarnContext(ctx, "failed to dispatch otp notification", "email", notif.Email, "action", notif.Action.String(), "error", err)
		}
		return nil
	})

	if err := s.repoMessaging.PublishOtpIssued(ctx, OtpIssuedEvent{
		Email:     email,
		Action:    action,
		ExpiresAt: ses.ExpiresAt,
	}); err != nil {
		slog.WarnContext(ctx, "failed to publish otp issued", "email", email, "error", err)
	}

	return &ses, nil
}

// issueVerificationGrant mints the single-use follow-up token returned after
// a successful verify. Only the SHA-256 of the token is persisted, and only
// for the actions whose next step lives in this store.
func (s *Usecase) issueVerificationGrant(ctx context.Context, ses *entity.OtpSession) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		slog.ErrorContext(ctx, "failed to generate verification token", "error", err)
		return "", goerror.NewServer(err)
	}
	token := hex.EncodeToString(buf)

	tokenHash, err := s.hashSessionToken(token)
	if err != nil {
		slog.ErrorContext(ctx, "failed to hash verification token", "error", err)
		return "", goerror.NewServer(err)
	}

	grant := entity.VerificationGrant{
		Email:     ses.Email,
		TokenHash: tokenHash,
		ExpiresAt: s.clock.Now().Add(s.cfg.GetMinute("modules.verification.verification_token_ttl_minutes")),
	}

	switch ses.Action {
	case entity.OtpActionResetPassword:
		err = s.repoDB.SetUserResetToken(ctx, grant)
	case entity.OtpActionRegisterVerify:
		err = s.repoDB.MarkRegistrationOtpVerified(ctx, grant)
	default:
		// verify and login_2fa have no follow-up record in this store; the
		// raw token is still handed to the caller for the next step.
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to persist verification grant", "email", ses.Email, "action", ses.Action.String(), "error", err)
		return "", goerror.NewServer(err)
	}

	return token, nil
}
