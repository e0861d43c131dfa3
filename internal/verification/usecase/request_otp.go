package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/koderena/koderena/internal/pkg/goerror"
	"github.com/koderena/koderena/internal/pkg/idempotency"
	"github.com/koderena/koderena/internal/pkg/validator"
	"github.com/koderena/koderena/internal/verification/entity"
)

// issueLockDuration guards against two in-flight issuances for the same
// email racing past the cooldown check.
const issueLockDuration = 2 * time.Second

type RequestOtpInput struct {
	Email        string `validate:"required,email"`
	SessionToken string `validate:"required,sessiontoken"`
	Action       string `validate:"required"`
	IP           string
	UserAgent    string
}

type RequestOtpOutput struct {
	TTLSeconds int64
	ExpiresAt  time.Time
}

func (s *Usecase) RequestOtp(ctx context.Context, in RequestOtpInput) (*RequestOtpOutput, error) {
	ctx, span := s.startSpan(ctx, "RequestOtp")
	defer span.End()

	in.Email = strings.TrimSpace(strings.ToLower(in.Email))

	action, err := s.validateIssueInput(in.Email, in.SessionToken, in.Action)
	if err != nil {
		return nil, err
	}

	if err := s.ensureRateLimit(ctx, in.Email, in.IP); err != nil {
		return nil, err
	}

	if err := s.ensureActionAllowed(ctx, in.Email, action); err != nil {
		return nil, err
	}

	if err := s.acquireIssueLock(ctx, in.Email); err != nil {
		return nil, err
	}

	ses, err := s.issueSession(ctx, in.Email, in.SessionToken, action, in.IP, in.UserAgent)
	if err != nil {
		return nil, err
	}

	return &RequestOtpOutput{
		TTLSeconds: int64(s.otpTTL().Seconds()),
		ExpiresAt:  ses.ExpiresAt,
	}, nil
}

// validateIssueInput maps input problems to the stable reason codes clients
// branch on. Missing fields are reported before format problems.
func (s *Usecase) validateIssueInput(email, sessionToken, action string) (entity.OtpAction, error) {
	if email == "" || sessionToken == "" || action == "" {
		return entity.OtpActionUnknown, goerror.NewValidationReason("email, session token and action are required", entity.ReasonMissingParams)
	}

	parsed := entity.OtpActionFromString(action)
	if parsed.IsUnknown() {
		return entity.OtpActionUnknown, goerror.NewValidationReason("action is not supported", entity.ReasonInvalidAction)
	}

	in := struct {
		Email        string `validate:"required,email"`
		SessionToken string `validate:"required,sessiontoken"`
	}{Email: email, SessionToken: sessionToken}

	if err := s.validator.Validate(in); err != nil {
		var fieldErrs validator.V10ValidationError
		if !errors.As(err, &fieldErrs) {
			return entity.OtpActionUnknown, goerror.NewServer(err)
		}
		if msg, ok := fieldErrs["email"]; ok {
			return entity.OtpActionUnknown, goerror.NewValidationReason(msg, entity.ReasonInvalidEmail)
		}
		if msg, ok := fieldErrs["session_token"]; ok {
			return entity.OtpActionUnknown, goerror.NewValidationReason(msg, entity.ReasonInvalidToken)
		}
		return entity.OtpActionUnknown, goerror.NewInvalidInput(err)
	}

	return parsed, nil
}

// acquireIssueLock takes a short redis lock keyed by email. Losing the race
// is reported as a cooldown since a code was just issued by the winner. A
// redis outage only logs; the database cooldown check remains authoritative.
func (s *Usecase) acquireIssueLock(ctx context.Context, email string) error {
	state, err := s.idemp.Acquire(ctx, "otp:issue:"+email, issueLockDuration)
	if err != nil {
		slog.WarnContext(ctx, "failed to acquire otp issue lock", "email", email, "error", err)
		return nil
	}

	if state == idempotency.StateInProgress {
		return goerror.NewBusinessReasonMeta(
			"A code was just requested for this email",
			goerror.CodeTooManyRequest,
			entity.ReasonCooldown,
			map[string]any{"remaining_cooldown": int64(issueLockDuration.Seconds())},
		)
	}

	return nil
}
