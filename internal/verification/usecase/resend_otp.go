package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/koderena/koderena/internal/pkg/goerror"
	"github.com/koderena/koderena/internal/pkg/validator"
	"github.com/koderena/koderena/internal/verification/entity"
)

type ResendOtpInput struct {
	Email     string `validate:"required,email"`
	Action    string `validate:"required"`
	IP        string
	UserAgent string
}

type ResendOtpOutput struct {
	SessionToken string
	TTLSeconds   int64
	ExpiresAt    time.Time
}

// ResendOtp issues a replacement session with a server-minted token. The new
// raw token is returned to the caller; the previous ACTIVE session (if any)
// is superseded by the insert, so only the newest code verifies.
func (s *Usecase) ResendOtp(ctx context.Context, in ResendOtpInput) (*ResendOtpOutput, error) {
	ctx, span := s.startSpan(ctx, "ResendOtp")
	defer span.End()

	in.Email = strings.TrimSpace(strings.ToLower(in.Email))

	action, err := s.validateResendInput(in)
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

	rawToken := s.oid.Generate()
	ses, err := s.issueSession(ctx, in.Email, rawToken, action, in.IP, in.UserAgent)
	if err != nil {
		return nil, err
	}

	return &ResendOtpOutput{
		SessionToken: rawToken,
		TTLSeconds:   int64(s.otpTTL().Seconds()),
		ExpiresAt:    ses.ExpiresAt,
	}, nil
}

func (s *Usecase) validateResendInput(in ResendOtpInput) (entity.OtpAction, error) {
	if in.Email == "" || in.Action == "" {
		return entity.OtpActionUnknown, goerror.NewValidationReason("email and action are required", entity.ReasonMissingParams)
	}

	action := entity.OtpActionFromString(in.Action)
	if action.IsUnknown() {
		return entity.OtpActionUnknown, goerror.NewValidationReason("action is not supported", entity.ReasonInvalidAction)
	}

	if err := s.validator.Validate(in); err != nil {
		var fieldErrs validator.V10ValidationError
		if !errors.As(err, &fieldErrs) {
			return entity.OtpActionUnknown, goerror.NewServer(err)
		}
		if msg, ok := fieldErrs["email"]; ok {
			return entity.OtpActionUnknown, goerror.NewValidationReason(msg, entity.ReasonInvalidEmail)
		}
		return entity.OtpActionUnknown, goerror.NewInvalidInput(err)
	}

	return action, nil
}
