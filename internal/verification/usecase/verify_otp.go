package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/koderena/koderena/internal/pkg/goerror"
	"github.com/koderena/koderena/internal/pkg/validator"
	"github.com/koderena/koderena/internal/verification/entity"
)

type VerifyOtpInput struct {
	Email        string `validate:"required,email"`
	SessionToken string `validate:"required,sessiontoken"`
	Otp          string `validate:"required,len=6,numeric"`
}

type VerifyOtpOutput struct {
	VerificationToken string
	Action            entity.OtpAction
}

// VerifyOtp checks a submitted code against the session identified by
// (email, session token). Session-state failures deliberately share generic
// messages so the response cannot be used to probe whether an email ever
// requested a code; only input-format failures are specific.
func (s *Usecase) VerifyOtp(ctx context.Context, in VerifyOtpInput) (*VerifyOtpOutput, error) {
	ctx, span := s.startSpan(ctx, "VerifyOtp")
	defer span.End()

	in.Email = strings.TrimSpace(strings.ToLower(in.Email))

	if err := s.validateVerifyInput(in); err != nil {
		return nil, err
	}

	tokenHash, err := s.hashSessionToken(in.SessionToken)
	if err != nil {
		slog.ErrorContext(ctx, "failed to hash session token", "error", err)
		return nil, goerror.NewServer(err)
	}

	ses, err := s.repoDB.GetSessionByTokenHash(ctx, in.Email, tokenHash)
	if errors.Is(err, goerror.ErrNotFound) {
		return nil, goerror.NewBusinessReason("Invalid verification code", goerror.CodeUnauthorized, entity.ReasonInvalidOtp)
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to repo get otp session", "email", in.Email, "error", err)
		return nil, goerror.NewServer(err)
	}

	if ses.Status == entity.OtpStatusBlocked {
		return nil, goerror.NewBusinessReason("Too many incorrect attempts, request a new code", goerror.CodeUnauthorized, entity.ReasonMaxAttemptsExceeded)
	}
	if ses.Status != entity.OtpStatusActive {
		return nil, invalidStatusError(ses.Status)
	}

	now := s.clock.Now()
	if now.After(ses.ExpiresAt) {
		if err := s.repoDB.MarkSessionExpired(ctx, ses.ID); err != nil {
			slog.WarnContext(ctx, "failed to mark otp session expired", "session_id", ses.ID, "error", err)
		}
		return nil, goerror.NewBusinessReason("The code has expired, request a new one", goerror.CodeUnauthorized, entity.ReasonOtpExpired)
	}

	maxAttempts := s.maxAttempts()
	if ses.Attempts >= maxAttempts {
		if err := s.repoDB.MarkSessionBlocked(ctx, ses.ID); err != nil {
			slog.WarnContext(ctx, "failed to mark otp session blocked", "session_id", ses.ID, "error", err)
		}
		return nil, goerror.NewBusinessReason("Too many incorrect attempts, request a new code", goerror.CodeUnauthorized, entity.ReasonMaxAttemptsExceeded)
	}

	if !s.deriver.Matches(in.SessionToken, in.Otp) {
		return nil, s.registerFailedAttempt(ctx, ses.ID, maxAttempts)
	}

	ok, err := s.repoDB.MarkSessionUsed(ctx, ses.ID, now)
	if err != nil {
		slog.ErrorContext(ctx, "failed to mark otp session used", "session_id", ses.ID, "error", err)
		return nil, goerror.NewServer(err)
	}
	if !ok {
		// A concurrent verify or supersede won the state transition.
		return nil, invalidStatusError(entity.OtpStatusUsed)
	}

	token, err := s.issueVerificationGrant(ctx, ses)
	if err != nil {
		return nil, err
	}

	if err := s.repoMessaging.PublishOtpVerified(ctx, OtpVerifiedEvent{
		Email:  ses.Email,
		Action: ses.Action,
	}); err != nil {
		slog.WarnContext(ctx, "failed to publish otp verified", "email", ses.Email, "error", err)
	}

	return &VerifyOtpOutput{
		VerificationToken: token,
		Action:            ses.Action,
	}, nil
}

func (s *Usecase) validateVerifyInput(in VerifyOtpInput) error {
	if in.Email == "" || in.SessionToken == "" || in.Otp == "" {
		return goerror.NewValidationReason("email, session token and otp are required", entity.ReasonMissingParams)
	}

	if err := s.validator.Validate(in); err != nil {
		var fieldErrs validator.V10ValidationError
		if !errors.As(err, &fieldErrs) {
			return goerror.NewServer(err)
		}
		if msg, ok := fieldErrs["email"]; ok {
			return goerror.NewValidationReason(msg, entity.ReasonInvalidEmail)
		}
		if msg, ok := fieldErrs["session_token"]; ok {
			return goerror.NewValidationReason(msg, entity.ReasonInvalidToken)
		}
		if _, ok := fieldErrs["otp"]; ok {
			return goerror.NewBusinessReason("Invalid verification code", goerror.CodeUnauthorized, entity.ReasonInvalidOtp)
		}
		return goerror.NewInvalidInput(err)
	}

	return nil
}

// registerFailedAttempt records a wrong code and reports how many tries are
// left. The increment and the block transition happen in one conditional
// update, so two concurrent wrong guesses cannot push attempts past the max.
func (s *Usecase) registerFailedAttempt(ctx context.Context, sessionID int64, maxAttempts int32) error {
	res, err := s.repoDB.RegisterFailedAttempt(ctx, sessionID, maxAttempts)
	if err != nil {
		slog.ErrorContext(ctx, "failed to register failed otp attempt", "session_id", sessionID, "error", err)
		return goerror.NewServer(err)
	}

	if !res.Applied {
		return invalidStatusError(entity.OtpStatusUsed)
	}

	if res.Blocked {
		return goerror.NewBusinessReason("Too many incorrect attempts, request a new code", goerror.CodeUnauthorized, entity.ReasonMaxAttemptsExceeded)
	}

	return goerror.NewBusinessReasonMeta(
		"Incorrect verification code",
		goerror.CodeUnauthorized,
		entity.ReasonWrongOtp,
		map[string]any{"remaining_attempts": maxAttempts - res.Attempts},
	)
}

// invalidStatusError keeps the message generic across all non-active states;
// only the already-used case gets a friendlier wording since it is the one
// the legitimate user actually hits.
func invalidStatusError(status entity.OtpStatus) error {
	msg := "This code is no longer valid, request a new one"
	if status == entity.OtpStatusUsed {
		msg = "This code has already been used"
	}
	return goerror.NewBusinessReason(msg, goerror.CodeUnauthorized, entity.ReasonOtpInvalidStatus)
}
