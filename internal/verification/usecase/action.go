package usecase

import (
	"context"
	"errors"
	"log/slog"

	"github.com/koderena/koderena/internal/pkg/goerror"
	"github.com/koderena/koderena/internal/verification/entity"
)

// ensureActionAllowed checks the account-state precondition of each action
// before any session is created:
//
//   - verify: none, the flow only proves email ownership.
//   - reset_password, login_2fa: an account must exist for the email.
//   - register_verify: no account may exist yet, and an unexpired PENDING
//     registration must be waiting for this email.
func (s *Usecase) ensureActionAllowed(ctx context.Context, email string, action entity.OtpAction) error {
	switch action {
	case entity.OtpActionVerify:
		return nil

	case entity.OtpActionResetPassword, entity.OtpActionLogin2FA:
		exists, err := s.repoDB.UserExistsByEmail(ctx, email)
		if err != nil {
			slog.ErrorContext(ctx, "failed to repo check user existence", "email", email, "error", err)
			return goerror.NewServer(err)
		}
		if !exists {
			return goerror.NewBusinessReason("No account found for this email", goerror.CodeNotFound, entity.ReasonEmailNotFound)
		}
		return nil

	case entity.OtpActionRegisterVerify:
		exists, err := s.repoDB.UserExistsByEmail(ctx, email)
		if err != nil {
			slog.ErrorContext(ctx, "failed to repo check user existence", "email", email, "error", err)
			return goerror.NewServer(err)
		}
		if exists {
			return goerror.NewBusinessReason("An account with this email already exists", goerror.CodeConflict, entity.ReasonEmailExists)
		}

		reg, err := s.repoDB.GetPendingRegistration(ctx, email)
		if errors.Is(err, goerror.ErrNotFound) {
			return goerror.NewBusinessReason("No pending registration for this email", goerror.CodeNotFound, entity.ReasonNoPendingRegistration)
		}
		if err != nil {
			slog.ErrorContext(ctx, "failed to repo get pending registration", "email", email, "error", err)
			return goerror.NewServer(err)
		}
		if reg.Status != entity.PendingRegistrationStatusPending || !reg.ExpiresAt.After(s.clock.Now()) {
			return goerror.NewBusinessReason("No pending registration for this email", goerror.CodeNotFound, entity.ReasonNoPendingRegistration)
		}
		return nil

	default:
		return goerror.NewValidationReason("action is not supported", entity.ReasonInvalidAction)
	}
}
