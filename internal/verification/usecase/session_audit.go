package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/koderena/koderena/internal/pkg/goerror"
	"github.com/koderena/koderena/internal/pkg/jwt"
	"github.com/koderena/koderena/internal/pkg/validator"
	"github.com/koderena/koderena/internal/verification/entity"
	"github.com/samber/lo"
)

const (
	defaultAuditLimit = 20
	maxAuditLimit     = 100
)

type SessionAuditInput struct {
	Email  string `validate:"required,email"`
	Limit  int32
	Offset int32
}

type SessionAuditItem struct {
	ID        int64
	Email     string
	Action    string
	Status    string
	Attempts  int32
	IP        string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

type SessionAuditOutput struct {
	Items []SessionAuditItem
	Total int64
}

// SessionAudit lists the OTP session history of one email for operators.
// Token hashes and user agents stay out of the projection; the listing is
// for support and abuse triage, not credential recovery.
func (s *Usecase) SessionAudit(ctx context.Context, in SessionAuditInput) (*SessionAuditOutput, error) {
	ctx, span := s.startSpan(ctx, "SessionAudit")
	defer span.End()

	clm := jwt.GetAuth(ctx)
	if clm == nil {
		return nil, goerror.NewBusiness("Authentication required", goerror.CodeUnauthorized)
	}

	in.Email = strings.TrimSpace(strings.ToLower(in.Email))

	if err := s.validator.Validate(in); err != nil {
		var fieldErrs validator.V10ValidationError
		if errors.As(err, &fieldErrs) {
			if msg, ok := fieldErrs["email"]; ok {
				return nil, goerror.NewValidationReason(msg, entity.ReasonInvalidEmail)
			}
		}
		return nil, goerror.NewInvalidInput(err)
	}

	if in.Limit <= 0 {
		in.Limit = defaultAuditLimit
	}
	if in.Limit > maxAuditLimit {
		in.Limit = maxAuditLimit
	}
	if in.Offset < 0 {
		in.Offset = 0
	}

	sessions, total, err := s.repoDB.ListSessionsByEmail(ctx, in.Email, in.Limit, in.Offset)
	if err != nil {
		slog.ErrorContext(ctx, "failed to repo list otp sessions", "email", in.Email, "error", err)
		return nil, goerror.NewServer(err)
	}

	items := lo.Map(sessions, func(ses entity.OtpSession, _ int) SessionAuditItem {
		return SessionAuditItem{
			ID:        ses.ID,
			Email:     ses.Email,
			Action:    ses.Action.String(),
			Status:    ses.Status.String(),
			Attempts:  ses.Attempts,
			IP:        ses.IP,
			ExpiresAt: ses.ExpiresAt,
			UsedAt:    ses.UsedAt,
			CreatedAt: ses.CreatedAt,
		}
	})

	return &SessionAuditOutput{Items: items, Total: total}, nil
}
