package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/koderena/koderena/internal/pkg/goerror"
	"github.com/koderena/koderena/internal/verification/entity"
)

// ensureRateLimit enforces the per-email cooldown and the sliding-window
// issuance caps for both the email and the requesting IP. The counters are
// computed from session history, so superseded sessions still count against
// the window.
func (s *Usecase) ensureRateLimit(ctx context.Context, email, ip string) error {
	now := s.clock.Now()
	window := s.cfg.GetMinute("modules.verification.rate_limit_window_minutes")

	stats, err := s.repoDB.GetRateLimitStats(ctx, email, ip, now.Add(-window))
	if err != nil {
		slog.ErrorContext(ctx, "failed to repo get rate limit stats", "email", email, "error", err)
		return goerror.NewServer(err)
	}

	cooldown := s.cfg.GetSecond("modules.verification.resend_cooldown_seconds")
	if stats.LastRequestAt != nil {
		if remaining := cooldown - now.Sub(*stats.LastRequestAt); remaining > 0 {
			return goerror.NewBusinessReasonMeta(
				"Please wait before requesting another code",
				goerror.CodeTooManyRequest,
				entity.ReasonCooldown,
				map[string]any{"remaining_cooldown": ceilSeconds(remaining)},
			)
		}
	}

	maxEmail := int64(s.cfg.GetInt("modules.verification.max_requests_per_window"))
	maxIP := maxEmail * int64(s.cfg.GetInt("modules.verification.ip_rate_limit_multiplier"))
	if stats.EmailCount >= maxEmail || stats.IPCount >= maxIP {
		slog.WarnContext(ctx, "otp issuance rate limited",
			"email", email, "email_count", stats.EmailCount, "ip_count", stats.IPCount)
		return goerror.NewBusinessReason(
			"Too many verification requests, please try again later",
			goerror.CodeTooManyRequest,
			entity.ReasonRateLimited,
		)
	}

	return nil
}

func ceilSeconds(d time.Duration) int64 {
	return int64((d + time.Second - 1) / time.Second)
}
