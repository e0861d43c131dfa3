package inbound

import (
	"net"

	"github.com/koderena/koderena/internal/pkg/router"
	"github.com/koderena/koderena/internal/verification/usecase"
	"github.com/samber/lo"
)

// HTTPEndpoint exposes HTTP handlers for the OTP verification workflows.
type HTTPEndpoint struct {
	uc uc
}

// RequestOtp issues a new OTP session for an email.
// @Summary Request a verification code
// @Description Creates an OTP session bound to the supplied session token and emails the derived code. Any prior active session for the email is superseded.
// @Tags Verification
// @Accept json
// @Produce json
// @Param request body RequestOtpRequest true "Issuance payload"
// @Success 200 {object} router.successResponse{data=RequestOtpResponse} "Code issued"
// @Failure 400 {object} router.errorResponse "Invalid request body"
// @Failure 404 {object} router.errorResponse "Email or pending registration not found"
// @Failure 409 {object} router.errorResponse "Email already registered"
// @Failure 422 {object} router.errorResponse "Validation error"
// @Failure 429 {object} router.errorResponse "Cooldown or rate limit"
// @Failure 500 {object} router.errorResponse "Internal server error"
// @Router /api/v1/verification/otp/request [post]
func (h *HTTPEndpoint) RequestOtp(r *router.Request) (any, error) {
	var req RequestOtpRequest
	if err := r.DecodeBody(&req); err != nil {
		return nil, err
	}

	resp, err := h.uc.RequestOtp(r.Context(), usecase.RequestOtpInput{
		Email:        req.Email,
		SessionToken: req.SessionToken,
		Action:       req.Action,
		IP:           clientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		return nil, err
	}

	return RequestOtpResponse{
		TTLSeconds: resp.TTLSeconds,
		ExpiresAt:  resp.ExpiresAt,
	}, nil
}

// VerifyOtp checks a submitted code and consumes the session on success.
// @Summary Verify a code
// @Description Verifies the OTP for the session identified by email and session token. On success the session becomes single-use consumed and a follow-up verification token is returned.
// @Tags Verification
// @Accept json
// @Produce json
// @Param request body VerifyOtpRequest true "Verification payload"
// @Success 200 {object} router.successResponse{data=VerifyOtpResponse} "Verification result"
// @Failure 400 {object} router.errorResponse "Invalid request body"
// @Failure 401 {object} router.errorResponse "Wrong, expired or consumed code"
// @Failure 422 {object} router.errorResponse "Validation error"
// @Failure 500 {object} router.errorResponse "Internal server error"
// @Router /api/v1/verification/otp/verify [post]
func (h *HTTPEndpoint) VerifyOtp(r *router.Request) (any, error) {
	var req VerifyOtpRequest
	if err := r.DecodeBody(&req); err != nil {
		return nil, err
	}

	resp, err := h.uc.VerifyOtp(r.Context(), usecase.VerifyOtpInput{
		Email:        req.Email,
		SessionToken: req.SessionToken,
		Otp:          req.Otp,
	})
	if err != nil {
		return nil, err
	}

	return VerifyOtpResponse{
		VerificationToken: resp.VerificationToken,
		Action:            resp.Action.String(),
	}, nil
}

// ResendOtp replaces the current session with a server-minted one.
// @Summary Resend a verification code
// @Description Issues a replacement OTP session with a freshly minted session token, superseding the previous one. The new token is returned to the caller.
// @Tags Verification
// @Accept json
// @Produce json
// @Param request body ResendOtpRequest true "Resend payload"
// @Success 200 {object} router.successResponse{data=ResendOtpResponse} "Code reissued"
// @Failure 400 {object} router.errorResponse "Invalid request body"
// @Failure 404 {object} router.errorResponse "Email or pending registration not found"
// @Failure 422 {object} router.errorResponse "Validation error"
// @Failure 429 {object} router.errorResponse "Cooldown or rate limit"
// @Failure 500 {object} router.errorResponse "Internal server error"
// @Router /api/v1/verification/otp/resend [post]
func (h *HTTPEndpoint) ResendOtp(r *router.Request) (any, error) {
	var req ResendOtpRequest
	if err := r.DecodeBody(&req); err != nil {
		return nil, err
	}

	resp, err := h.uc.ResendOtp(r.Context(), usecase.ResendOtpInput{
		Email:     req.Email,
		Action:    req.Action,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		return nil, err
	}

	return ResendOtpResponse{
		SessionToken: resp.SessionToken,
		TTLSeconds:   resp.TTLSeconds,
		ExpiresAt:    resp.ExpiresAt,
	}, nil
}

// SessionAudit lists OTP session history for an email.
// @Summary List OTP sessions
// @Description Returns the OTP session history of an email for support and abuse triage. Requires authentication.
// @Tags Verification
// @Produce json
// @Param email query string true "Email to inspect"
// @Param limit query int false "Page size (max 100)"
// @Param offset query int false "Page offset"
// @Success 200 {object} router.successResponse{data=SessionAuditResponse} "Session history"
// @Failure 401 {object} router.errorResponse "Authentication required"
// @Failure 422 {object} router.errorResponse "Validation error"
// @Failure 500 {object} router.errorResponse "Internal server error"
// @Security BearerAuth
// @Router /api/v1/verification/sessions [get]
func (h *HTTPEndpoint) SessionAudit(r *router.Request) (any, error) {
	limit, err := r.GetQueryInt32("limit")
	if err != nil {
		return nil, err
	}
	offset, err := r.GetQueryInt32("offset")
	if err != nil {
		return nil, err
	}

	resp, err := h.uc.SessionAudit(r.Context(), usecase.SessionAuditInput{
		Email:  r.GetQuery("email"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, err
	}

	return SessionAuditResponse{
		Items: lo.Map(resp.Items, func(it usecase.SessionAuditItem, _ int) SessionAuditItem {
			return SessionAuditItem{
				ID:        it.ID,
				Email:     it.Email,
				Action:    it.Action,
				Status:    it.Status,
				Attempts:  it.Attempts,
				IP:        it.IP,
				ExpiresAt: it.ExpiresAt,
				UsedAt:    it.UsedAt,
				CreatedAt: it.CreatedAt,
			}
		}),
		Total: resp.Total,
	}, nil
}

// clientIP returns the caller address as a bare IP. The IP middleware already
// resolved proxy headers into RemoteAddr; this only strips a possible port.
func clientIP(r *router.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
