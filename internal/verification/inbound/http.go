package inbound

import (
	"context"

	"github.com/koderena/koderena/internal/pkg/router"
	"github.com/koderena/koderena/internal/verification/usecase"
)

type uc interface {
	RequestOtp(ctx context.Context, in usecase.RequestOtpInput) (*usecase.RequestOtpOutput, error)
	VerifyOtp(ctx context.Context, in usecase.VerifyOtpInput) (*usecase.VerifyOtpOutput, error)
	ResendOtp(ctx context.Context, in usecase.ResendOtpInput) (*usecase.ResendOtpOutput, error)

	SessionAudit(ctx context.Context, in usecase.SessionAuditInput) (*usecase.SessionAuditOutput, error)
}

func RegisterHTTPEndpoint(r *router.Router, uc uc) {
	end := &HTTPEndpoint{uc: uc}

	// OTP lifecycle
	r.POST("/api/v1/verification/otp/request", end.RequestOtp)
	r.POST("/api/v1/verification/otp/verify", end.VerifyOtp)
	r.POST("/api/v1/verification/otp/resend", end.ResendOtp)

	// Operator audit (need authenticated)
	r.GET("/api/v1/verification/sessions", end.SessionAudit)
}
