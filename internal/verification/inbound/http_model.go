package inbound

import "time"

type RequestOtpRequest struct {
	Email        string `json:"email"`
	SessionToken string `json:"session_token"`
	Action       string `json:"action"`
}

type RequestOtpResponse struct {
	TTLSeconds int64     `json:"ttl_seconds"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (RequestOtpResponse) Message() string {
	return "A verification code has been sent to your email."
}

type VerifyOtpRequest struct {
	Email        string `json:"email"`
	SessionToken string `json:"session_token"`
	Otp          string `json:"otp"`
}

type VerifyOtpResponse struct {
	VerificationToken string `json:"verification_token,omitempty"`
	Action            string `json:"action"`
}

func (VerifyOtpResponse) Message() string {
	return "Verification successful."
}

type ResendOtpRequest struct {
	Email  string `json:"email"`
	Action string `json:"action"`
}

type ResendOtpResponse struct {
	SessionToken string    `json:"session_token"`
	TTLSeconds   int64     `json:"ttl_seconds"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (ResendOtpResponse) Message() string {
	return "A new verification code has been sent to your email."
}

type SessionAuditItem struct {
	ID        int64      `json:"id,string"`
	Email     string     `json:"email"`
	Action    string     `json:"action"`
	Status    string     `json:"status"`
	Attempts  int32      `json:"attempts"`
	IP        string     `json:"ip"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type SessionAuditResponse struct {
	Items []SessionAuditItem `json:"items"`
	Total int64              `json:"total"`
}
