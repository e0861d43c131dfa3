package entity

// OtpAction identifies the flow an OTP challenge belongs to.
//
// Keeping this a closed type (instead of raw strings) makes an unhandled
// action a compile-time problem in switches rather than a silent fallthrough.
type OtpAction int16

const (
	// OtpActionUnknown means the action is not known / not set.
	OtpActionUnknown OtpAction = 0

	// OtpActionVerify is generic email ownership verification.
	OtpActionVerify OtpAction = 1

	// OtpActionResetPassword gates a password reset for an existing user.
	OtpActionResetPassword OtpAction = 2

	// OtpActionRegisterVerify gates completion of a pending registration.
	OtpActionRegisterVerify OtpAction = 3

	// OtpActionLogin2FA gates the second factor of a pending login.
	OtpActionLogin2FA OtpAction = 4
)

// OtpActionFromString parses the wire representation of an action.
func OtpActionFromString(str string) OtpAction {
	switch str {
	case "verify":
		return OtpActionVerify
	case "reset_password":
		return OtpActionResetPassword
	case "register_verify":
		return OtpActionRegisterVerify
	case "login_2fa":
		return OtpActionLogin2FA
	default:
		return OtpActionUnknown
	}
}

func (a OtpAction) String() string {
	switch a {
	case OtpActionVerify:
		return "verify"
	case OtpActionResetPassword:
		return "reset_password"
	case OtpActionRegisterVerify:
		return "register_verify"
	case OtpActionLogin2FA:
		return "login_2fa"
	default:
		return "unknown"
	}
}

func (a OtpAction) IsUnknown() bool {
	switch a {
	case OtpActionVerify, OtpActionResetPassword, OtpActionRegisterVerify, OtpActionLogin2FA:
		return false
	default:
		return true
	}
}

// OtpStatus is the lifecycle state of an OTP session.
//
// Active is the only non-terminal state; a session that leaves it never
// returns.
type OtpStatus int16

const (
	// OtpStatusUnknown means the status is not known / not set.
	OtpStatusUnknown OtpStatus = 0

	// OtpStatusActive means the session can still be verified.
	OtpStatusActive OtpStatus = 1

	// OtpStatusUsed means the session was verified successfully.
	OtpStatusUsed OtpStatus = 2

	// OtpStatusExpired means the session outlived its TTL.
	OtpStatusExpired OtpStatus = 3

	// OtpStatusBlocked means the session exhausted its verify attempts.
	OtpStatusBlocked OtpStatus = 4

	// OtpStatusSuperseded means a newer session replaced this one.
	OtpStatusSuperseded OtpStatus = 5
)

func (s OtpStatus) String() string {
	switch s {
	case OtpStatusActive:
		return "Active"
	case OtpStatusUsed:
		return "Used"
	case OtpStatusExpired:
		return "Expired"
	case OtpStatusBlocked:
		return "Blocked"
	case OtpStatusSuperseded:
		return "Superseded"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether no further transition can leave this status.
func (s OtpStatus) IsTerminal() bool {
	switch s {
	case OtpStatusUsed, OtpStatusExpired, OtpStatusBlocked, OtpStatusSuperseded:
		return true
	default:
		return false
	}
}

// Pending record statuses owned by the registration and login flows. The
// verification module only reads them as preconditions and stamps the current
// session token hash into matching rows.
const (
	PendingRegistrationStatusPending     = "PENDING"
	PendingRegistrationStatusOtpVerified = "OTP_VERIFIED"
	PendingLoginStatusPendingOtp         = "PENDING_OTP"
)

// Stable reason codes returned to clients alongside HTTP-level error codes.
const (
	ReasonMissingParams         = "MISSING_PARAMS"
	ReasonInvalidAction         = "INVALID_ACTION"
	ReasonInvalidEmail          = "INVALID_EMAIL"
	ReasonInvalidToken          = "INVALID_TOKEN"
	ReasonCooldown              = "COOLDOWN"
	ReasonRateLimited           = "RATE_LIMITED"
	ReasonEmailNotFound         = "EMAIL_NOT_FOUND"
	ReasonEmailExists           = "EMAIL_EXISTS"
	ReasonNoPendingRegistration = "NO_PENDING_REGISTRATION"
	ReasonInvalidOtp            = "INVALID_OTP"
	ReasonOtpInvalidStatus      = "OTP_INVALID_STATUS"
	ReasonOtpExpired            = "OTP_EXPIRED"
	ReasonMaxAttemptsExceeded   = "MAX_ATTEMPTS_EXCEEDED"
	ReasonWrongOtp              = "WRONG_OTP"
)
