package event

const OtpVerifiedDestination string = "verification_otp_verified"

type OtpVerifiedMessage struct {
	Email  string `json:"email"`
	Action string `json:"action"`
}
