package event

const OtpIssuedDestination string = "verification_otp_issued"
const OtpIssuedDestinationConsumerNotification string = "verification_otp_issued_notification"

type OtpIssuedMessage struct {
	Email     string `json:"email"`
	Action    string `json:"action"`
	ExpiresAt int64  `json:"expires_at"`
}
