// Package webhook delivers OTP codes to the external email-sending service.
//
// The receiver authenticates requests by recomputing an HMAC signature over a
// canonical string, so the payload layout here is part of the contract with
// that service.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/koderena/koderena/internal/pkg/clock"
	"github.com/koderena/koderena/internal/pkg/instrument"
	"github.com/koderena/koderena/internal/pkg/uid"
	"github.com/koderena/koderena/internal/verification/usecase"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/codes"
)

const retryBaseDelay = 500 * time.Millisecond

type Dispatcher struct {
	client     *http.Client
	url        string
	secret     []byte
	maxRetries uint64
	uuid       uid.StringID
	clock      clock.Clocker
	ins        instrument.Instrumentation
}

type Config struct {
	URL        string
	Secret     string
	Timeout    time.Duration
	MaxRetries uint64
	UUID       uid.StringID
	Clock      clock.Clocker
	Instrument instrument.Instrumentation
}

func NewDispatcher(cfg Config) *Dispatcher {
	return &Dispatcher{
		client:     &http.Client{Timeout: cfg.Timeout},
		url:        cfg.URL,
		secret:     []byte(cfg.Secret),
		maxRetries: cfg.MaxRetries,
		uuid:       cfg.UUID,
		clock:      cfg.Clock,
		ins:        cfg.Instrument,
	}
}

type otpPayload struct {
	Email     string `json:"email"`
	Action    string `json:"action"`
	Code      string `json:"code"`
	ExpiresAt int64  `json:"expires_at"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// SendOtpCode posts the code to the configured webhook. Transient failures
// (5xx, transport errors) are retried with exponential backoff; 4xx responses
// are contract violations and fail immediately.
func (d *Dispatcher) SendOtpCode(ctx context.Context, n usecase.OtpNotification) error {
	ctx, span := d.ins.Tracer("verification.outbound.webhook").Start(ctx, "SendOtpCode")
	defer span.End()

	nonce := d.uuid.Generate()
	ts := d.clock.Now().UnixMilli()

	payload := otpPayload{
		Email:     n.Email,
		Action:    n.Action.String(),
		Code:      n.Code,
		ExpiresAt: n.ExpiresAt.UnixMilli(),
		Nonce:     nonce,
		Timestamp: ts,
		Signature: d.sign(n.Action.String(), nonce, ts, n.Email),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	backoff := retry.WithMaxRetries(d.maxRetries, retry.NewExponential(retryBaseDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		return d.post(ctx, body)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

func (d *Dispatcher) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return retry.RetryableError(err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
		resp.Body.Close()              //nolint:errcheck // nothing to do on close failure
	}()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return retry.RetryableError(fmt.Errorf("webhook responded %d", resp.StatusCode))
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("webhook rejected request with %d", resp.StatusCode)
	default:
		return nil
	}
}

// sign computes the signature over the canonical string
// "action=<a>&nonce=<n>&timestamp=<ms>[&email=<e>]". The email segment is
// omitted when empty so receivers canonicalize identically.
func (d *Dispatcher) sign(action, nonce string, timestamp int64, email string) string {
	canonical := fmt.Sprintf("action=%s&nonce=%s&timestamp=%d", action, nonce, timestamp)
	if email != "" {
		canonical += "&email=" + email
	}

	mac := hmac.New(sha256.New, d.secret)
	mac.Write([]byte(canonical)) //nolint:errcheck // hash writes never fail
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
