package verification

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koderena/koderena/internal/pkg/clock"
	"github.com/koderena/koderena/internal/pkg/config"
	"github.com/koderena/koderena/internal/pkg/goroutine"
	"github.com/koderena/koderena/internal/pkg/hash"
	"github.com/koderena/koderena/internal/pkg/idempotency"
	"github.com/koderena/koderena/internal/pkg/instrument"
	"github.com/koderena/koderena/internal/pkg/messaging"
	"github.com/koderena/koderena/internal/pkg/otpcode"
	"github.com/koderena/koderena/internal/pkg/router"
	"github.com/koderena/koderena/internal/pkg/uid"
	"github.com/koderena/koderena/internal/pkg/validator"
	"github.com/koderena/koderena/internal/verification/inbound"
	"github.com/koderena/koderena/internal/verification/outbound/db"
	"github.com/koderena/koderena/internal/verification/outbound/mq"
	"github.com/koderena/koderena/internal/verification/outbound/webhook"
	"github.com/koderena/koderena/internal/verification/usecase"
	"github.com/redis/go-redis/v9"
)

type Dependency struct {
	DBConn      *pgxpool.Pool              `validate:"required"`
	CacheConn   *redis.Client              `validate:"required"`
	Goroutine   *goroutine.Manager         `validate:"required"`
	Router      *router.Router             `validate:"required"`
	Idempotency idempotency.Idempotency    `validate:"required"`
	Messaging   messaging.Messaging        `validate:"required"`
	Config      config.Config              `validate:"required"`
	Instrument  instrument.Instrumentation `validate:"required"`
	UID         uid.NumberID               `validate:"required"`
	UUID        uid.StringID               `validate:"required"`
	OID         uid.StringID               `validate:"required"`
	SHA256      hash.Hash                  `validate:"required"`
	Deriver     *otpcode.Deriver           `validate:"required"`
	Secret      string                     `validate:"required"`
	Clock       clock.Clocker              `validate:"required"`
	Validator   validator.Validator        `validate:"required"`
}

func New(dep Dependency) error {
	if err := dep.Validator.Validate(dep); err != nil {
		return err
	}

	dbVerification := db.NewDB(dep.DBConn, dep.Instrument)
	repoMsg := mq.NewMessaging(dep.Messaging, dep.Instrument)
	notifier := webhook.NewDispatcher(webhook.Config{
		URL:        dep.Config.GetString("modules.verification.webhook.url"),
		Secret:     dep.Secret,
		Timeout:    dep.Config.GetSecond("modules.verification.webhook.timeout_seconds"),
		MaxRetries: uint64(dep.Config.GetInt("modules.verification.webhook.max_retries")), //nolint:gosec // config value is small
		UUID:       dep.UUID,
		Clock:      dep.Clock,
		Instrument: dep.Instrument,
	})

	uc := usecase.New(usecase.Dependency{
		RepoDB:        dbVerification,
		RepoMessaging: repoMsg,
		Notifier:      notifier,
		Idempotency:   dep.Idempotency,
		Validator:     dep.Validator,
		Config:        dep.Config,
		SHA256:        dep.SHA256,
		Deriver:       dep.Deriver,
		UID:           dep.UID,
		OID:           dep.OID,
		Clock:         dep.Clock,
		Instrument:    dep.Instrument,
		Goroutine:     dep.Goroutine,
	})

	inbound.RegisterHTTPEndpoint(dep.Router, uc)

	return nil
}
