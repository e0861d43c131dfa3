package app

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koderena/koderena/internal/pkg/clock"
	"github.com/koderena/koderena/internal/pkg/config"
	"github.com/koderena/koderena/internal/pkg/goroutine"
	"github.com/koderena/koderena/internal/pkg/hash"
	"github.com/koderena/koderena/internal/pkg/idempotency"
	"github.com/koderena/koderena/internal/pkg/instrument"
	"github.com/koderena/koderena/internal/pkg/jwt"
	"github.com/koderena/koderena/internal/pkg/messaging"
	"github.com/koderena/koderena/internal/pkg/otpcode"
	"github.com/koderena/koderena/internal/pkg/router"
	"github.com/koderena/koderena/internal/pkg/uid"
	"github.com/koderena/koderena/internal/pkg/validator"
	"github.com/redis/go-redis/v9"
)

// App wires dependencies and manages service lifecycle.
type App struct {
	ctx    context.Context
	cancel context.CancelFunc

	// configuration
	config config.Config
	ins    instrument.Instrumentation

	// libraries
	goroutine *goroutine.Manager
	validator validator.Validator
	clock     clock.Clocker
	sha256    hash.Hash
	uid       uid.NumberID
	oid       uid.StringID
	uuid      uid.StringID
	deriver   *otpcode.Deriver
	secret    string
	jwt       jwt.JWT

	// resources
	dbConn    *pgxpool.Pool
	cacheConn *redis.Client
	idemp     idempotency.Idempotency
	messaging messaging.Messaging

	// server
	router     *router.Router
	httpServer *http.Server

	//
	closers []struct {
		name string
		fn   func(context.Context) error
	}
}

// New initializes the application with default wiring and returns an App instance.
func New() *App {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		ctx:    ctx,
		cancel: cancel,
	}

	app.initConfig()
	app.initInstrument()
	app.initLibraries()
	app.initJWT()
	app.initDatabase()
	app.initCache()
	app.initMessaging()
	app.initHTTPServer()
	app.initModules()
	app.initClosers()

	return app
}
