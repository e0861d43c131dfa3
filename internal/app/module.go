package app

import (
	"log/slog"
	"os"

	"github.com/koderena/koderena/internal/verification"
)

func (a *App) initModules() {
	if a.config.GetBool("modules.verification.enabled") {
		if err := verification.New(verification.Dependency{
			Config:      a.config,
			Instrument:  a.ins,
			UID:         a.uid,
			UUID:        a.uuid,
			OID:         a.oid,
			SHA256:      a.sha256,
			Deriver:     a.deriver,
			Secret:      a.secret,
			Clock:       a.clock,
			Validator:   a.validator,
			Router:      a.router,
			DBConn:      a.dbConn,
			CacheConn:   a.cacheConn,
			Idempotency: a.idemp,
			Messaging:   a.messaging,
			Goroutine:   a.goroutine,
		}); err != nil {
			slog.Error("failed to init module verification", "error", err)
			os.Exit(1)
		}
	}
}
