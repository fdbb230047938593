package commands

import (
	"time"

	"github.com/qms-infoclinica/ire/internal/app"
	"github.com/qms-infoclinica/ire/internal/ire"
)

// newEngine builds an Engine against db using the effective engine
// settings (env vars override config.yaml, with built-in defaults below
// both), so every command that touches reconciliation shares one source of
// truth for lock timeout and retry cap.
func newEngine(db *DB) *ire.Engine {
	settings := app.EffectiveEngineSettings()
	return ire.New(db, time.Duration(settings.LockTimeoutMS)*time.Millisecond, settings.RetryCap)
}
