package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and the settings that matter when reading logs
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.PrintSimple("Folio", GetVersion())

	logger.Info().
		Str("version", GetFullVersion()).
		Str("environment", config.Environment).
		Str("role", config.Role).
		Str("queue_backend", config.Queue.Backend).
		Str("events_backend", config.Events.Backend).
		Str("cancel_backend", config.Cancel.Backend).
		Str("pipeline", config.Pipeline.Strategy).
		Int("workers", config.Queue.Concurrency).
		Msg("Folio starting")
}
