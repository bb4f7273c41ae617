package app

import (
	"log/slog"

	"companion/internal/config"
	"companion/internal/transport"
)

// Config holds runtime wiring options for building the app.
type Config struct {
	Home     string        // data directory, e.g. $HOME/.companion
	Settings config.Config // loaded and validated configuration
	Logger   *slog.Logger  // optional; defaults to discard
	Dial     transport.DialFunc
}
