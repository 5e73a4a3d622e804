package observability

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// NewLogger returns a JSON logger tagged with the given component name.
// The level is taken from QEURO_LOG_LEVEL (debug, info, warn, error) and
// defaults to info.
func NewLogger(component string) zerolog.Logger {
	level := zerolog.InfoLevel
	switch strings.ToLower(os.Getenv("QEURO_LOG_LEVEL")) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}
