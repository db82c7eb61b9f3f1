package gologger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	Env_Debug  = os.Getenv("DEBUG") == "1"
	Env_Pretty = os.Getenv("PRETTY") == "1"
)

// NewLogger makes a new logger writing to stderr. Level is INFO unless
// DEBUG=1, and output is JSON unless PRETTY=1.
func NewLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level := zerolog.InfoLevel
	if Env_Debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)
	if Env_Pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}
