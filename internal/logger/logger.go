// Package logger configures zerolog for the agent.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects the level and format of log output.
type Config struct {
	Output  io.Writer
	Level   string
	Debug   bool
	Console bool
}

var globalLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init builds the process logger. An unknown level is an error; the previous
// logger stays in place.
func Init(cfg Config) (zerolog.Logger, error) {
	var output io.Writer = os.Stderr
	if cfg.Output != nil {
		output = cfg.Output
	}
	if cfg.Console {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.Kitchen}
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	} else if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return globalLogger, err
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339
	globalLogger = zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()
	log.Logger = globalLogger
	return globalLogger, nil
}

// WithComponent returns the process logger tagged with component.
func WithComponent(component string) zerolog.Logger {
	return globalLogger.With().Str("component", component).Logger()
}
