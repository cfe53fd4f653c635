// Package logging configures the process-wide zerolog logger and offers
// a couple of small helpers for the fields every component attaches.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global logger from LOG_LEVEL/LOG_FORMAT. Call once
// during startup, before any component logs anything.
func Setup(level, format string) error {
	logLevel, err := parseLogLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(logLevel)

	var output io.Writer = os.Stdout
	if format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	if format == "console" {
		log.Logger = log.Logger.With().Caller().Logger()
	}

	log.Info().Str("level", level).Str("format", format).Msg("logger initialized")
	return nil
}

func parseLogLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, nil
	}
}

// WithComponent returns a logger tagged with component, the same
// "component" field every package in this gateway attaches by hand
// (dispatcher, router, plugin_dispatcher, controlplane, ...); call sites
// that build more than one log line for the same component can hold onto
// this instead of repeating the .Str("component", ...) chain each time.
func WithComponent(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithError starts an error-level event carrying err, for the handful of
// call sites that attach nothing but component + err.
func WithError(component string, err error) *zerolog.Event {
	return log.Error().Str("component", component).Err(err)
}

// LogPanic reports a recovered panic from a plugin hook, identifying the
// plugin and the pipeline phase it panicked in (§4.F: a panicking plugin
// degrades the request, it never crashes the process).
func LogPanic(component, plugin, phase string, recovered interface{}) {
	log.Error().
		Str("component", component).
		Str("plugin", plugin).
		Str("phase", phase).
		Interface("panic", recovered).
		Stack().
		Msg("plugin hook panicked")
}
