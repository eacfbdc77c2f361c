// Package logging builds the logrus logger every baker component receives.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	EnvLogLevel  = "BAKER_LOG_LEVEL"
	EnvLogFormat = "BAKER_LOG_FORMAT"
)

// Options selects level, format and destination. Empty fields take the
// defaults: info, text, stderr.
type Options struct {
	Level  string
	Format string
	Out    io.Writer
}

// Configure returns a logger for opts, with BAKER_LOG_LEVEL and
// BAKER_LOG_FORMAT taking precedence over the configured values.
func Configure(opts Options) *logrus.Logger {
	applyEnvOverrides(&opts)

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if opts.Out != nil {
		log.SetOutput(opts.Out)
	}

	if lvl, ok := parseLevel(opts.Level); ok {
		log.SetLevel(lvl)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			DisableTimestamp: true,
			PadLevelText:     true,
		})
	}
	return log
}

func applyEnvOverrides(opts *Options) {
	if v := os.Getenv(EnvLogLevel); v != "" {
		if _, ok := parseLevel(v); ok {
			opts.Level = v
		}
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		opts.Format = v
	}
}

func parseLevel(raw string) (logrus.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return logrus.InfoLevel, false
	case "off", "none", "disabled":
		return logrus.PanicLevel, true
	}
	lvl, err := logrus.ParseLevel(strings.TrimSpace(raw))
	if err != nil {
		return logrus.InfoLevel, false
	}
	return lvl, true
}
