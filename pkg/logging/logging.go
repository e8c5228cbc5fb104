// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	Level  string `mapstructure:"log-level"`
	Format string `mapstructure:"log-format"`
}

// Init sets the global level and output. Format is "console" or "json".
func Init(s Settings) error {
	return InitWithWriter(s, os.Stderr)
}

func InitWithWriter(s Settings, w io.Writer) error {
	level := strings.TrimSpace(s.Level)
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", s.Level)
	}
	zerolog.SetGlobalLevel(lvl)

	switch strings.ToLower(strings.TrimSpace(s.Format)) {
	case "", "console", "text":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "json":
	default:
		return errors.Errorf("invalid log format %q", s.Format)
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}
