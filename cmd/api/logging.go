package main

import (
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-relay/backend/internal/config"
)

func setupLogging(cfg config.LogConfig, out io.Writer) error {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if cfg.Level == "" {
		level, err = zerolog.InfoLevel, nil
	}
	if err != nil {
		return errors.Wrapf(err, "invalid LOG_LEVEL %q", cfg.Level)
	}
	zerolog.SetGlobalLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case "json":
	default:
		return errors.Errorf("invalid LOG_FORMAT %q", cfg.Format)
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}
