package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"promptlab/internal/platform/config"
)

// Init configures the global zerolog logger. The returned closer releases the
// log file when file output is selected; it is a no-op otherwise.
func Init(service string, cfg config.LoggingConfig) func() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	closer := func() error { return nil }

	switch {
	case cfg.Output == "file" && cfg.FilePath != "":
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			log.Error().Err(err).Msg("failed to create log directory, falling back to stdout")
			break
		}
		file, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
		if err != nil {
			log.Error().Err(err).Msg("failed to open log file, falling back to stdout")
			break
		}
		out = file
		closer = file.Close
	case cfg.Format == "text":
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Str("service", service).Logger()
	return closer
}
