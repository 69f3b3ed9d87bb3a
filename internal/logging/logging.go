package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config describes logger runtime configuration.
type Config struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	TimeFormat  string `mapstructure:"time_format"`
	Caller      bool   `mapstructure:"caller"`
	PrettyPrint bool   `mapstructure:"pretty"`
	// Output is "stdout" (default) or "stderr".
	Output string `mapstructure:"output"`
}

// Meta is attached to every log line.
type Meta struct {
	Service     string
	Environment string
}

// NewLogger constructs a zerolog logger from config.
func NewLogger(cfg Config, meta Meta) zerolog.Logger {
	return newLogger(cfg, meta, outputStream(cfg.Output))
}

func newLogger(cfg Config, meta Meta, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
		level = parsed
	}

	logger := zerolog.New(logWriter(cfg, out)).Level(level)
	builder := logger.With().Timestamp()
	if meta.Service != "" {
		builder = builder.Str("service", meta.Service)
	}
	if meta.Environment != "" {
		builder = builder.Str("env", meta.Environment)
	}
	if cfg.Caller {
		builder = builder.Caller()
	}

	return builder.Logger()
}

func outputStream(name string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(name), "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

func logWriter(cfg Config, out io.Writer) io.Writer {
	if cfg.PrettyPrint || strings.EqualFold(cfg.Format, "console") {
		return zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    out != os.Stdout && out != os.Stderr,
			TimeFormat: zerolog.TimeFieldFormat,
		}
	}
	return out
}
