package logx

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey int

const (
	ctxKeyRunID ctxKey = iota
	ctxKeyStage
)

// Config for the process-wide logger
type Config struct {
	Service        string // "cli" or "server"
	Level          string // debug|info|warn|error
	Format         string // json|console
	FilePath       string // "" = no file
	FileMaxSizeMB  int
	FileMaxBackups int
	FileMaxAgeDays int
	FileCompress   bool
}

// Setup configures the global zerolog logger and returns it.
func Setup(c Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil || c.Level == "" {
		lvl = zerolog.InfoLevel
	}

	var writers []io.Writer
	if strings.EqualFold(c.Format, "console") {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		writers = append(writers, os.Stdout)
	}
	if c.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   c.FilePath,
			MaxSize:    orDefault(c.FileMaxSizeMB, 50),
			MaxBackups: orDefault(c.FileMaxBackups, 3),
			MaxAge:     orDefault(c.FileMaxAgeDays, 7),
			Compress:   c.FileCompress,
		})
	}

	logger := zerolog.New(io.MultiWriter(writers...)).Level(lvl).With().
		Timestamp().
		Str("svc", c.Service).
		Logger()

	log.Logger = logger
	return logger
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// WithRun tags ctx with a run ID for FromCtx.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxKeyRunID, runID)
}

// WithStage tags ctx with the pipeline stage for FromCtx.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, ctxKeyStage, stage)
}

// RunID returns the run ID carried by ctx, if any.
func RunID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(ctxKeyRunID).(string)
	return s
}

// FromCtx attaches the run and stage fields (if present) to the global logger.
func FromCtx(ctx context.Context) *zerolog.Logger {
	l := log.Logger
	if ctx == nil {
		return &l
	}
	if v := RunID(ctx); v != "" {
		l = l.With().Str("run", v).Logger()
	}
	if v, ok := ctx.Value(ctxKeyStage).(string); ok && v != "" {
		l = l.With().Str("stage", v).Logger()
	}
	return &l
}
