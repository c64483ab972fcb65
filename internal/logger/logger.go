// Package logger owns the process logger and the broker's logging
// conventions: every build- or job-scoped message carries the same
// buildId/jobId fields, attached here rather than at each call site.
package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var Log zerolog.Logger

type ctxKey struct{}

func Init(serviceName string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

func WithContext(ctx context.Context, log zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

func FromContext(ctx context.Context) zerolog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return log
	}
	return Log
}

// ForBuild returns the context logger scoped to one build.
func ForBuild(ctx context.Context, buildID, jobID int64) zerolog.Logger {
	return FromContext(ctx).With().
		Int64("buildId", buildID).
		Int64("jobId", jobID).
		Logger()
}

// ForJob returns the context logger scoped to one job, for the periodic and
// frozen paths where no build exists yet.
func ForJob(ctx context.Context, jobID int64) zerolog.Logger {
	return FromContext(ctx).With().
		Int64("jobId", jobID).
		Logger()
}
