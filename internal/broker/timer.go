package broker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/screwdriver-cd/queue-broker/internal/logger"
	"github.com/screwdriver-cd/queue-broker/model"
)

var errNoToken = errors.New("no token available for event")

// StartTimer records a running build's declared max runtime. Best-effort:
// every error is logged and swallowed.
func (b *Broker) StartTimer(ctx context.Context, cfg model.TimerConfig) error {
	log := logger.ForBuild(ctx, cfg.BuildID, cfg.JobID)

	if cfg.BuildStatus != "RUNNING" {
		return nil
	}

	if err := b.ensureConnected(ctx); err != nil {
		log.Warn().Err(err).Msg("startTimer: connect failed")
		return nil
	}

	buildField := strconv.FormatInt(cfg.BuildID, 10)

	var existing model.TimeoutEntry
	found, err := b.kv.HGet(ctx, HashTimeoutConfigs, buildField, &existing)
	if err != nil {
		log.Warn().Err(err).Msg("startTimer: read failed")
		return nil
	}
	if found {
		return nil
	}

	entry := model.TimeoutEntry{
		JobID:      cfg.JobID,
		StartTime:  cfg.StartTime,
		Timeout:    cfg.Timeout(),
		PipelineID: cfg.PipelineID,
		APIURI:     cfg.APIURI,
	}
	err = b.storeBreaker.Run(ctx, func(ctx context.Context) error {
		return b.kv.HSet(ctx, HashTimeoutConfigs, buildField, entry)
	})
	if err != nil {
		log.Warn().Err(err).Msg("startTimer: write failed")
	}
	return nil
}

// StopTimer drops the timeout entry for a build. Best-effort.
func (b *Broker) StopTimer(ctx context.Context, buildID int64) error {
	log := logger.FromContext(ctx).With().Int64("buildId", buildID).Logger()

	if err := b.ensureConnected(ctx); err != nil {
		log.Warn().Err(err).Msg("stopTimer: connect failed")
		return nil
	}

	buildField := strconv.FormatInt(buildID, 10)

	var existing model.TimeoutEntry
	found, err := b.kv.HGet(ctx, HashTimeoutConfigs, buildField, &existing)
	if err != nil {
		log.Warn().Err(err).Msg("stopTimer: read failed")
		return nil
	}
	if !found {
		return nil
	}

	if err := b.kv.HDel(ctx, HashTimeoutConfigs, buildField); err != nil {
		log.Warn().Err(err).Msg("stopTimer: delete failed")
	}
	return nil
}

// CheckTimeouts fails builds that have exceeded their declared runtime. Only
// the master scheduler calls this; errors on one entry never block the rest.
func (b *Broker) CheckTimeouts(ctx context.Context) error {
	log := logger.FromContext(ctx)

	if err := b.ensureConnected(ctx); err != nil {
		return err
	}

	entries, err := b.kv.HGetAll(ctx, HashTimeoutConfigs)
	if err != nil {
		return err
	}

	now := b.now()
	for buildField, raw := range entries {
		buildID, err := strconv.ParseInt(buildField, 10, 64)
		if err != nil {
			log.Warn().Str("field", buildField).Msg("checkTimeouts: bad build id")
			continue
		}
		var entry model.TimeoutEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			errLog := logger.ForBuild(ctx, buildID, 0)
			errLog.Warn().Err(err).Msg("checkTimeouts: bad entry")
			continue
		}
		blog := logger.ForBuild(ctx, buildID, entry.JobID)
		startTime, err := time.Parse(time.RFC3339, entry.StartTime)
		if err != nil {
			blog.Warn().Err(err).Msg("checkTimeouts: bad start time")
			continue
		}

		deadline := startTime.Add(time.Duration(entry.Timeout) * time.Minute)
		if now.Before(deadline) {
			continue
		}

		if entry.APIURI != "" {
			token, tokenErr := b.eventToken(ctx, entry.PipelineID, "")
			if tokenErr != nil {
				blog.Warn().Err(tokenErr).Msg("checkTimeouts: no token for status update")
			} else if err := b.api.UpdateBuildStatus(ctx, entry.APIURI, buildID, token, statusFailure, "Build failed due to timeout"); err != nil {
				blog.Warn().Err(err).Msg("checkTimeouts: status update failed")
			}
		}

		if err := b.Stop(ctx, model.StopConfig{BuildID: buildID, JobID: entry.JobID}); err != nil {
			blog.Warn().Err(err).Msg("checkTimeouts: stop failed")
		}

		if err := b.kv.HDel(ctx, HashTimeoutConfigs, buildField); err != nil {
			blog.Warn().Err(err).Msg("checkTimeouts: delete failed")
		}
	}
	return nil
}
