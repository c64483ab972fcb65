package broker

import (
	"context"
	"strconv"

	"github.com/screwdriver-cd/queue-broker/internal/api"
	"github.com/screwdriver-cd/queue-broker/internal/cronhash"
	"github.com/screwdriver-cd/queue-broker/internal/logger"
	"github.com/screwdriver-cd/queue-broker/internal/queue"
	"github.com/screwdriver-cd/queue-broker/model"
)

const (
	causePeriodic = "Started by periodic build scheduler"
	causeFrozen   = "Started by freeze window scheduler"
)

// StartPeriodic registers (or refreshes) a job's periodic schedule, and when
// triggerBuild is set also posts the event for the firing that just matured.
func (b *Broker) StartPeriodic(ctx context.Context, cfg model.PeriodicConfig) error {
	log := logger.ForJob(ctx, cfg.Job.ID)

	if err := b.ensureConnected(ctx); err != nil {
		return err
	}

	if cfg.IsUpdate {
		if err := b.StopPeriodic(ctx, cfg.Job.ID); err != nil {
			return err
		}
	}

	if cfg.TriggerBuild {
		if err := b.postEvent(ctx, cfg.APIURI, cfg.Pipeline.ID, cfg.Job.Name, causePeriodic); err != nil {
			// the next firing must still be scheduled
			log.Warn().Err(err).Msg("failed to post periodic build event")
		}
	}

	buildCron := cfg.Job.BuildCron()
	if buildCron == "" || cfg.Job.State != jobStateEnabled || cfg.Job.Archived {
		return nil
	}

	jobField := strconv.FormatInt(cfg.Job.ID, 10)
	next, err := cronhash.Next(buildCron, jobField, b.now())
	if err != nil {
		log.Warn().Err(err).Str("cron", buildCron).Msg("invalid periodic build cron")
		return nil
	}

	stored := cfg
	stored.IsUpdate = false
	stored.TriggerBuild = false

	schedule := func(ctx context.Context) error {
		if err := b.kv.HSet(ctx, HashPeriodicBuildConfigs, jobField, stored); err != nil {
			return err
		}
		err := b.q.EnqueueAt(ctx, next, queue.PeriodicBuilds, queue.JobStartDelayed, model.JobArgs{JobID: cfg.Job.ID})
		if err == queue.ErrDuplicateScheduled {
			return nil
		}
		return err
	}

	if err := schedule(ctx); err != nil {
		log.Warn().Err(err).Msg("reEnqueue")
		if err := b.queueBreaker.Run(ctx, schedule); err != nil {
			log.Error().Err(err).Msg("failed to schedule next periodic build")
		}
	}
	return nil
}

// StopPeriodic drops a job's delayed firing and its stored definition.
func (b *Broker) StopPeriodic(ctx context.Context, jobID int64) error {
	if err := b.ensureConnected(ctx); err != nil {
		return err
	}

	err := b.queueBreaker.Run(ctx, func(ctx context.Context) error {
		_, err := b.q.DeleteDelayed(ctx, queue.PeriodicBuilds, queue.JobStartDelayed, model.JobArgs{JobID: jobID})
		return err
	})
	if err != nil {
		return err
	}

	return b.storeBreaker.Run(ctx, func(ctx context.Context) error {
		return b.kv.HDel(ctx, HashPeriodicBuildConfigs, strconv.FormatInt(jobID, 10))
	})
}

// StartFrozen posts the event for a build whose freeze window has passed.
// Invoked by the scheduler when a frozen item matures.
func (b *Broker) StartFrozen(ctx context.Context, cfg model.BuildConfig) error {
	if cfg.JobState == jobStateDisabled || cfg.JobArchived {
		return nil
	}

	if err := b.postFrozenEvent(ctx, cfg); err != nil {
		log := logger.ForJob(ctx, cfg.JobID)
		log.Warn().Err(err).Msg("failed to post frozen build event")
	}
	return nil
}

// StopFrozen drops a job's delayed frozen wake-up and its stored config.
func (b *Broker) StopFrozen(ctx context.Context, jobID int64) error {
	if err := b.ensureConnected(ctx); err != nil {
		return err
	}

	err := b.queueBreaker.Run(ctx, func(ctx context.Context) error {
		_, err := b.q.DeleteDelayed(ctx, queue.FrozenBuilds, queue.JobStartFrozen, model.JobArgs{JobID: jobID})
		return err
	})
	if err != nil {
		return err
	}

	return b.storeBreaker.Run(ctx, func(ctx context.Context) error {
		return b.kv.HDel(ctx, HashFrozenBuildConfigs, strconv.FormatInt(jobID, 10))
	})
}

func (b *Broker) postEvent(ctx context.Context, apiURI string, pipelineID int64, jobName, cause string) error {
	token, err := b.eventToken(ctx, pipelineID, "")
	if err != nil {
		return err
	}
	return b.api.PostEvent(ctx, apiURI, token, api.EventRequest{
		PipelineID:   pipelineID,
		StartFrom:    jobName,
		CauseMessage: cause,
	})
}

func (b *Broker) postFrozenEvent(ctx context.Context, cfg model.BuildConfig) error {
	token, err := b.eventToken(ctx, cfg.PipelineID, cfg.Token)
	if err != nil {
		return err
	}
	return b.api.PostEvent(ctx, cfg.APIURI, token, api.EventRequest{
		PipelineID:   cfg.PipelineID,
		StartFrom:    cfg.JobName,
		CauseMessage: causeFrozen,
	})
}

// eventToken prefers a freshly minted pipeline-admin token and falls back to
// the token carried on the config.
func (b *Broker) eventToken(ctx context.Context, pipelineID int64, fallback string) (string, error) {
	gen := b.tokenGenerator()
	if gen == nil {
		if fallback == "" {
			return "", errNoToken
		}
		return fallback, nil
	}
	token, err := gen.AdminToken(ctx, pipelineID)
	if err != nil {
		if fallback != "" {
			return fallback, nil
		}
		return "", err
	}
	return token, nil
}
