package cron

import (
	"context"
	"fmt"

	use_cases "roombooking/internal/application/use-cases"
	"roombooking/pkg/config"

	"go.uber.org/zap"
)

const defaultSpec = "@every 1m"

type Controller struct {
	scheduler *Scheduler
	logger    *zap.SugaredLogger
}

func NewController(ctx context.Context, logger *zap.SugaredLogger) *Controller {
	return &Controller{
		scheduler: NewScheduler(ctx),
		logger:    logger,
	}
}

// RegisterOutboxStatusJob schedules the status report. Schedule wins over Interval.
func (c *Controller) RegisterOutboxStatusJob(usecase use_cases.UseCaser, conf config.Cron) error {
	spec := specFor(conf)
	if conf.Schedule == "" && conf.Interval == "" {
		c.logger.Warnf("no cron schedule configured, using %s", spec)
	}

	entryID, err := c.scheduler.Add(spec, NewOutboxStatusJob(usecase, c.logger))
	if err != nil {
		return fmt.Errorf("register outbox status job %q: %w", spec, err)
	}

	c.logger.Infof("outbox status job registered, id %d, schedule %s", entryID, spec)
	return nil
}

func specFor(conf config.Cron) string {
	switch {
	case conf.Schedule != "":
		return conf.Schedule
	case conf.Interval != "":
		return conf.Interval
	default:
		return defaultSpec
	}
}

func (c *Controller) Start() {
	c.logger.Info("starting cron scheduler")
	c.scheduler.Start()
}

func (c *Controller) Stop() {
	c.logger.Info("stopping cron scheduler")
	c.scheduler.Stop()
	c.logger.Info("cron scheduler stopped")
}
