package cron

import (
	"context"

	use_cases "roombooking/internal/application/use-cases"

	"go.uber.org/zap"
)

// OutboxStatusJob publishes outbox job counts per status.
type OutboxStatusJob struct {
	usecase use_cases.UseCaser
	logger  *zap.SugaredLogger
}

func NewOutboxStatusJob(usecase use_cases.UseCaser, logger *zap.SugaredLogger) *OutboxStatusJob {
	return &OutboxStatusJob{
		usecase: usecase,
		logger:  logger,
	}
}

func (j *OutboxStatusJob) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Errorf("panic in outbox status job: %v", r)
		}
	}()

	j.usecase.ReportOutboxStatus(ctx)
}
