package use_cases

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"roombooking/internal/appers"
	"roombooking/internal/application/entity"
	"roombooking/internal/application/service"
	"roombooking/pkg/config"
	"roombooking/pkg/metrics"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

type UseCaser interface {
	CreateBooking(ctx context.Context, req entity.BookingRequest) (uuid.UUID, error)
	CancelBooking(ctx context.Context, id uuid.UUID, requester int64) error
	CheckConflict(ctx context.Context, room string, start, end time.Time) (bool, error)

	RequeueJob(ctx context.Context, id int64) error
	ListFailedJobs(ctx context.Context, limit int) ([]entity.OutboxJob, error)
	ReportOutboxStatus(ctx context.Context)
	RunDispatcher(ctx context.Context)
	ConsumerMessage(ctx context.Context, msg []byte, msgTime time.Time) error

	HealthCheck(ctx context.Context) entity.HealthCheckResponseData
}

// Dispatch is the part of the dispatcher the use cases drive.
type Dispatch interface {
	Run(ctx context.Context)
}

type UseCase struct {
	service    service.Service
	dispatcher Dispatch
	logger     *zap.SugaredLogger
	conf       *config.Config
	m          *metrics.Metrics
}

func NewUseCase(service service.Service, dispatcher Dispatch, logger *zap.SugaredLogger, conf *config.Config, m *metrics.Metrics) *UseCase {
	return &UseCase{
		service:    service,
		dispatcher: dispatcher,
		logger:     logger,
		conf:       conf,
		m:          m,
	}
}

func (u *UseCase) HealthCheck(ctx context.Context) entity.HealthCheckResponseData {
	return u.service.HealthCheck(ctx)
}

func (u *UseCase) CreateBooking(ctx context.Context, req entity.BookingRequest) (uuid.UUID, error) {
	u.logger.Debugf("[room: %s] CreateBooking called", req.Room)
	return u.service.CreateBooking(ctx, req)
}

func (u *UseCase) CancelBooking(ctx context.Context, id uuid.UUID, requester int64) error {
	u.logger.Debugf("[booking: %s] CancelBooking called", id)
	return u.service.CancelBooking(ctx, id, requester)
}

func (u *UseCase) CheckConflict(ctx context.Context, room string, start, end time.Time) (bool, error) {
	return u.service.CheckConflict(ctx, room, start, end)
}

func (u *UseCase) RequeueJob(ctx context.Context, id int64) error {
	return u.service.RequeueJob(ctx, id)
}

func (u *UseCase) ListFailedJobs(ctx context.Context, limit int) ([]entity.OutboxJob, error) {
	return u.service.ListFailedJobs(ctx, limit)
}

// ReportOutboxStatus refreshes the per-status job gauge and warns while anything sits in FAILED.
func (u *UseCase) ReportOutboxStatus(ctx context.Context) {
	counts, err := u.service.OutboxStatus(ctx)
	if err != nil {
		u.logger.Errorf("outbox status report failed: %v", err)
		return
	}

	if u.m != nil {
		for status, n := range counts {
			u.m.Outbox.JobsByStatus.WithLabelValues(string(status)).Set(float64(n))
		}
	}

	u.logger.Infof("outbox status: pending=%d sent=%d failed=%d",
		counts[entity.OutboxPending], counts[entity.OutboxSent], counts[entity.OutboxFailed])
	if n := counts[entity.OutboxFailed]; n > 0 {
		u.logger.Warnf("%d outbox jobs need attention, see GET /outbox/failed", n)
	}
}

func (u *UseCase) RunDispatcher(ctx context.Context) {
	u.logger.Debug("dispatcher starting")
	u.dispatcher.Run(ctx)
}

// ConsumerMessage handles one message of the command topic: {"jobId": N} re-enqueues a
// failed job. A malformed payload is a validation error and is not retried.
func (u *UseCase) ConsumerMessage(ctx context.Context, msg []byte, msgTime time.Time) error {
	u.logger.Debugf("consumer message: %s, time: %v", msg, msgTime)

	var cmd entity.RequeueCommand
	if err := json.Unmarshal(msg, &cmd); err != nil {
		return appers.NewValidationError(fmt.Sprintf("malformed requeue command: %v", err))
	}
	return u.service.RequeueJob(ctx, cmd.JobID)
}
