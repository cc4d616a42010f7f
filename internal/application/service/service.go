package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"roombooking/internal/appers"
	"roombooking/internal/application/entity"
	"roombooking/internal/application/repo"
	"roombooking/internal/transport/producer"
	"roombooking/pkg/config"
	"roombooking/pkg/metrics"
	"roombooking/pkg/validator"

	govalidator "github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

const maxFailedListLimit = 500

type Service interface {
	CreateBooking(ctx context.Context, req entity.BookingRequest) (uuid.UUID, error)
	CancelBooking(ctx context.Context, id uuid.UUID, requester int64) error
	CheckConflict(ctx context.Context, room string, start, end time.Time) (bool, error)

	RequeueJob(ctx context.Context, id int64) error
	ListFailedJobs(ctx context.Context, limit int) ([]entity.OutboxJob, error)
	OutboxStatus(ctx context.Context) (map[entity.OutboxStatus]int64, error)

	HealthCheck(ctx context.Context) entity.HealthCheckResponseData
}

type ServiceImpl struct {
	repo          repo.Repo
	transactions  repo.Transactions
	kafkaProducer producer.Producer // nil without Kafka
	logger        *zap.SugaredLogger
	cfg           config.OutboxConfig
	m             *metrics.Metrics
}

func NewService(repo repo.Repo, transactions repo.Transactions, kafkaProducer producer.Producer, logger *zap.SugaredLogger, cfg config.OutboxConfig, m *metrics.Metrics) *ServiceImpl {
	return &ServiceImpl{
		repo:          repo,
		transactions:  transactions,
		kafkaProducer: kafkaProducer,
		logger:        logger,
		cfg:           cfg,
		m:             m,
	}
}

// HealthCheck reports the database and, when configured, Kafka.
func (s *ServiceImpl) HealthCheck(ctx context.Context) entity.HealthCheckResponseData {
	res := entity.HealthCheckResponseData{
		Database: entity.HealthCheckItem{Status: true, Type: "postgresql"},
	}
	if err := s.repo.HealthCheck(ctx); err != nil {
		res.Database.Status = false
		res.Database.Error = err.Error()
	}

	if s.kafkaProducer != nil {
		res.Kafka = &entity.HealthCheckItem{Status: true, Type: "kafka"}
		if err := s.kafkaProducer.HealthCheck(ctx); err != nil {
			res.Kafka.Status = false
			res.Kafka.Error = err.Error()
		}
	}
	return res
}

// CreateBooking validates req, then writes the booking, its participants and one invite
// per participant with a usable email address in a single transaction.
func (s *ServiceImpl) CreateBooking(ctx context.Context, req entity.BookingRequest) (uuid.UUID, error) {
	if err := validator.Validate.StructCtx(ctx, req); err != nil {
		return uuid.Nil, validationError(err)
	}
	s.logger.Debugf("[room: %s] CreateBooking started, owner %d, %d participants", req.Room, req.OwnerID, len(req.ParticipantIDs))

	participantIDs := dedupe(req.ParticipantIDs)
	users, err := s.repo.GetUsers(ctx, append(slices.Clone(participantIDs), req.OwnerID))
	if err != nil {
		return uuid.Nil, err
	}
	known := make(map[int64]entity.User, len(users))
	for _, u := range users {
		known[u.ID] = u
	}
	if _, ok := known[req.OwnerID]; !ok {
		return uuid.Nil, appers.NewValidationError(fmt.Sprintf("ownerId: unknown user %d", req.OwnerID))
	}
	var unknown []string
	for _, id := range participantIDs {
		if _, ok := known[id]; !ok {
			unknown = append(unknown, fmt.Sprintf("participantIds: unknown user %d", id))
		}
	}
	if len(unknown) > 0 {
		return uuid.Nil, appers.NewValidationError(unknown...)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate booking id: %w", err)
	}
	b := entity.Booking{
		ID:      id,
		Room:    strings.TrimSpace(req.Room),
		Start:   req.Start.UTC(),
		End:     req.End.UTC(),
		Reason:  req.Reason,
		OwnerID: req.OwnerID,
		Status:  entity.BookingActive,
	}

	invites := make([]entity.OutboxJob, 0, len(participantIDs))
	for _, pid := range participantIDs {
		u := known[pid]
		u.Email = normalizeEmail(u.Email)
		if err := validator.Validate.Var(u.Email, "required,email"); err != nil {
			s.logger.Warnf("[booking: %s] participant %d has no usable email, no invite", b.ID, pid)
			continue
		}
		invites = append(invites, entity.NewInvite(b, u, s.cfg.MaxAttempts))
	}

	if err := s.transactions.CreateBooking(ctx, &b, participantIDs, invites); err != nil {
		return uuid.Nil, err
	}

	if s.m != nil {
		s.m.Outbox.EnqueuedTotal.WithLabelValues(string(entity.KindInvite)).Add(float64(len(invites)))
	}
	s.logger.Infof("[booking: %s] room %s booked %s - %s, %d invites enqueued", b.ID, b.Room, b.Start, b.End, len(invites))

	return b.ID, nil
}

// CancelBooking cancels the booking and enqueues a cancellation for every invite sent for it.
func (s *ServiceImpl) CancelBooking(ctx context.Context, id uuid.UUID, requester int64) error {
	s.logger.Debugf("[booking: %s] CancelBooking started by %d", id, requester)

	cancels, err := s.transactions.CancelBooking(ctx, id, requester, s.cfg.MaxAttempts)
	if err != nil {
		return err
	}

	if s.m != nil {
		s.m.Outbox.EnqueuedTotal.WithLabelValues(string(entity.KindCancel)).Add(float64(len(cancels)))
	}
	return nil
}

// CheckConflict reports whether [start, end) overlaps a non-cancelled booking of room.
func (s *ServiceImpl) CheckConflict(ctx context.Context, room string, start, end time.Time) (bool, error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return false, appers.NewValidationError("room is required")
	}
	if !end.After(start) {
		return false, appers.NewValidationError("end must be after start")
	}
	return s.repo.HasConflict(ctx, room, start.UTC(), end.UTC())
}

// RequeueJob is the manual way back from FAILED.
func (s *ServiceImpl) RequeueJob(ctx context.Context, id int64) error {
	if id <= 0 {
		return appers.NewValidationError("jobId must be positive")
	}
	if err := s.repo.Requeue(ctx, id); err != nil {
		return err
	}
	s.logger.Infof("[ID %d] failed job requeued by operator", id)
	return nil
}

func (s *ServiceImpl) ListFailedJobs(ctx context.Context, limit int) ([]entity.OutboxJob, error) {
	if limit <= 0 || limit > maxFailedListLimit {
		limit = maxFailedListLimit
	}
	return s.repo.ListFailed(ctx, limit)
}

func (s *ServiceImpl) OutboxStatus(ctx context.Context) (map[entity.OutboxStatus]int64, error) {
	return s.repo.CountByStatus(ctx)
}

func validationError(err error) error {
	var verrs govalidator.ValidationErrors
	if !errors.As(err, &verrs) {
		return appers.NewValidationError(err.Error())
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fmt.Sprintf("%s: failed on '%s'", fe.Field(), fe.Tag()))
	}
	return appers.NewValidationError(details...)
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
