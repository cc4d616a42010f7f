package handler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"roombooking/internal/appers"
	"roombooking/internal/application/common"
	"roombooking/internal/application/entity"
	use_cases "roombooking/internal/application/use-cases"

	"github.com/gofiber/fiber/v2"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

const (
	userHeader         = "X-User-ID"
	healthCheckTimeout = 3 * time.Second
	defaultFailedLimit = 100
)

type Handler interface {
	CreateBooking(c *fiber.Ctx) error
	CancelBooking(c *fiber.Ctx) error
	CheckConflict(c *fiber.Ctx) error
	RequeueJob(c *fiber.Ctx) error
	ListFailedJobs(c *fiber.Ctx) error
	HealthCheck(c *fiber.Ctx) error
}

type HandlerImpl struct {
	usecase use_cases.UseCaser
	logger  *zap.SugaredLogger
}

func NewBookingHandler(usecase use_cases.UseCaser, logger *zap.SugaredLogger) *HandlerImpl {
	return &HandlerImpl{
		usecase: usecase,
		logger:  logger,
	}
}

type createdResponse struct {
	ID string `json:"id"`
}

type conflictResponse struct {
	Conflict bool `json:"conflict"`
}

// failedJobResponse is one entry of GET /outbox/failed.
type failedJobResponse struct {
	ID          int64     `json:"id"`
	Kind        string    `json:"kind"`
	BookingID   string    `json:"bookingId"`
	Email       string    `json:"email"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	LastError   string    `json:"lastError"`
	CreatedAt   time.Time `json:"createdAt"`
}

// HealthCheck godoc
// @Summary     Service health
// @Description Checks PostgreSQL and, when configured, Kafka.
// @Produce     json
// @Success     200   {object} entity.HealthCheckResponse
// @Failure     503   {object} entity.HealthCheckResponse
// @tags        Health
// @Router      /health [get]
func (h *HandlerImpl) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	checks := h.usecase.HealthCheck(ctx)
	healthy := checks.Database.Status && (checks.Kafka == nil || checks.Kafka.Status)

	resp := entity.HealthCheckResponse{
		Status:  healthy,
		Message: "success",
		Version: common.Version,
		Checks:  checks,
	}
	if !healthy {
		resp.Message = "some services are unavailable"
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// CreateBooking godoc
// @Summary     Book a room
// @Description Creates the booking and enqueues one calendar invitation per participant.
// @Accept      json
// @Produce     json
// @Param       body  body     entity.BookingRequest  true  "Booking"
// @Success     201   {object} createdResponse
// @Failure     400
// @Failure     409
// @Failure     503
// @tags        Booking
// @Router      /bookings [post]
func (h *HandlerImpl) CreateBooking(c *fiber.Ctx) error {
	var req entity.BookingRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnf("error parsing body: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	id, err := h.usecase.CreateBooking(c.UserContext(), req)
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(createdResponse{ID: id.String()})
}

// CancelBooking godoc
// @Summary     Cancel a booking
// @Description Cancels the booking and enqueues a cancellation for every invitation.
// @Produce     json
// @Param       id         path    string  true  "Booking ID"
// @Param       X-User-ID  header  int     true  "Requesting user"
// @Success     200
// @Failure     400
// @Failure     403
// @Failure     404
// @Failure     409
// @tags        Booking
// @Router      /bookings/{id} [delete]
func (h *HandlerImpl) CancelBooking(c *fiber.Ctx) error {
	id, err := uuid.FromString(c.Params("id"))
	if err != nil {
		return appers.SanitizeError(c, appers.NewValidationError("id: not a valid booking id"))
	}

	requester, err := strconv.ParseInt(strings.TrimSpace(c.Get(userHeader)), 10, 64)
	if err != nil || requester <= 0 {
		return appers.SanitizeError(c, appers.NewValidationError(userHeader+": a positive user id is required"))
	}

	if err := h.usecase.CancelBooking(c.UserContext(), id, requester); err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"description": "ok"})
}

// CheckConflict godoc
// @Summary     Check a time range
// @Description Reports whether the range overlaps an active booking of the room.
// @Produce     json
// @Param       room   query    string true "Room"
// @Param       start  query    string true "RFC3339, e.g. 2026-03-02T10:00:00Z"
// @Param       end    query    string true "RFC3339, e.g. 2026-03-02T11:00:00Z"
// @Success     200    {object} conflictResponse
// @Failure     400
// @tags        Booking
// @Router      /bookings/conflicts [get]
func (h *HandlerImpl) CheckConflict(c *fiber.Ctx) error {
	start, err := time.Parse(time.RFC3339, c.Query("start"))
	if err != nil {
		return appers.SanitizeError(c, appers.NewValidationError("start: expected RFC3339"))
	}
	end, err := time.Parse(time.RFC3339, c.Query("end"))
	if err != nil {
		return appers.SanitizeError(c, appers.NewValidationError("end: expected RFC3339"))
	}

	conflict, err := h.usecase.CheckConflict(c.UserContext(), c.Query("room"), start, end)
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(conflictResponse{Conflict: conflict})
}

// RequeueJob godoc
// @Summary     Re-enqueue a failed job
// @Description Moves a FAILED outbox job back to PENDING with a fresh attempt budget.
// @Produce     json
// @Param       id   path     int  true  "Outbox job ID"
// @Success     200
// @Failure     400
// @Failure     404
// @Failure     409
// @tags        Outbox
// @Router      /outbox/{id}/requeue [post]
func (h *HandlerImpl) RequeueJob(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return appers.SanitizeError(c, appers.NewValidationError("id: not a valid job id"))
	}

	if err := h.usecase.RequeueJob(c.UserContext(), int64(id)); err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"description": "ok"})
}

// ListFailedJobs godoc
// @Summary     Failed outbox jobs
// @Produce     json
// @Param       limit  query    int  false  "Max entries (default 100)"
// @Success     200    {array}  failedJobResponse
// @tags        Outbox
// @Router      /outbox/failed [get]
func (h *HandlerImpl) ListFailedJobs(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultFailedLimit)

	jobs, err := h.usecase.ListFailedJobs(c.UserContext(), limit)
	if err != nil {
		return appers.SanitizeError(c, err)
	}

	resp := make([]failedJobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, failedJobResponse{
			ID:          j.ID,
			Kind:        string(j.Kind),
			BookingID:   j.BookingID.String(),
			Email:       j.Email,
			Attempts:    j.Attempts,
			MaxAttempts: j.MaxAttempts,
			LastError:   j.LastError,
			CreatedAt:   j.CreatedAt,
		})
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}
