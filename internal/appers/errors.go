package appers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
)

type ErrorResp struct {
	StatusCode int    `json:"statusCode,omitempty"`
	StatusDesc string `json:"statusDesc,omitempty"`
}

func (e ErrorResp) Error() string {
	return e.StatusDesc
}

var (
	ErrBookingNotFound = ErrorResp{
		http.StatusNotFound,
		"booking not found",
	}
	ErrBookingConflict = ErrorResp{
		http.StatusConflict,
		"room is already booked for an overlapping time range",
	}
	ErrBookingAlreadyCancelled = ErrorResp{
		http.StatusConflict,
		"booking is already cancelled",
	}
	ErrForbidden = ErrorResp{
		http.StatusForbidden,
		"only the booking owner may do this",
	}
	ErrJobNotFound = ErrorResp{
		http.StatusNotFound,
		"outbox job not found",
	}
	ErrJobTerminal = ErrorResp{
		http.StatusConflict,
		"outbox job is already in a terminal state",
	}
	ErrJobNotFailed = ErrorResp{
		http.StatusConflict,
		"only failed outbox jobs can be re-enqueued",
	}
	ErrOutboxDuplicate = ErrorResp{
		http.StatusConflict,
		"outbox job already exists for booking, participant and kind",
	}
	ErrStorageUnavailable = ErrorResp{
		http.StatusServiceUnavailable,
		"storage unavailable",
	}
)

// ValidationError reports caller-supplied data that was rejected before anything was written.
type ValidationError struct {
	Details []string
}

func NewValidationError(details ...string) *ValidationError {
	return &ValidationError{Details: details}
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Details, "; ")
}

// StorageError wraps a database failure. It matches ErrStorageUnavailable with errors.Is
// while keeping the driver error reachable.
type StorageError struct {
	Op  string
	Err error
}

func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageUnavailable, e.Err}
}

func IsStorageUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

func SanitizeError(c *fiber.Ctx, err error) error {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error":   "validation failed",
			"details": validationErr.Details,
		})
	}

	// storage errors carry driver details that should not reach the client
	if IsStorageUnavailable(err) {
		return c.Status(ErrStorageUnavailable.StatusCode).JSON(fiber.Map{
			"message": ErrStorageUnavailable.StatusDesc,
		})
	}

	var errResp ErrorResp
	if ok := errors.As(err, &errResp); ok {
		return c.Status(errResp.StatusCode).JSON(fiber.Map{
			"message": errResp.StatusDesc,
		})
	}

	return NewErr(c, http.StatusInternalServerError, err)
}

func NewErr(ctx *fiber.Ctx, status int, err error) error {
	return ctx.Status(status).JSON(fiber.Map{
		"message": err.Error(),
	})
}
