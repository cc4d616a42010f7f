package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roombooking/internal/appers"
	"roombooking/internal/application/entity"
	"roombooking/pkg/db"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// OutboxStore is the durable email job queue.
type OutboxStore interface {
	Enqueue(ctx context.Context, job *entity.OutboxJob) error
	ClaimBatch(ctx context.Context, limit int, now time.Time, lease time.Duration, workerID string) ([]entity.OutboxJob, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailedAttempt(ctx context.Context, id int64, errMsg string, nextAttemptAt time.Time) (entity.OutboxStatus, error)

	Requeue(ctx context.Context, id int64) error
	ListFailed(ctx context.Context, limit int) ([]entity.OutboxJob, error)
	ListInvites(ctx context.Context, bookingID uuid.UUID) ([]entity.OutboxJob, error)
	SupersedePendingInvites(ctx context.Context, bookingID uuid.UUID) (int64, error)
	CountByStatus(ctx context.Context) (map[entity.OutboxStatus]int64, error)
}

type Repo interface {
	OutboxStore

	GetUsers(ctx context.Context, ids []int64) ([]entity.User, error)
	HasConflict(ctx context.Context, room string, start, end time.Time) (bool, error)
	LockRoom(ctx context.Context, room string) error
	InsertBooking(ctx context.Context, b *entity.Booking) error
	InsertParticipants(ctx context.Context, bookingID uuid.UUID, userIDs []int64) error
	GetBookingForUpdate(ctx context.Context, id uuid.UUID) (*entity.Booking, error)
	MarkBookingCancelled(ctx context.Context, id uuid.UUID, at time.Time) error

	HealthCheck(ctx context.Context) error
}

type RepoImpl struct {
	db     db.DB
	logger *zap.SugaredLogger
}

func NewRepo(db db.DB, logger *zap.SugaredLogger) *RepoImpl {
	return &RepoImpl{db: db, logger: logger}
}

func (r *RepoImpl) HealthCheck(ctx context.Context) error {
	var result int
	err := r.db.QueryRow(ctx, "SELECT 1").Scan(&result)
	if err != nil {
		return appers.NewStorageError("database health check", err)
	}
	return nil
}

func (r *RepoImpl) GetUsers(ctx context.Context, ids []int64) ([]entity.User, error) {
	r.logger.Debugf("[users: %v] start loading from DB", ids)

	rows, err := r.db.Query(ctx, selectUsersSQL, ids)
	if err != nil {
		return nil, appers.NewStorageError("select users", err)
	}
	defer rows.Close()

	users := make([]entity.User, 0, len(ids))
	for rows.Next() {
		var u entity.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email); err != nil {
			return nil, appers.NewStorageError("scan user", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, appers.NewStorageError("select users", err)
	}
	return users, nil
}

// LockRoom serialises booking writes for one room until the surrounding transaction ends.
// Outside a transaction the lock is released immediately, so callers must hold one.
func (r *RepoImpl) LockRoom(ctx context.Context, room string) error {
	if _, err := r.db.Exec(ctx, lockRoomSQL, room); err != nil {
		return appers.NewStorageError("lock room", err)
	}
	return nil
}

// HasConflict reports whether [start, end) overlaps any non-cancelled booking of the room.
func (r *RepoImpl) HasConflict(ctx context.Context, room string, start, end time.Time) (bool, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, conflictExistsSQL, room, start, end).Scan(&exists); err != nil {
		return false, appers.NewStorageError("conflict check", err)
	}
	return exists, nil
}

func (r *RepoImpl) InsertBooking(ctx context.Context, b *entity.Booking) error {
	r.logger.Debugf("[booking: %s] start inserting into DB", b.ID)

	err := r.db.QueryRow(ctx, insertBookingSQL,
		b.ID, b.Room, b.Start, b.End, b.Reason, b.OwnerID, string(b.Status),
	).Scan(&b.CreatedAt)
	if err != nil {
		r.logger.Errorf("[booking: %s] error inserting into DB: %v", b.ID, err)
		return appers.NewStorageError("insert booking", err)
	}
	return nil
}

func (r *RepoImpl) InsertParticipants(ctx context.Context, bookingID uuid.UUID, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	if _, err := r.db.Exec(ctx, insertParticipantsSQL, bookingID, userIDs); err != nil {
		return appers.NewStorageError("insert participants", err)
	}
	return nil
}

// GetBookingForUpdate row-locks the booking for the rest of the transaction.
func (r *RepoImpl) GetBookingForUpdate(ctx context.Context, id uuid.UUID) (*entity.Booking, error) {
	var (
		b      entity.Booking
		status string
	)
	err := r.db.QueryRow(ctx, selectBookingForUpdateSQL, id).Scan(
		&b.ID, &b.Room, &b.Start, &b.End, &b.Reason, &b.OwnerID, &status, &b.CreatedAt, &b.CancelledAt,
	)
	switch {
	case err == nil:
		b.Status = entity.BookingStatus(status)
		return &b, nil
	case errors.Is(err, pgx.ErrNoRows):
		return nil, appers.ErrBookingNotFound
	default:
		return nil, appers.NewStorageError("select booking", err)
	}
}

func (r *RepoImpl) MarkBookingCancelled(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, cancelBookingSQL, id, at)
	if err != nil {
		return appers.NewStorageError("cancel booking", err)
	}
	if tag.RowsAffected() == 0 {
		return appers.ErrBookingAlreadyCancelled
	}
	return nil
}

// isDuplicateKeyError reports a unique violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (entity.OutboxJob, error) {
	var (
		j            entity.OutboxJob
		kind, status string
	)
	err := row.Scan(
		&j.ID, &kind, &status, &j.Attempts, &j.MaxAttempts, &j.BookingID, &j.ParticipantID,
		&j.Email, &j.Name, &j.Room, &j.Start, &j.End, &j.Reason, &j.CalendarUID, &j.Sequence,
		&j.NextAttemptAt, &j.LastError, &j.CreatedAt,
	)
	if err != nil {
		return entity.OutboxJob{}, fmt.Errorf("scan outbox job: %w", err)
	}
	j.Kind = entity.OutboxKind(kind)
	j.Status = entity.OutboxStatus(status)
	return j, nil
}
