package repo

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"roombooking/internal/appers"
	"roombooking/internal/application/common"
	"roombooking/internal/application/entity"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
)

// Enqueue inserts job as PENDING with zero attempts. It runs inside the transaction carried
// by ctx when there is one and never commits on its own.
func (r *RepoImpl) Enqueue(ctx context.Context, job *entity.OutboxJob) error {
	r.logger.Debugf("[booking: %s, participant: %d] enqueue %s", job.BookingID, job.ParticipantID, job.Kind)

	maxAttempts := job.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = entity.DefaultMaxAttempts
	}

	err := r.db.QueryRow(ctx, enqueueOutboxSQL,
		string(job.Kind), maxAttempts, job.BookingID, job.ParticipantID,
		job.Email, job.Name, job.Room, job.Start, job.End, job.Reason,
		job.CalendarUID, job.Sequence,
	).Scan(&job.ID, &job.NextAttemptAt, &job.CreatedAt)

	switch {
	case err == nil:
		job.Status = entity.OutboxPending
		job.Attempts = 0
		job.MaxAttempts = maxAttempts
		return nil
	case isDuplicateKeyError(err):
		r.logger.Warnf("[booking: %s, participant: %d] %s already enqueued", job.BookingID, job.ParticipantID, job.Kind)
		return appers.ErrOutboxDuplicate
	default:
		return appers.NewStorageError("insert email_outbox", err)
	}
}

// ClaimBatch leases up to limit due jobs to workerID, oldest first. A leased job is not
// returned again until its lease expires, which also recovers jobs of a crashed worker.
func (r *RepoImpl) ClaimBatch(ctx context.Context, limit int, now time.Time, lease time.Duration, workerID string) ([]entity.OutboxJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	r.logger.Debugf("[worker: %s, lease: %s, limit: %d] ClaimBatch started", workerID, lease, limit)

	rows, err := r.db.Query(ctx, claimBatchSQL, now, limit, common.PgInterval(lease), workerID)
	if err != nil {
		return nil, appers.NewStorageError("claim outbox batch", err)
	}
	defer rows.Close()

	jobs := make([]entity.OutboxJob, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, appers.NewStorageError("claim outbox batch", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, appers.NewStorageError("claim outbox batch", err)
	}

	// UPDATE ... RETURNING does not keep the CTE order
	slices.SortFunc(jobs, func(a, b entity.OutboxJob) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	return jobs, nil
}

// MarkSent is idempotent for jobs that are already SENT.
func (r *RepoImpl) MarkSent(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, markSentSQL, id)
	if err != nil {
		return appers.NewStorageError("outbox mark sent", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	status, err := r.jobStatus(ctx, id)
	if err != nil {
		return err
	}
	if status == entity.OutboxSent {
		r.logger.Debugf("[ID %d] already sent", id)
		return nil
	}
	return appers.ErrJobTerminal
}

// MarkFailedAttempt counts one failed delivery. The job becomes FAILED once attempts reach
// max_attempts, otherwise it waits for nextAttemptAt. The resulting status is returned.
func (r *RepoImpl) MarkFailedAttempt(ctx context.Context, id int64, errMsg string, nextAttemptAt time.Time) (entity.OutboxStatus, error) {
	var status string
	err := r.db.QueryRow(ctx, markFailedAttemptSQL, id, errMsg, nextAttemptAt).Scan(&status)
	switch {
	case err == nil:
		return entity.OutboxStatus(status), nil
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := r.jobStatus(ctx, id); err != nil {
			return "", err
		}
		return "", appers.ErrJobTerminal
	default:
		return "", appers.NewStorageError("outbox mark failed", err)
	}
}

// Requeue gives a FAILED job a fresh set of attempts. It is the only way out of FAILED.
func (r *RepoImpl) Requeue(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, requeueSQL, id)
	if err != nil {
		return appers.NewStorageError("outbox requeue", err)
	}
	if tag.RowsAffected() > 0 {
		r.logger.Infof("[ID %d] requeued", id)
		return nil
	}

	if _, err := r.jobStatus(ctx, id); err != nil {
		return err
	}
	return appers.ErrJobNotFailed
}

func (r *RepoImpl) ListFailed(ctx context.Context, limit int) ([]entity.OutboxJob, error) {
	return r.listJobs(ctx, "list failed outbox", listFailedSQL, limit)
}

// SupersedePendingInvites moves the booking's still-PENDING invites to FAILED and returns
// how many it closed. A send already in flight for one of them can no longer mark it SENT.
func (r *RepoImpl) SupersedePendingInvites(ctx context.Context, bookingID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx, supersedeInvitesSQL, bookingID, entity.SupersededByCancellation)
	if err != nil {
		return 0, appers.NewStorageError("supersede invites", err)
	}
	return tag.RowsAffected(), nil
}

func (r *RepoImpl) ListInvites(ctx context.Context, bookingID uuid.UUID) ([]entity.OutboxJob, error) {
	return r.listJobs(ctx, "list invites", listInvitesSQL, bookingID)
}

func (r *RepoImpl) CountByStatus(ctx context.Context) (map[entity.OutboxStatus]int64, error) {
	rows, err := r.db.Query(ctx, countByStatusSQL)
	if err != nil {
		return nil, appers.NewStorageError("count outbox", err)
	}
	defer rows.Close()

	counts := map[entity.OutboxStatus]int64{
		entity.OutboxPending: 0,
		entity.OutboxSent:    0,
		entity.OutboxFailed:  0,
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, appers.NewStorageError("count outbox", err)
		}
		counts[entity.OutboxStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, appers.NewStorageError("count outbox", err)
	}
	return counts, nil
}

func (r *RepoImpl) listJobs(ctx context.Context, op, query string, args ...any) ([]entity.OutboxJob, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, appers.NewStorageError(op, err)
	}
	defer rows.Close()

	jobs := make([]entity.OutboxJob, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, appers.NewStorageError(op, err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, appers.NewStorageError(op, err)
	}
	return jobs, nil
}

func (r *RepoImpl) jobStatus(ctx context.Context, id int64) (entity.OutboxStatus, error) {
	var status string
	err := r.db.QueryRow(ctx, outboxStatusSQL, id).Scan(&status)
	switch {
	case err == nil:
		return entity.OutboxStatus(status), nil
	case errors.Is(err, pgx.ErrNoRows):
		r.logger.Warnf("[ID %d] outbox job not found", id)
		return "", appers.ErrJobNotFound
	default:
		return "", appers.NewStorageError("outbox status", err)
	}
}
