package repo

import (
	"context"
	"time"

	"roombooking/internal/appers"
	"roombooking/internal/application/entity"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// Transactions groups booking writes with their outbox rows: either both commit or neither does.
type Transactions interface {
	CreateBooking(ctx context.Context, b *entity.Booking, participantIDs []int64, invites []entity.OutboxJob) error
	CancelBooking(ctx context.Context, id uuid.UUID, requester int64, maxAttempts int) ([]entity.OutboxJob, error)
}

type TransactionsImpl struct {
	repo   *RepoImpl
	logger *zap.SugaredLogger
}

func NewTransactions(repo *RepoImpl, logger *zap.SugaredLogger) *TransactionsImpl {
	return &TransactionsImpl{repo: repo, logger: logger}
}

// CreateBooking stores b, its participants and one invite per entry of invites. The room
// advisory lock keeps two concurrent creates from both passing the conflict check.
func (t *TransactionsImpl) CreateBooking(ctx context.Context, b *entity.Booking, participantIDs []int64, invites []entity.OutboxJob) error {
	return t.repo.db.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := t.repo.LockRoom(ctx, b.Room); err != nil {
			return err
		}

		conflict, err := t.repo.HasConflict(ctx, b.Room, b.Start, b.End)
		if err != nil {
			return err
		}
		if conflict {
			t.logger.Infof("[booking: %s] room %q busy for %s - %s", b.ID, b.Room, b.Start, b.End)
			return appers.ErrBookingConflict
		}

		if err := t.repo.InsertBooking(ctx, b); err != nil {
			return err
		}
		if err := t.repo.InsertParticipants(ctx, b.ID, participantIDs); err != nil {
			return err
		}

		for i := range invites {
			if err := t.repo.Enqueue(ctx, &invites[i]); err != nil {
				t.logger.Errorf("[booking: %s] enqueue invite for %d failed: %v", b.ID, invites[i].ParticipantID, err)
				return err
			}
		}

		t.logger.Infof("[booking: %s] created with %d invites", b.ID, len(invites))
		return nil
	})
}

// CancelBooking marks the booking cancelled, closes out invites that were never sent and
// enqueues one cancellation per invite previously enqueued for it, sent or not. The
// enqueued jobs are returned.
func (t *TransactionsImpl) CancelBooking(ctx context.Context, id uuid.UUID, requester int64, maxAttempts int) ([]entity.OutboxJob, error) {
	var cancels []entity.OutboxJob

	err := t.repo.db.WithinTransaction(ctx, func(ctx context.Context) error {
		b, err := t.repo.GetBookingForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if b.OwnerID != requester {
			t.logger.Warnf("[booking: %s] cancel requested by %d, owner is %d", id, requester, b.OwnerID)
			return appers.ErrForbidden
		}
		if b.Status == entity.BookingCancelled {
			return appers.ErrBookingAlreadyCancelled
		}

		if err := t.repo.MarkBookingCancelled(ctx, id, time.Now().UTC()); err != nil {
			return err
		}

		superseded, err := t.repo.SupersedePendingInvites(ctx, id)
		if err != nil {
			return err
		}
		if superseded > 0 {
			t.logger.Infof("[booking: %s] %d pending invites superseded", id, superseded)
		}

		invites, err := t.repo.ListInvites(ctx, id)
		if err != nil {
			return err
		}

		cancels = make([]entity.OutboxJob, 0, len(invites))
		for _, invite := range invites {
			job := invite.Cancellation(maxAttempts)
			if err := t.repo.Enqueue(ctx, &job); err != nil {
				t.logger.Errorf("[booking: %s] enqueue cancellation for %d failed: %v", id, job.ParticipantID, err)
				return err
			}
			cancels = append(cancels, job)
		}

		t.logger.Infof("[booking: %s] cancelled, %d cancellations enqueued", id, len(cancels))
		return nil
	})
	if err != nil {
		return nil, err
	}

	return cancels, nil
}
