package entity

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid"
)

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxSent    OutboxStatus = "SENT"
	OutboxFailed  OutboxStatus = "FAILED"
)

func (s OutboxStatus) Terminal() bool {
	return s == OutboxSent || s == OutboxFailed
}

type OutboxKind string

const (
	KindInvite OutboxKind = "INVITE"
	KindCancel OutboxKind = "CANCEL"
)

const DefaultMaxAttempts = 5

// SupersededByCancellation is the last_error of an invite closed out by its booking's cancellation.
const SupersededByCancellation = "superseded by cancellation"

// OutboxJob is one invitation or cancellation email for one participant. Recipient and
// booking fields are a snapshot taken at enqueue time and are never re-read.
type OutboxJob struct {
	ID            int64        `db:"id"`
	Kind          OutboxKind   `db:"type"`
	Status        OutboxStatus `db:"status"`
	Attempts      int          `db:"attempts"`
	MaxAttempts   int          `db:"max_attempts"`
	BookingID     uuid.UUID    `db:"booking_id"`
	ParticipantID int64        `db:"participant_id"`
	Email         string       `db:"email"`
	Name          string       `db:"name"`
	Room          string       `db:"room"`
	Start         time.Time    `db:"start_time"`
	End           time.Time    `db:"end_time"`
	Reason        string       `db:"reason"`
	CalendarUID   string       `db:"calendar_uid"`
	Sequence      int          `db:"sequence"`
	NextAttemptAt time.Time    `db:"next_attempt_at"`
	LastError     string       `db:"last_error"`
	CreatedAt     time.Time    `db:"created_at"`
}

// calendarNamespace seeds the v5 UUIDs behind calendar UIDs; changing it would break
// the correlation between already-sent invites and later cancellations.
var calendarNamespace = uuid.Must(uuid.FromString("5b0f8a4e-3c1d-4e0b-9a57-2f6c1d7e9b10"))

// CalendarUID is deterministic per (booking, participant) and identical across kinds.
func CalendarUID(bookingID uuid.UUID, participantID int64) string {
	name := fmt.Sprintf("%s:%d", bookingID, participantID)
	return uuid.NewV5(calendarNamespace, name).String() + "@roombooking"
}

func NewInvite(b Booking, u User, maxAttempts int) OutboxJob {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return OutboxJob{
		Kind:          KindInvite,
		Status:        OutboxPending,
		MaxAttempts:   maxAttempts,
		BookingID:     b.ID,
		ParticipantID: u.ID,
		Email:         u.Email,
		Name:          u.Name,
		Room:          b.Room,
		Start:         b.Start,
		End:           b.End,
		Reason:        b.Reason,
		CalendarUID:   CalendarUID(b.ID, u.ID),
		Sequence:      0,
	}
}

// Cancellation builds the CANCEL job superseding this invite: same UID and snapshot,
// next sequence number.
func (j OutboxJob) Cancellation(maxAttempts int) OutboxJob {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return OutboxJob{
		Kind:          KindCancel,
		Status:        OutboxPending,
		MaxAttempts:   maxAttempts,
		BookingID:     j.BookingID,
		ParticipantID: j.ParticipantID,
		Email:         j.Email,
		Name:          j.Name,
		Room:          j.Room,
		Start:         j.Start,
		End:           j.End,
		Reason:        j.Reason,
		CalendarUID:   j.CalendarUID,
		Sequence:      j.Sequence + 1,
	}
}

const (
	EventInvitationSent   = "invitation.sent"
	EventInvitationFailed = "invitation.failed"
)

// DeliveryEvent is published when a job reaches a terminal state.
type DeliveryEvent struct {
	Event         string       `json:"event"`
	JobID         int64        `json:"jobId"`
	BookingID     string       `json:"bookingId"`
	ParticipantID int64        `json:"participantId"`
	Kind          OutboxKind   `json:"kind"`
	Status        OutboxStatus `json:"status"`
	CalendarUID   string       `json:"calendarUid"`
	Sequence      int          `json:"sequence"`
	Attempts      int          `json:"attempts"`
	Error         string       `json:"error,omitempty"`
	OccurredAt    time.Time    `json:"occurredAt"`
}

// RequeueCommand is the payload of the outbox command topic.
type RequeueCommand struct {
	JobID int64 `json:"jobId"`
}
