package entity

import (
	"time"

	"github.com/gofrs/uuid"
)

type BookingStatus string

const (
	BookingActive    BookingStatus = "ACTIVE"
	BookingCancelled BookingStatus = "CANCELLED"
)

// BookingRequest is what the route layer hands to the booking service.
type BookingRequest struct {
	Room           string    `json:"room" validate:"required,max=100,nocontrol"`
	Start          time.Time `json:"start" validate:"required"`
	End            time.Time `json:"end" validate:"required,gtfield=Start"`
	Reason         string    `json:"reason" validate:"max=1000,nocontrol_multiline"`
	OwnerID        int64     `json:"ownerId" validate:"required,gt=0"`
	ParticipantIDs []int64   `json:"participantIds" validate:"max=200,dive,gt=0"`
}

type Booking struct {
	ID          uuid.UUID     `db:"id"`
	Room        string        `db:"room"`
	Start       time.Time     `db:"start_time"`
	End         time.Time     `db:"end_time"`
	Reason      string        `db:"reason"`
	OwnerID     int64         `db:"owner_id"`
	Status      BookingStatus `db:"status"`
	CreatedAt   time.Time     `db:"created_at"`
	CancelledAt *time.Time    `db:"cancelled_at"`
}

// Overlaps uses half-open intervals: a booking ending at 11:00 does not collide with one
// starting at 11:00.
func (b Booking) Overlaps(start, end time.Time) bool {
	return b.Start.Before(end) && b.End.After(start)
}

type User struct {
	ID    int64  `db:"id"`
	Name  string `db:"name"`
	Email string `db:"email"`
}
