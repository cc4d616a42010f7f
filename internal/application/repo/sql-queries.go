package repo

// BOOKINGS
const lockRoomSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`

const conflictExistsSQL = `
SELECT EXISTS (
	SELECT 1
	FROM bookings
	WHERE room = $1
		AND status <> 'CANCELLED'
		AND start_time < $3
		AND end_time > $2
)`

const insertBookingSQL = `
INSERT INTO bookings (id, room, start_time, end_time, reason, owner_id, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING created_at`

const insertParticipantsSQL = `
INSERT INTO booking_participants (booking_id, user_id)
SELECT $1, unnest($2::bigint[])
ON CONFLICT DO NOTHING`

const selectBookingForUpdateSQL = `
SELECT id, room, start_time, end_time, reason, owner_id, status, created_at, cancelled_at
FROM bookings
WHERE id = $1
FOR UPDATE`

const cancelBookingSQL = `
UPDATE bookings
SET status = 'CANCELLED', cancelled_at = $2, updated_at = now()
WHERE id = $1 AND status <> 'CANCELLED'`

// USERS
const selectUsersSQL = `SELECT id, name, email FROM users WHERE id = ANY($1) ORDER BY id`

// OUTBOX
const outboxColumns = `id, type, status, attempts, max_attempts, booking_id, participant_id,
	email, name, room, start_time, end_time, reason, calendar_uid, sequence,
	next_attempt_at, COALESCE(last_error, ''), created_at`

const enqueueOutboxSQL = `
INSERT INTO email_outbox (
	type, status, attempts, max_attempts, booking_id, participant_id,
	email, name, room, start_time, end_time, reason, calendar_uid, sequence,
	next_attempt_at, created_at, updated_at
) VALUES ($1, 'PENDING', 0, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now(), now())
RETURNING id, next_attempt_at, created_at`

// The lease pushes next_attempt_at forward so the row stays invisible to other claimers
// until this worker resolves it or the lease runs out.
const claimBatchSQL = `
WITH picked AS (
	SELECT id
	FROM email_outbox
	WHERE status = 'PENDING'
		AND next_attempt_at <= $1
		AND attempts < max_attempts
	ORDER BY created_at, id
	FOR UPDATE SKIP LOCKED
	LIMIT $2
)
UPDATE email_outbox AS o
SET next_attempt_at = $1 + $3::interval,
	claimed_by = $4,
	claimed_at = $1,
	updated_at = now()
FROM picked
WHERE o.id = picked.id
RETURNING o.id, o.type, o.status, o.attempts, o.max_attempts, o.booking_id, o.participant_id,
	o.email, o.name, o.room, o.start_time, o.end_time, o.reason, o.calendar_uid, o.sequence,
	o.next_attempt_at, COALESCE(o.last_error, ''), o.created_at`

const markSentSQL = `
UPDATE email_outbox
SET status = 'SENT', sent_at = now(), claimed_by = NULL, updated_at = now()
WHERE id = $1 AND status = 'PENDING'`

const markFailedAttemptSQL = `
UPDATE email_outbox
SET attempts = attempts + 1,
	status = CASE WHEN attempts + 1 >= max_attempts THEN 'FAILED' ELSE 'PENDING' END,
	next_attempt_at = $3,
	last_error = $2,
	claimed_by = NULL,
	updated_at = now()
WHERE id = $1 AND status = 'PENDING'
RETURNING status`

const requeueSQL = `
UPDATE email_outbox
SET status = 'PENDING', attempts = 0, next_attempt_at = now(), claimed_by = NULL, updated_at = now()
WHERE id = $1 AND status = 'FAILED'`

const outboxStatusSQL = `SELECT status FROM email_outbox WHERE id = $1`

const listFailedSQL = `
SELECT ` + outboxColumns + `
FROM email_outbox
WHERE status = 'FAILED'
ORDER BY updated_at DESC, id DESC
LIMIT $1`

const listInvitesSQL = `
SELECT ` + outboxColumns + `
FROM email_outbox
WHERE booking_id = $1 AND type = 'INVITE'
ORDER BY participant_id`

// Invites not yet delivered when their booking is cancelled are closed out instead of mailed.
const supersedeInvitesSQL = `
UPDATE email_outbox
SET status = 'FAILED', last_error = $2, claimed_by = NULL, updated_at = now()
WHERE booking_id = $1 AND type = 'INVITE' AND status = 'PENDING'`

const countByStatusSQL = `SELECT status, count(*) FROM email_outbox GROUP BY status`
