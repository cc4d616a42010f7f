package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"roombooking/internal/application/common"
	"roombooking/internal/application/entity"
	"roombooking/internal/application/ics"
	"roombooking/internal/application/repo"
	"roombooking/internal/transport/mailer"
	"roombooking/pkg/config"
	"roombooking/pkg/metrics"

	"go.uber.org/zap"
)

const (
	attachmentName     = "invite.ics"
	stateUpdateTimeout = 10 * time.Second
	maxStoredError     = 1000
)

type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeRetry   Outcome = "retry"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped" // lease too close to expiry, left for the next claim
	OutcomeError   Outcome = "error"   // the store did not record the outcome
)

type DispatchResult struct {
	Claimed  int
	Outcomes map[Outcome]int
}

// DeliveryPublisher announces terminal job states.
type DeliveryPublisher interface {
	PublishDelivery(ctx context.Context, evt entity.DeliveryEvent) error
}

// Dispatcher drains the outbox: it leases due jobs, renders their calendar objects and
// hands them to the mail sender, one attempt per job per cycle.
type Dispatcher struct {
	store       repo.OutboxStore
	sender      mailer.Sender
	publisher   DeliveryPublisher
	cfg         config.OutboxConfig
	from        string
	sendTimeout time.Duration
	m           *metrics.Metrics
	logger      *zap.SugaredLogger
	now         func() time.Time

	// backlog counts jobs Run has claimed and not finished, queued or in flight.
	backlog atomic.Int64
}

func NewDispatcher(
	store repo.OutboxStore,
	sender mailer.Sender,
	publisher DeliveryPublisher,
	cfg config.OutboxConfig,
	mail config.Mail,
	m *metrics.Metrics,
	logger *zap.SugaredLogger,
) *Dispatcher {
	return &Dispatcher{
		store:       store,
		sender:      sender,
		publisher:   publisher,
		cfg:         cfg,
		from:        mail.From,
		sendTimeout: mail.Timeout,
		m:           m,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run polls every PollPeriod until ctx is done. Claimed jobs that are still queued or being
// sent count against BatchSize, so a tick only claims what the workers can pick up before
// the lease runs low.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Infow("dispatcher started",
		"worker", d.cfg.WorkerID, "workers", d.cfg.Workers, "batch", d.cfg.BatchSize, "lease", d.cfg.Lease.String())

	jobs := make(chan entity.OutboxJob, d.cfg.BatchSize)

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.worker(ctx, id, jobs)
		}(i)
	}
	defer wg.Wait()

	ticker := time.NewTicker(d.cfg.PollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Infow("dispatcher stopping")
			return
		case <-ticker.C:
			free := d.freeSlots()
			if free == 0 {
				continue
			}

			batch, err := d.claim(ctx, free)
			if err != nil {
				continue
			}
			d.backlog.Add(int64(len(batch)))
			for _, j := range batch {
				select {
				case jobs <- j:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (d *Dispatcher) freeSlots() int {
	return max(d.cfg.BatchSize-int(d.backlog.Load()), 0)
}

func (d *Dispatcher) worker(ctx context.Context, id int, jobs <-chan entity.OutboxJob) {
	d.logger.Debugw("dispatch worker started", "id", id)
	for {
		select {
		case <-ctx.Done():
			d.logger.Debugw("dispatch worker stopping", "id", id)
			return
		case j := <-jobs:
			// queued jobs left at shutdown are picked up again when their lease expires
			if ctx.Err() != nil {
				return
			}
			d.ProcessOne(ctx, id, j)
			d.backlog.Add(-1)
		}
	}
}

// DispatchOnce runs a single cycle: claim up to BatchSize jobs and process them with at
// most Workers sends in flight. A claim failure aborts the cycle and is returned.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	batch, err := d.claim(ctx, d.cfg.BatchSize)
	if err != nil {
		return DispatchResult{}, err
	}

	outcomes := make([]Outcome, len(batch))
	sem := make(chan struct{}, max(d.cfg.Workers, 1))
	var wg sync.WaitGroup
	for i, j := range batch {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = d.ProcessOne(ctx, i%cap(sem), j)
		}()
	}
	wg.Wait()

	res := DispatchResult{Claimed: len(batch), Outcomes: make(map[Outcome]int)}
	for _, o := range outcomes {
		res.Outcomes[o]++
	}
	return res, nil
}

func (d *Dispatcher) claim(ctx context.Context, limit int) ([]entity.OutboxJob, error) {
	batch, err := d.store.ClaimBatch(ctx, limit, d.now(), d.cfg.Lease, d.cfg.WorkerID)
	if err != nil {
		if d.m != nil {
			d.m.Outbox.CycleErrors.Inc()
		}
		d.logger.Errorw("claim outbox batch failed", "err", err)
		return nil, err
	}
	if len(batch) > 0 {
		if d.m != nil {
			d.m.Outbox.ClaimedTotal.Add(float64(len(batch)))
		}
		d.logger.Debugf("claimed %d outbox jobs", len(batch))
	}
	return batch, nil
}

// ProcessOne makes one delivery attempt for a claimed job and records its outcome. The
// send is bounded by the mail timeout only; cancelling ctx does not interrupt it, and the
// outcome is still recorded after ctx is done.
func (d *Dispatcher) ProcessOne(ctx context.Context, wid int, job entity.OutboxJob) Outcome {
	d.logger.Debugf("[ID %d] dispatch started, worker %d, attempt %d/%d", job.ID, wid, job.Attempts+1, job.MaxAttempts)

	// job.NextAttemptAt is the lease expiry set by the claim
	if !job.NextAttemptAt.IsZero() && d.now().Add(d.sendTimeout).After(job.NextAttemptAt) {
		d.logger.Warnf("[ID %d] lease expires at %s, leaving the job for a later claim", job.ID, job.NextAttemptAt)
		return OutcomeSkipped
	}

	detached := context.WithoutCancel(ctx)

	msg, err := d.render(job)
	if err != nil {
		d.logger.Errorf("[ID %d] cannot render invitation: %v", job.ID, err)
		d.count(job, "invalid")
		return d.recordFailure(detached, job, err)
	}

	sendCtx, cancel := context.WithTimeout(detached, d.sendTimeout)
	t0 := time.Now()
	res, err := d.sender.Send(sendCtx, msg)
	cancel()
	if err == nil {
		err = checkAccepted(res, job.Email)
	}
	if d.m != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		d.m.Outbox.SendDuration.WithLabelValues(result).Observe(time.Since(t0).Seconds())
	}

	if err != nil {
		d.logger.Warnf("[ID %d] send to %s failed: %v", job.ID, job.Email, err)
		return d.recordFailure(detached, job, err)
	}

	stateCtx, cancel := context.WithTimeout(detached, stateUpdateTimeout)
	defer cancel()
	if err := d.store.MarkSent(stateCtx, job.ID); err != nil {
		// the mail is out; if the lease lapses before this is fixed the job is sent again
		d.logger.Errorf("[ID %d] sent but mark sent failed: %v", job.ID, err)
		return OutcomeError
	}

	d.count(job, string(OutcomeSent))
	d.logger.Infof("[ID %d] %s for booking %s sent to %s", job.ID, job.Kind, job.BookingID, job.Email)
	d.publish(stateCtx, job, entity.OutboxSent, job.Attempts+1, "")
	return OutcomeSent
}

func (d *Dispatcher) recordFailure(ctx context.Context, job entity.OutboxJob, cause error) Outcome {
	attempts := job.Attempts + 1
	next := d.now().Add(common.NextBackoff(attempts, d.cfg.BackoffBase, d.cfg.BackoffMax))
	errMsg := truncate(cause.Error(), maxStoredError)

	stateCtx, cancel := context.WithTimeout(ctx, stateUpdateTimeout)
	defer cancel()

	status, err := d.store.MarkFailedAttempt(stateCtx, job.ID, errMsg, next)
	if err != nil {
		d.logger.Errorf("[ID %d] mark failed attempt: %v", job.ID, err)
		return OutcomeError
	}

	if status == entity.OutboxFailed {
		d.count(job, string(OutcomeFailed))
		d.logger.Errorf("[ID %d] %s for booking %s to %s gave up after %d attempts: %s",
			job.ID, job.Kind, job.BookingID, job.Email, attempts, errMsg)
		d.publish(stateCtx, job, entity.OutboxFailed, attempts, errMsg)
		return OutcomeFailed
	}

	d.count(job, string(OutcomeRetry))
	d.logger.Infof("[ID %d] attempt %d/%d failed, next try at %s", job.ID, attempts, job.MaxAttempts, next.Format(time.RFC3339))
	return OutcomeRetry
}

func (d *Dispatcher) render(job entity.OutboxJob) (mailer.Message, error) {
	method, err := ics.MethodFor(job.Kind)
	if err != nil {
		return mailer.Message{}, err
	}

	calendar, err := ics.EncodeAt(ics.Event{
		UID:            job.CalendarUID,
		Sequence:       job.Sequence,
		Method:         method,
		Start:          job.Start,
		End:            job.End,
		Summary:        "Room booking: " + job.Room,
		Description:    job.Reason,
		Location:       job.Room,
		OrganizerEmail: d.from,
		AttendeeEmail:  job.Email,
		AttendeeName:   job.Name,
	}, d.now())
	if err != nil {
		return mailer.Message{}, err
	}

	return mailer.Message{
		From:     d.from,
		To:       job.Email,
		ToName:   job.Name,
		Subject:  subject(job),
		TextBody: textBody(job),
		Attachment: mailer.Attachment{
			Filename: attachmentName,
			MimeType: fmt.Sprintf("text/calendar; charset=UTF-8; method=%s", method),
			Content:  []byte(calendar),
		},
	}, nil
}

func subject(job entity.OutboxJob) string {
	when := job.Start.UTC().Format("2006-01-02 15:04 MST")
	if job.Kind == entity.KindCancel {
		return fmt.Sprintf("Cancelled: %s on %s", job.Room, when)
	}
	return fmt.Sprintf("Invitation: %s on %s", job.Room, when)
}

func textBody(job entity.OutboxJob) string {
	var b strings.Builder
	if job.Name != "" {
		fmt.Fprintf(&b, "Hello %s,\n\n", job.Name)
	}
	if job.Kind == entity.KindCancel {
		b.WriteString("The following room booking has been cancelled.\n\n")
	} else {
		b.WriteString("You have been invited to the following room booking.\n\n")
	}
	fmt.Fprintf(&b, "Room:   %s\n", job.Room)
	fmt.Fprintf(&b, "Start:  %s\n", job.Start.UTC().Format("Mon, 02 Jan 2006 15:04 MST"))
	fmt.Fprintf(&b, "End:    %s\n", job.End.UTC().Format("Mon, 02 Jan 2006 15:04 MST"))
	if job.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", job.Reason)
	}
	b.WriteString("\nThe attached calendar file updates your calendar.\n")
	return b.String()
}

func checkAccepted(res mailer.Result, to string) error {
	if len(res.Rejected) > 0 {
		return fmt.Errorf("recipient rejected: %s", strings.Join(res.Rejected, ", "))
	}
	if !slices.ContainsFunc(res.Accepted, func(a string) bool { return strings.EqualFold(a, to) }) {
		return errors.New("mail sender did not accept the recipient")
	}
	return nil
}

func (d *Dispatcher) count(job entity.OutboxJob, result string) {
	if d.m != nil {
		d.m.Outbox.DeliveriesTotal.WithLabelValues(string(job.Kind), result).Inc()
	}
}

func (d *Dispatcher) publish(ctx context.Context, job entity.OutboxJob, status entity.OutboxStatus, attempts int, errMsg string) {
	if d.publisher == nil {
		return
	}
	name := entity.EventInvitationSent
	if status == entity.OutboxFailed {
		name = entity.EventInvitationFailed
	}
	evt := entity.DeliveryEvent{
		Event:         name,
		JobID:         job.ID,
		BookingID:     job.BookingID.String(),
		ParticipantID: job.ParticipantID,
		Kind:          job.Kind,
		Status:        status,
		CalendarUID:   job.CalendarUID,
		Sequence:      job.Sequence,
		Attempts:      attempts,
		Error:         errMsg,
		OccurredAt:    d.now(),
	}
	if err := d.publisher.PublishDelivery(ctx, evt); err != nil {
		d.logger.Warnf("[ID %d] delivery event not published: %v", job.ID, err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
