// Package audit records the security trail of the service. Recording never
// fails the surrounding operation: when the database is unreachable events
// land in a local spool and are replayed later.
package audit

import (
	"context"

	"github.com/Will-Luck/CTF-Warden/internal/clock"
	"github.com/Will-Luck/CTF-Warden/internal/events"
	"github.com/Will-Luck/CTF-Warden/internal/logging"
	"github.com/Will-Luck/CTF-Warden/internal/store"
)

// Audit event types.
const (
	EventInstanceCreated        = "instance_created"
	EventInstanceStarted        = "instance_started"
	EventInstanceRenewed        = "instance_renewed"
	EventInstanceError          = "instance_error"
	EventFlagSubmittedCorrect   = "flag_submitted_correct"
	EventFlagSubmittedIncorrect = "flag_submitted_incorrect"
	EventFlagReuseDetected      = "flag_reuse_detected"
	EventFlagInvalidated        = "flag_invalidated"
)

// StopEvent returns the audit event type for a stop with the given reason,
// e.g. "instance_stopped_expired".
func StopEvent(reason string) string {
	return "instance_stopped_" + reason
}

// Event is one audit occurrence.
type Event struct {
	Type         string
	InstanceUUID string
	ChallengeID  uint
	AccountID    uint
	UserID       uint
	Details      store.JSONMap
	Severity     store.Severity
	IP           string
	UserAgent    string
}

// Sink is the durable row store. Satisfied by store.AuditRepo.
type Sink interface {
	Insert(ctx context.Context, entry *store.AuditLog) error
	InsertBatch(ctx context.Context, entries []store.AuditLog) error
}

// Recorder writes audit events to the database, the spool on failure, and
// the event bus always.
type Recorder struct {
	sink  Sink
	spool *Spool
	bus   *events.Bus
	clk   clock.Clock
	log   *logging.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(sink Sink, spool *Spool, bus *events.Bus, clk clock.Clock, log *logging.Logger) *Recorder {
	return &Recorder{sink: sink, spool: spool, bus: bus, clk: clk, log: log}
}

// Record persists one event. It never returns an error: a failed database
// write falls back to the spool, a failed spool write is logged and the
// event is lost. The event is published on the bus either way.
func (r *Recorder) Record(ctx context.Context, evt Event) {
	if evt.Severity == "" {
		evt.Severity = store.SeverityInfo
	}
	now := r.clk.Now().UTC()

	row := store.AuditLog{
		EventType:    evt.Type,
		InstanceUUID: evt.InstanceUUID,
		ChallengeID:  evt.ChallengeID,
		AccountID:    evt.AccountID,
		UserID:       evt.UserID,
		Details:      evt.Details,
		Severity:     evt.Severity,
		IPAddress:    evt.IP,
		UserAgent:    evt.UserAgent,
		CreatedAt:    now,
	}
	if err := r.sink.Insert(ctx, &row); err != nil {
		r.log.Error("audit write failed, spooling", "event", evt.Type, "error", err)
		if serr := r.spool.Append(row); serr != nil {
			r.log.Error("audit spool write failed, event lost", "event", evt.Type, "error", serr)
		}
	}

	r.bus.Publish(events.Event{
		Type:         events.EventType(evt.Type),
		InstanceUUID: evt.InstanceUUID,
		ChallengeID:  evt.ChallengeID,
		AccountID:    evt.AccountID,
		Severity:     string(evt.Severity),
		Timestamp:    now,
	})
}

// FlushSpool replays spooled events into the database in batches. Run from
// cron; safe to call when the spool is empty.
func (r *Recorder) FlushSpool(ctx context.Context) (int, error) {
	const batch = 100
	total := 0
	for {
		n, err := r.spool.Drain(batch, func(entries []store.AuditLog) error {
			return r.sink.InsertBatch(ctx, entries)
		})
		total += n
		if err != nil {
			return total, err
		}
		if n < batch {
			break
		}
	}
	if total > 0 {
		r.log.Info("replayed spooled audit events", "count", total)
	}
	return total, nil
}

// Spooled returns the number of events waiting in the spool.
func (r *Recorder) Spooled() (int, error) {
	return r.spool.Pending()
}
