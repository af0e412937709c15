package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Will-Luck/CTF-Warden/internal/clock"
	"github.com/Will-Luck/CTF-Warden/internal/events"
	"github.com/Will-Luck/CTF-Warden/internal/logging"
	"github.com/Will-Luck/CTF-Warden/internal/store"
)

type fakeSink struct {
	fail bool
	rows []store.AuditLog
}

func (f *fakeSink) Insert(_ context.Context, entry *store.AuditLog) error {
	if f.fail {
		return errors.New("db down")
	}
	f.rows = append(f.rows, *entry)
	return nil
}

func (f *fakeSink) InsertBatch(_ context.Context, entries []store.AuditLog) error {
	if f.fail {
		return errors.New("db down")
	}
	f.rows = append(f.rows, entries...)
	return nil
}

func openSpool(t *testing.T) *Spool {
	t.Helper()
	spool, err := OpenSpool(filepath.Join(t.TempDir(), "spool.db"))
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	t.Cleanup(func() { _ = spool.Close() })
	return spool
}

func newRecorder(t *testing.T, sink Sink) (*Recorder, *events.Bus, clock.Clock) {
	t.Helper()
	bus := events.New()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewRecorder(sink, openSpool(t), bus, clk, logging.Discard()), bus, clk
}

func TestRecordWritesRowAndPublishes(t *testing.T) {
	sink := &fakeSink{}
	rec, bus, clk := newRecorder(t, sink)
	ch, cancel := bus.Subscribe()
	defer cancel()

	rec.Record(context.Background(), Event{
		Type:         EventInstanceStarted,
		InstanceUUID: "u1",
		ChallengeID:  3,
		AccountID:    7,
		Details:      store.JSONMap{"port": 30001},
	})

	if len(sink.rows) != 1 {
		t.Fatalf("rows = %d", len(sink.rows))
	}
	row := sink.rows[0]
	if row.EventType != EventInstanceStarted || row.Severity != store.SeverityInfo {
		t.Fatalf("row = %+v", row)
	}
	if !row.CreatedAt.Equal(clk.Now().UTC()) {
		t.Fatalf("created_at = %v", row.CreatedAt)
	}

	select {
	case evt := <-ch:
		if evt.Type != events.EventType(EventInstanceStarted) || evt.InstanceUUID != "u1" {
			t.Fatalf("bus event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no bus event published")
	}

	if n, _ := rec.Spooled(); n != 0 {
		t.Fatalf("spooled = %d, want 0", n)
	}
}

func TestRecordSpoolsOnSinkFailure(t *testing.T) {
	sink := &fakeSink{fail: true}
	rec, bus, _ := newRecorder(t, sink)
	ch, cancel := bus.Subscribe()
	defer cancel()

	rec.Record(context.Background(), Event{
		Type:        EventFlagReuseDetected,
		ChallengeID: 3,
		AccountID:   7,
		Severity:    store.SeverityCritical,
	})

	if n, _ := rec.Spooled(); n != 1 {
		t.Fatalf("spooled = %d, want 1", n)
	}

	// The bus still sees the event even though the DB write failed.
	select {
	case evt := <-ch:
		if evt.Severity != string(store.SeverityCritical) {
			t.Fatalf("bus severity = %q", evt.Severity)
		}
	case <-time.After(time.Second):
		t.Fatal("no bus event published")
	}

	// Once the sink recovers, FlushSpool replays the event.
	sink.fail = false
	n, err := rec.FlushSpool(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("flush = %d, %v", n, err)
	}
	if len(sink.rows) != 1 || sink.rows[0].EventType != EventFlagReuseDetected {
		t.Fatalf("replayed rows = %+v", sink.rows)
	}
	if pending, _ := rec.Spooled(); pending != 0 {
		t.Fatalf("spool not drained: %d", pending)
	}
}

func TestFlushSpoolKeepsEventsWhenSinkStillDown(t *testing.T) {
	sink := &fakeSink{fail: true}
	rec, _, _ := newRecorder(t, sink)

	rec.Record(context.Background(), Event{Type: EventInstanceRenewed, AccountID: 1})
	if _, err := rec.FlushSpool(context.Background()); err == nil {
		t.Fatal("expected flush error while sink is down")
	}
	if n, _ := rec.Spooled(); n != 1 {
		t.Fatalf("spooled = %d, want 1 after failed flush", n)
	}
}

func TestSpoolDrainOrderAndLimit(t *testing.T) {
	spool := openSpool(t)

	for i := 0; i < 5; i++ {
		entry := store.AuditLog{
			EventType: "instance_created",
			AccountID: uint(i),
			CreatedAt: time.Date(2025, 6, 1, 12, 0, i, 0, time.UTC),
		}
		if err := spool.Append(entry); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	var got []store.AuditLog
	n, err := spool.Drain(3, func(entries []store.AuditLog) error {
		got = entries
		return nil
	})
	if err != nil || n != 3 {
		t.Fatalf("drain = %d, %v", n, err)
	}
	for i, entry := range got {
		if entry.AccountID != uint(i) {
			t.Fatalf("drain out of order: %+v", got)
		}
	}
	if pending, _ := spool.Pending(); pending != 2 {
		t.Fatalf("pending = %d, want 2", pending)
	}
}

func TestSpoolDropsPoisonEntries(t *testing.T) {
	spool := openSpool(t)
	if err := spool.Append(store.AuditLog{EventType: "instance_created"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Inject garbage the way a torn write would leave it.
	err := spool.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).Put([]byte("00000000000000000000"), []byte("{not json"))
	})
	if err != nil {
		t.Fatalf("inject: %v", err)
	}

	var got []store.AuditLog
	n, err := spool.Drain(10, func(entries []store.AuditLog) error {
		got = entries
		return nil
	})
	if err != nil || n != 1 {
		t.Fatalf("drain = %d, %v", n, err)
	}
	if len(got) != 1 || got[0].EventType != "instance_created" {
		t.Fatalf("entries = %+v", got)
	}
	if pending, _ := spool.Pending(); pending != 0 {
		t.Fatalf("poison entry not dropped: pending=%d", pending)
	}
}

func TestStopEvent(t *testing.T) {
	if got := StopEvent("expired"); got != "instance_stopped_expired" {
		t.Fatalf("StopEvent = %q", got)
	}
}
