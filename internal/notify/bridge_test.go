package notify

import (
	"context"
	"testing"
	"time"

	"github.com/Will-Luck/CTF-Warden/internal/events"
)

type syncNotifier struct {
	got chan Event
}

func (s *syncNotifier) Name() string { return "sync" }
func (s *syncNotifier) Send(_ context.Context, event Event) error {
	s.got <- event
	return nil
}

func TestListenForwardsBusEvents(t *testing.T) {
	bus := events.New()
	sink := &syncNotifier{got: make(chan Event, 1)}
	m := NewMulti(&spyLogger{}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Listen(ctx, bus, m)
		close(done)
	}()

	// Give the listener a moment to subscribe; events published before the
	// subscription are not replayed.
	deadline := time.After(5 * time.Second)
	published := events.Event{
		Type:         events.EventType("flag_reuse_detected"),
		InstanceUUID: "uuid-1",
		ChallengeID:  3,
		AccountID:    7,
		Severity:     "critical",
		Message:      "flag of account 5 submitted by account 7",
		Timestamp:    time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}

	var got Event
loop:
	for {
		bus.Publish(published)
		select {
		case got = <-sink.got:
			break loop
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("listener never forwarded the event")
		}
	}

	if got.Type != "flag_reuse_detected" || got.Severity != "critical" || got.AccountID != 7 {
		t.Errorf("forwarded event mangled: %+v", got)
	}
	if got.Message != published.Message {
		t.Errorf("Message = %q, want %q", got.Message, published.Message)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop on cancel")
	}
}
