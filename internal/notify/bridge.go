package notify

import (
	"context"

	"github.com/Will-Luck/CTF-Warden/internal/events"
)

// FromBus converts a bus event into a notification event.
func FromBus(evt events.Event) Event {
	return Event{
		Type:         string(evt.Type),
		InstanceUUID: evt.InstanceUUID,
		ChallengeID:  evt.ChallengeID,
		AccountID:    evt.AccountID,
		Severity:     evt.Severity,
		Message:      evt.Message,
		Timestamp:    evt.Timestamp,
	}
}

// Listen forwards bus events to the notifier chain until ctx is cancelled.
// Run it on its own goroutine.
func Listen(ctx context.Context, bus *events.Bus, m *Multi) {
	ch, cancel := bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			m.Notify(ctx, FromBus(evt))
		}
	}
}
