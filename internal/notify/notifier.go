// Package notify fans out significant lifecycle events to operator
// channels such as Discord and MQTT.
package notify

import (
	"context"
	"time"
)

// Event is one notification. Severity uses the audit vocabulary: info,
// warning, error, critical.
type Event struct {
	Type         string    `json:"type"`
	InstanceUUID string    `json:"instance_uuid,omitempty"`
	ChallengeID  uint      `json:"challenge_id,omitempty"`
	AccountID    uint      `json:"account_id,omitempty"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging
// package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers. Failures are logged but never
// propagated; notifications must not block the lifecycle.
type Multi struct {
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers. Returns true if at
// least one notifier succeeded (or none are configured).
func (m *Multi) Notify(ctx context.Context, event Event) bool {
	if len(m.notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range m.notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"event", event.Type,
				"instance", event.InstanceUUID,
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}
