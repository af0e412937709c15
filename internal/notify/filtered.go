package notify

import "context"

// filteredNotifier wraps a Notifier and only forwards events at or above a
// minimum severity.
type filteredNotifier struct {
	inner Notifier
	min   int
}

// NewFiltered wraps a notifier with a minimum-severity gate. External
// channels are usually gated at "warning" so routine starts and stops stay
// out of operator feeds.
func NewFiltered(inner Notifier, minSeverity string) Notifier {
	return &filteredNotifier{inner: inner, min: severityRank(minSeverity)}
}

// Name returns the name of the wrapped notifier.
func (f *filteredNotifier) Name() string { return f.inner.Name() }

// Send forwards the event only if its severity meets the minimum.
func (f *filteredNotifier) Send(ctx context.Context, event Event) error {
	if severityRank(event.Severity) < f.min {
		return nil
	}
	return f.inner.Send(ctx, event)
}

// severityRank orders the audit severities; unknown strings rank lowest.
func severityRank(s string) int {
	switch s {
	case "critical":
		return 3
	case "error":
		return 2
	case "warning":
		return 1
	default:
		return 0
	}
}
