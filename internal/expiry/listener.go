package expiry

import (
	"context"
	"strings"
	"time"

	"github.com/Will-Luck/CTF-Warden/internal/logging"
)

// stopTimeout bounds one expiry-triggered stop; a hung daemon call must not
// stall the listener loop.
const stopTimeout = 10 * time.Second

// Events is the notification seam. Satisfied by *cache.Cache.
type Events interface {
	EnableExpiryEvents(ctx context.Context) error
	ExpiredEvents(ctx context.Context) (<-chan string, func() error)
}

// Stopper is the engine hook fired when a timer lapses.
type Stopper interface {
	StopExpired(ctx context.Context, uuid string) error
}

// Listener subscribes to Redis key-expiry notifications and stops the
// instances whose timers fired.
type Listener struct {
	events  Events
	stopper Stopper
	log     *logging.Logger
}

// NewListener wires a Listener.
func NewListener(events Events, stopper Stopper, log *logging.Logger) *Listener {
	return &Listener{events: events, stopper: stopper, log: log}
}

// Run consumes expiry notifications until ctx is cancelled. Managed Redis
// may refuse the CONFIG SET enabling notifications; that demotes timing to
// the sweeper and is only worth a warning.
func (l *Listener) Run(ctx context.Context) {
	if err := l.events.EnableExpiryEvents(ctx); err != nil {
		l.log.Warn("keyspace notifications unavailable, sweeper is the only expiry timer", "error", err)
	}

	keys, closeSub := l.events.ExpiredEvents(ctx)
	defer func() {
		if err := closeSub(); err != nil {
			l.log.Debug("expiry subscription close", "error", err)
		}
	}()
	l.log.Info("expiry listener started")

	for {
		select {
		case <-ctx.Done():
			return
		case k, ok := <-keys:
			if !ok {
				l.log.Warn("expiry subscription closed, sweeper is the only expiry timer")
				return
			}
			l.dispatch(k)
		}
	}
}

// dispatch stops the instance named by an expired key. Foreign keys that
// merely share the Redis database pass through untouched.
func (l *Listener) dispatch(expiredKey string) {
	if !strings.HasPrefix(expiredKey, keyPrefix) {
		return
	}
	uuid := strings.TrimPrefix(expiredKey, keyPrefix)

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := l.stopper.StopExpired(ctx, uuid); err != nil {
		l.log.Error("expiry-triggered stop failed, sweeper will retry", "instance", uuid, "error", err)
		return
	}
	l.log.Info("instance expired and stopped", "instance", uuid)
}
