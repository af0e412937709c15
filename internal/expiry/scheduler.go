// Package expiry arms per-instance lifetimes in Redis and turns key
// expirations into stop calls. Redis gives second-accurate kills; the
// engine's sweeper remains behind it as the safety net, so everything here
// is best-effort by contract.
package expiry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Will-Luck/CTF-Warden/internal/clock"
	"github.com/Will-Luck/CTF-Warden/internal/logging"
)

const keyPrefix = "container:expire:"

// Keyspace is the Redis seam the scheduler writes through. Satisfied by
// *cache.Cache.
type Keyspace interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Scheduler arms, extends, and cancels expiry timers.
type Scheduler struct {
	ks  Keyspace
	clk clock.Clock
	log *logging.Logger
}

// NewScheduler wires a Scheduler.
func NewScheduler(ks Keyspace, clk clock.Clock, log *logging.Logger) *Scheduler {
	return &Scheduler{ks: ks, clk: clk, log: log}
}

type timerPayload struct {
	InstanceUUID string `json:"instance_uuid"`
	ScheduledAt  string `json:"scheduled_at"`
}

// Schedule arms a timer: when the key expires the listener stops the
// instance. A Redis failure is logged and swallowed; the sweeper will kill
// the instance from database truth instead, just less punctually.
func (s *Scheduler) Schedule(ctx context.Context, uuid string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = time.Second
	}
	payload, _ := json.Marshal(timerPayload{
		InstanceUUID: uuid,
		ScheduledAt:  s.clk.Now().UTC().Format(time.RFC3339),
	})
	if err := s.ks.Set(ctx, key(uuid), string(payload), ttl); err != nil {
		s.log.Warn("expiry timer not armed, sweeper will handle this instance",
			"instance", uuid, "ttl", ttl, "error", err)
		return
	}
	s.log.Debug("expiry timer armed", "instance", uuid, "ttl", ttl)
}

// Cancel disarms the timer, for instances stopped before their time.
func (s *Scheduler) Cancel(ctx context.Context, uuid string) {
	if err := s.ks.Del(ctx, key(uuid)); err != nil {
		s.log.Warn("expiry timer not cancelled", "instance", uuid, "error", err)
	}
}

// Extend re-arms the timer with its current TTL plus extra, never shortening
// a timer. It reports the new TTL and whether the timer was actually armed:
// false means the key is gone (already fired, or Redis lost it) and the
// caller should Schedule afresh from database truth.
func (s *Scheduler) Extend(ctx context.Context, uuid string, extra time.Duration) (time.Duration, bool) {
	current, ok, err := s.ks.TTL(ctx, key(uuid))
	if err != nil {
		s.log.Warn("expiry timer not extended", "instance", uuid, "error", err)
		return 0, false
	}
	if !ok {
		return 0, false
	}
	newTTL := current + extra
	armed, err := s.ks.Expire(ctx, key(uuid), newTTL)
	if err != nil || !armed {
		s.log.Warn("expiry timer not extended", "instance", uuid, "error", err)
		return 0, false
	}
	return newTTL, true
}

// Remaining reports the timer's TTL. ok is false when no timer is armed.
func (s *Scheduler) Remaining(ctx context.Context, uuid string) (time.Duration, bool) {
	d, ok, err := s.ks.TTL(ctx, key(uuid))
	if err != nil || !ok {
		return 0, false
	}
	return d, true
}

func key(uuid string) string {
	return keyPrefix + uuid
}
