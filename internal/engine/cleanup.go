package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/Will-Luck/CTF-Warden/internal/events"
	"github.com/Will-Luck/CTF-Warden/internal/metrics"
)

const (
	sweepBatch       = 50
	sweepItemTimeout = 10 * time.Second

	stoppedRetention = 24 * time.Hour
	erroredRetention = time.Hour
)

// CleanupExpired is the sweeper: it stops every overdue running instance
// the keyspace listener missed. Self-exclusive, so a tick that lands while
// the previous one is still draining returns immediately. Each instance
// gets its own timeout so one wedged daemon call cannot stall the batch.
func (e *Engine) CleanupExpired(ctx context.Context) int {
	if !e.sweepMu.TryLock() {
		return 0
	}
	defer e.sweepMu.Unlock()

	start := e.clock.Now()
	metrics.SweepsTotal.Inc()
	defer func() { metrics.SweepDuration.Observe(e.clock.Since(start).Seconds()) }()

	overdue, err := e.instances.ExpiredRunning(ctx, e.clock.Now(), sweepBatch)
	if err != nil {
		e.log.Error("sweep query failed", "error", err)
		return 0
	}

	swept := 0
	for _, inst := range overdue {
		if ctx.Err() != nil {
			break
		}
		itemCtx, cancel := context.WithTimeout(ctx, sweepItemTimeout)
		err := e.Stop(itemCtx, inst.UUID, ReasonExpired, 0)
		cancel()
		if err != nil {
			e.log.Error("sweep failed to stop instance", "uuid", inst.UUID, "error", err)
			continue
		}
		swept++
	}

	if swept > 0 {
		e.log.Info("sweep stopped expired instances", "count", swept)
		if e.bus != nil {
			e.bus.Publish(events.Event{
				Type:      events.EventCleanupRun,
				Message:   fmt.Sprintf("swept %d expired instances", swept),
				Timestamp: e.clock.Now(),
			})
		}
	}
	return swept
}

// CleanupOld deletes terminal rows past their retention: stopped after 24
// hours, error after one hour. Solved rows are the proof a player earned
// points and are never deleted here.
func (e *Engine) CleanupOld(ctx context.Context) (int64, error) {
	now := e.clock.Now()
	deleted, err := e.instances.DeleteOld(ctx, now.Add(-stoppedRetention), now.Add(-erroredRetention))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		e.log.Info("deleted old instance rows", "count", deleted)
	}
	return deleted, nil
}

// CleanupOrphans stops managed containers whose instance row is no longer
// live, the leftovers from crashes or out-of-band deletes. The daemon is
// the one being audited here, so the database side is the reference.
func (e *Engine) CleanupOrphans(ctx context.Context) (int, error) {
	managed, err := e.docker.ListManaged(ctx)
	if err != nil {
		return 0, err
	}
	if len(managed) == 0 {
		return 0, nil
	}

	uuids, err := e.instances.LiveUUIDs(ctx)
	if err != nil {
		return 0, err
	}
	live := make(map[string]bool, len(uuids))
	for _, u := range uuids {
		live[u] = true
	}

	stopped := 0
	for _, c := range managed {
		if c.InstanceUUID != "" && live[c.InstanceUUID] {
			continue
		}
		e.log.Warn("stopping orphaned container", "container", shortID(c.ID), "name", c.Name, "uuid", c.InstanceUUID)
		if err := e.docker.Stop(ctx, c.ID); err != nil {
			e.log.Error("failed to stop orphaned container", "container", shortID(c.ID), "error", err)
			continue
		}
		stopped++
	}
	return stopped, nil
}
