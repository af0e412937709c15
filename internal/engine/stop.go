package engine

import (
	"context"

	"github.com/Will-Luck/CTF-Warden/internal/audit"
	"github.com/Will-Luck/CTF-Warden/internal/metrics"
	"github.com/Will-Luck/CTF-Warden/internal/platform"
	"github.com/Will-Luck/CTF-Warden/internal/store"
)

// Stop retires a live instance: container down, ports back in the pool,
// status to stopped (or solved). Instances outside {running, provisioning}
// are left alone, which makes double-stops from racing callers no-ops.
// For random-flag challenges stopped for any reason but solved, the
// temporary flag record is deleted rather than invalidated, so a later
// re-mint can never collide on the unique hash index.
func (e *Engine) Stop(ctx context.Context, instanceUUID, reason string, userID uint) error {
	inst, err := e.instances.GetByUUID(ctx, instanceUUID)
	if err != nil {
		return err
	}
	if inst == nil {
		return nil
	}
	if inst.Status != store.StatusRunning && inst.Status != store.StatusProvisioning {
		return nil
	}

	if err := e.instances.UpdateFields(ctx, inst.UUID, map[string]any{"status": store.StatusStopping}); err != nil {
		return err
	}
	e.sched.Cancel(ctx, inst.UUID)

	if inst.ContainerID != "" {
		if err := e.docker.Stop(ctx, inst.ContainerID); err != nil {
			e.fail(ctx, inst, err)
			return err
		}
	}

	if ports := inst.ExternalPorts(); len(ports) > 0 {
		e.ports.Release(ctx, ports...)
	}

	now := e.clock.Now()
	fields := map[string]any{
		"status":     store.StatusStopped,
		"stopped_at": now,
	}
	if reason == ReasonSolved {
		fields["status"] = store.StatusSolved
		fields["solved_at"] = now
	}
	if err := e.instances.UpdateFields(ctx, inst.UUID, fields); err != nil {
		return err
	}

	if reason != ReasonSolved {
		ch, cherr := e.challenges.Get(ctx, inst.ChallengeID)
		if cherr != nil {
			e.log.Warn("failed to load challenge during stop", "challenge", inst.ChallengeID, "error", cherr)
		}
		if ch == nil || ch.FlagMode == store.FlagModeRandom {
			if derr := e.flags.DeleteTemporaryByInstance(ctx, inst.ID); derr != nil {
				e.log.Warn("failed to delete temporary flag", "uuid", inst.UUID, "error", derr)
			}
		}
	}

	metrics.InstancesStopped.WithLabelValues(reason).Inc()

	e.audit.Record(ctx, audit.Event{
		Type:         audit.StopEvent(reason),
		InstanceUUID: inst.UUID,
		ChallengeID:  inst.ChallengeID,
		AccountID:    inst.AccountID,
		UserID:       userID,
		Details:      store.JSONMap{"reason": reason},
	})

	e.log.Info("instance stopped", "uuid", inst.UUID, "reason", reason)
	return nil
}

// StopOwn stops the caller's own live instance for a challenge. Resolving
// through (challenge, account) rather than taking a uuid means a player can
// never address someone else's instance.
func (e *Engine) StopOwn(ctx context.Context, ident platform.Identity, challengeID uint) error {
	ch, err := e.challenges.Get(ctx, challengeID)
	if err != nil {
		return err
	}
	if ch == nil {
		return ErrChallengeNotFound
	}

	live, err := e.instances.GetLive(ctx, challengeID, ident.AccountID)
	if err != nil {
		return err
	}
	if live == nil {
		return ErrNoRunningInstance
	}
	return e.Stop(ctx, live.UUID, ReasonManual, ident.UserID)
}

// StopExpired is the expiration-listener callback. The Redis key is a hint,
// not an authority: the database row decides whether the instance really is
// overdue. An instance whose expiry moved out since the key was armed gets
// its timer re-armed instead of stopped.
func (e *Engine) StopExpired(ctx context.Context, instanceUUID string) error {
	inst, err := e.instances.GetByUUID(ctx, instanceUUID)
	if err != nil {
		return err
	}
	if inst == nil {
		return nil
	}
	if inst.Status != store.StatusRunning && inst.Status != store.StatusProvisioning {
		return nil
	}

	now := e.clock.Now()
	if inst.ExpiresAt.After(now) {
		e.sched.Schedule(ctx, inst.UUID, inst.ExpiresAt.Sub(now))
		return nil
	}
	return e.Stop(ctx, instanceUUID, ReasonExpired, 0)
}
