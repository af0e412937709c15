package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Will-Luck/CTF-Warden/internal/audit"
	"github.com/Will-Luck/CTF-Warden/internal/flag"
	"github.com/Will-Luck/CTF-Warden/internal/platform"
	"github.com/Will-Luck/CTF-Warden/internal/store"
)

// Request returns the caller's instance for a challenge, creating one when
// none is live. Solved challenges are refused. Two concurrent requests for
// the same (challenge, account) are serialized by the partial unique index
// on live instances: the loser re-reads and returns the winner's row.
func (e *Engine) Request(ctx context.Context, ident platform.Identity, challengeID uint) (*View, error) {
	ch, err := e.challenges.Get(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, ErrChallengeNotFound
	}
	maxRenewals, err := e.maxRenewalsFor(ctx, ch)
	if err != nil {
		return nil, err
	}

	solved, err := e.instances.GetSolved(ctx, challengeID, ident.AccountID)
	if err != nil {
		return nil, err
	}
	if solved != nil {
		return nil, ErrAlreadySolved
	}

	live, err := e.instances.GetLive(ctx, challengeID, ident.AccountID)
	if err != nil {
		return nil, err
	}
	if live != nil {
		if !e.expired(live) {
			return view("existing", live, ch, maxRenewals), nil
		}
		// Overdue instance the sweeper has not reached yet: retire it and
		// fall through to a fresh create. A failed stop parks the row in
		// error, so it no longer blocks the unique index either way.
		if err := e.Stop(ctx, live.UUID, ReasonExpired, ident.UserID); err != nil {
			e.log.Warn("failed to stop expired instance before recreate",
				"uuid", live.UUID, "error", err)
		}
	}

	timeoutMin, err := e.timeoutFor(ctx, ch)
	if err != nil {
		return nil, err
	}
	expiresAt := e.clock.Now().Add(time.Duration(timeoutMin) * time.Minute)

	plaintext, err := e.flagSvc.Generate(ctx, ch, ident.AccountID)
	if err != nil {
		return nil, err
	}
	encrypted, err := e.flagSvc.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, err
	}

	inst := &store.Instance{
		UUID:          uuid.NewString(),
		ChallengeID:   challengeID,
		AccountID:     ident.AccountID,
		Status:        store.StatusPending,
		FlagEncrypted: encrypted,
		FlagHash:      flag.Hash(plaintext),
		ExpiresAt:     expiresAt,
	}
	if err := e.instances.Create(ctx, inst); err != nil {
		if errors.Is(err, store.ErrLiveInstanceExists) {
			winner, rerr := e.instances.GetLive(ctx, challengeID, ident.AccountID)
			if rerr == nil && winner != nil {
				return view("existing", winner, ch, maxRenewals), nil
			}
		}
		return nil, err
	}

	if err := e.flagSvc.Record(ctx, inst.ID, ch, ident.AccountID, plaintext); err != nil {
		e.fail(ctx, inst, err)
		return nil, err
	}

	e.audit.Record(ctx, audit.Event{
		Type:         audit.EventInstanceCreated,
		InstanceUUID: inst.UUID,
		ChallengeID:  challengeID,
		AccountID:    ident.AccountID,
		UserID:       ident.UserID,
		Details:      store.JSONMap{"expires_at": expiresAt.UTC().Format(time.RFC3339)},
	})

	if err := e.provision(ctx, inst, ch, plaintext); err != nil {
		return nil, err
	}
	return view("created", inst, ch, maxRenewals), nil
}

// Info returns the live instance view for a challenge and records the
// player's visit.
func (e *Engine) Info(ctx context.Context, ident platform.Identity, challengeID uint) (*View, error) {
	ch, err := e.challenges.Get(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, ErrChallengeNotFound
	}

	live, err := e.instances.GetLive(ctx, challengeID, ident.AccountID)
	if err != nil {
		return nil, err
	}
	if live == nil {
		return nil, ErrNoRunningInstance
	}

	if err := e.instances.TouchLastAccessed(ctx, live.UUID, e.clock.Now()); err != nil {
		e.log.Warn("failed to touch instance", "uuid", live.UUID, "error", err)
	}

	maxRenewals, err := e.maxRenewalsFor(ctx, ch)
	if err != nil {
		return nil, err
	}
	return view(string(live.Status), live, ch, maxRenewals), nil
}

// Renew pushes a running instance's expiry out by a fixed five minutes, up
// to the challenge's renewal cap.
func (e *Engine) Renew(ctx context.Context, ident platform.Identity, challengeID uint) (*View, error) {
	ch, err := e.challenges.Get(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, ErrChallengeNotFound
	}

	live, err := e.instances.GetLive(ctx, challengeID, ident.AccountID)
	if err != nil {
		return nil, err
	}
	if live == nil || live.Status != store.StatusRunning {
		return nil, ErrNoRunningInstance
	}

	maxRenewals, err := e.maxRenewalsFor(ctx, ch)
	if err != nil {
		return nil, err
	}
	if live.RenewalCount >= maxRenewals {
		return nil, ErrMaxRenewals
	}

	now := e.clock.Now()
	newExpiry := live.ExpiresAt.Add(renewExtension)
	err = e.instances.UpdateFields(ctx, live.UUID, map[string]any{
		"expires_at":       newExpiry,
		"renewal_count":    live.RenewalCount + 1,
		"last_accessed_at": now,
	})
	if err != nil {
		return nil, err
	}
	live.ExpiresAt = newExpiry
	live.RenewalCount++

	// Prefer extending the armed timer; if the key is gone (Redis restart,
	// eviction) re-arm from database truth. The sweeper covers the rest.
	if _, armed := e.sched.Extend(ctx, live.UUID, renewExtension); !armed {
		e.sched.Schedule(ctx, live.UUID, newExpiry.Sub(now))
	}

	e.audit.Record(ctx, audit.Event{
		Type:         audit.EventInstanceRenewed,
		InstanceUUID: live.UUID,
		ChallengeID:  challengeID,
		AccountID:    ident.AccountID,
		UserID:       ident.UserID,
		Details: store.JSONMap{
			"new_expires_at": newExpiry.UTC().Format(time.RFC3339),
			"renewal_count":  live.RenewalCount,
		},
	})

	return view(string(live.Status), live, ch, maxRenewals), nil
}
