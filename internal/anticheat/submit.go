package anticheat

import (
	"context"
	"fmt"

	retry "github.com/avast/retry-go"

	"github.com/Will-Luck/CTF-Warden/internal/audit"
	"github.com/Will-Luck/CTF-Warden/internal/engine"
	"github.com/Will-Luck/CTF-Warden/internal/events"
	"github.com/Will-Luck/CTF-Warden/internal/flag"
	"github.com/Will-Luck/CTF-Warden/internal/metrics"
	"github.com/Will-Luck/CTF-Warden/internal/platform"
	"github.com/Will-Luck/CTF-Warden/internal/store"
)

// Submit classifies one flag submission and records exactly one attempt
// row. Static challenges compare against the configured flag; random
// challenges resolve the submission hash to its minting record.
//
// An invalidated flag answers "expired" even when it belonged to someone
// else: a flag that already died proves nothing about sharing.
func (s *Service) Submit(ctx context.Context, ident platform.Identity, challengeID uint, submission string, origin Origin) (Result, error) {
	ch, err := s.challenges.Get(ctx, challengeID)
	if err != nil {
		return Result{}, err
	}
	if ch == nil {
		return Result{}, ErrChallengeNotFound
	}

	att := &store.FlagAttempt{
		ChallengeID:       challengeID,
		AccountID:         ident.AccountID,
		UserID:            ident.UserID,
		SubmittedFlagHash: flag.Hash(submission),
		IPAddress:         origin.IP,
		UserAgent:         origin.UserAgent,
		CreatedAt:         s.clk.Now().UTC(),
	}

	if ch.FlagMode == store.FlagModeStatic {
		return s.submitStatic(ctx, ch, submission, att)
	}

	rec, err := s.flags.GetByHash(ctx, att.SubmittedFlagHash)
	if err != nil {
		return Result{}, err
	}

	switch {
	case rec == nil:
		if err := s.attempts.Insert(ctx, att); err != nil {
			return Result{}, err
		}
		metrics.FlagSubmissions.WithLabelValues(metrics.ResultIncorrect).Inc()
		return Result{Message: msgIncorrect}, nil

	case rec.Status == store.FlagInvalidated:
		if err := s.attempts.Insert(ctx, att); err != nil {
			return Result{}, err
		}
		metrics.FlagSubmissions.WithLabelValues(metrics.ResultExpired).Inc()
		return Result{Message: msgExpired}, nil

	case rec.AccountID != ident.AccountID:
		return s.submitForeign(ctx, ident, ch, rec, att)

	case rec.Status == store.FlagSubmittedCorrect:
		att.IsCorrect = true
		if err := s.attempts.Insert(ctx, att); err != nil {
			return Result{}, err
		}
		metrics.FlagSubmissions.WithLabelValues(metrics.ResultDuplicate).Inc()
		return Result{Correct: true, Message: msgAlreadySolved}, nil

	default:
		return s.submitSolve(ctx, ident, ch, rec, att)
	}
}

// submitStatic compares against the challenge's fixed flag. No flag records
// exist in static mode, so reuse cannot be detected and solves are not tied
// to an instance.
func (s *Service) submitStatic(ctx context.Context, ch *store.Challenge, submission string, att *store.FlagAttempt) (Result, error) {
	evt := audit.Event{
		Type:        audit.EventFlagSubmittedIncorrect,
		ChallengeID: ch.ID,
		AccountID:   att.AccountID,
		UserID:      att.UserID,
		Details:     store.JSONMap{"flag_mode": string(store.FlagModeStatic)},
		IP:          att.IPAddress,
		UserAgent:   att.UserAgent,
	}
	res := Result{Message: msgIncorrect}

	if submission == ch.FlagPrefix+ch.FlagSuffix {
		att.IsCorrect = true
		evt.Type = audit.EventFlagSubmittedCorrect
		res = Result{Correct: true, Message: msgCorrect}
	}

	if err := s.attempts.Insert(ctx, att); err != nil {
		return Result{}, err
	}
	s.audit.Record(ctx, evt)
	if res.Correct {
		metrics.FlagSubmissions.WithLabelValues(metrics.ResultCorrect).Inc()
	} else {
		metrics.FlagSubmissions.WithLabelValues(metrics.ResultIncorrect).Inc()
	}
	return res, nil
}

// submitForeign is the cheat path: the flag is alive and belongs to another
// account. The attempt and the critical audit row commit together, then both
// accounts are banned.
func (s *Service) submitForeign(ctx context.Context, ident platform.Identity, ch *store.Challenge, rec *store.FlagRecord, att *store.FlagAttempt) (Result, error) {
	owner := rec.AccountID
	att.IsCheating = true
	att.FlagOwnerAccountID = &owner

	entry := &store.AuditLog{
		EventType:   audit.EventFlagReuseDetected,
		ChallengeID: ch.ID,
		AccountID:   ident.AccountID,
		UserID:      ident.UserID,
		Details: store.JSONMap{
			"submitted_flag_hash":     att.SubmittedFlagHash,
			"actual_owner_account_id": owner,
			"flag_status":             string(rec.Status),
			"action_taken":            "both_accounts_banned",
		},
		Severity:  store.SeverityCritical,
		IPAddress: att.IPAddress,
		UserAgent: att.UserAgent,
		CreatedAt: att.CreatedAt,
	}
	if err := s.attempts.InsertWithAudit(ctx, att, entry); err != nil {
		return Result{}, err
	}
	metrics.FlagSubmissions.WithLabelValues(metrics.ResultCheat).Inc()
	metrics.CheatsDetected.Inc()

	s.log.Warn("flag reuse detected, banning both accounts",
		"challenge", ch.ID, "account", ident.AccountID, "owner", owner, "ip", att.IPAddress)
	s.ban(ctx, ident.AccountID, ident.TeamMode)
	s.ban(ctx, owner, ident.TeamMode)

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:        events.EventType(audit.EventFlagReuseDetected),
			ChallengeID: ch.ID,
			AccountID:   ident.AccountID,
			Message:     fmt.Sprintf("flag of account %d submitted by account %d", owner, ident.AccountID),
			Severity:    string(store.SeverityCritical),
			Timestamp:   att.CreatedAt,
		})
	}

	return Result{Message: msgIncorrect, Cheating: true}, nil
}

// submitSolve handles the first correct submission of a live flag: mark the
// record, stop the instance, report the solve upstream. A failed teardown
// does not take the solve back -- the player earned it and the sweeper will
// retire the container.
func (s *Service) submitSolve(ctx context.Context, ident platform.Identity, ch *store.Challenge, rec *store.FlagRecord, att *store.FlagAttempt) (Result, error) {
	att.IsCorrect = true
	if err := s.attempts.Insert(ctx, att); err != nil {
		return Result{}, err
	}
	if err := s.flags.MarkSubmittedCorrect(ctx, rec.ID, ident.UserID, att.IPAddress, att.CreatedAt); err != nil {
		return Result{}, err
	}
	metrics.FlagSubmissions.WithLabelValues(metrics.ResultCorrect).Inc()

	inst, err := s.instances.GetByID(ctx, rec.InstanceID)
	if err != nil {
		s.log.Warn("failed to load instance of solved flag", "instance_id", rec.InstanceID, "error", err)
	}
	var uuid string
	if inst != nil {
		uuid = inst.UUID
	}

	s.audit.Record(ctx, audit.Event{
		Type:         audit.EventFlagSubmittedCorrect,
		InstanceUUID: uuid,
		ChallengeID:  ch.ID,
		AccountID:    ident.AccountID,
		UserID:       ident.UserID,
		IP:           att.IPAddress,
		UserAgent:    att.UserAgent,
	})

	if inst != nil {
		if err := s.engine.Stop(ctx, inst.UUID, engine.ReasonSolved, ident.UserID); err != nil {
			s.log.Error("failed to stop solved instance", "uuid", inst.UUID, "error", err)
		}
	}

	s.solved(ctx, ch.ID, ident)
	s.log.Info("flag solved", "challenge", ch.ID, "account", ident.AccountID, "user", ident.UserID)
	return Result{Correct: true, Message: msgSolved}, nil
}

// ban asks the platform to ban an account, retrying once. Failures are
// logged and swallowed: the evidence row is already committed and an
// operator can re-ban from it.
func (s *Service) ban(ctx context.Context, accountID uint, team bool) {
	err := retry.Do(
		func() error { return s.host.MarkBanned(ctx, accountID, team) },
		retry.Attempts(2),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		s.log.Error("platform ban failed", "account", accountID, "error", err)
	}
}

// solved reports the solve upstream, retrying once. The flag record is the
// durable proof; a lost callback is an operator problem, not the player's.
func (s *Service) solved(ctx context.Context, challengeID uint, ident platform.Identity) {
	err := retry.Do(
		func() error { return s.host.OnSolved(ctx, challengeID, ident.AccountID, ident.UserID) },
		retry.Attempts(2),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		s.log.Error("platform solve callback failed",
			"challenge", challengeID, "account", ident.AccountID, "error", err)
	}
}
