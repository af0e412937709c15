// Package anticheat classifies flag submissions and enforces the
// flag-sharing penalty. Random-mode flags are unique per instance, so a
// submission that hashes to another account's flag is proof of sharing:
// both accounts are banned through the platform bridge, and the attempt
// row commits in the same transaction as its audit evidence.
package anticheat

import (
	"context"
	"errors"

	"github.com/Will-Luck/CTF-Warden/internal/audit"
	"github.com/Will-Luck/CTF-Warden/internal/clock"
	"github.com/Will-Luck/CTF-Warden/internal/events"
	"github.com/Will-Luck/CTF-Warden/internal/logging"
	"github.com/Will-Luck/CTF-Warden/internal/platform"
	"github.com/Will-Luck/CTF-Warden/internal/store"
)

// ErrChallengeNotFound is returned for submissions against an unknown
// challenge.
var ErrChallengeNotFound = errors.New("challenge not found")

// Verdict messages shown to the submitter. The cheat path answers
// msgIncorrect on purpose: detection is never revealed.
const (
	msgCorrect       = "Correct"
	msgSolved        = "Correct!"
	msgIncorrect     = "Incorrect"
	msgExpired       = "This flag has expired"
	msgAlreadySolved = "Already solved"
)

// Stopper tears down an instance once its flag is turned in. Satisfied by
// engine.Engine.
type Stopper interface {
	Stop(ctx context.Context, instanceUUID, reason string, userID uint) error
}

// Host is the platform callback surface. Satisfied by platform.Bridge.
type Host interface {
	MarkBanned(ctx context.Context, accountID uint, team bool) error
	OnSolved(ctx context.Context, challengeID, accountID, userID uint) error
}

var _ Host = (*platform.Bridge)(nil)

// Origin is where a submission came from, kept on the attempt record.
type Origin struct {
	IP        string
	UserAgent string
}

// Result is the verdict on one submission. Cheating is internal
// bookkeeping; Message is safe to show the submitter verbatim.
type Result struct {
	Correct  bool
	Message  string
	Cheating bool
}

// Deps are the collaborators of a Service.
type Deps struct {
	Challenges *store.ChallengeRepo
	Flags      *store.FlagRepo
	Attempts   *store.AttemptRepo
	Instances  *store.InstanceRepo
	Engine     Stopper
	Host       Host
	Audit      *audit.Recorder
	Bus        *events.Bus
	Clock      clock.Clock
	Log        *logging.Logger
}

// Service validates flag submissions against minted flag records.
type Service struct {
	challenges *store.ChallengeRepo
	flags      *store.FlagRepo
	attempts   *store.AttemptRepo
	instances  *store.InstanceRepo
	engine     Stopper
	host       Host
	audit      *audit.Recorder
	bus        *events.Bus
	clk        clock.Clock
	log        *logging.Logger
}

// New creates a Service.
func New(d Deps) *Service {
	return &Service{
		challenges: d.Challenges,
		flags:      d.Flags,
		attempts:   d.Attempts,
		instances:  d.Instances,
		engine:     d.Engine,
		host:       d.Host,
		audit:      d.Audit,
		bus:        d.Bus,
		clk:        d.Clock,
		log:        d.Log,
	}
}

// RecentCheats returns flagged attempts newest-first for the admin surface.
func (s *Service) RecentCheats(ctx context.Context, limit int) ([]store.FlagAttempt, error) {
	return s.attempts.ListCheating(ctx, limit)
}
