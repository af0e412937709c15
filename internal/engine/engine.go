// Package engine drives the instance lifecycle: request, renew, stop,
// expiry sweeps and the cleanup jobs. It owns the state machine
// pending → provisioning → running → stopping → {stopped, solved, error}
// and is the only writer of instance status transitions.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Will-Luck/CTF-Warden/internal/audit"
	"github.com/Will-Luck/CTF-Warden/internal/clock"
	"github.com/Will-Luck/CTF-Warden/internal/docker"
	"github.com/Will-Luck/CTF-Warden/internal/events"
	"github.com/Will-Luck/CTF-Warden/internal/flag"
	"github.com/Will-Luck/CTF-Warden/internal/logging"
	"github.com/Will-Luck/CTF-Warden/internal/settings"
	"github.com/Will-Luck/CTF-Warden/internal/store"
)

// Errors surfaced to the API layer. The web handlers map these onto HTTP
// status codes; everything else is a 500.
var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrAlreadySolved     = errors.New("challenge already solved")
	ErrMaxRenewals       = errors.New("maximum renewals reached")
	ErrNoRunningInstance = errors.New("no running instance")
)

// Stop reasons. The reason becomes part of the audit event type
// (instance_stopped_manual, instance_stopped_expired, ...).
const (
	ReasonManual          = "manual"
	ReasonExpired         = "expired"
	ReasonSolved          = "solved"
	ReasonAdmin           = "admin"
	ReasonAdminDelete     = "admin_delete"
	ReasonAdminBulkDelete = "admin_bulk_delete"
)

// renewExtension is how much one renewal buys, independent of the
// challenge's initial timeout.
const renewExtension = 5 * time.Minute

// Scheduler arms and disarms expiration timers. Satisfied by
// *expiry.Scheduler; faked in tests.
type Scheduler interface {
	Schedule(ctx context.Context, uuid string, ttl time.Duration)
	Cancel(ctx context.Context, uuid string)
	Extend(ctx context.Context, uuid string, extra time.Duration) (time.Duration, bool)
}

// Ports hands out and returns host ports. Satisfied by *ports.Allocator.
type Ports interface {
	AllocateMany(ctx context.Context, n int) ([]int, error)
	Release(ctx context.Context, ports ...int)
}

// Deps carries the engine's collaborators.
type Deps struct {
	Docker     docker.API
	Instances  *store.InstanceRepo
	Challenges *store.ChallengeRepo
	Flags      *store.FlagRepo
	FlagSvc    *flag.Service
	Ports      Ports
	Scheduler  Scheduler
	Settings   *settings.Settings
	Audit      *audit.Recorder
	Bus        *events.Bus
	Clock      clock.Clock
	Log        *logging.Logger
}

// Engine is the lifecycle service.
type Engine struct {
	docker     docker.API
	instances  *store.InstanceRepo
	challenges *store.ChallengeRepo
	flags      *store.FlagRepo
	flagSvc    *flag.Service
	ports      Ports
	sched      Scheduler
	settings   *settings.Settings
	audit      *audit.Recorder
	bus        *events.Bus
	clock      clock.Clock
	log        *logging.Logger

	sweepMu sync.Mutex // serializes sweep runs
}

// New creates an Engine from its dependencies.
func New(d Deps) *Engine {
	return &Engine{
		docker:     d.Docker,
		instances:  d.Instances,
		challenges: d.Challenges,
		flags:      d.Flags,
		flagSvc:    d.FlagSvc,
		ports:      d.Ports,
		sched:      d.Scheduler,
		settings:   d.Settings,
		audit:      d.Audit,
		bus:        d.Bus,
		clock:      d.Clock,
		log:        d.Log,
	}
}

// Connection is the player-facing address block of a view.
type Connection struct {
	Host  string         `json:"host"`
	Port  int            `json:"port"`
	Ports map[string]int `json:"ports,omitempty"`
	Type  string         `json:"type"`
	Info  string         `json:"info"`
}

// View is the projection of an instance returned to players. Status is
// "created" or "existing" on request, the instance status otherwise.
type View struct {
	Status       string     `json:"status"`
	InstanceUUID string     `json:"instance_uuid"`
	Connection   Connection `json:"connection"`
	ExpiresAt    time.Time  `json:"expires_at"`
	RenewalCount int        `json:"renewal_count"`
	MaxRenewals  int        `json:"max_renewals"`
}

func view(status string, inst *store.Instance, ch *store.Challenge, maxRenewals int) *View {
	return &View{
		Status:       status,
		InstanceUUID: inst.UUID,
		Connection: Connection{
			Host:  inst.ConnectionHost,
			Port:  inst.ConnectionPort,
			Ports: inst.ConnectionPorts,
			Type:  ch.ConnectionType,
			Info:  inst.ConnectionInfo,
		},
		ExpiresAt:    inst.ExpiresAt,
		RenewalCount: inst.RenewalCount,
		MaxRenewals:  maxRenewals,
	}
}

// timeoutFor returns the instance TTL in minutes: the challenge's own value,
// or the global default when the challenge leaves it unset.
func (e *Engine) timeoutFor(ctx context.Context, ch *store.Challenge) (int, error) {
	if ch.TimeoutMinutes > 0 {
		return ch.TimeoutMinutes, nil
	}
	return e.settings.DefaultTimeout(ctx)
}

// maxRenewalsFor mirrors timeoutFor for the renewal cap.
func (e *Engine) maxRenewalsFor(ctx context.Context, ch *store.Challenge) (int, error) {
	if ch.MaxRenewals > 0 {
		return ch.MaxRenewals, nil
	}
	return e.settings.MaxRenewals(ctx)
}

func (e *Engine) expired(inst *store.Instance) bool {
	return e.clock.Now().After(inst.ExpiresAt)
}
