package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Will-Luck/CTF-Warden/internal/audit"
	"github.com/Will-Luck/CTF-Warden/internal/clock"
	"github.com/Will-Luck/CTF-Warden/internal/docker"
	"github.com/Will-Luck/CTF-Warden/internal/events"
	"github.com/Will-Luck/CTF-Warden/internal/flag"
	"github.com/Will-Luck/CTF-Warden/internal/logging"
	"github.com/Will-Luck/CTF-Warden/internal/platform"
	"github.com/Will-Luck/CTF-Warden/internal/settings"
	"github.com/Will-Luck/CTF-Warden/internal/store"
)

// fakeDocker records every daemon call and serves scripted failures.
type fakeDocker struct {
	mu            sync.Mutex
	provisions    []docker.Spec
	provisionErrs []error // consumed one per Provision call; nil entry = success
	removedNames  []string
	stopped       []string
	stopErr       error
	managed       []docker.ManagedContainer
	nextID        int
}

func (f *fakeDocker) Provision(_ context.Context, spec docker.Spec) (docker.ProvisionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisions = append(f.provisions, spec)
	if len(f.provisionErrs) > 0 {
		err := f.provisionErrs[0]
		f.provisionErrs = f.provisionErrs[1:]
		if err != nil {
			return docker.ProvisionResult{}, err
		}
	}
	f.nextID++
	return docker.ProvisionResult{ContainerID: fmt.Sprintf("cid-%d", f.nextID)}, nil
}

func (f *fakeDocker) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeDocker) RemoveByName(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedNames = append(f.removedNames, name)
	return nil
}

func (f *fakeDocker) Status(context.Context, string) (string, error) { return "running", nil }
func (f *fakeDocker) Logs(context.Context, string, int) (string, error) {
	return "", nil
}

func (f *fakeDocker) ListManaged(context.Context) ([]docker.ManagedContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.managed, nil
}

func (f *fakeDocker) Connected(context.Context) bool { return true }

var _ docker.API = (*fakeDocker)(nil)

func (f *fakeDocker) stoppedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

func (f *fakeDocker) lastSpec(t *testing.T) docker.Spec {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.provisions) == 0 {
		t.Fatal("no provision calls recorded")
	}
	return f.provisions[len(f.provisions)-1]
}

// fakePorts hands out sequential ports starting at 30000.
type fakePorts struct {
	mu       sync.Mutex
	next     int
	err      error
	released []int
}

func (f *fakePorts) AllocateMany(_ context.Context, n int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]int, n)
	for i := range out {
		out[i] = f.next
		f.next++
	}
	return out, nil
}

func (f *fakePorts) Release(_ context.Context, ports ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, ports...)
}

var _ Ports = (*fakePorts)(nil)

// fakeSched records timer operations.
type fakeSched struct {
	mu        sync.Mutex
	scheduled map[string]time.Duration
	canceled  []string
	extended  map[string]time.Duration
	armed     bool // Extend result
}

func newFakeSched() *fakeSched {
	return &fakeSched{
		scheduled: map[string]time.Duration{},
		extended:  map[string]time.Duration{},
		armed:     true,
	}
}

func (f *fakeSched) Schedule(_ context.Context, uuid string, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[uuid] = ttl
}

func (f *fakeSched) Cancel(_ context.Context, uuid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, uuid)
}

func (f *fakeSched) Extend(_ context.Context, uuid string, extra time.Duration) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.armed {
		return 0, false
	}
	f.extended[uuid] += extra
	return f.extended[uuid], true
}

var _ Scheduler = (*fakeSched)(nil)

type fixture struct {
	engine     *Engine
	docker     *fakeDocker
	ports      *fakePorts
	sched      *fakeSched
	instances  *store.InstanceRepo
	challenges *store.ChallengeRepo
	flags      *store.FlagRepo
	audits     *store.AuditRepo
	settings   *settings.Settings
	clock      *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := store.Open("sqlite", filepath.Join(t.TempDir(), "warden.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(db) })

	spool, err := audit.OpenSpool(filepath.Join(t.TempDir(), "spool.db"))
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	t.Cleanup(func() { _ = spool.Close() })

	log := logging.Discard()
	clk := clock.NewFake(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	bus := events.New()
	f := &fixture{
		docker:     &fakeDocker{},
		ports:      &fakePorts{next: 30000},
		sched:      newFakeSched(),
		instances:  store.NewInstanceRepo(db),
		challenges: store.NewChallengeRepo(db),
		flags:      store.NewFlagRepo(db),
		audits:     store.NewAuditRepo(db),
		settings:   settings.New(store.NewConfigRepo(db), log),
		clock:      clk,
	}
	f.engine = New(Deps{
		Docker:     f.docker,
		Instances:  f.instances,
		Challenges: f.challenges,
		Flags:      f.flags,
		FlagSvc:    flag.NewService(f.settings, f.flags),
		Ports:      f.ports,
		Scheduler:  f.sched,
		Settings:   f.settings,
		Audit:      audit.NewRecorder(f.audits, spool, bus, clk, log),
		Bus:        bus,
		Clock:      clk,
		Log:        log,
	})
	return f
}

func (f *fixture) challenge(t *testing.T, mutate ...func(*store.Challenge)) *store.Challenge {
	t.Helper()
	ch := &store.Challenge{
		ID:               1,
		Name:             "Web Pwn",
		Image:            "ctf/webpwn:latest",
		InternalPorts:    "1337",
		ConnectionType:   "tcp",
		FlagMode:         store.FlagModeRandom,
		FlagPrefix:       "CTF{",
		FlagSuffix:       "}",
		RandomFlagLength: 16,
		MemoryLimit:      "512m",
		CPULimit:         0.5,
		PidsLimit:        100,
		TimeoutMinutes:   60,
		MaxRenewals:      3,
	}
	for _, m := range mutate {
		m(ch)
	}
	if err := f.challenges.Upsert(context.Background(), ch); err != nil {
		t.Fatalf("upsert challenge: %v", err)
	}
	return ch
}

func (f *fixture) mustGet(t *testing.T, uuid string) *store.Instance {
	t.Helper()
	inst, err := f.instances.GetByUUID(context.Background(), uuid)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if inst == nil {
		t.Fatalf("instance %s not found", uuid)
	}
	return inst
}

func (f *fixture) auditCount(t *testing.T, eventType string) int {
	t.Helper()
	rows, err := f.audits.List(context.Background(), store.AuditFilter{EventType: eventType})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	return len(rows)
}

func ident() platform.Identity {
	return platform.Identity{AccountID: 7, UserID: 3}
}
