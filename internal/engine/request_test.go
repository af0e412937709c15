package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Will-Luck/CTF-Warden/internal/docker"
	"github.com/Will-Luck/CTF-Warden/internal/flag"
	"github.com/Will-Luck/CTF-Warden/internal/ports"
	"github.com/Will-Luck/CTF-Warden/internal/settings"
	"github.com/Will-Luck/CTF-Warden/internal/store"
)

func TestRequestCreatesInstance(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t)
	ctx := context.Background()

	v, err := f.engine.Request(ctx, ident(), ch.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if v.Status != "created" {
		t.Fatalf("status = %q, want created", v.Status)
	}
	if v.Connection.Host != "127.0.0.1" || v.Connection.Port != 30000 {
		t.Fatalf("connection = %+v", v.Connection)
	}
	if v.MaxRenewals != 3 || v.RenewalCount != 0 {
		t.Fatalf("renewals = %d/%d", v.RenewalCount, v.MaxRenewals)
	}
	wantExpiry := f.clock.Now().Add(60 * time.Minute)
	if !v.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expires_at = %v, want %v", v.ExpiresAt, wantExpiry)
	}

	inst := f.mustGet(t, v.InstanceUUID)
	if inst.Status != store.StatusRunning {
		t.Fatalf("db status = %s, want running", inst.Status)
	}
	if inst.ContainerID == "" || inst.StartedAt == nil {
		t.Fatalf("instance not started: %+v", inst)
	}

	spec := f.docker.lastSpec(t)
	if spec.Name != "web-pwn_7" {
		t.Fatalf("container name = %q", spec.Name)
	}
	if spec.Ports[1337] != 30000 {
		t.Fatalf("port map = %v", spec.Ports)
	}
	if spec.MemoryBytes != 512*1024*1024 || spec.CPUs != 0.5 || spec.PidsLimit != 100 {
		t.Fatalf("resources = %d/%v/%d", spec.MemoryBytes, spec.CPUs, spec.PidsLimit)
	}
	if spec.Labels[docker.LabelInstanceUUID] != inst.UUID {
		t.Fatalf("labels = %v", spec.Labels)
	}

	// The FLAG env var is the minted plaintext: its hash is the one stored
	// on the instance and in the temporary flag record.
	plaintext := spec.Env["FLAG"]
	if plaintext == "" || !strings.HasPrefix(plaintext, "CTF{") {
		t.Fatalf("FLAG env = %q", plaintext)
	}
	if flag.Hash(plaintext) != inst.FlagHash {
		t.Fatal("instance flag hash does not match minted flag")
	}
	rec, err := f.flags.GetByHash(ctx, inst.FlagHash)
	if err != nil || rec == nil {
		t.Fatalf("flag record = %v, %v", rec, err)
	}
	if rec.Status != store.FlagTemporary || rec.AccountID != 7 {
		t.Fatalf("flag record = %+v", rec)
	}

	if ttl := f.sched.scheduled[inst.UUID]; ttl != 60*time.Minute {
		t.Fatalf("scheduled ttl = %v", ttl)
	}
	if f.auditCount(t, "instance_created") != 1 || f.auditCount(t, "instance_started") != 1 {
		t.Fatal("missing lifecycle audit events")
	}
}

func TestRequestReturnsExistingInstance(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t)
	ctx := context.Background()

	first, err := f.engine.Request(ctx, ident(), ch.ID)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	second, err := f.engine.Request(ctx, ident(), ch.ID)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if second.Status != "existing" || second.InstanceUUID != first.InstanceUUID {
		t.Fatalf("second = %+v", second)
	}
	if len(f.docker.provisions) != 1 {
		t.Fatalf("provision calls = %d, want 1", len(f.docker.provisions))
	}
}

func TestRequestRejectsSolvedChallenge(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t)
	ctx := context.Background()

	done := &store.Instance{UUID: "solved-1", ChallengeID: ch.ID, AccountID: 7, Status: store.StatusSolved}
	if err := f.instances.Create(ctx, done); err != nil {
		t.Fatalf("seed solved: %v", err)
	}

	if _, err := f.engine.Request(ctx, ident(), ch.ID); !errors.Is(err, ErrAlreadySolved) {
		t.Fatalf("want ErrAlreadySolved, got %v", err)
	}
}

func TestRequestUnknownChallenge(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Request(context.Background(), ident(), 99); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("want ErrChallengeNotFound, got %v", err)
	}
}

func TestRequestReplacesExpiredInstance(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t)
	ctx := context.Background()

	first, err := f.engine.Request(ctx, ident(), ch.ID)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	f.clock.Advance(61 * time.Minute)

	second, err := f.engine.Request(ctx, ident(), ch.ID)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if second.Status != "created" || second.InstanceUUID == first.InstanceUUID {
		t.Fatalf("second = %+v", second)
	}

	old := f.mustGet(t, first.InstanceUUID)
	if old.Status != store.StatusStopped {
		t.Fatalf("old status = %s, want stopped", old.Status)
	}
	if f.auditCount(t, "instance_stopped_expired") != 1 {
		t.Fatal("expired stop not audited")
	}
	if got := f.docker.stoppedIDs(); len(got) != 1 || got[0] != "cid-1" {
		t.Fatalf("stopped containers = %v", got)
	}
}

func TestRequestPortExhaustion(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t)
	f.ports.err = ports.ErrNoFreePort
	ctx := context.Background()

	_, err := f.engine.Request(ctx, ident(), ch.ID)
	if !errors.Is(err, ports.ErrNoFreePort) {
		t.Fatalf("want ErrNoFreePort, got %v", err)
	}
	if len(f.docker.provisions) != 0 {
		t.Fatal("daemon was called without a port")
	}

	rows, err := f.instances.List(ctx, store.InstanceFilter{})
	if err != nil || len(rows) != 1 {
		t.Fatalf("rows = %v, %v", rows, err)
	}
	if rows[0].Status != store.StatusError {
		t.Fatalf("status = %s, want error", rows[0].Status)
	}
	if msg, _ := rows[0].ExtraData["error"].(string); !strings.Contains(msg, "no free port") {
		t.Fatalf("extra_data = %v", rows[0].ExtraData)
	}
	if f.auditCount(t, "instance_error") != 1 {
		t.Fatal("provision failure not audited")
	}
}

func TestRequestRetriesNameConflict(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t)
	f.docker.provisionErrs = []error{docker.ErrNameConflict}
	ctx := context.Background()

	v, err := f.engine.Request(ctx, ident(), ch.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(f.docker.provisions) != 2 {
		t.Fatalf("provision calls = %d, want 2", len(f.docker.provisions))
	}
	if len(f.docker.removedNames) != 1 || f.docker.removedNames[0] != "web-pwn_7" {
		t.Fatalf("removed names = %v", f.docker.removedNames)
	}
	// The loser's port went back to the pool and the winner got a fresh one.
	if len(f.ports.released) != 1 || f.ports.released[0] != 30000 {
		t.Fatalf("released = %v", f.ports.released)
	}
	if v.Connection.Port != 30001 {
		t.Fatalf("port = %d, want 30001", v.Connection.Port)
	}
}

func TestRequestFatalProvisionError(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t)
	f.docker.provisionErrs = []error{docker.ErrImageNotFound}
	ctx := context.Background()

	_, err := f.engine.Request(ctx, ident(), ch.ID)
	if !errors.Is(err, docker.ErrImageNotFound) {
		t.Fatalf("want ErrImageNotFound, got %v", err)
	}
	if len(f.docker.provisions) != 1 {
		t.Fatalf("provision calls = %d, want 1 (no retry)", len(f.docker.provisions))
	}
	if len(f.ports.released) != 1 || f.ports.released[0] != 30000 {
		t.Fatalf("released = %v", f.ports.released)
	}

	rows, _ := f.instances.List(ctx, store.InstanceFilter{Status: store.StatusError})
	if len(rows) != 1 {
		t.Fatalf("error rows = %d", len(rows))
	}
}

func TestRequestSubdomainMode(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t)
	ctx := context.Background()
	for k, v := range map[string]string{
		settings.KeySubdomainEnabled:    "true",
		settings.KeySubdomainBaseDomain: "ctf.example.com",
		settings.KeySubdomainNetwork:    "proxynet",
	} {
		if err := f.settings.Set(ctx, k, v); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}

	v, err := f.engine.Request(ctx, ident(), ch.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	spec := f.docker.lastSpec(t)
	if len(spec.Ports) != 0 {
		t.Fatalf("published ports in subdomain mode: %v", spec.Ports)
	}
	if spec.Network != "proxynet" {
		t.Fatalf("network = %q", spec.Network)
	}
	if spec.Labels["traefik.enable"] != "true" {
		t.Fatalf("labels = %v", spec.Labels)
	}

	router := routerName(v.InstanceUUID)
	if v.Connection.Host != router+".ctf.example.com" || v.Connection.Port != 80 {
		t.Fatalf("connection = %+v", v.Connection)
	}
	rule := spec.Labels["traefik.http.routers."+router+".rule"]
	if rule != "Host(`"+router+".ctf.example.com`)" {
		t.Fatalf("router rule = %q", rule)
	}
	// No host ports were consumed.
	if f.ports.next != 30000 {
		t.Fatalf("ports were allocated: next = %d", f.ports.next)
	}
}

func TestRequestRendersConnectionInfo(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t, func(c *store.Challenge) {
		c.ConnectionInfo = "nc {{HOSTNAME}} {{PORT}} # {{SERVICE_NAME}}"
	})

	v, err := f.engine.Request(context.Background(), ident(), ch.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if v.Connection.Info != "nc 127.0.0.1 30000 # Web Pwn" {
		t.Fatalf("info = %q", v.Connection.Info)
	}
}

func TestRequestSubstitutesFlagInCommand(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t, func(c *store.Challenge) {
		c.Command = `/srv/run --flag {FLAG} --listen "0.0.0.0 1337"`
	})

	_, err := f.engine.Request(context.Background(), ident(), ch.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	spec := f.docker.lastSpec(t)
	if len(spec.Command) != 5 {
		t.Fatalf("command = %q", spec.Command)
	}
	if spec.Command[2] != spec.Env["FLAG"] {
		t.Fatalf("flag not substituted: %q", spec.Command)
	}
	if spec.Command[4] != "0.0.0.0 1337" {
		t.Fatalf("quoted arg split wrong: %q", spec.Command)
	}
}

func TestInfoTouchesLastAccessed(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t)
	ctx := context.Background()

	v, err := f.engine.Request(ctx, ident(), ch.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	f.clock.Advance(time.Minute)

	got, err := f.engine.Info(ctx, ident(), ch.ID)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if got.Status != "running" || got.InstanceUUID != v.InstanceUUID {
		t.Fatalf("info = %+v", got)
	}

	inst := f.mustGet(t, v.InstanceUUID)
	if inst.LastAccessedAt == nil || !inst.LastAccessedAt.Equal(f.clock.Now()) {
		t.Fatalf("last_accessed_at = %v", inst.LastAccessedAt)
	}
}

func TestInfoWithoutInstance(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t)
	if _, err := f.engine.Info(context.Background(), ident(), ch.ID); !errors.Is(err, ErrNoRunningInstance) {
		t.Fatalf("want ErrNoRunningInstance, got %v", err)
	}
}

func TestRenewCap(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t, func(c *store.Challenge) { c.MaxRenewals = 1 })
	ctx := context.Background()

	v, err := f.engine.Request(ctx, ident(), ch.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	baseExpiry := v.ExpiresAt

	renewed, err := f.engine.Renew(ctx, ident(), ch.ID)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !renewed.ExpiresAt.Equal(baseExpiry.Add(5 * time.Minute)) {
		t.Fatalf("expires_at = %v, want +5m", renewed.ExpiresAt)
	}
	if renewed.RenewalCount != 1 {
		t.Fatalf("renewal_count = %d", renewed.RenewalCount)
	}
	if f.sched.extended[v.InstanceUUID] != 5*time.Minute {
		t.Fatalf("extended = %v", f.sched.extended)
	}

	if _, err := f.engine.Renew(ctx, ident(), ch.ID); !errors.Is(err, ErrMaxRenewals) {
		t.Fatalf("want ErrMaxRenewals, got %v", err)
	}
	if inst := f.mustGet(t, v.InstanceUUID); inst.RenewalCount != 1 {
		t.Fatalf("renewal_count after cap = %d", inst.RenewalCount)
	}
	if f.auditCount(t, "instance_renewed") != 1 {
		t.Fatal("renewal audit count wrong")
	}
}

func TestRenewRearmsLostTimer(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t)
	ctx := context.Background()

	v, err := f.engine.Request(ctx, ident(), ch.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	f.sched.armed = false

	renewed, err := f.engine.Renew(ctx, ident(), ch.ID)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	want := renewed.ExpiresAt.Sub(f.clock.Now())
	if got := f.sched.scheduled[v.InstanceUUID]; got != want {
		t.Fatalf("re-armed ttl = %v, want %v", got, want)
	}
}

func TestRenewRequiresRunning(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t)
	if _, err := f.engine.Renew(context.Background(), ident(), ch.ID); !errors.Is(err, ErrNoRunningInstance) {
		t.Fatalf("want ErrNoRunningInstance, got %v", err)
	}
}

func TestRequestRaceLoserReturnsWinner(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t)
	ctx := context.Background()

	// Another replica won the insert between our solve/live checks and the
	// create; the unique index hands us its row.
	winner := &store.Instance{
		UUID:        "winner-1",
		ChallengeID: ch.ID,
		AccountID:   7,
		Status:      store.StatusRunning,
		ExpiresAt:   f.clock.Now().Add(time.Hour),
	}
	if err := f.instances.Create(ctx, winner); err != nil {
		t.Fatalf("seed winner: %v", err)
	}

	v, err := f.engine.Request(ctx, ident(), ch.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if v.Status != "existing" || v.InstanceUUID != "winner-1" {
		t.Fatalf("view = %+v", v)
	}
	if len(f.docker.provisions) != 0 {
		t.Fatal("loser provisioned anyway")
	}
}
