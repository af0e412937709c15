package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/docker/go-units"
	shellwords "github.com/mattn/go-shellwords"

	"github.com/Will-Luck/CTF-Warden/internal/audit"
	"github.com/Will-Luck/CTF-Warden/internal/docker"
	"github.com/Will-Luck/CTF-Warden/internal/metrics"
	"github.com/Will-Luck/CTF-Warden/internal/store"
)

const (
	provisionAttempts = 5
	provisionDelay    = 100 * time.Millisecond
	provisionJitter   = 200 * time.Millisecond
)

// flagToken in a challenge command is replaced with the minted plaintext.
const flagToken = "{FLAG}"

// provision drives an instance from pending to running: allocate ports,
// create and start the container, persist the connection details, arm the
// expiration timer. Name and port races with a dying predecessor are
// absorbed by retrying with fresh ports; any other daemon error is final.
// On failure the instance is parked in error and reserved ports are
// released.
func (e *Engine) provision(ctx context.Context, inst *store.Instance, ch *store.Challenge, plaintext string) error {
	start := e.clock.Now()

	inst.Status = store.StatusProvisioning
	if err := e.instances.UpdateFields(ctx, inst.UUID, map[string]any{"status": store.StatusProvisioning}); err != nil {
		e.fail(ctx, inst, err)
		return err
	}

	internals := ch.Ports()
	if len(internals) == 0 {
		err := fmt.Errorf("challenge %d has no internal ports", ch.ID)
		e.fail(ctx, inst, err)
		return err
	}

	memBytes, cpus, err := e.resourceLimits(ctx, ch)
	if err != nil {
		e.fail(ctx, inst, err)
		return err
	}

	var command []string
	if ch.Command != "" {
		command, err = shellwords.Parse(strings.ReplaceAll(ch.Command, flagToken, plaintext))
		if err != nil {
			err = fmt.Errorf("challenge command is not parseable: %w", err)
			e.fail(ctx, inst, err)
			return err
		}
	}

	subEnabled, err := e.settings.SubdomainEnabled(ctx)
	if err != nil {
		e.fail(ctx, inst, err)
		return err
	}
	baseDomain, err := e.settings.SubdomainBaseDomain(ctx)
	if err != nil {
		e.fail(ctx, inst, err)
		return err
	}
	subdomain := subEnabled && baseDomain != ""

	labels := docker.BaseLabels(inst.UUID, int64(ch.ID), int64(inst.AccountID), inst.ExpiresAt)
	network := ""
	router := ""
	if subdomain {
		network, err = e.settings.SubdomainNetwork(ctx)
		if err != nil {
			e.fail(ctx, inst, err)
			return err
		}
		router = routerName(inst.UUID)
		labels = docker.MergeLabels(labels, docker.TraefikLabels(router, baseDomain, network, internals[0]))
	}

	name := docker.SlugName(ch.Name, int64(inst.AccountID))

	var (
		allocated []int
		created   docker.ProvisionResult
	)
	err = retry.Do(
		func() error {
			var hostPorts []int
			if !subdomain {
				var aerr error
				hostPorts, aerr = e.ports.AllocateMany(ctx, len(internals))
				if aerr != nil {
					return aerr
				}
			}

			spec := docker.Spec{
				Name:        name,
				Image:       ch.Image,
				Command:     command,
				Env:         map[string]string{"FLAG": plaintext},
				MemoryBytes: memBytes,
				CPUs:        cpus,
				PidsLimit:   ch.PidsLimit,
				Labels:      labels,
				Network:     network,
			}
			if !subdomain {
				spec.Ports = make(map[int]int, len(internals))
				for i, p := range internals {
					spec.Ports[p] = hostPorts[i]
				}
			}

			res, perr := e.docker.Provision(ctx, spec)
			if perr != nil {
				e.ports.Release(ctx, hostPorts...)
				if errors.Is(perr, docker.ErrNameConflict) {
					// A stale same-name container from a crashed run squats
					// the name; clear it so the next attempt can win.
					if rerr := e.docker.RemoveByName(ctx, name); rerr != nil {
						e.log.Warn("failed to remove conflicting container", "name", name, "error", rerr)
					}
				}
				return perr
			}
			allocated, created = hostPorts, res
			return nil
		},
		retry.Attempts(provisionAttempts),
		retry.Delay(provisionDelay),
		retry.MaxJitter(provisionJitter),
		retry.DelayType(retry.CombineDelay(retry.FixedDelay, retry.RandomDelay)),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, docker.ErrNameConflict) || errors.Is(err, docker.ErrResourceExhausted)
		}),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		e.fail(ctx, inst, err)
		return err
	}

	now := e.clock.Now()
	inst.Status = store.StatusRunning
	inst.ContainerID = created.ContainerID
	inst.StartedAt = &now
	if subdomain {
		inst.ConnectionHost = router + "." + baseDomain
		inst.ConnectionPort = 80
		inst.ConnectionPorts = nil
	} else {
		host, herr := e.settings.ConnectionHost(ctx)
		if herr != nil {
			e.log.Warn("failed to read connection host", "error", herr)
		}
		inst.ConnectionHost = host
		inst.ConnectionPort = allocated[0]
		if len(internals) > 1 {
			pm := make(store.PortMap, len(internals))
			for i, p := range internals {
				pm[strconv.Itoa(p)] = allocated[i]
			}
			inst.ConnectionPorts = pm
		}
	}
	inst.ConnectionInfo = renderConnectionInfo(ch.ConnectionInfo, inst.ConnectionHost, inst.ConnectionPort, ch.Name)

	if err := e.instances.Save(ctx, inst); err != nil {
		// The container is up but the row is stuck in provisioning. Tear the
		// container down rather than leak it; the row is parked in error.
		if serr := e.docker.Stop(ctx, created.ContainerID); serr != nil {
			e.log.Error("failed to stop container after db failure", "container", created.ContainerID, "error", serr)
		}
		e.ports.Release(ctx, allocated...)
		e.fail(ctx, inst, err)
		return err
	}

	e.sched.Schedule(ctx, inst.UUID, inst.ExpiresAt.Sub(now))

	metrics.InstancesStarted.Inc()
	metrics.ProvisionDuration.Observe(e.clock.Since(start).Seconds())

	e.audit.Record(ctx, audit.Event{
		Type:         audit.EventInstanceStarted,
		InstanceUUID: inst.UUID,
		ChallengeID:  ch.ID,
		AccountID:    inst.AccountID,
		Details: store.JSONMap{
			"container_id": created.ContainerID,
			"port":         inst.ConnectionPort,
		},
	})

	e.log.Info("instance provisioned",
		"uuid", inst.UUID,
		"challenge", ch.Name,
		"account", inst.AccountID,
		"container", shortID(created.ContainerID),
		"port", inst.ConnectionPort)
	return nil
}

// resourceLimits resolves the memory and cpu limits for a challenge, falling
// back to the global settings when the challenge leaves them unset. An
// unparseable memory string is an error rather than an unlimited container.
func (e *Engine) resourceLimits(ctx context.Context, ch *store.Challenge) (int64, float64, error) {
	mem := ch.MemoryLimit
	if mem == "" {
		var err error
		mem, err = e.settings.MaxMemory(ctx)
		if err != nil {
			return 0, 0, err
		}
	}
	var memBytes int64
	if mem != "" {
		var err error
		memBytes, err = units.RAMInBytes(mem)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid memory limit %q: %w", mem, err)
		}
	}

	cpus := ch.CPULimit
	if cpus == 0 {
		var err error
		cpus, err = e.settings.MaxCPU(ctx)
		if err != nil {
			return 0, 0, err
		}
	}
	return memBytes, cpus, nil
}

// fail parks an instance in error with the cause recorded and audits it.
// Callers release any ports they still hold; error rows hold none.
func (e *Engine) fail(ctx context.Context, inst *store.Instance, cause error) {
	metrics.InstanceErrors.Inc()

	inst.Status = store.StatusError
	inst.ExtraData = store.JSONMap{"error": cause.Error()}
	if err := e.instances.Save(ctx, inst); err != nil {
		e.log.Error("failed to record instance error", "uuid", inst.UUID, "error", err)
	}
	e.audit.Record(ctx, audit.Event{
		Type:         audit.EventInstanceError,
		InstanceUUID: inst.UUID,
		ChallengeID:  inst.ChallengeID,
		AccountID:    inst.AccountID,
		Severity:     store.SeverityError,
		Details:      store.JSONMap{"error": cause.Error()},
	})
}

// routerName derives the Traefik router and subdomain from the instance
// uuid: "c-" plus its first 16 hex characters. A single DNS label keeps a
// wildcard certificate valid for every instance.
func routerName(instanceUUID string) string {
	hex := strings.ReplaceAll(instanceUUID, "-", "")
	if len(hex) > 16 {
		hex = hex[:16]
	}
	return "c-" + hex
}

// renderConnectionInfo substitutes the player-visible placeholders in a
// challenge's connection template.
func renderConnectionInfo(template, host string, port int, serviceName string) string {
	if template == "" {
		return ""
	}
	return strings.NewReplacer(
		"{{HOSTNAME}}", host,
		"{{PORT}}", strconv.Itoa(port),
		"{{SERVICE_NAME}}", serviceName,
	).Replace(template)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
