package docker

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
)

// cpuPeriod is the Docker default CFS period; quotas are expressed against it.
const cpuPeriod = 100_000

// Spec describes one challenge container to provision. Command is already
// flag-substituted and shell-split, Env always carries FLAG, and Ports maps
// container port to host port (empty when a reverse proxy routes by
// subdomain instead of published ports).
type Spec struct {
	Name        string
	Image       string
	Command     []string
	Env         map[string]string
	Ports       map[int]int
	MemoryBytes int64
	CPUs        float64
	PidsLimit   int64
	Labels      map[string]string
	Network     string
}

// configs translates the spec into the daemon's create payload. Hardening
// flags are unconditional: challenge containers run untrusted player input.
func (s Spec) configs() (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	env := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	cfg := &container.Config{
		Image:  s.Image,
		Cmd:    s.Command,
		Env:    env,
		Labels: s.Labels,
	}

	pids := s.PidsLimit
	hostCfg := &container.HostConfig{
		AutoRemove:  true,
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"CHOWN", "SETUID", "SETGID"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:    s.MemoryBytes,
			CPUPeriod: cpuPeriod,
			CPUQuota:  int64(math.Round(s.CPUs * cpuPeriod)),
			PidsLimit: &pids,
		},
	}

	if len(s.Ports) > 0 {
		exposed := make(network.PortSet)
		bindings := make(network.PortMap)
		for internal, host := range s.Ports {
			p, err := network.ParsePort(fmt.Sprintf("%d/tcp", internal))
			if err != nil {
				return nil, nil, nil, fmt.Errorf("container port %d: %w", internal, err)
			}
			exposed[p] = struct{}{}
			bindings[p] = append(bindings[p], network.PortBinding{
				HostPort: strconv.Itoa(host),
			})
		}
		cfg.ExposedPorts = exposed
		hostCfg.PortBindings = bindings
	}

	var netCfg *network.NetworkingConfig
	if s.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				s.Network: {},
			},
		}
	}
	return cfg, hostCfg, netCfg, nil
}

// SlugName builds the container name from a challenge name and account:
// lowercased, runs of anything outside [a-z0-9] collapsed to a single dash,
// truncated so the daemon's name rules are always satisfied.
func SlugName(challengeName string, accountID int64) string {
	var b strings.Builder
	dash := true // suppress leading dashes
	for _, r := range strings.ToLower(challengeName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		slug = "challenge"
	}
	if len(slug) > 40 {
		slug = strings.TrimSuffix(slug[:40], "-")
	}
	return fmt.Sprintf("%s_%d", slug, accountID)
}
