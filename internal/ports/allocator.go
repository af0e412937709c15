// Package ports hands out host ports for published challenge containers.
//
// The database is the system of record: a port is busy while any instance in
// a port-holding status lists it. Redis leases only close the window between
// two concurrent allocations picking the same port before either commits,
// which is why the leases are short-lived and losable.
package ports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Will-Luck/CTF-Warden/internal/logging"
)

// ErrNoFreePort is returned when every port in the configured range is held.
var ErrNoFreePort = errors.New("no free port in the configured range")

const (
	lockPrefix = "container:portlock:"
	leaseTTL   = 5 * time.Second
)

// Ranger supplies the configured port range. Satisfied by *settings.Settings.
type Ranger interface {
	PortRange(ctx context.Context) (start, end int, err error)
}

// UsedLister reports ports held by active instances. Satisfied by
// *store.InstanceRepo.
type UsedLister interface {
	UsedPorts(ctx context.Context) ([]int, error)
}

// Locker is the Redis lease seam. Satisfied by *cache.Cache.
type Locker interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// Allocator picks free host ports.
type Allocator struct {
	settings Ranger
	used     UsedLister
	locker   Locker
	log      *logging.Logger
}

// NewAllocator wires the allocator. locker may not be nil; pass the real
// cache even when Redis is down, the allocator degrades by itself.
func NewAllocator(settings Ranger, used UsedLister, locker Locker, log *logging.Logger) *Allocator {
	return &Allocator{settings: settings, used: used, locker: locker, log: log}
}

// AllocateOne returns one free port, holding a short Redis lease on it so a
// concurrent allocation cannot pick the same one.
func (a *Allocator) AllocateOne(ctx context.Context) (int, error) {
	ports, err := a.allocate(ctx, 1)
	if err != nil {
		return 0, err
	}
	return ports[0], nil
}

// AllocateMany returns n free ports or none: a partial allocation is rolled
// back before the error is returned.
func (a *Allocator) AllocateMany(ctx context.Context, n int) ([]int, error) {
	if n <= 0 {
		return nil, nil
	}
	return a.allocate(ctx, n)
}

func (a *Allocator) allocate(ctx context.Context, n int) ([]int, error) {
	start, end, err := a.settings.PortRange(ctx)
	if err != nil {
		return nil, fmt.Errorf("read port range: %w", err)
	}

	usedList, err := a.used.UsedPorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("read used ports: %w", err)
	}
	busy := make(map[int]bool, len(usedList))
	for _, p := range usedList {
		busy[p] = true
	}

	var got []int
	for port := start; port <= end && len(got) < n; port++ {
		if busy[port] {
			continue
		}
		if !a.lease(ctx, port) {
			continue
		}
		busy[port] = true
		got = append(got, port)
	}

	if len(got) < n {
		a.Release(ctx, got...)
		return nil, fmt.Errorf("%w (%d-%d)", ErrNoFreePort, start, end)
	}
	return got, nil
}

// lease attempts the Redis claim. When Redis is unreachable the claim is
// skipped: the database check already ran and losing the narrow race window
// beats refusing every instance.
func (a *Allocator) lease(ctx context.Context, port int) bool {
	ok, err := a.locker.SetNX(ctx, lockKey(port), uuid.NewString(), leaseTTL)
	if err != nil {
		a.log.Debug("port lease skipped, redis unreachable", "port", port, "error", err)
		return true
	}
	return ok
}

// Release drops the Redis leases for the given ports. The durable release
// happens when the owning instance leaves the port-holding statuses, so
// failures here only cost a few seconds of false occupancy.
func (a *Allocator) Release(ctx context.Context, ports ...int) {
	if len(ports) == 0 {
		return
	}
	keys := make([]string, len(ports))
	for i, p := range ports {
		keys[i] = lockKey(p)
	}
	if err := a.locker.Del(ctx, keys...); err != nil {
		a.log.Debug("port lease release failed", "ports", ports, "error", err)
	}
}

// AvailableCount reports how many ports in the configured range no active
// instance holds. Transient Redis leases are not counted.
func (a *Allocator) AvailableCount(ctx context.Context) (int, error) {
	start, end, err := a.settings.PortRange(ctx)
	if err != nil {
		return 0, fmt.Errorf("read port range: %w", err)
	}
	usedList, err := a.used.UsedPorts(ctx)
	if err != nil {
		return 0, fmt.Errorf("read used ports: %w", err)
	}

	busy := make(map[int]bool, len(usedList))
	for _, p := range usedList {
		if p >= start && p <= end {
			busy[p] = true
		}
	}
	if end < start {
		return 0, nil
	}
	return end - start + 1 - len(busy), nil
}

func lockKey(port int) string {
	return fmt.Sprintf("%s%d", lockPrefix, port)
}
