package ports

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Will-Luck/CTF-Warden/internal/logging"
)

type fakeRange struct{ start, end int }

func (f fakeRange) PortRange(context.Context) (int, int, error) { return f.start, f.end, nil }

type fakeUsed struct {
	ports []int
	err   error
}

func (f fakeUsed) UsedPorts(context.Context) ([]int, error) { return f.ports, f.err }

// fakeLocker tracks live leases in memory. held pre-seeds foreign leases;
// when down, every call errors like an unreachable Redis would.
type fakeLocker struct {
	held map[string]bool
	down bool
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: make(map[string]bool)} }

func (f *fakeLocker) SetNX(_ context.Context, key, _ string, _ time.Duration) (bool, error) {
	if f.down {
		return false, errors.New("connection refused")
	}
	if f.held[key] {
		return false, nil
	}
	f.held[key] = true
	return true, nil
}

func (f *fakeLocker) Del(_ context.Context, keys ...string) error {
	if f.down {
		return errors.New("connection refused")
	}
	for _, k := range keys {
		delete(f.held, k)
	}
	return nil
}

func (f *fakeLocker) holdPort(port int) { f.held[lockKey(port)] = true }

func newTestAllocator(rng fakeRange, used fakeUsed, locker *fakeLocker) *Allocator {
	return NewAllocator(rng, used, locker, logging.Discard())
}

func TestAllocateOnePicksLowestFree(t *testing.T) {
	locker := newFakeLocker()
	a := newTestAllocator(fakeRange{30000, 30010}, fakeUsed{ports: []int{30000, 30001}}, locker)

	port, err := a.AllocateOne(context.Background())
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if port != 30002 {
		t.Fatalf("port = %d, want 30002", port)
	}
	if !locker.held[lockKey(30002)] {
		t.Fatal("allocation did not take a lease")
	}
}

func TestAllocateOneSkipsLeasedPorts(t *testing.T) {
	locker := newFakeLocker()
	locker.holdPort(30000)
	locker.holdPort(30001)
	a := newTestAllocator(fakeRange{30000, 30010}, fakeUsed{}, locker)

	port, err := a.AllocateOne(context.Background())
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if port != 30002 {
		t.Fatalf("port = %d, want 30002 (30000/30001 leased)", port)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	a := newTestAllocator(fakeRange{30000, 30002}, fakeUsed{ports: []int{30000, 30001, 30002}}, newFakeLocker())

	_, err := a.AllocateOne(context.Background())
	if !errors.Is(err, ErrNoFreePort) {
		t.Fatalf("err = %v, want ErrNoFreePort", err)
	}
	if !strings.Contains(err.Error(), "30000-30002") {
		t.Fatalf("error should name the range: %v", err)
	}
}

func TestAllocateEmptyRange(t *testing.T) {
	a := newTestAllocator(fakeRange{31000, 30000}, fakeUsed{}, newFakeLocker())
	if _, err := a.AllocateOne(context.Background()); !errors.Is(err, ErrNoFreePort) {
		t.Fatalf("err = %v, want ErrNoFreePort", err)
	}
}

func TestAllocateRedisDownFallsBackToDatabase(t *testing.T) {
	locker := newFakeLocker()
	locker.down = true
	a := newTestAllocator(fakeRange{30000, 30010}, fakeUsed{ports: []int{30000}}, locker)

	port, err := a.AllocateOne(context.Background())
	if err != nil {
		t.Fatalf("allocate with redis down: %v", err)
	}
	if port != 30001 {
		t.Fatalf("port = %d, want 30001", port)
	}
}

func TestAllocateManyDistinct(t *testing.T) {
	locker := newFakeLocker()
	a := newTestAllocator(fakeRange{30000, 30010}, fakeUsed{ports: []int{30001}}, locker)

	got, err := a.AllocateMany(context.Background(), 3)
	if err != nil {
		t.Fatalf("allocate many: %v", err)
	}
	want := []int{30000, 30002, 30003}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestAllocateManyRollsBackOnExhaustion(t *testing.T) {
	locker := newFakeLocker()
	a := newTestAllocator(fakeRange{30000, 30001}, fakeUsed{}, locker)

	_, err := a.AllocateMany(context.Background(), 3)
	if !errors.Is(err, ErrNoFreePort) {
		t.Fatalf("err = %v, want ErrNoFreePort", err)
	}
	if len(locker.held) != 0 {
		t.Fatalf("partial leases not rolled back: %v", locker.held)
	}
}

func TestRelease(t *testing.T) {
	locker := newFakeLocker()
	a := newTestAllocator(fakeRange{30000, 30010}, fakeUsed{}, locker)

	port, err := a.AllocateOne(context.Background())
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	a.Release(context.Background(), port)
	if locker.held[lockKey(port)] {
		t.Fatal("lease survived Release")
	}
}

func TestAvailableCount(t *testing.T) {
	tests := []struct {
		name string
		rng  fakeRange
		used []int
		want int
	}{
		{"all free", fakeRange{30000, 30009}, nil, 10},
		{"some used", fakeRange{30000, 30009}, []int{30000, 30004}, 8},
		{"out-of-range ports ignored", fakeRange{30000, 30009}, []int{20000, 40000}, 10},
		{"inverted range", fakeRange{31000, 30000}, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAllocator(tt.rng, fakeUsed{ports: tt.used}, newFakeLocker())
			got, err := a.AvailableCount(context.Background())
			if err != nil {
				t.Fatalf("available count: %v", err)
			}
			if got != tt.want {
				t.Fatalf("AvailableCount() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLockKeyFormat(t *testing.T) {
	got := lockKey(31337)
	want := "container:portlock:" + strconv.Itoa(31337)
	if got != want {
		t.Fatalf("lockKey = %q, want %q", got, want)
	}
}
