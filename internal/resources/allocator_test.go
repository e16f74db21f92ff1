package resources

import (
	"errors"
	"sync"
	"testing"
	"time"

	"jimbot/services/internal/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testBroker(clock *fakeClock) *Broker {
	return NewBroker(Options{
		CPUCores:    4,
		MemoryBytes: 1 << 30,
		GPUs:        1,
		Clock:       clock.Now,
		Logger:      logging.NewTestLogger(),
	})
}

func TestGPUExclusivity(t *testing.T) {
	clock := newFakeClock()
	broker := testBroker(clock)

	//1.- First holder wins the exclusive slot.
	if _, err := broker.Allocate(Request{ComponentID: "c1", Resource: GPU(), Duration: time.Second}); err != nil {
		t.Fatalf("first gpu allocation failed: %v", err)
	}
	//2.- A concurrent request is refused until release or expiry.
	if _, err := broker.Allocate(Request{ComponentID: "c2", Resource: GPU(), Duration: time.Second}); !errors.Is(err, ErrCapacityUnavailable) {
		t.Fatalf("expected capacity failure, got %v", err)
	}
	//3.- Past the deadline the sweep frees the slot for the next caller.
	clock.Advance(1100 * time.Millisecond)
	if _, err := broker.Allocate(Request{ComponentID: "c3", Resource: GPU(), Duration: time.Second}); err != nil {
		t.Fatalf("allocation after expiry failed: %v", err)
	}
}

func TestCPUCountedAdmission(t *testing.T) {
	clock := newFakeClock()
	broker := testBroker(clock)

	if _, err := broker.Allocate(Request{ComponentID: "c1", Resource: CPUCores(2), Duration: time.Minute}); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	if _, err := broker.Allocate(Request{ComponentID: "c2", Resource: CPUCores(2), Duration: time.Minute}); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	if _, err := broker.Allocate(Request{ComponentID: "c3", Resource: CPUCores(1), Duration: time.Minute}); !errors.Is(err, ErrCapacityUnavailable) {
		t.Fatalf("expected capacity failure, got %v", err)
	}
	if got := broker.Usage()["cpu_usage"]; got != 1.0 {
		t.Fatalf("expected full cpu utilization, got %.2f", got)
	}
}

func TestMemoryCountedAdmission(t *testing.T) {
	clock := newFakeClock()
	broker := testBroker(clock)

	half := int64(1 << 29)
	if _, err := broker.Allocate(Request{ComponentID: "c1", Resource: MemoryBytes(half), Duration: time.Minute}); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	if got := broker.Usage()["memory_usage"]; got != 0.5 {
		t.Fatalf("expected half utilization, got %.2f", got)
	}
	if _, err := broker.Allocate(Request{ComponentID: "c2", Resource: MemoryBytes(half + 1), Duration: time.Minute}); !errors.Is(err, ErrCapacityUnavailable) {
		t.Fatalf("expected capacity failure, got %v", err)
	}
}

func TestSamePrincipalSameKindConflicts(t *testing.T) {
	clock := newFakeClock()
	broker := testBroker(clock)

	if _, err := broker.Allocate(Request{ComponentID: "c1", Resource: CPUCores(1), Duration: time.Minute}); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	if _, err := broker.Allocate(Request{ComponentID: "c1", Resource: CPUCores(1), Duration: time.Minute}); !errors.Is(err, ErrAlreadyHeld) {
		t.Fatalf("expected already-held failure, got %v", err)
	}
	//1.- A different kind for the same principal is not a conflict.
	if _, err := broker.Allocate(Request{ComponentID: "c1", Resource: MemoryBytes(1024), Duration: time.Minute}); err != nil {
		t.Fatalf("cross-kind allocation failed: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	broker := testBroker(clock)

	if _, err := broker.Allocate(Request{ComponentID: "c1", Resource: CPUCores(2), Duration: time.Minute}); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	broker.Release("c1", KindCPUCores)
	broker.Release("c1", KindCPUCores)
	//1.- After release the principal can immediately reacquire.
	if _, err := broker.Allocate(Request{ComponentID: "c1", Resource: CPUCores(4), Duration: time.Minute}); err != nil {
		t.Fatalf("reallocation failed: %v", err)
	}
}

func TestGPUReleaseFreesSlot(t *testing.T) {
	clock := newFakeClock()
	broker := testBroker(clock)

	if _, err := broker.Allocate(Request{ComponentID: "c1", Resource: GPU(), Duration: time.Hour}); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	broker.Release("c1", KindGPU)
	broker.Release("c1", KindGPU)
	if _, err := broker.Allocate(Request{ComponentID: "c2", Resource: GPU(), Duration: time.Hour}); err != nil {
		t.Fatalf("allocation after release failed: %v", err)
	}
}

func TestZeroDurationLeaseNeverBlocks(t *testing.T) {
	clock := newFakeClock()
	broker := testBroker(clock)

	if _, err := broker.Allocate(Request{ComponentID: "c1", Resource: GPU(), Duration: 0}); err != nil {
		t.Fatalf("zero duration allocation failed: %v", err)
	}
	//1.- The lease is already expired, so the next allocation sweeps it away.
	if _, err := broker.Allocate(Request{ComponentID: "c2", Resource: GPU(), Duration: time.Minute}); err != nil {
		t.Fatalf("allocation after zero-duration lease failed: %v", err)
	}
}

func TestExpirySweepReturnsCountedUnits(t *testing.T) {
	clock := newFakeClock()
	broker := testBroker(clock)

	if _, err := broker.Allocate(Request{ComponentID: "c1", Resource: CPUCores(4), Duration: time.Second}); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	if _, err := broker.Allocate(Request{ComponentID: "c2", Resource: CPUCores(1), Duration: time.Minute}); !errors.Is(err, ErrCapacityUnavailable) {
		t.Fatalf("expected capacity failure, got %v", err)
	}
	clock.Advance(2 * time.Second)
	if _, err := broker.Allocate(Request{ComponentID: "c2", Resource: CPUCores(4), Duration: time.Minute}); err != nil {
		t.Fatalf("allocation after sweep failed: %v", err)
	}
	leases := broker.Leases()
	if len(leases) != 1 || leases[0].ComponentID != "c2" {
		t.Fatalf("unexpected lease set: %+v", leases)
	}
}

func TestBadRequests(t *testing.T) {
	clock := newFakeClock()
	broker := testBroker(clock)

	cases := []Request{
		{ComponentID: "", Resource: GPU(), Duration: time.Second},
		{ComponentID: "c1", Resource: CPUCores(0), Duration: time.Second},
		{ComponentID: "c1", Resource: MemoryBytes(-1), Duration: time.Second},
		{ComponentID: "c1", Resource: APIQuota(""), Duration: time.Second},
		{ComponentID: "c1", Resource: Resource{Tag: "disk"}, Duration: time.Second},
		{ComponentID: "c1", Resource: GPU(), Duration: -time.Second},
	}
	for i, req := range cases {
		if _, err := broker.Allocate(req); !errors.Is(err, ErrBadRequest) {
			t.Fatalf("case %d: expected bad request, got %v", i, err)
		}
	}
}

func TestAPIQuotaAllocation(t *testing.T) {
	clock := newFakeClock()
	broker := NewBroker(Options{
		CPUCores:          4,
		MemoryBytes:       1 << 30,
		GPUs:              1,
		APIBucketCapacity: 2,
		Clock:             clock.Now,
		Logger:            logging.NewTestLogger(),
	})

	if _, err := broker.Allocate(Request{ComponentID: "c1", Resource: APIQuota("claude"), Duration: 0}); err != nil {
		t.Fatalf("first quota allocation failed: %v", err)
	}
	if _, err := broker.Allocate(Request{ComponentID: "c2", Resource: APIQuota("claude"), Duration: 0}); err != nil {
		t.Fatalf("second quota allocation failed: %v", err)
	}
	if _, err := broker.Allocate(Request{ComponentID: "c3", Resource: APIQuota("claude"), Duration: 0}); !errors.Is(err, ErrCapacityUnavailable) {
		t.Fatalf("expected drained quota, got %v", err)
	}
	//1.- Buckets are per API name, so another bucket is unaffected.
	if _, err := broker.Allocate(Request{ComponentID: "c3", Resource: APIQuota("memgraph"), Duration: 0}); err != nil {
		t.Fatalf("independent bucket failed: %v", err)
	}
}

func TestQuotaTryAcquireDirect(t *testing.T) {
	clock := newFakeClock()
	broker := NewBroker(Options{
		CPUCores:           4,
		MemoryBytes:        1 << 30,
		GPUs:               1,
		APIBucketCapacity:  10,
		APIRefillPerSecond: 1.0,
		Clock:              clock.Now,
		Logger:             logging.NewTestLogger(),
	})

	if err := broker.QuotaTryAcquire("claude", 5); err != nil {
		t.Fatalf("quota acquire failed: %v", err)
	}
	if err := broker.QuotaTryAcquire("claude", 5); err != nil {
		t.Fatalf("quota acquire failed: %v", err)
	}
	if err := broker.QuotaTryAcquire("claude", 1); err == nil {
		t.Fatalf("expected drained bucket")
	}
	clock.Advance(2 * time.Second)
	if err := broker.QuotaTryAcquire("claude", 2); err != nil {
		t.Fatalf("acquire after refill failed: %v", err)
	}
}

func TestConcurrentAllocationsRespectCapacity(t *testing.T) {
	clock := newFakeClock()
	broker := testBroker(clock)

	var wg sync.WaitGroup
	granted := make(chan string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			component := string(rune('a' + id))
			if _, err := broker.Allocate(Request{ComponentID: component, Resource: CPUCores(1), Duration: time.Minute}); err == nil {
				granted <- component
			}
		}(i)
	}
	wg.Wait()
	close(granted)
	count := 0
	for range granted {
		count++
	}
	if count != 4 {
		t.Fatalf("expected exactly 4 grants on a 4 core pool, got %d", count)
	}
}
