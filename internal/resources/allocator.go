package resources

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"jimbot/services/internal/logging"
	"jimbot/services/internal/quota"
)

// Typed admission failures.
var (
	// ErrCapacityUnavailable reports an exhausted pool or drained quota; retry later.
	ErrCapacityUnavailable = errors.New("capacity unavailable")
	// ErrAlreadyHeld reports that the component still holds a lease on the kind.
	ErrAlreadyHeld = errors.New("component already holds a lease on this resource")
	// ErrBadRequest reports a structurally valid request with a semantic violation.
	ErrBadRequest = errors.New("bad request")
)

// KindTag discriminates the closed set of resource kinds.
type KindTag string

const (
	KindGPU      KindTag = "gpu"
	KindCPUCores KindTag = "cpu"
	KindMemory   KindTag = "memory"
	KindAPIQuota KindTag = "api"
)

// Resource is the tagged variant naming a kind plus its counted parameters.
type Resource struct {
	Tag   KindTag
	Cores int
	Bytes int64
	API   string
}

// GPU names the exclusive GPU kind.
func GPU() Resource { return Resource{Tag: KindGPU} }

// CPUCores names a counted CPU request of n cores.
func CPUCores(n int) Resource { return Resource{Tag: KindCPUCores, Cores: n} }

// MemoryBytes names a counted memory request of b bytes.
func MemoryBytes(b int64) Resource { return Resource{Tag: KindMemory, Bytes: b} }

// APIQuota names a per-API quota bucket request.
func APIQuota(name string) Resource { return Resource{Tag: KindAPIQuota, API: name} }

// Request asks the allocator for a time-bounded lease.
type Request struct {
	ComponentID string
	Resource    Resource
	Duration    time.Duration
	Priority    uint8
}

// Lease records an active time-bounded grant. Priority is stored as an
// ordering hint only; admission never consults it.
type Lease struct {
	ComponentID string
	Resource    Resource
	Priority    uint8
	AcquiredAt  time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the lease has lapsed at the observation time.
func (l *Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Options sizes the allocator pools.
type Options struct {
	CPUCores           int
	MemoryBytes        int64
	GPUs               int
	APIBucketCapacity  uint32
	APIRefillPerSecond float64
	Clock              func() time.Time
	Logger             *logging.Logger
}

// countedPool admits requests while the sum of granted amounts stays within capacity.
type countedPool struct {
	mu       sync.Mutex
	capacity int64
	leases   map[string]*Lease
	amount   func(Resource) int64
}

type gpuPool struct {
	mu     sync.Mutex
	slots  *semaphore.Weighted
	total  int64
	held   int64
	leases map[string]*Lease
}

type apiPool struct {
	mu       sync.Mutex
	capacity uint32
	refill   float64
	clock    func() time.Time
	buckets  map[string]*quota.TokenBucket
	leases   map[string]*Lease
}

// Broker is the multi-resource admission engine. Each kind owns its own lock
// so allocations on disjoint kinds proceed in parallel.
type Broker struct {
	clock func() time.Time
	log   *logging.Logger

	gpu *gpuPool
	cpu *countedPool
	mem *countedPool
	api *apiPool
}

// NewBroker constructs an allocator from the pool sizes in opts.
func NewBroker(opts Options) *Broker {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if opts.GPUs < 0 {
		opts.GPUs = 0
	}
	if opts.APIBucketCapacity == 0 {
		opts.APIBucketCapacity = 100
		opts.APIRefillPerSecond = 100.0 / 3600.0
	}
	return &Broker{
		clock: opts.Clock,
		log:   opts.Logger,
		gpu: &gpuPool{
			slots:  semaphore.NewWeighted(int64(opts.GPUs)),
			total:  int64(opts.GPUs),
			leases: make(map[string]*Lease),
		},
		cpu: &countedPool{
			capacity: int64(opts.CPUCores),
			leases:   make(map[string]*Lease),
			amount:   func(r Resource) int64 { return int64(r.Cores) },
		},
		mem: &countedPool{
			capacity: opts.MemoryBytes,
			leases:   make(map[string]*Lease),
			amount:   func(r Resource) int64 { return r.Bytes },
		},
		api: &apiPool{
			capacity: opts.APIBucketCapacity,
			refill:   opts.APIRefillPerSecond,
			clock:    opts.Clock,
			buckets:  make(map[string]*quota.TokenBucket),
			leases:   make(map[string]*Lease),
		},
	}
}

// Allocate admits the request or returns a typed failure. Expired leases are
// swept opportunistically before the admission decision.
func (b *Broker) Allocate(req Request) (*Lease, error) {
	if b == nil {
		return nil, errors.New("nil broker")
	}
	if req.ComponentID == "" {
		return nil, fmt.Errorf("%w: component_id must be provided", ErrBadRequest)
	}
	if req.Duration < 0 {
		return nil, fmt.Errorf("%w: duration must be non-negative", ErrBadRequest)
	}

	now := b.clock()
	b.sweep(now)

	lease := &Lease{
		ComponentID: req.ComponentID,
		Resource:    req.Resource,
		Priority:    req.Priority,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(req.Duration),
	}

	var err error
	switch req.Resource.Tag {
	case KindGPU:
		err = b.allocateGPU(lease)
	case KindCPUCores:
		if req.Resource.Cores <= 0 {
			return nil, fmt.Errorf("%w: cpu request must name a positive core count", ErrBadRequest)
		}
		err = b.allocateCounted(b.cpu, lease)
	case KindMemory:
		if req.Resource.Bytes <= 0 {
			return nil, fmt.Errorf("%w: memory request must name a positive byte count", ErrBadRequest)
		}
		err = b.allocateCounted(b.mem, lease)
	case KindAPIQuota:
		if req.Resource.API == "" {
			return nil, fmt.Errorf("%w: api request must name the quota bucket", ErrBadRequest)
		}
		err = b.allocateAPI(lease)
	default:
		return nil, fmt.Errorf("%w: unknown resource kind %q", ErrBadRequest, req.Resource.Tag)
	}
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func (b *Broker) allocateGPU(lease *Lease) error {
	pool := b.gpu
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if _, held := pool.leases[lease.ComponentID]; held {
		return fmt.Errorf("%w: %s on gpu", ErrAlreadyHeld, lease.ComponentID)
	}
	if !pool.slots.TryAcquire(1) {
		return fmt.Errorf("%w: gpu busy", ErrCapacityUnavailable)
	}
	pool.held++
	pool.leases[lease.ComponentID] = lease
	b.log.Info("gpu allocated",
		logging.String("component_id", lease.ComponentID),
		logging.Duration("duration", lease.ExpiresAt.Sub(lease.AcquiredAt)))
	return nil
}

func (b *Broker) allocateCounted(pool *countedPool, lease *Lease) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if _, held := pool.leases[lease.ComponentID]; held {
		return fmt.Errorf("%w: %s on %s", ErrAlreadyHeld, lease.ComponentID, lease.Resource.Tag)
	}
	request := pool.amount(lease.Resource)
	used := pool.usedLocked()
	if used+request > pool.capacity {
		return fmt.Errorf("%w: requested %d, available %d", ErrCapacityUnavailable, request, pool.capacity-used)
	}
	pool.leases[lease.ComponentID] = lease
	b.log.Info("counted resource allocated",
		logging.String("component_id", lease.ComponentID),
		logging.String("kind", string(lease.Resource.Tag)),
		logging.Int64("amount", request))
	return nil
}

func (b *Broker) allocateAPI(lease *Lease) error {
	pool := b.api
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if _, held := pool.leases[lease.ComponentID]; held {
		return fmt.Errorf("%w: %s on api", ErrAlreadyHeld, lease.ComponentID)
	}
	bucket := pool.bucketLocked(lease.Resource.API)
	if err := bucket.TryAcquire(1); err != nil {
		if errors.Is(err, quota.ErrExhausted) {
			return fmt.Errorf("%w: api quota for %s drained", ErrCapacityUnavailable, lease.Resource.API)
		}
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	pool.leases[lease.ComponentID] = lease
	b.log.Info("api quota allocated",
		logging.String("component_id", lease.ComponentID),
		logging.String("api", lease.Resource.API))
	return nil
}

// Release removes the caller's lease on the named kind. Releasing a lease that
// does not exist is a no-op.
func (b *Broker) Release(componentID string, tag KindTag) {
	if b == nil || componentID == "" {
		return
	}
	switch tag {
	case KindGPU:
		pool := b.gpu
		pool.mu.Lock()
		if _, held := pool.leases[componentID]; held {
			delete(pool.leases, componentID)
			pool.held--
			pool.slots.Release(1)
		}
		pool.mu.Unlock()
	case KindCPUCores:
		b.cpu.release(componentID)
	case KindMemory:
		b.mem.release(componentID)
	case KindAPIQuota:
		pool := b.api
		pool.mu.Lock()
		// Tokens already spent stay spent; only the lease record goes away.
		delete(pool.leases, componentID)
		pool.mu.Unlock()
	}
}

func (p *countedPool) release(componentID string) {
	p.mu.Lock()
	delete(p.leases, componentID)
	p.mu.Unlock()
}

// sweep retires every lease whose deadline passed, returning counted units to
// their pools and freeing GPU slots. No notification reaches the prior holder.
func (b *Broker) sweep(now time.Time) {
	pool := b.gpu
	pool.mu.Lock()
	for component, lease := range pool.leases {
		if lease.Expired(now) {
			delete(pool.leases, component)
			pool.held--
			pool.slots.Release(1)
			b.log.Debug("gpu lease expired", logging.String("component_id", component))
		}
	}
	pool.mu.Unlock()

	for _, counted := range []*countedPool{b.cpu, b.mem} {
		counted.mu.Lock()
		for component, lease := range counted.leases {
			if lease.Expired(now) {
				delete(counted.leases, component)
			}
		}
		counted.mu.Unlock()
	}

	b.api.mu.Lock()
	for component, lease := range b.api.leases {
		if lease.Expired(now) {
			delete(b.api.leases, component)
		}
	}
	b.api.mu.Unlock()
}

func (p *countedPool) usedLocked() int64 {
	var used int64
	for _, lease := range p.leases {
		used += p.amount(lease.Resource)
	}
	return used
}

// Usage reports a utilization ratio in [0, 1] per kind. Expired leases are
// swept first so the ratios reflect live grants only.
func (b *Broker) Usage() map[string]float64 {
	if b == nil {
		return nil
	}
	b.sweep(b.clock())

	usage := make(map[string]float64, 3)

	b.gpu.mu.Lock()
	if b.gpu.total > 0 {
		usage["gpu_usage"] = b.clampRatio("gpu", float64(b.gpu.held)/float64(b.gpu.total))
	} else {
		usage["gpu_usage"] = 0
	}
	b.gpu.mu.Unlock()

	usage["cpu_usage"] = b.countedRatio("cpu", b.cpu)
	usage["memory_usage"] = b.countedRatio("memory", b.mem)
	return usage
}

func (b *Broker) countedRatio(name string, pool *countedPool) float64 {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if pool.capacity <= 0 {
		return 0
	}
	return b.clampRatio(name, float64(pool.usedLocked())/float64(pool.capacity))
}

// clampRatio bounds the ratio to [0, 1]; a negative value indicates lease
// bookkeeping drifted, which is logged and clamped rather than crashing.
func (b *Broker) clampRatio(kind string, ratio float64) float64 {
	if ratio < 0 {
		b.log.Error("resource usage underflow", logging.String("kind", kind), logging.Float64("ratio", ratio))
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

// Leases snapshots the active leases across every kind.
func (b *Broker) Leases() []Lease {
	if b == nil {
		return nil
	}
	b.sweep(b.clock())

	var out []Lease
	b.gpu.mu.Lock()
	for _, lease := range b.gpu.leases {
		out = append(out, *lease)
	}
	b.gpu.mu.Unlock()
	for _, counted := range []*countedPool{b.cpu, b.mem} {
		counted.mu.Lock()
		for _, lease := range counted.leases {
			out = append(out, *lease)
		}
		counted.mu.Unlock()
	}
	b.api.mu.Lock()
	for _, lease := range b.api.leases {
		out = append(out, *lease)
	}
	b.api.mu.Unlock()
	return out
}

func (p *apiPool) bucketLocked(name string) *quota.TokenBucket {
	bucket, ok := p.buckets[name]
	if !ok {
		bucket = quota.NewTokenBucket(p.capacity, p.refill, p.clock)
		p.buckets[name] = bucket
	}
	return bucket
}

func (b *Broker) apiBucket(name string) *quota.TokenBucket {
	b.api.mu.Lock()
	defer b.api.mu.Unlock()
	return b.api.bucketLocked(name)
}

// QuotaTryAcquire charges tokens against the named API bucket without blocking.
func (b *Broker) QuotaTryAcquire(apiName string, tokens uint32) error {
	if b == nil {
		return errors.New("nil broker")
	}
	if apiName == "" {
		return fmt.Errorf("%w: api name must be provided", ErrBadRequest)
	}
	return b.apiBucket(apiName).TryAcquire(tokens)
}

// QuotaAcquire charges tokens against the named API bucket, suspending until
// they accumulate or the context is cancelled.
func (b *Broker) QuotaAcquire(ctx context.Context, apiName string, tokens uint32) error {
	if b == nil {
		return errors.New("nil broker")
	}
	if apiName == "" {
		return fmt.Errorf("%w: api name must be provided", ErrBadRequest)
	}
	return b.apiBucket(apiName).Acquire(ctx, tokens)
}
