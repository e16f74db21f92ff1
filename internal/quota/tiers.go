package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Registry maps clients onto named token-bucket tiers. Clients without a
// mapping fall back to the default tier; tiers are fixed at construction and
// never auto-created.
type Registry struct {
	tiers       map[string]*TokenBucket
	defaultTier string

	mu      sync.RWMutex
	clients map[string]string
}

// RegistryBuilder accumulates tier definitions before constructing a Registry.
type RegistryBuilder struct {
	defaultTier string
	clock       func() time.Time
	tiers       map[string]*TokenBucket
}

// NewRegistryBuilder starts a builder whose unmapped clients use defaultTier.
func NewRegistryBuilder(defaultTier string) *RegistryBuilder {
	return &RegistryBuilder{
		defaultTier: defaultTier,
		tiers:       make(map[string]*TokenBucket),
	}
}

// WithClock overrides the time source used by every tier bucket.
func (b *RegistryBuilder) WithClock(clock func() time.Time) *RegistryBuilder {
	b.clock = clock
	return b
}

// WithTier adds a tier with an explicit capacity and refill rate.
func (b *RegistryBuilder) WithTier(name string, capacity uint32, refillPerSecond float64) *RegistryBuilder {
	b.tiers[name] = NewTokenBucket(capacity, refillPerSecond, b.clock)
	return b
}

// WithBasicTier adds the "basic" tier sized in requests per hour.
func (b *RegistryBuilder) WithBasicTier(requestsPerHour uint32) *RegistryBuilder {
	return b.WithTier("basic", requestsPerHour, float64(requestsPerHour)/3600.0)
}

// WithPremiumTier adds the "premium" tier sized in requests per hour.
func (b *RegistryBuilder) WithPremiumTier(requestsPerHour uint32) *RegistryBuilder {
	return b.WithTier("premium", requestsPerHour, float64(requestsPerHour)/3600.0)
}

// Build validates the configuration and constructs the registry.
func (b *RegistryBuilder) Build() (*Registry, error) {
	if b.defaultTier == "" {
		return nil, errors.New("default tier must be named")
	}
	if _, ok := b.tiers[b.defaultTier]; !ok {
		return nil, fmt.Errorf("%w: default tier %q was never defined", ErrUnknownTier, b.defaultTier)
	}
	return &Registry{
		tiers:       b.tiers,
		defaultTier: b.defaultTier,
		clients:     make(map[string]string),
	}, nil
}

// AssignTier maps the client onto the named tier.
func (r *Registry) AssignTier(clientID, tier string) error {
	if r == nil {
		return errors.New("nil registry")
	}
	if _, ok := r.tiers[tier]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	r.mu.Lock()
	r.clients[clientID] = tier
	r.mu.Unlock()
	return nil
}

// TierFor resolves the client's tier name, falling back to the default.
func (r *Registry) TierFor(clientID string) string {
	if r == nil {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tier, ok := r.clients[clientID]; ok {
		return tier
	}
	return r.defaultTier
}

func (r *Registry) bucketFor(clientID string) (*TokenBucket, error) {
	tier := r.TierFor(clientID)
	bucket, ok := r.tiers[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	return bucket, nil
}

// TryAcquire charges tokens against the client's tier without blocking.
func (r *Registry) TryAcquire(clientID string, tokens uint32) error {
	if r == nil {
		return errors.New("nil registry")
	}
	bucket, err := r.bucketFor(clientID)
	if err != nil {
		return err
	}
	return bucket.TryAcquire(tokens)
}

// Acquire charges tokens against the client's tier, suspending until they
// accumulate or the context is cancelled.
func (r *Registry) Acquire(ctx context.Context, clientID string, tokens uint32) error {
	if r == nil {
		return errors.New("nil registry")
	}
	bucket, err := r.bucketFor(clientID)
	if err != nil {
		return err
	}
	return bucket.Acquire(ctx, tokens)
}
