package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Domain identifies the kind of automation backend a plan step requires.
type Domain string

const (
	DomainBrowser Domain = "browser"
	DomainDesktop Domain = "desktop"
	DomainVision  Domain = "vision"
)

// Result is the structured payload a provider returns for one operation.
type Result map[string]interface{}

// Snapshot is the observable state a provider exposes for diagnostics,
// e.g. a screenshot or a DOM excerpt. Attached to failed step outcomes.
type Snapshot struct {
	Kind string `json:"kind"` // screenshot, dom, text
	Data []byte `json:"data,omitempty"`
	Note string `json:"note,omitempty"`
}

// Provider executes primitive operations for one capability domain. The
// engine never performs clicks or navigation itself; everything goes
// through a Provider resolved from the Registry.
type Provider interface {
	Domain() Domain
	Execute(ctx context.Context, op string, args map[string]interface{}) (Result, error)
	Snapshot(ctx context.Context) (Snapshot, error)
	Healthy() bool
}

// ErrNoProvider indicates no provider is registered for a domain.
var ErrNoProvider = fmt.Errorf("no provider registered")

// ErrUnhealthy indicates the registered provider reports itself unhealthy.
var ErrUnhealthy = fmt.Errorf("provider unhealthy")

// Registry maps capability domains to providers. Reads are concurrent;
// health updates are atomic under the same lock. Per-domain slots bound
// how many dispatches may run against one provider at a time.
type Registry struct {
	mu        sync.RWMutex
	providers map[Domain]Provider
	health    map[Domain]bool
	slots     map[Domain]chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[Domain]Provider),
		health:    make(map[Domain]bool),
		slots:     make(map[Domain]chan struct{}),
	}
}

// Register adds a provider for its domain. maxConcurrent bounds simultaneous
// dispatches against it; zero means unbounded. Registering a domain twice
// replaces the previous provider.
func (r *Registry) Register(p Provider, maxConcurrent int) error {
	if p == nil {
		return fmt.Errorf("provider is nil")
	}
	if p.Domain() == "" {
		return fmt.Errorf("provider domain is empty")
	}
	if maxConcurrent < 0 {
		return fmt.Errorf("max concurrent cannot be negative")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Domain()] = p
	r.health[p.Domain()] = true
	if maxConcurrent > 0 {
		r.slots[p.Domain()] = make(chan struct{}, maxConcurrent)
	} else {
		delete(r.slots, p.Domain())
	}
	return nil
}

// ListAvailable returns the advertised capability domains, sorted. The
// planner validates plans against this set before any dispatch happens.
func (r *Registry) ListAvailable() []Domain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Domain, 0, len(r.providers))
	for d := range r.providers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve returns the provider for a domain, failing if none is registered
// or the provider is unhealthy.
func (r *Registry) Resolve(domain Domain) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[domain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, domain)
	}
	if !r.health[domain] || !p.Healthy() {
		return nil, fmt.Errorf("%w: %s", ErrUnhealthy, domain)
	}
	return p, nil
}

// SetHealth flips the registry-side health flag for a domain.
func (r *Registry) SetHealth(domain Domain, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[domain]; ok {
		r.health[domain] = healthy
	}
}

// HealthOf reports whether a domain is registered and healthy.
func (r *Registry) HealthOf(domain Domain) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[domain]
	return ok && r.health[domain] && p.Healthy()
}

// Acquire claims a dispatch slot for a domain, blocking until one frees up
// or the context is cancelled. The returned release must be called once.
func (r *Registry) Acquire(ctx context.Context, domain Domain) (func(), error) {
	r.mu.RLock()
	slot, ok := r.slots[domain]
	r.mu.RUnlock()
	if !ok {
		return func() {}, nil
	}
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
