// Package singleton keys process-wide services by (module_address, chain_id)
// so a configuration change can only take effect through an explicit Reset,
// generalized from the teacher's gateway.Manager factory-cache idiom.
package singleton

import (
	"fmt"
	"strings"
	"sync"
)

// Key identifies one module deployment a singleton service is scoped to.
type Key struct {
	ModuleAddress string
	ChainID       int64
}

func (k Key) normalized() Key {
	return Key{ModuleAddress: strings.ToLower(k.ModuleAddress), ChainID: k.ChainID}
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d", strings.ToLower(k.ModuleAddress), k.ChainID)
}

// Registry caches one instance of T per Key, constructing lazily via a
// factory. Values are typed as `any` because Go generics on methods of a
// non-generic exported type would force every caller to know T; callers
// type-assert the cached value, matching how the teacher's CachedGateway
// wraps an interface value behind a map lookup.
type Registry struct {
	mu        sync.Mutex
	instances map[Key]any
}

func NewRegistry() *Registry {
	return &Registry{instances: make(map[Key]any)}
}

// GetOrCreate returns the cached instance for key, constructing it via
// factory on first use. Concurrent callers racing for the same new key
// block on the registry's single lock rather than double-constructing.
func (r *Registry) GetOrCreate(key Key, factory func() (any, error)) (any, error) {
	key = key.normalized()

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.instances[key]; ok {
		return v, nil
	}

	v, err := factory()
	if err != nil {
		return nil, fmt.Errorf("construct singleton for %s: %w", key, err)
	}
	r.instances[key] = v
	return v, nil
}

// Reset drops the cached instance for key, forcing the next GetOrCreate to
// reconstruct it. Required whenever the module address or chain config for
// a deployment changes underneath a running process.
func (r *Registry) Reset(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, key.normalized())
}

// ResetAll clears every cached instance; used by tests.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = make(map[Key]any)
}
