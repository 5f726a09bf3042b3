// Package workload implements the workload registry (C10) and the two
// illustrative workload bodies (C11): echo and heart-disease scoring.
package workload

import (
	"sync"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
)

// Item is one decrypted in/out item a workload reads or writes.
type Item struct {
	Index uint32
	Data  []byte
}

// Workload is the uniform interface every plug-in body implements.
type Workload interface {
	// Process runs the workload body. It may read in and must populate out
	// with its results; indices not already present in out are appended.
	Process(requesterID, workerID, workOrderID string, in []Item, out *[]Item) error
}

// Factory constructs a fresh Workload instance per request — workloads are
// not required to be idempotent across requests, so the registry never
// reuses an instance.
type Factory func() Workload

// Registry is a name→factory map with clone-per-request semantics.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register associates name with factory.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create looks up name and returns a fresh Workload instance.
func (r *Registry) Create(name string) (Workload, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.Input("workload.Registry.Create", "no workload registered for %q", name)
	}
	return factory(), nil
}

// NewDefaultRegistry returns a registry pre-populated with the example
// workloads from §4.10.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("echo-result", func() Workload { return &Echo{} })
	r.Register("heart-disease-eval", func() Workload { return &HeartDisease{} })
	return r
}
