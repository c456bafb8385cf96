package provider

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	pb "github.com/flowdeploy/flowdeploy/pkg/provider"
	"github.com/flowdeploy/flowdeploy/providers/docker"
	"github.com/flowdeploy/flowdeploy/providers/gcp"
	"github.com/flowdeploy/flowdeploy/providers/random"
)

// Factory constructs a provider on first use.
type Factory func() (pb.Provider, error)

// Registry manages the lifecycle of providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]pb.Provider
	factories map[string]Factory
}

// NewRegistry returns a registry that knows the built-in providers.
func NewRegistry() *Registry {
	r := &Registry{
		providers: make(map[string]pb.Provider),
		factories: make(map[string]Factory),
	}
	r.RegisterFactory("random", func() (pb.Provider, error) { return random.New(), nil })
	r.RegisterFactory("docker", func() (pb.Provider, error) { return docker.New(), nil })
	r.RegisterFactory("gcp", func() (pb.Provider, error) { return gcp.New(), nil })
	return r
}

// RegisterFactory makes a provider available under name without constructing it.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Register installs a ready provider under name, replacing any loaded one.
func (r *Registry) Register(name string, p pb.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// LoadProvider initializes a provider if it is not loaded yet.
func (r *Registry) LoadProvider(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return nil
	}

	f, ok := r.factories[name]
	if !ok {
		return fmt.Errorf("unknown provider: %q", name)
	}
	p, err := f()
	if err != nil {
		return fmt.Errorf("failed to initialize provider %s: %w", name, err)
	}

	r.providers[name] = p
	return nil
}

// Get returns a loaded provider.
func (r *Registry) Get(name string) (pb.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not loaded: %s", name)
	}
	return p, nil
}

// Names returns the names of all known providers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for name := range r.factories {
		seen[name] = true
	}
	for name := range r.providers {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases providers that hold connections.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, p := range r.providers {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close provider %s: %w", name, err))
			}
		}
	}
	r.providers = make(map[string]pb.Provider)
	return errors.Join(errs...)
}
