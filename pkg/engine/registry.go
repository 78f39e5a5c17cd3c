package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	multierror "github.com/hashicorp/go-multierror"
)

// Registry holds the vaults of a process together with their per-topic
// handler overrides. It is built once at startup and shared by reference.
type Registry struct {
	mu        sync.RWMutex
	vaults    map[string]vaultEntry
	overrides map[string]map[string]any
	shards    map[string]map[string]ShardFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		vaults:    make(map[string]vaultEntry),
		overrides: make(map[string]map[string]any),
		shards:    make(map[string]map[string]ShardFunc),
	}
}

type vaultEntry interface {
	capabilities() Capabilities
	bind(topic string, override any, shard ShardFunc) (Binding, error)
	close(ctx context.Context) error
}

type typedEntry[K, P any] struct {
	backend Backend[K, P]
}

func (e *typedEntry[K, P]) capabilities() Capabilities {
	return e.backend.Capabilities()
}

func (e *typedEntry[K, P]) bind(topic string, override any, shard ShardFunc) (Binding, error) {
	h := e.backend.DefaultHandler()
	if override != nil {
		h = h.merge(override.(Handler[K, P]))
	}
	if shard != nil {
		h.Shard = shard
	}
	b, err := newBinding(topic, e.backend, h)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (e *typedEntry[K, P]) close(ctx context.Context) error {
	if c, ok := e.backend.(Closer); ok {
		return c.Close(ctx)
	}
	return nil
}

// Register adds a vault under its name. The capabilities it reports are
// checked against the operations it implements.
func Register[K, P any](r *Registry, b Backend[K, P]) error {
	name := b.Name()
	if name == "" {
		return fmt.Errorf("%w: vault has no name", ErrConfig)
	}
	if missing := implemented[K, P](b).Missing(b.Capabilities()); len(missing) > 0 {
		return fmt.Errorf("%w: vault %q claims %v without implementing them", ErrConfig, name, missing)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.vaults[name]; exists {
		return fmt.Errorf("%w: vault %q already registered", ErrConfig, name)
	}
	r.vaults[name] = &typedEntry[K, P]{backend: b}
	return nil
}

func implemented[K, P any](b Backend[K, P]) Capabilities {
	var c Capabilities
	_, c.Get = b.(Getter[K, P])
	_, c.MGet = b.(MultiGetter[K, P])
	_, c.Set = b.(Setter[K, P])
	_, c.Add = b.(Adder[K, P])
	_, c.Touch = b.(Toucher[K])
	_, c.Del = b.(Deleter[K])
	_, c.List = b.(Lister[K])
	_, c.ApplyDiff = b.(DiffApplier[K])
	_, c.Push = b.(Pusher[K, P])
	return c
}

// Override installs topic-specific handler functions for a registered vault.
// Nil functions in h keep the vault's defaults.
func Override[K, P any](r *Registry, vault, topic string, h Handler[K, P]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.vaults[vault]
	if !ok {
		return fmt.Errorf("%w: vault %q is not registered", ErrConfig, vault)
	}
	if _, ok := entry.(*typedEntry[K, P]); !ok {
		return fmt.Errorf("%w: handler for vault %q topic %q has the wrong key or payload type", ErrConfig, vault, topic)
	}
	if r.overrides[vault] == nil {
		r.overrides[vault] = make(map[string]any)
	}
	r.overrides[vault][topic] = h
	return nil
}

// SetShard installs a shard function for one (vault, topic) pair without
// needing the vault's native types.
func (r *Registry) SetShard(vault, topic string, fn ShardFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shards[vault] == nil {
		r.shards[vault] = make(map[string]ShardFunc)
	}
	r.shards[vault][topic] = fn
}

// Bind resolves the most specific handler for (vault, topic).
func (r *Registry) Bind(vault, topic string) (Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.vaults[vault]
	if !ok {
		return nil, fmt.Errorf("%w: vault %q is not registered", ErrConfig, vault)
	}
	return entry.bind(topic, r.overrides[vault][topic], r.shards[vault][topic])
}

// Capabilities returns what a registered vault reports.
func (r *Registry) Capabilities(vault string) (Capabilities, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.vaults[vault]
	if !ok {
		return Capabilities{}, fmt.Errorf("%w: vault %q is not registered", ErrConfig, vault)
	}
	return entry.capabilities(), nil
}

// Vaults returns the registered vault names, sorted.
func (r *Registry) Vaults() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.vaults))
	for name := range r.vaults {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every vault's resources and reports all failures.
func (r *Registry) Close(ctx context.Context) error {
	var result *multierror.Error
	for _, name := range r.Vaults() {
		r.mu.RLock()
		entry := r.vaults[name]
		r.mu.RUnlock()
		if err := entry.close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("close vault %q: %w", name, err))
		}
	}
	return result.ErrorOrNil()
}
