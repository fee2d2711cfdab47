// Package pluginregistry discovers and loads the three plugin kinds a
// workspace can extend: engine backends, transport backends, and command
// backends. Discovery is lazy — registering a plugin records its name and
// loader without invoking either; Load (or LoadAll) is what actually
// constructs and validates the backend.
package pluginregistry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dohr-michael/ozzie-gateway/internal/engineadapter"
	"github.com/dohr-michael/ozzie-gateway/internal/ids"
)

// TransportBackend is what a transport plugin exports: setup verification,
// the long-running bridge loop, and a lock token used to prevent two
// processes from running the same transport concurrently.
type TransportBackend interface {
	ID() string
	CheckSetup(ctx context.Context) error
	BuildAndRun(ctx context.Context, config map[string]any) error
	LockToken() string
}

// CommandBackend is what a command plugin exports: a single handler for
// one workspace-level slash command.
type CommandBackend interface {
	ID() string
	Handle(ctx context.Context, args string) (string, error)
}

// EngineLoader constructs an engineadapter.Adapter on demand.
type EngineLoader func() (engineadapter.Adapter, error)

// TransportLoader constructs a TransportBackend on demand.
type TransportLoader func() (TransportBackend, error)

// CommandLoader constructs a CommandBackend on demand.
type CommandLoader func() (CommandBackend, error)

// entry is one discovered-but-not-yet-loaded plugin.
type entry struct {
	name string
	kind ids.Kind

	loadEngine    EngineLoader
	loadTransport TransportLoader
	loadCommand   CommandLoader
}

// LoadError reports why loading a single plugin failed. Discovery and
// loading never abort on a single bad entry; every failure surfaces
// individually through this type.
type LoadError struct {
	Name string
	Kind ids.Kind
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s plugin %q: %v", e.Kind, e.Name, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Registry holds discovered entries and, once loaded, the validated
// backends of each kind.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry // key: string(kind)+":"+name

	engines    map[string]engineadapter.Adapter
	transports map[string]TransportBackend
	commands   map[string]CommandBackend
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		entries:    make(map[string]*entry),
		engines:    make(map[string]engineadapter.Adapter),
		transports: make(map[string]TransportBackend),
		commands:   make(map[string]CommandBackend),
	}
}

func entryKey(kind ids.Kind, name string) string { return string(kind) + ":" + name }

// RegisterEngine discovers an engine plugin under name without loading it.
// A duplicate name for the same kind replaces the earlier registration.
func (r *Registry) RegisterEngine(name string, load EngineLoader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entryKey(ids.KindEngine, name)] = &entry{name: name, kind: ids.KindEngine, loadEngine: load}
}

// RegisterTransport discovers a transport plugin under name without loading it.
func (r *Registry) RegisterTransport(name string, load TransportLoader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entryKey(ids.KindTransport, name)] = &entry{name: name, kind: ids.KindTransport, loadTransport: load}
}

// RegisterCommand discovers a command plugin under name without loading it.
func (r *Registry) RegisterCommand(name string, load CommandLoader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entryKey(ids.KindCommand, name)] = &entry{name: name, kind: ids.KindCommand, loadCommand: load}
}

// EntryNames returns the discovered (not necessarily loaded) names for kind,
// sorted for deterministic listing.
func (r *Registry) EntryNames(kind ids.Kind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, e := range r.entries {
		if e.kind == kind {
			names = append(names, e.name)
		}
	}
	sort.Strings(names)
	return names
}

// LoadAll loads every discovered entry of kind. It never stops at the first
// failure; the returned slice holds one *LoadError per failed entry, in
// name order.
func (r *Registry) LoadAll(kind ids.Kind) []error {
	r.mu.Lock()
	var batch []*entry
	for _, e := range r.entries {
		if e.kind == kind {
			batch = append(batch, e)
		}
	}
	r.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].name < batch[j].name })

	var errs []error
	for _, e := range batch {
		if err := r.load(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Load loads and validates the single entry named name for kind.
func (r *Registry) Load(kind ids.Kind, name string) error {
	r.mu.Lock()
	e, ok := r.entries[entryKey(kind, name)]
	r.mu.Unlock()
	if !ok {
		return &LoadError{Name: name, Kind: kind, Err: fmt.Errorf("no such plugin discovered")}
	}
	return r.load(e)
}

func (r *Registry) load(e *entry) error {
	if err := ids.Validate(e.name, e.kind, "entry "+e.name); err != nil {
		return &LoadError{Name: e.name, Kind: e.kind, Err: err}
	}

	switch e.kind {
	case ids.KindEngine:
		return r.loadEngineEntry(e)
	case ids.KindTransport:
		return r.loadTransportEntry(e)
	case ids.KindCommand:
		return r.loadCommandEntry(e)
	default:
		return &LoadError{Name: e.name, Kind: e.kind, Err: fmt.Errorf("unknown plugin kind")}
	}
}

func (r *Registry) loadEngineEntry(e *entry) error {
	adapter, err := e.loadEngine()
	if err != nil {
		return &LoadError{Name: e.name, Kind: e.kind, Err: err}
	}
	if string(adapter.ID()) != e.name {
		return &LoadError{Name: e.name, Kind: e.kind, Err: fmt.Errorf("backend id %q does not match entry name %q", adapter.ID(), e.name)}
	}
	r.mu.Lock()
	r.engines[e.name] = adapter
	r.mu.Unlock()
	return nil
}

func (r *Registry) loadTransportEntry(e *entry) error {
	backend, err := e.loadTransport()
	if err != nil {
		return &LoadError{Name: e.name, Kind: e.kind, Err: err}
	}
	if backend.ID() != e.name {
		return &LoadError{Name: e.name, Kind: e.kind, Err: fmt.Errorf("backend id %q does not match entry name %q", backend.ID(), e.name)}
	}
	r.mu.Lock()
	r.transports[e.name] = backend
	r.mu.Unlock()
	return nil
}

func (r *Registry) loadCommandEntry(e *entry) error {
	backend, err := e.loadCommand()
	if err != nil {
		return &LoadError{Name: e.name, Kind: e.kind, Err: err}
	}
	if backend.ID() != e.name {
		return &LoadError{Name: e.name, Kind: e.kind, Err: fmt.Errorf("backend id %q does not match entry name %q", backend.ID(), e.name)}
	}
	r.mu.Lock()
	r.commands[e.name] = backend
	r.mu.Unlock()
	return nil
}

// Engine returns the loaded engine adapter named name, or false if it
// hasn't been loaded (or doesn't exist).
func (r *Registry) Engine(name string) (engineadapter.Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.engines[name]
	return a, ok
}

// Transport returns the loaded transport backend named name.
func (r *Registry) Transport(name string) (TransportBackend, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transports[name]
	return t, ok
}

// Command returns the loaded command backend named name.
func (r *Registry) Command(name string) (CommandBackend, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.commands[name]
	return c, ok
}

// EngineNames returns the names of every successfully loaded engine.
func (r *Registry) EngineNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CommandNames returns the names of every successfully loaded command.
func (r *Registry) CommandNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
