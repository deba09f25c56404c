// Package capability holds the client-side set of capabilities a connected
// session can perform on behalf of a remote agent.
//
// A Registry is owned by exactly one client session. Capabilities are declared
// when the component providing them mounts and removed when it unmounts; the
// whole set is dropped atomically on teardown with Clear. Nothing about a
// registry survives a reconnect: the client runtime re-declares the current set
// on every new connection.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ggoodman/capbridge-go"
	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrDuplicateCapability is returned when a name is already registered.
	ErrDuplicateCapability = errors.New("capability already registered")
	// ErrNotFound is returned when no capability has the requested name.
	ErrNotFound = errors.New("capability not found")
	// ErrInvalidCapability is returned for a capability that cannot be registered.
	ErrInvalidCapability = errors.New("invalid capability")
)

// Executor runs a capability. It must return exactly once: a value that can be
// marshaled to JSON, or an error whose message is reported to the agent.
type Executor func(ctx context.Context, args json.RawMessage) (any, error)

// Capability is a named, client-executable operation.
type Capability struct {
	Name        string
	Description string
	// Schema describes the expected arguments. A nil schema accepts anything.
	Schema   *jsonschema.Schema
	Executor Executor
}

// ValidationError reports arguments that do not satisfy a capability's schema.
type ValidationError struct {
	Capability string
	Details    []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %q: %s", e.Capability, strings.Join(e.Details, "; "))
}

type entry struct {
	cap       Capability
	schema    json.RawMessage
	validator *gojsonschema.Schema
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	changed chan struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		changed: make(chan struct{}),
	}
}

// Register adds c to the registry.
func (r *Registry) Register(c Capability) error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidCapability)
	}
	if c.Executor == nil {
		return fmt.Errorf("%w: %q has no executor", ErrInvalidCapability, c.Name)
	}

	e := &entry{cap: c}
	if c.Schema != nil {
		b, err := json.Marshal(c.Schema)
		if err != nil {
			return fmt.Errorf("%w: %q schema: %v", ErrInvalidCapability, c.Name, err)
		}
		v, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(b))
		if err != nil {
			return fmt.Errorf("%w: %q schema does not compile: %v", ErrInvalidCapability, c.Name, err)
		}
		e.schema = b
		e.validator = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[c.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateCapability, c.Name)
	}
	r.entries[c.Name] = e
	r.notifyLocked()
	return nil
}

// Declare registers a capability from its parts.
func (r *Registry) Declare(name string, schema *jsonschema.Schema, executor Executor) error {
	return r.Register(Capability{Name: name, Schema: schema, Executor: executor})
}

// Unregister removes name. Removing an absent name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return
	}
	delete(r.entries, name)
	r.notifyLocked()
}

// Clear removes every capability in one step.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return
	}
	r.entries = make(map[string]*entry)
	r.notifyLocked()
}

// Lookup returns the capability registered under name.
func (r *Registry) Lookup(name string) (Capability, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Capability{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e.cap, nil
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Declarations describes the registered capabilities, sorted by name.
func (r *Registry) Declarations() []capbridge.Declaration {
	r.mu.RLock()
	out := make([]capbridge.Declaration, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, capbridge.Declaration{
			Name:            e.cap.Name,
			Description:     e.cap.Description,
			ParameterSchema: e.schema,
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Watch returns a channel that is closed on the next Register, Unregister or
// Clear that changes the set.
func (r *Registry) Watch() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.changed
}

// Execute validates args against the named capability's schema and runs its
// executor. Absent or null args are treated as an empty object. Lookup misses
// wrap ErrNotFound; schema violations are
// *ValidationError; anything else is the executor's own error.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	if len(args) == 0 || bytes.Equal(bytes.TrimSpace(args), []byte("null")) {
		args = json.RawMessage("{}")
	}
	if e.validator != nil {
		res, err := e.validator.Validate(gojsonschema.NewBytesLoader(args))
		if err != nil {
			return nil, &ValidationError{Capability: name, Details: []string{err.Error()}}
		}
		if !res.Valid() {
			details := make([]string, 0, len(res.Errors()))
			for _, d := range res.Errors() {
				details = append(details, d.String())
			}
			return nil, &ValidationError{Capability: name, Details: details}
		}
	}

	v, err := e.cap.Executor(ctx, args)
	if err != nil {
		return nil, err
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %q result: %w", name, err)
	}
	return b, nil
}

func (r *Registry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}
