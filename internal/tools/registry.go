// Package tools is the Tool Registry: a versioned catalog of tool
// descriptors, the schema validation guarding execution, and the bounded-
// concurrency executor the Agent Loop calls under the Security Pipeline's
// executor guard.
package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/opencellcw/agentcore/pkg/models"
)

// Handler executes one tool call's validated input and returns its result.
type Handler func(ctx ExecContext, input json.RawMessage) (models.ToolResult, error)

// entry is the registry's internal record for one tool name: its current
// enabled descriptor/handler, plus any other versions kept registered but
// disabled.
type entry struct {
	enabled  models.ToolDescriptor
	handler  Handler
	schema   *jsonschema.Schema
	versions map[string]models.ToolDescriptor // version -> descriptor, includes enabled
}

// Registry is the Tool Registry: register/resolve/list, with exactly one
// enabled version per tool name at any moment. All operations are safe for
// concurrent use; distinct tool names never contend on each other's state.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds descriptor with handler as the currently enabled version of
// its tool name, compiling its input schema up front so resolve/validate
// never pays a first-call compilation cost. Registering a new version of an
// already-known name replaces the enabled version; the previous version
// remains resolvable by version string via Versions but is no longer the
// one exposed to the LLM or executed by name alone.
func (r *Registry) Register(descriptor models.ToolDescriptor, handler Handler) error {
	schema, err := compileInputSchema(descriptor.Name, descriptor.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %s: %w", descriptor.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[descriptor.Name]
	if !ok {
		e = &entry{versions: make(map[string]models.ToolDescriptor)}
		r.entries[descriptor.Name] = e
	}
	e.enabled = descriptor
	e.handler = handler
	e.schema = schema
	e.versions[descriptor.Version] = descriptor
	return nil
}

// Unregister removes a tool name entirely, including all its versions.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Resolve returns the currently enabled descriptor for name, or false if
// the name is unknown.
func (r *Registry) Resolve(name string) (models.ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return models.ToolDescriptor{}, false
	}
	return e.enabled, true
}

// Descriptors returns the enabled descriptor for every registered tool, in
// a stable order (sorted by name) so repeated calls with an unchanged
// catalog produce byte-identical LLMRequest tool lists — required for the
// cache fingerprint to be deterministic across calls.
func (r *Registry) Descriptors() []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.enabled)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks input against name's enabled input schema. It returns an
// error wrapping models.KindValidation semantics (via ValidationError) on
// schema mismatch, or an unknown-tool error if name isn't registered.
func (r *Registry) Validate(name string, input json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return &UnknownToolError{Name: name}
	}
	if e.schema == nil {
		return nil
	}

	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return &ValidationError{Tool: name, Err: fmt.Errorf("decode input: %w", err)}
	}
	if err := e.schema.Validate(decoded); err != nil {
		return &ValidationError{Tool: name, Err: err}
	}
	return nil
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// UnknownToolError is returned by Validate/Execute for a tool name absent
// from the registry.
type UnknownToolError struct{ Name string }

func (e *UnknownToolError) Error() string { return "unknown tool: " + e.Name }

// ValidationError is returned when a tool call's input fails its
// descriptor's input schema.
type ValidationError struct {
	Tool string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s: invalid input: %v", e.Tool, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func compileInputSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(name + ".schema.json")
}
