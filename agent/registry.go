package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type entry struct {
	reg    Registration
	schema *jsonschema.Schema // nil when no ParamsSchema was given
}

// Registry tracks available agent types. Registrations are immutable once
// accepted; type names must be unique.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds an agent type. It fails on an empty or duplicate type name,
// a nil agent, or an invalid params schema.
func (r *Registry) Register(reg Registration) error {
	if reg.Type == "" {
		return fmt.Errorf("register agent: type is required")
	}
	if reg.Agent == nil {
		return fmt.Errorf("register agent %s: agent is nil", reg.Type)
	}

	var schema *jsonschema.Schema
	if len(reg.ParamsSchema) > 0 {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(reg.ParamsSchema))
		if err != nil {
			return fmt.Errorf("register agent %s: parse params schema: %w", reg.Type, err)
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("params.json", doc); err != nil {
			return fmt.Errorf("register agent %s: add params schema: %w", reg.Type, err)
		}
		schema, err = compiler.Compile("params.json")
		if err != nil {
			return fmt.Errorf("register agent %s: compile params schema: %w", reg.Type, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[reg.Type]; exists {
		return fmt.Errorf("register agent %s: type already registered", reg.Type)
	}
	r.entries[reg.Type] = &entry{reg: reg, schema: schema}
	return nil
}

// Get returns the registration for an agent type.
func (r *Registry) Get(agentType string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[agentType]
	if !ok {
		return Registration{}, false
	}
	return e.reg, true
}

// List returns all registrations sorted by type name.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := make([]Registration, 0, len(r.entries))
	for _, e := range r.entries {
		regs = append(regs, e.reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Type < regs[j].Type })
	return regs
}

// ValidateParams checks params against the agent type's schema. Types without
// a schema accept any params.
func (r *Registry) ValidateParams(agentType string, params map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[agentType]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("agent type %s not registered", agentType)
	}
	if e.schema == nil {
		return nil
	}

	if params == nil {
		params = map[string]any{}
	}
	// Round-trip through JSON so numbers and nested values are in the form
	// the validator expects.
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("agent %s params: %w", agentType, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("agent %s params: %w", agentType, err)
	}
	if err := e.schema.Validate(inst); err != nil {
		return fmt.Errorf("agent %s params: %w", agentType, err)
	}
	return nil
}
