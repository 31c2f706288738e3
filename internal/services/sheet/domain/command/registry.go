package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Scope identifies whether a command type is replayable core state or UI-only.
type Scope string

const (
	// ScopeCore marks deterministic, persistable, replayable commands.
	ScopeCore Scope = "core"
	// ScopeUI marks commands that only affect local presentation state.
	ScopeUI Scope = "ui"
)

// PayloadValidator validates a payload JSON document.
type PayloadValidator func(json.RawMessage) error

// Definition registers metadata for a command type.
type Definition struct {
	Type  Type
	Scope Scope
	// Schema is an optional JSON Schema document for the payload.
	Schema          string
	ValidatePayload PayloadValidator
}

// Registry stores command definitions and validates commands.
type Registry struct {
	definitions map[Type]Definition
	schemas     map[Type]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[Type]Definition),
		schemas:     make(map[Type]*jsonschema.Schema),
	}
}

// Register adds a new command type definition to the registry.
func (r *Registry) Register(def Definition) error {
	if r == nil {
		return errors.New("registry is required")
	}
	def.Type = Type(strings.TrimSpace(string(def.Type)))
	if def.Type == "" {
		return ErrTypeRequired
	}
	switch def.Scope {
	case ScopeCore, ScopeUI:
		// allowed
	default:
		return fmt.Errorf("scope must be core or ui")
	}
	if r.definitions == nil {
		r.definitions = make(map[Type]Definition)
		r.schemas = make(map[Type]*jsonschema.Schema)
	}
	if _, exists := r.definitions[def.Type]; exists {
		return fmt.Errorf("command type already registered: %s", def.Type)
	}
	if strings.TrimSpace(def.Schema) != "" {
		schema, err := compileSchema(def.Type, def.Schema)
		if err != nil {
			return err
		}
		r.schemas[def.Type] = schema
	}
	r.definitions[def.Type] = def
	return nil
}

// Validate checks the command type is registered and its payload matches the
// registered schema and validator.
func (r *Registry) Validate(cmd Command) error {
	if cmd.IsZero() {
		return ErrTypeRequired
	}
	def, ok := r.definitions[cmd.Type()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTypeUnknown, cmd.Type())
	}
	if schema := r.schemas[cmd.Type()]; schema != nil {
		dec := json.NewDecoder(bytes.NewReader(cmd.Payload()))
		dec.UseNumber()
		var doc any
		if err := dec.Decode(&doc); err != nil {
			return fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
		}
		if err := schema.Validate(doc); err != nil {
			return fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
		}
	}
	if def.ValidatePayload != nil {
		if err := def.ValidatePayload(cmd.Payload()); err != nil {
			return fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
		}
	}
	return nil
}

// Definition returns the registered definition for a type.
func (r *Registry) Definition(t Type) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	def, ok := r.definitions[t]
	return def, ok
}

// IsCore reports whether t is a registered core command.
func (r *Registry) IsCore(t Type) bool {
	def, ok := r.Definition(t)
	return ok && def.Scope == ScopeCore
}

// ListDefinitions returns all registered definitions sorted by type.
func (r *Registry) ListDefinitions() []Definition {
	if r == nil {
		return nil
	}
	defs := make([]Definition, 0, len(r.definitions))
	for _, def := range r.definitions {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Type < defs[j].Type
	})
	return defs
}

func compileSchema(t Type, schema string) (*jsonschema.Schema, error) {
	url := "mem://commands/" + string(t) + ".json"
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema for %s: %w", t, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", t, err)
	}
	return compiled, nil
}
