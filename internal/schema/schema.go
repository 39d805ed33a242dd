// Package schema validates model-issued tool inputs against the JSON
// schemas declared by executors at registration time.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError describes a tool input that failed its declared schema.
type ValidationError struct {
	Tool    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %q input invalid: %s", e.Tool, e.Message)
}

// Registry holds one compiled schema per tool name. Tools registered
// without a schema validate everything.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles and stores the schema for a tool. A nil or empty
// schema clears any previous entry.
func (r *Registry) Register(tool string, schemaDoc map[string]any) error {
	if len(schemaDoc) == 0 {
		r.mu.Lock()
		delete(r.schemas, tool)
		r.mu.Unlock()
		return nil
	}

	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return fmt.Errorf("marshal schema for %q: %w", tool, err)
	}
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("unmarshal schema for %q: %w", tool, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("add schema resource for %q: %w", tool, err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", tool, err)
	}

	r.mu.Lock()
	r.schemas[tool] = compiled
	r.mu.Unlock()
	return nil
}

// Unregister removes the schemas of the named tools.
func (r *Registry) Unregister(tools ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tool := range tools {
		delete(r.schemas, tool)
	}
}

// Validate checks a tool input against its registered schema. Unknown
// tools pass; invalid JSON or a schema mismatch is a ValidationError.
func (r *Registry) Validate(tool string, input json.RawMessage) error {
	r.mu.RLock()
	compiled, ok := r.schemas[tool]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(input)))
	if err != nil {
		return &ValidationError{Tool: tool, Message: fmt.Sprintf("invalid JSON: %s", err)}
	}
	if err := compiled.Validate(parsed); err != nil {
		return &ValidationError{Tool: tool, Message: err.Error()}
	}
	return nil
}
