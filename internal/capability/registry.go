package capability

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed capabilities.yaml
var defaultCatalog []byte

var (
	ErrUnknownCapability = errors.New("unknown capability")
	ErrInvalidInput      = errors.New("input does not match capability schema")
)

// Registry is the read-only lookup table of capability definitions.
type Registry struct {
	defs    map[string]Definition
	order   []string
	schemas map[string]*jsonschema.Schema
}

// Default loads the catalog compiled into the binary.
func Default() (*Registry, error) {
	return Load(defaultCatalog)
}

// LoadFile loads a catalog from a YAML file on disk.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadFile: %w", err)
	}
	return Load(data)
}

// Load parses a YAML catalog and compiles every input schema up front so a
// broken catalog fails at startup rather than on the first request.
func Load(data []byte) (*Registry, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("Load: parse catalog: %w", err)
	}

	r := &Registry{
		defs:    make(map[string]Definition, len(file.Capabilities)),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, e := range file.Capabilities {
		if e.ID == "" {
			return nil, errors.New("Load: capability with empty id")
		}
		if _, dup := r.defs[e.ID]; dup {
			return nil, fmt.Errorf("Load: duplicate capability %q", e.ID)
		}
		tier := RiskTier(e.RiskTier)
		if !tier.Valid() {
			return nil, fmt.Errorf("Load: capability %q has invalid risk tier %q", e.ID, e.RiskTier)
		}
		if e.MaxCallsPerHour <= 0 {
			return nil, fmt.Errorf("Load: capability %q needs maxCallsPerHour > 0", e.ID)
		}

		def := Definition{
			ID:               e.ID,
			Target:           e.Target,
			RiskTier:         tier,
			ReadOnly:         e.ReadOnly,
			RequiresApproval: e.RequiresApproval,
			MaxCallsPerHour:  e.MaxCallsPerHour,
			Description:      e.Description,
		}
		if len(e.InputSchema) > 0 {
			raw, err := json.Marshal(e.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("Load: capability %q schema: %w", e.ID, err)
			}
			sch, err := compileSchema(e.ID, raw)
			if err != nil {
				return nil, fmt.Errorf("Load: capability %q schema: %w", e.ID, err)
			}
			def.InputSchema = raw
			r.schemas[e.ID] = sch
		}
		r.defs[e.ID] = def
		r.order = append(r.order, e.ID)
	}
	return r, nil
}

func compileSchema(id string, raw []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	url := id + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Get returns the definition for id.
func (r *Registry) Get(id string) (Definition, bool) {
	def, ok := r.defs[id]
	if !ok {
		return Definition{}, false
	}
	return def.clone(), true
}

// List returns a defensive copy of every definition in catalog order.
func (r *Registry) List() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id].clone())
	}
	return out
}

// ValidateInput checks input against the capability's schema. Capabilities
// without a schema accept any object.
func (r *Registry) ValidateInput(id string, input map[string]any) error {
	if _, ok := r.defs[id]; !ok {
		return ErrUnknownCapability
	}
	sch, ok := r.schemas[id]
	if !ok {
		return nil
	}

	// Round-trip through JSON so numeric types match what the compiler expects.
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
