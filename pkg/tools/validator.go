package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

// Validator checks tool call inputs and outputs against the schemas declared
// in the registered contracts. Compiled schemas are cached per tool and
// direction.
type Validator struct {
	registry *Registry

	mu    sync.Mutex
	cache map[string]*jsonschema.Schema // key: toolID + "/" + direction
}

// NewValidator creates a schema validator over the registry.
func NewValidator(registry *Registry) *Validator {
	return &Validator{
		registry: registry,
		cache:    make(map[string]*jsonschema.Schema),
	}
}

// ValidateInput resolves the contract for the call's tool and validates the
// input document. Returns UnknownTool or an input SchemaViolationError.
func (v *Validator) ValidateInput(call models.ToolCall) error {
	reg, err := v.registry.Get(call.ToolID)
	if err != nil {
		return err
	}
	return v.validate(call.ToolID, models.SchemaInput, reg.Contract.InputSchema, call.Input)
}

// ValidateOutput validates a tool's output document against the contract's
// output schema. Returns UnknownTool or an output SchemaViolationError.
func (v *Validator) ValidateOutput(toolID string, output map[string]any) error {
	reg, err := v.registry.Get(toolID)
	if err != nil {
		return err
	}
	return v.validate(toolID, models.SchemaOutput, reg.Contract.OutputSchema, output)
}

func (v *Validator) validate(toolID string, direction models.SchemaDirection, schemaDoc map[string]any, doc map[string]any) error {
	if schemaDoc == nil {
		return nil
	}

	schema, err := v.compiled(toolID, direction, schemaDoc)
	if err != nil {
		return fmt.Errorf("tool %q %s schema: %w", toolID, direction, err)
	}

	// Round-trip through encoding/json so numeric types and nested structs
	// normalize to the document shapes the validator expects.
	normalized, err := normalize(doc)
	if err != nil {
		return fmt.Errorf("tool %q %s document: %w", toolID, direction, err)
	}

	if err := schema.Validate(normalized); err != nil {
		path, reason := violationDetail(err)
		return &models.SchemaViolationError{
			Direction: direction,
			ToolID:    toolID,
			Path:      path,
			Reason:    reason,
		}
	}
	return nil
}

func (v *Validator) compiled(toolID string, direction models.SchemaDirection, schemaDoc map[string]any) (*jsonschema.Schema, error) {
	key := toolID + "/" + string(direction)

	v.mu.Lock()
	defer v.mu.Unlock()
	if schema, ok := v.cache[key]; ok {
		return schema, nil
	}

	normalized, err := normalize(schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("normalize schema: %w", err)
	}

	name := key + "/schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, normalized); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = schema
	return schema, nil
}

// normalize round-trips a value through JSON so it matches the document
// model the schema library validates (map[string]any, []any, float64).
func normalize(doc any) (any, error) {
	if doc == nil {
		return nil, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// violationDetail extracts the instance path and leaf reason from a
// validation error.
func violationDetail(err error) (path, reason string) {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		path = "/" + strings.Join(leaf.InstanceLocation, "/")
		return path, leaf.Error()
	}
	return "/", err.Error()
}
