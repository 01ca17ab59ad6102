package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

func newValidatorWithTool(t *testing.T) *Validator {
	t.Helper()
	registry := NewRegistry(newTestVerifier())
	require.NoError(t, registry.Register(models.ToolContract{
		ID: "transfer",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"amount", "to"},
			"properties": map[string]any{
				"amount": map[string]any{"type": "number", "minimum": 0},
				"to":     map[string]any{"type": "string"},
			},
		},
		OutputSchema: map[string]any{
			"type":       "object",
			"required":   []any{"tx_id"},
			"properties": map[string]any{"tx_id": map[string]any{"type": "string"}},
		},
	}, noopHandler))
	require.NoError(t, registry.Register(models.ToolContract{ID: "freeform"}, noopHandler))
	return NewValidator(registry)
}

func TestValidateInputAccepts(t *testing.T) {
	v := newValidatorWithTool(t)
	err := v.ValidateInput(models.ToolCall{
		ToolID: "transfer",
		Input:  map[string]any{"amount": 10, "to": "alice"},
	})
	assert.NoError(t, err)
}

func TestValidateInputMissingRequired(t *testing.T) {
	v := newValidatorWithTool(t)
	err := v.ValidateInput(models.ToolCall{
		ToolID: "transfer",
		Input:  map[string]any{"amount": 10},
	})
	require.Error(t, err)

	var violation *models.SchemaViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, models.SchemaInput, violation.Direction)
	assert.Equal(t, "transfer", violation.ToolID)
}

func TestValidateInputWrongType(t *testing.T) {
	v := newValidatorWithTool(t)
	err := v.ValidateInput(models.ToolCall{
		ToolID: "transfer",
		Input:  map[string]any{"amount": "lots", "to": "alice"},
	})
	var violation *models.SchemaViolationError
	require.ErrorAs(t, err, &violation)
	assert.Contains(t, violation.Path, "amount")
}

func TestValidateInputUnknownTool(t *testing.T) {
	v := newValidatorWithTool(t)
	err := v.ValidateInput(models.ToolCall{ToolID: "missing"})
	assert.ErrorIs(t, err, models.ErrUnknownTool)
}

func TestValidateOutput(t *testing.T) {
	v := newValidatorWithTool(t)

	assert.NoError(t, v.ValidateOutput("transfer", map[string]any{"tx_id": "0xabc"}))

	err := v.ValidateOutput("transfer", map[string]any{"unexpected": true})
	var violation *models.SchemaViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, models.SchemaOutput, violation.Direction)
}

func TestValidateNilSchemaAcceptsAnything(t *testing.T) {
	v := newValidatorWithTool(t)
	assert.NoError(t, v.ValidateInput(models.ToolCall{
		ToolID: "freeform",
		Input:  map[string]any{"whatever": []any{1, 2, 3}},
	}))
}

func TestValidatorCachesCompiledSchemas(t *testing.T) {
	v := newValidatorWithTool(t)
	call := models.ToolCall{ToolID: "transfer", Input: map[string]any{"amount": 1, "to": "bob"}}

	require.NoError(t, v.ValidateInput(call))
	require.NoError(t, v.ValidateInput(call))

	v.mu.Lock()
	defer v.mu.Unlock()
	assert.Len(t, v.cache, 1)
}
