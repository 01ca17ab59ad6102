package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/rndrntwrk/milaidy/pkg/memory"
	"github.com/rndrntwrk/milaidy/pkg/models"
	"github.com/rndrntwrk/milaidy/pkg/trust"
)

// Built-in tool, post-condition, and compensation IDs.
const (
	ToolEcho         = "echo"
	ToolRestartAgent = "restart_agent"
	ToolMemoryWrite  = "memory.write"
	ToolPluginToggle = "plugin.toggle"

	CheckOutputPresent        = "output_present"
	CheckMemoryWriteConfirmed = "memory_write_confirmed"

	CompMemoryWriteRevert  = "memory.write.revert"
	CompPluginToggleRevert = "plugin.toggle.revert"
)

// registerBuiltins installs the kernel's built-in post-conditions,
// compensations, and tool contracts. Deployments layer their own tools on
// top via RegisterTool before Start.
func (k *Kernel) registerBuiltins() error {
	// Post-conditions first: contracts referencing them fail registration
	// otherwise.
	if err := k.verifier.Register(CheckOutputPresent,
		func(_ context.Context, _ models.ToolCall, result models.ToolResult) (bool, string) {
			if len(result.Output) == 0 {
				return false, "tool returned no output"
			}
			return true, ""
		}); err != nil {
		return err
	}
	if err := k.verifier.Register(CheckMemoryWriteConfirmed,
		func(_ context.Context, _ models.ToolCall, result models.ToolResult) (bool, string) {
			id, _ := result.Output["memory_id"].(string)
			if id == "" {
				return false, "memory write did not return an entry id"
			}
			return true, ""
		}); err != nil {
		return err
	}

	if err := k.comp.Register(CompMemoryWriteRevert,
		func(ctx context.Context, _ models.ToolCall, result models.ToolResult) error {
			id, _ := result.Output["memory_id"].(string)
			if id == "" {
				return nil // nothing was written
			}
			err := k.memGate.Quarantine(ctx, id, "compensated memory write")
			if err != nil && !isAlreadyQuarantined(err) {
				return err
			}
			return nil
		}); err != nil {
		return err
	}
	if err := k.comp.Register(CompPluginToggleRevert,
		func(_ context.Context, _ models.ToolCall, result models.ToolResult) error {
			name, _ := result.Output["plugin"].(string)
			if name == "" {
				return nil
			}
			previous, _ := result.Output["previous"].(bool)
			k.pluginMu.Lock()
			k.plugins[name] = previous
			k.pluginMu.Unlock()
			return nil
		}); err != nil {
		return err
	}

	contracts := []struct {
		contract models.ToolContract
		handler  func(ctx context.Context, call models.ToolCall) (map[string]any, error)
	}{
		{
			contract: models.ToolContract{
				ID:             ToolEcho,
				Version:        "1.0.0",
				ReadOnly:       true,
				ApprovalPolicy: models.ApprovalAutoIfReadOnly,
				PostConditions: []string{CheckOutputPresent},
				InputSchema: map[string]any{
					"type":                 "object",
					"required":             []any{"msg"},
					"properties":           map[string]any{"msg": map[string]any{"type": "string"}},
					"additionalProperties": false,
				},
				OutputSchema: map[string]any{
					"type":       "object",
					"required":   []any{"msg"},
					"properties": map[string]any{"msg": map[string]any{"type": "string"}},
				},
			},
			handler: func(_ context.Context, call models.ToolCall) (map[string]any, error) {
				return map[string]any{"msg": call.Input["msg"]}, nil
			},
		},
		{
			contract: models.ToolContract{
				ID:             ToolRestartAgent,
				Version:        "1.0.0",
				ApprovalPolicy: models.ApprovalAlways,
				InputSchema:    map[string]any{"type": "object"},
				OutputSchema: map[string]any{
					"type":       "object",
					"required":   []any{"scheduled"},
					"properties": map[string]any{"scheduled": map[string]any{"type": "boolean"}},
				},
			},
			handler: func(ctx context.Context, _ models.ToolCall) (map[string]any, error) {
				// The tool pauses the kernel and reports the restart as
				// scheduled; it does not restart the kernel itself. A restart
				// goes through Kernel.Restart (the operator restart endpoint).
				k.Pause()
				return map[string]any{"scheduled": true}, nil
			},
		},
		{
			contract: models.ToolContract{
				ID:             ToolMemoryWrite,
				Version:        "1.0.0",
				ApprovalPolicy: models.ApprovalSourceTrusted,
				PostConditions: []string{CheckMemoryWriteConfirmed},
				CompensationID: CompMemoryWriteRevert,
				InputSchema: map[string]any{
					"type":     "object",
					"required": []any{"kind", "content"},
					"properties": map[string]any{
						"kind":    map[string]any{"type": "string"},
						"content": map[string]any{"type": "string"},
						"source":  map[string]any{"type": "string"},
					},
				},
				OutputSchema: map[string]any{
					"type":     "object",
					"required": []any{"state"},
					"properties": map[string]any{
						"memory_id": map[string]any{"type": "string"},
						"state":     map[string]any{"type": "string"},
					},
				},
			},
			handler: func(ctx context.Context, call models.ToolCall) (map[string]any, error) {
				kind, _ := call.Input["kind"].(string)
				content, _ := call.Input["content"].(string)
				source, _ := call.Input["source"].(string)
				if source == "" {
					source = call.Source
				}
				result, err := k.memGate.Admit(ctx, memory.Candidate{
					Kind:       kind,
					Content:    content,
					Source:     source,
					Provenance: trust.ProvenanceUser,
				})
				if err != nil {
					return nil, err
				}
				out := map[string]any{"state": string(result.State)}
				if result.Entry != nil {
					out["memory_id"] = result.Entry.ID
				}
				return out, nil
			},
		},
		{
			contract: models.ToolContract{
				ID:             ToolPluginToggle,
				Version:        "1.0.0",
				ApprovalPolicy: models.ApprovalAlways,
				CompensationID: CompPluginToggleRevert,
				InputSchema: map[string]any{
					"type":     "object",
					"required": []any{"plugin", "enabled"},
					"properties": map[string]any{
						"plugin":  map[string]any{"type": "string"},
						"enabled": map[string]any{"type": "boolean"},
					},
				},
				OutputSchema: map[string]any{
					"type":     "object",
					"required": []any{"plugin", "enabled"},
					"properties": map[string]any{
						"plugin":   map[string]any{"type": "string"},
						"enabled":  map[string]any{"type": "boolean"},
						"previous": map[string]any{"type": "boolean"},
					},
				},
			},
			handler: func(_ context.Context, call models.ToolCall) (map[string]any, error) {
				name, _ := call.Input["plugin"].(string)
				enabled, _ := call.Input["enabled"].(bool)
				k.pluginMu.Lock()
				previous := k.plugins[name]
				k.plugins[name] = enabled
				k.pluginMu.Unlock()
				return map[string]any{"plugin": name, "enabled": enabled, "previous": previous}, nil
			},
		},
	}

	for _, c := range contracts {
		if err := k.registry.Register(c.contract, c.handler); err != nil {
			return fmt.Errorf("failed to register built-in tool: %w", err)
		}
	}
	return nil
}

// PluginEnabled reports the toggle state used by the plugin.toggle tool.
func (k *Kernel) PluginEnabled(name string) bool {
	k.pluginMu.Lock()
	defer k.pluginMu.Unlock()
	return k.plugins[name]
}

// isAlreadyQuarantined lets the memory.write compensation stay idempotent:
// quarantining an entry that already left the committed state is not an
// error on retry.
func isAlreadyQuarantined(err error) bool {
	return errors.Is(err, models.ErrConflict)
}
