// Package tools holds the tool contract registry, the JSON-schema validator
// for call inputs/outputs, the post-condition verifier, and the compensation
// registry. Tools are tagged variants resolved by ID — schemas are
// declarative data, not reflected types.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

// Handler executes a tool call and returns its output document.
type Handler func(ctx context.Context, call models.ToolCall) (map[string]any, error)

// Registration pairs a contract with its executable handler.
type Registration struct {
	Contract models.ToolContract
	Handler  Handler
}

// Registry holds tool contracts. Registration happens at startup; after
// Freeze the registry is immutable and reads are lock-free.
type Registry struct {
	mu     sync.Mutex
	tools  map[string]Registration
	frozen atomic.Bool

	// verifier resolves post-condition IDs at registration time.
	verifier *Verifier
}

// NewRegistry creates a tool registry. The verifier is consulted so that a
// contract naming an unknown post-condition fails registration.
func NewRegistry(verifier *Verifier) *Registry {
	return &Registry{
		tools:    make(map[string]Registration),
		verifier: verifier,
	}
}

// Register adds a contract and its handler. Fails with DuplicateTool if the
// ID is already present, and rejects contracts whose post-condition IDs do
// not resolve in the verifier.
func (r *Registry) Register(contract models.ToolContract, handler Handler) error {
	if r.frozen.Load() {
		return fmt.Errorf("registry is frozen: %w", models.ErrConflict)
	}
	if contract.ID == "" {
		return fmt.Errorf("tool contract: %w: id", models.ErrConflict)
	}
	if contract.ApprovalPolicy == "" {
		contract.ApprovalPolicy = models.ApprovalNone
	}
	if !contract.ApprovalPolicy.IsValid() {
		return fmt.Errorf("tool %q: invalid approval policy %q: %w",
			contract.ID, contract.ApprovalPolicy, models.ErrConflict)
	}
	if handler == nil {
		return fmt.Errorf("tool %q: nil handler: %w", contract.ID, models.ErrConflict)
	}
	for _, checkID := range contract.PostConditions {
		if !r.verifier.Has(checkID) {
			return fmt.Errorf("tool %q: unknown post-condition %q: %w",
				contract.ID, checkID, models.ErrConflict)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[contract.ID]; ok {
		return fmt.Errorf("tool %q: %w", contract.ID, models.ErrDuplicateTool)
	}
	r.tools[contract.ID] = Registration{Contract: contract, Handler: handler}
	return nil
}

// Freeze makes the registry immutable. Called once startup wiring is done.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Get resolves a registration by tool ID.
func (r *Registry) Get(id string) (Registration, error) {
	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	reg, ok := r.tools[id]
	if !ok {
		return Registration{}, fmt.Errorf("tool %q: %w", id, models.ErrUnknownTool)
	}
	return reg, nil
}

// List returns all contracts sorted by ID.
func (r *Registry) List() []models.ToolContract {
	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	out := make([]models.ToolContract, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg.Contract)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ValidateCompensations checks that every contract with a compensation ID
// resolves in the compensation registry. Startup check; a failure here is a
// configuration error.
func (r *Registry) ValidateCompensations(comp *CompensationRegistry) error {
	for _, contract := range r.List() {
		if contract.CompensationID == "" {
			continue
		}
		if !comp.Has(contract.CompensationID) {
			return fmt.Errorf("%w: tool %q names unregistered compensation %q",
				models.ErrConfigInvalid, contract.ID, contract.CompensationID)
		}
	}
	return nil
}
