package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/models"
)

func noopHandler(_ context.Context, _ models.ToolCall) (map[string]any, error) {
	return map[string]any{}, nil
}

func newTestVerifier() *Verifier {
	return NewVerifier(time.Second)
}

func TestRegisterAndGet(t *testing.T) {
	registry := NewRegistry(newTestVerifier())

	err := registry.Register(models.ToolContract{ID: "echo", Version: "1.0.0", ReadOnly: true}, noopHandler)
	require.NoError(t, err)

	reg, err := registry.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", reg.Contract.ID)
	assert.Equal(t, models.ApprovalNone, reg.Contract.ApprovalPolicy, "empty policy defaults to none")

	_, err = registry.Get("missing")
	assert.ErrorIs(t, err, models.ErrUnknownTool)
}

func TestRegisterDuplicateFails(t *testing.T) {
	registry := NewRegistry(newTestVerifier())
	require.NoError(t, registry.Register(models.ToolContract{ID: "echo"}, noopHandler))

	err := registry.Register(models.ToolContract{ID: "echo"}, noopHandler)
	assert.ErrorIs(t, err, models.ErrDuplicateTool)
}

func TestRegisterUnknownPostConditionFails(t *testing.T) {
	registry := NewRegistry(newTestVerifier())
	err := registry.Register(models.ToolContract{
		ID:             "tx",
		PostConditions: []string{"tx.confirmed"},
	}, noopHandler)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown post-condition")
}

func TestRegisterResolvedPostCondition(t *testing.T) {
	verifier := newTestVerifier()
	require.NoError(t, verifier.Register("tx.confirmed",
		func(context.Context, models.ToolCall, models.ToolResult) (bool, string) { return true, "" }))

	registry := NewRegistry(verifier)
	err := registry.Register(models.ToolContract{
		ID:             "tx",
		PostConditions: []string{"tx.confirmed"},
	}, noopHandler)
	assert.NoError(t, err)
}

func TestFreezeBlocksRegistration(t *testing.T) {
	registry := NewRegistry(newTestVerifier())
	registry.Freeze()

	err := registry.Register(models.ToolContract{ID: "late"}, noopHandler)
	assert.Error(t, err)
}

func TestListSortedByID(t *testing.T) {
	registry := NewRegistry(newTestVerifier())
	require.NoError(t, registry.Register(models.ToolContract{ID: "zeta"}, noopHandler))
	require.NoError(t, registry.Register(models.ToolContract{ID: "alpha"}, noopHandler))

	contracts := registry.List()
	require.Len(t, contracts, 2)
	assert.Equal(t, "alpha", contracts[0].ID)
	assert.Equal(t, "zeta", contracts[1].ID)
}

func TestValidateCompensations(t *testing.T) {
	publisher := events.NewPublisher(events.NewMemoryStore(100, 0))
	registry := NewRegistry(newTestVerifier())
	comp := NewCompensationRegistry(publisher)

	require.NoError(t, registry.Register(models.ToolContract{
		ID:             "tx",
		CompensationID: "refund",
	}, noopHandler))

	err := registry.ValidateCompensations(comp)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfigInvalid)

	require.NoError(t, comp.Register("refund",
		func(context.Context, models.ToolCall, models.ToolResult) error { return nil }))
	assert.NoError(t, registry.ValidateCompensations(comp))
}
