package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	lastModel string
}

func (p *stubProvider) Chat(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
	p.lastModel = req.Model
	return &ChatResponse{Content: "ok"}, nil
}
func (p *stubProvider) Name() string     { return "stub" }
func (p *stubProvider) Available() bool  { return true }

func TestRoleRouterSelectsConfiguredModelPerRole(t *testing.T) {
	provider := &stubProvider{}
	router := NewRoleRouter(provider, map[Role]string{
		RoleExtraction:   "extraction-model",
		RoleRepair:       "repair-model",
		RoleGrading:      "grading-model",
		RoleDistillation: "distillation-model",
	})

	_, err := router.For(RoleRepair).Chat(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, "repair-model", provider.lastModel)

	_, err = router.For(RoleGrading).Chat(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, "grading-model", provider.lastModel)
}

func TestRoleRouterFallsBackToExtractionModelForUnknownRole(t *testing.T) {
	provider := &stubProvider{}
	router := NewRoleRouter(provider, map[Role]string{
		RoleExtraction: "extraction-model",
	})

	_, err := router.For(Role("unknown")).Chat(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, "extraction-model", provider.lastModel)
}
