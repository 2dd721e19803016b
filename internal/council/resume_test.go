package council

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sopforge/backend/internal/ai"
	"sopforge/backend/internal/prompts"
	"sopforge/backend/internal/pipeline"
	"sopforge/backend/internal/stages"
	"sopforge/backend/pkg/models"
)

func TestEngine_ApprovalResumesGatedRun(t *testing.T) {
	e := newEnv(t)
	ctx := e.ctxs[0]

	sop := &models.SOP{OrganizationID: e.org.ID, Title: "Onboarding", Description: "Onboard a new hire"}
	require.NoError(t, e.store.CreateSOP(context.Background(), sop))

	model := ai.Func(func(context.Context, ai.Request) (ai.Response, error) {
		raw := `{"title":"Onboarding","steps":[{"order":1,"title":"Create accounts","actor":"IT"}],"confidence":0.3}`
		return ai.Response{JSON: json.RawMessage(raw)}, nil
	})
	resolver, err := prompts.NewResolver(e.store)
	require.NoError(t, err)
	executor, err := stages.NewExecutor(resolver, model)
	require.NoError(t, err)

	svc := pipeline.NewService(e.store, executor, pipeline.WithGatekeeper(e.engine))
	e.engine.SetListener(svc)

	run, err := svc.StartRun(ctx, sop.ID)
	require.NoError(t, err)
	res, err := svc.Advance(ctx, run.ID, 1)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusAwaitingCouncil, res.Run.Status)
	requestID := *res.Run.CouncilRequestID

	view, err := e.engine.GetRequest(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestTypePipelineGate, view.Request.Type)
	require.NotNil(t, view.Request.RunID)
	assert.Equal(t, run.ID, *view.Request.RunID)
	assert.Equal(t, run.CreatedByID, view.Request.CreatedByID)

	for i := 1; i <= 3; i++ {
		_, err := e.engine.CastVote(e.ctxs[i], requestID, models.DecisionApprove)
		require.NoError(t, err)
	}

	got, err := svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Run.Status)
	assert.Equal(t, models.StageAuditWaste, got.Run.CurrentStage)
}
