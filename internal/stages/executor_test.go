package stages

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sopforge/backend/internal/ai"
	"sopforge/backend/internal/errors"
	"sopforge/backend/pkg/models"
)

func newExecutor(t *testing.T, model ai.Capability, opts ...Option) *Executor {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	e, err := NewExecutor(staticPrompts{}, model, opts...)
	require.NoError(t, err)
	return e
}

func respondWith(raw string, seen *ai.Request) ai.Func {
	return func(_ context.Context, req ai.Request) (ai.Response, error) {
		if seen != nil {
			*seen = req
		}
		return ai.Response{JSON: json.RawMessage(raw), Usage: models.TokenUsage{TotalTokens: 42}}, nil
	}
}

func run() *models.PipelineRun {
	return &models.PipelineRun{ID: "run-1", OrganizationID: "org-1", SOPID: "sop-1"}
}

func TestExecute_UnavailableModelServesStub(t *testing.T) {
	e := newExecutor(t, ai.Unavailable{})

	res := e.Execute(context.Background(), Request{Run: run(), Stage: models.StageGenerateSOP, SOP: invoiceSOP()})

	require.Equal(t, models.OutcomeSuccess, res.Outcome)
	assert.True(t, res.Degraded)
	assert.NoError(t, res.Err)

	var sop models.GeneratedSOP
	require.NoError(t, json.Unmarshal(res.Payload, &sop))
	assert.Equal(t, "Invoice approval", sop.Title)
	require.Len(t, sop.Steps, 2)
	assert.Equal(t, "Approve invoice", sop.Steps[1].Title)
	assert.Equal(t, 2, sop.Steps[1].Order)
}

func TestExecute_StubCoversEveryStage(t *testing.T) {
	e := newExecutor(t, ai.Unavailable{})
	schemas, err := NewSchemas()
	require.NoError(t, err)

	for _, stage := range models.AllStages {
		t.Run(stage.Slug(), func(t *testing.T) {
			res := e.Execute(context.Background(), Request{Run: run(), Stage: stage, SOP: invoiceSOP(), Prior: allPrior()})
			require.Equal(t, models.OutcomeSuccess, res.Outcome, "err: %v", res.Err)
			assert.True(t, res.Degraded)
			if stage != models.StageAuditWaste {
				assert.NoError(t, schemas.Validate(stage, res.Payload))
			}
		})
	}
}

func TestExecute_GenerateSOPRenumbersSteps(t *testing.T) {
	var seen ai.Request
	model := respondWith(`{"title":"Invoice approval","steps":[
		{"order":7,"title":"Pay","actor":"Finance"},
		{"order":2,"title":"Receive","actor":"Clerk"}],"confidence":0.8}`, &seen)
	e := newExecutor(t, model)

	res := e.Execute(context.Background(), Request{Run: run(), Stage: models.StageGenerateSOP, SOP: invoiceSOP()})

	require.Equal(t, models.OutcomeSuccess, res.Outcome, "err: %v", res.Err)
	assert.False(t, res.Degraded)
	assert.Equal(t, 2, res.PromptVersion)
	assert.Equal(t, 42, res.Usage.TotalTokens)
	require.NotNil(t, res.Confidence)
	assert.InDelta(t, 0.8, *res.Confidence, 1e-9)

	var sop models.GeneratedSOP
	require.NoError(t, json.Unmarshal(res.Payload, &sop))
	require.Len(t, sop.Steps, 2)
	assert.Equal(t, models.ProcedureStep{Order: 1, Title: "Receive", Actor: "Clerk"}, sop.Steps[0])
	assert.Equal(t, 2, sop.Steps[1].Order)

	assert.Equal(t, "org-1", seen.OrganizationID)
	assert.Equal(t, "prompt for generate-sop", seen.SystemPrompt)
	assert.True(t, seen.Params.JSON)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(seen.UserPayload, &body))
	assert.Contains(t, body, "input")
	assert.NotContains(t, body, "previousError")
}

func TestExecute_PreviousErrorIsSentToModel(t *testing.T) {
	var seen ai.Request
	e := newExecutor(t, respondWith(generatedJSON, &seen))

	res := e.Execute(context.Background(), Request{
		Run:           run(),
		Stage:         models.StageGenerateSOP,
		SOP:           invoiceSOP(),
		PreviousError: "steps: incomplete value",
	})

	require.Equal(t, models.OutcomeSuccess, res.Outcome)
	var body struct {
		PreviousError string `json:"previousError"`
	}
	require.NoError(t, json.Unmarshal(seen.UserPayload, &body))
	assert.Equal(t, "steps: incomplete value", body.PreviousError)
}

func TestExecute_AuditWasteUsesLocalScores(t *testing.T) {
	model := respondWith(`{"scores":{"Transport":10},"total_score":99,
		"findings":[{"category":"Motion","description":"Three teams touch each invoice","steps":[1,2,3]}]}`, nil)
	e := newExecutor(t, model)

	res := e.Execute(context.Background(), Request{Run: run(), Stage: models.StageAuditWaste, SOP: invoiceSOP(), Prior: allPrior()})

	require.Equal(t, models.OutcomeSuccess, res.Outcome, "err: %v", res.Err)
	var audit models.WasteAudit
	require.NoError(t, json.Unmarshal(res.Payload, &audit))
	assert.Equal(t, 2, audit.Scores[models.WasteTransport])
	assert.Equal(t, 5, audit.Scores[models.WasteMotion])
	assert.Equal(t, 12, audit.TotalScore)
	require.Len(t, audit.Findings, 1)
	assert.Equal(t, models.WasteMotion, audit.Findings[0].Category)
}

func TestExecute_JudgeRecordsScore(t *testing.T) {
	var seen ai.Request
	model := respondWith(`{"score":87,"feedback":{"strengths":["clear"],"weaknesses":[],"recommendations":[]}}`, &seen)
	e := newExecutor(t, model, WithParams(models.StageJudgeQuality, ai.Params{Model: "judge", Temperature: 0}))

	res := e.Execute(context.Background(), Request{Run: run(), Stage: models.StageJudgeQuality, SOP: invoiceSOP(), Prior: allPrior()})

	require.Equal(t, models.OutcomeSuccess, res.Outcome, "err: %v", res.Err)
	require.NotNil(t, res.Score)
	assert.InDelta(t, 87, *res.Score, 1e-9)
	assert.Equal(t, "judge", seen.Params.Model)
	assert.Zero(t, seen.Params.Temperature)
}

func TestExecute_Retry(t *testing.T) {
	tests := []struct {
		name  string
		stage models.Stage
		model ai.Capability
		prior PriorOutputs
		check func(t *testing.T, err error)
	}{
		{
			name:  "unknown waste category",
			stage: models.StageAuditWaste,
			model: respondWith(`{"findings":[{"category":"Boredom","description":"x"}]}`, nil),
			prior: allPrior(),
			check: func(t *testing.T, err error) {
				var vErr *errors.ValidationError
				assert.ErrorAs(t, err, &vErr)
			},
		},
		{
			name:  "no json",
			stage: models.StageGenerateSOP,
			model: respondWith(``, nil),
			check: func(t *testing.T, err error) {
				var vErr *errors.ValidationError
				assert.ErrorAs(t, err, &vErr)
			},
		},
		{
			name:  "adapter failure",
			stage: models.StageGenerateSOP,
			model: ai.Func(func(context.Context, ai.Request) (ai.Response, error) {
				return ai.Response{}, errors.NewAdapterError(errors.AdapterQuota, errors.New("slow down"))
			}),
			check: func(t *testing.T, err error) {
				var aErr *errors.AdapterError
				require.ErrorAs(t, err, &aErr)
				assert.Equal(t, errors.AdapterQuota, aErr.Kind)
			},
		},
		{
			name:  "unclassified backend failure",
			stage: models.StageGenerateSOP,
			model: ai.Func(func(context.Context, ai.Request) (ai.Response, error) {
				return ai.Response{}, errors.New("boom")
			}),
			check: func(t *testing.T, err error) {
				var aErr *errors.AdapterError
				require.ErrorAs(t, err, &aErr)
				assert.Equal(t, errors.AdapterUpstream, aErr.Kind)
			},
		},
		{
			name:  "missing prior output",
			stage: models.StageArchitectAgents,
			model: respondWith(agentsJSON, nil),
			prior: PriorOutputs{models.StageGenerateSOP: json.RawMessage(generatedJSON)},
			check: func(t *testing.T, err error) {
				var vErr *errors.ValidationError
				require.ErrorAs(t, err, &vErr)
				assert.True(t, vErr.Recoverable)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newExecutor(t, tt.model)
			res := e.Execute(context.Background(), Request{Run: run(), Stage: tt.stage, SOP: invoiceSOP(), Prior: tt.prior})

			assert.Equal(t, models.OutcomeRetry, res.Outcome)
			assert.False(t, res.Blocked())
			assert.Nil(t, res.Payload)
			tt.check(t, res.Err)
		})
	}
}

func TestExecute_BlockedOnEmptySOP(t *testing.T) {
	called := false
	model := ai.Func(func(context.Context, ai.Request) (ai.Response, error) {
		called = true
		return ai.Response{}, nil
	})
	e := newExecutor(t, model)

	res := e.Execute(context.Background(), Request{Run: run(), Stage: models.StageGenerateSOP, SOP: &models.SOP{ID: "sop-1"}})

	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.True(t, res.Blocked())
	assert.False(t, called)
}

func TestExecute_UnknownStage(t *testing.T) {
	e := newExecutor(t, ai.Unavailable{})

	res := e.Execute(context.Background(), Request{Run: run(), Stage: models.Stage(0), SOP: invoiceSOP()})

	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.False(t, res.Blocked())
	assert.Error(t, res.Err)
	assert.False(t, res.FinishedAt.IsZero())
}
