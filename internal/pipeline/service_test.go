package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sopforge/backend/internal/ai"
	"sopforge/backend/internal/auth"
	"sopforge/backend/internal/errors"
	"sopforge/backend/internal/events"
	"sopforge/backend/internal/prompts"
	"sopforge/backend/internal/stages"
	"sopforge/backend/pkg/models"
)

func assertStageOrder(t *testing.T, steps []*models.StepRecord) {
	t.Helper()
	for i := 1; i < len(steps); i++ {
		assert.GreaterOrEqual(t, steps[i].StageIndex, steps[i-1].StageIndex)
		assert.Equal(t, steps[i-1].Sequence+1, steps[i].Sequence)
	}
}

func TestService_RunToCompletion(t *testing.T) {
	e := newEnv(t)

	run, err := e.svc.StartRun(e.ctx, e.sop.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Equal(t, models.StageGenerateSOP, run.CurrentStage)

	final, err := e.svc.RunToCompletion(e.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.Equal(t, models.LastStage, final.CurrentStage)

	view, err := e.svc.GetRun(e.ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, view.Steps, 5)
	assertStageOrder(t, view.Steps)
	for i, step := range view.Steps {
		assert.Equal(t, models.AllStages[i], step.StageIndex)
		assert.Equal(t, models.OutcomeSuccess, step.Outcome)
		assert.Equal(t, 1, step.Attempt)
		assert.False(t, step.Degraded)
	}

	var audit models.WasteAudit
	require.NoError(t, json.Unmarshal(view.Steps[1].Output, &audit))
	assert.Len(t, audit.Scores, len(models.AllWasteCategories))

	assert.Equal(t, []string{
		events.RunStarted,
		events.RunStageCompleted, events.RunStageCompleted, events.RunStageCompleted, events.RunStageCompleted,
		events.RunStageCompleted, events.RunCompleted,
	}, e.events.types())

	// Terminal runs accept no further executions, even with an expected stage.
	_, err = e.svc.Advance(e.ctx, run.ID, 0)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
	_, err = e.svc.Advance(e.ctx, run.ID, 1)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	view, err = e.svc.GetRun(e.ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, view.Steps, 5)
}

func TestService_DegradedModeCompletes(t *testing.T) {
	e := newEnvWithModel(t, ai.Unavailable{}, WithConfig(Config{MaxAttempts: 3, QualityThreshold: 70, MinConfidence: 0.5}))

	run, err := e.svc.StartRun(e.ctx, e.sop.ID)
	require.NoError(t, err)

	res, err := e.svc.Advance(e.ctx, run.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, res.Outcome)
	assert.True(t, res.Step.Degraded)

	final, err := e.svc.RunToCompletion(e.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.Empty(t, e.gates.gates)
}

func TestService_RetryCap(t *testing.T) {
	e := newEnv(t)
	e.model.queue(models.StageGenerateSOP, `{"title":"x","steps":[]}`, `{"title":"x"}`, `not json`)

	run, err := e.svc.StartRun(e.ctx, e.sop.ID)
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		res, err := e.svc.Advance(e.ctx, run.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeRetry, res.Outcome)
		assert.Equal(t, attempt, res.Step.Attempt)
		assert.Equal(t, models.RunStatusRunning, res.Run.Status)
		assert.NotEmpty(t, res.Error)
	}

	res, err := e.svc.Advance(e.ctx, run.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Equal(t, models.RunStatusFailed, res.Run.Status)
	require.NotNil(t, res.Run.FailureReason)
	assert.Equal(t, models.ReasonRetriesExhausted, *res.Run.FailureReason)

	_, err = e.svc.Advance(e.ctx, run.ID, 1)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	view, err := e.svc.GetRun(e.ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, view.Steps, 3)
	for i, step := range view.Steps {
		want := models.OutcomeRetry
		if i == len(view.Steps)-1 {
			want = models.OutcomeFailed
		}
		assert.Equal(t, want, step.Outcome)
		assert.Equal(t, i+1, step.Attempt)
	}
	assert.Equal(t, view.Steps[2].Error, view.LastError)
	assert.Contains(t, e.events.types(), events.RunFailed)
}

func TestService_RetryCarriesPreviousError(t *testing.T) {
	e := newEnv(t)
	e.model.queue(models.StageGenerateSOP, `{"title":"x","steps":[]}`)

	run, err := e.svc.StartRun(e.ctx, e.sop.ID)
	require.NoError(t, err)

	first, err := e.svc.Advance(e.ctx, run.ID, 1)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeRetry, first.Outcome)

	second, err := e.svc.Advance(e.ctx, run.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, second.Outcome)
	assert.Equal(t, 2, second.Step.Attempt)
	assert.Equal(t, models.StageAuditWaste, second.Run.CurrentStage)

	var body struct {
		PreviousError string `json:"previousError"`
	}
	require.NoError(t, json.Unmarshal(e.model.lastRequest().UserPayload, &body))
	assert.Equal(t, first.Error, body.PreviousError)

	// A retry of a later stage starts counting afresh.
	e.model.queue(models.StageAuditWaste, `{"findings":[{"category":"Boredom","description":"x"}]}`)
	third, err := e.svc.Advance(e.ctx, run.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRetry, third.Outcome)
	assert.Equal(t, 1, third.Step.Attempt)
}

func TestService_ExpectedStageIsIdempotent(t *testing.T) {
	e := newEnv(t)

	run, err := e.svc.StartRun(e.ctx, e.sop.ID)
	require.NoError(t, err)
	_, err = e.svc.Advance(e.ctx, run.ID, 1)
	require.NoError(t, err)

	dup, err := e.svc.Advance(e.ctx, run.ID, 1)
	require.NoError(t, err)
	assert.True(t, dup.NoOp)
	assert.Nil(t, dup.Step)
	assert.Equal(t, models.StageAuditWaste, dup.Run.CurrentStage)

	_, err = e.svc.Advance(e.ctx, run.ID, 4)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	view, err := e.svc.GetRun(e.ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, view.Steps, 1)
}

func TestService_CancelScenarioC(t *testing.T) {
	e := newEnv(t)

	run, err := e.svc.StartRun(e.ctx, e.sop.ID)
	require.NoError(t, err)
	completed, err := e.svc.RunToCompletion(e.ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusCompleted, completed.Status)

	got, err := e.svc.Cancel(e.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, completed.Version, got.Version)
	assert.Nil(t, got.FailureReason)
}

func TestService_CancelActiveRun(t *testing.T) {
	e := newEnv(t)

	run, err := e.svc.StartRun(e.ctx, e.sop.ID)
	require.NoError(t, err)

	cancelled, err := e.svc.Cancel(e.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, cancelled.Status)
	require.NotNil(t, cancelled.FailureReason)
	assert.Equal(t, models.ReasonCancelled, *cancelled.FailureReason)

	again, err := e.svc.Cancel(e.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, cancelled.Version, again.Version)

	_, err = e.svc.Advance(e.ctx, run.ID, 0)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	// The SOP is free for a new run.
	_, err = e.svc.StartRun(e.ctx, e.sop.ID)
	assert.NoError(t, err)
}

func TestService_OneActiveRunPerSOP(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.StartRun(e.ctx, e.sop.ID)
	require.NoError(t, err)
	_, err = e.svc.StartRun(e.ctx, e.sop.ID)
	assert.ErrorIs(t, err, errors.ErrActiveRunExists)
}

func TestService_Permissions(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.StartRun(context.Background(), e.sop.ID)
	assert.ErrorIs(t, err, errors.ErrNoSession)

	viewerCtx := auth.WithSession(context.Background(), sessionOf(e.viewer))
	_, err = e.svc.StartRun(viewerCtx, e.sop.ID)
	assert.ErrorIs(t, err, errors.ErrPermissionDenied)

	run, err := e.svc.StartRun(e.ctx, e.sop.ID)
	require.NoError(t, err)

	_, err = e.svc.Cancel(viewerCtx, run.ID)
	assert.ErrorIs(t, err, errors.ErrPermissionDenied)

	// Viewers can still read.
	view, err := e.svc.GetRun(viewerCtx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, view.Run.ID)
}

func TestService_TenantIsolation(t *testing.T) {
	e := newEnv(t)

	run, err := e.svc.StartRun(e.ctx, e.sop.ID)
	require.NoError(t, err)

	_, otherOwner, _, _ := seedOrganization(t, e.store.Store, "other.test")
	otherCtx := auth.WithSession(context.Background(), sessionOf(otherOwner))

	_, err = e.svc.GetRun(otherCtx, run.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	_, err = e.svc.Advance(otherCtx, run.ID, 0)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	_, err = e.svc.Cancel(otherCtx, run.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	_, err = e.svc.StartRun(otherCtx, e.sop.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	runs, err := e.svc.ListRuns(otherCtx, "")
	require.NoError(t, err)
	assert.Empty(t, runs)

	runs, err = e.svc.ListRuns(e.ctx, e.sop.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestService_BlockedAndUnblock(t *testing.T) {
	e := newEnv(t)

	run, err := e.svc.StartRun(e.ctx, e.sop.ID)
	require.NoError(t, err)

	_, err = e.svc.Unblock(e.ctx, run.ID)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	e.store.set(&models.SOP{ID: e.sop.ID, OrganizationID: e.org.ID})
	res, err := e.svc.Advance(e.ctx, run.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusBlocked, res.Run.Status)
	assert.Nil(t, res.Step)
	require.NotNil(t, res.Run.BlockedReason)

	_, err = e.svc.Advance(e.ctx, run.ID, 0)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
	_, err = e.svc.Unblock(e.ctx, run.ID)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	e.store.set(nil)
	unblocked, err := e.svc.Unblock(e.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, unblocked.Status)
	assert.Nil(t, unblocked.BlockedReason)

	res, err = e.svc.Advance(e.ctx, run.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 1, res.Step.Attempt)
	assert.Contains(t, e.events.types(), events.RunBlocked)
}

func TestService_ConcurrentDuplicateAdvance(t *testing.T) {
	e := newEnv(t)

	run, err := e.svc.StartRun(e.ctx, e.sop.ID)
	require.NoError(t, err)

	// Two service instances share the store but not the in-process
	// coalescing, so the conditional update decides the race.
	arrived := make(chan struct{}, 2)
	release := make(chan struct{})
	model := ai.Func(func(ctx context.Context, req ai.Request) (ai.Response, error) {
		arrived <- struct{}{}
		<-release
		return e.model.Invoke(ctx, req)
	})
	newInstance := func() *Service {
		resolver, err := prompts.NewResolver(e.store.Store)
		require.NoError(t, err)
		executor, err := stages.NewExecutor(resolver, model)
		require.NoError(t, err)
		return NewService(e.store, executor)
	}
	instances := []*Service{newInstance(), newInstance()}

	var wg sync.WaitGroup
	errs := make([]error, len(instances))
	for i, svc := range instances {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Advance(e.ctx, run.ID, 1)
		}()
	}
	<-arrived
	<-arrived
	close(release)
	wg.Wait()

	var failures int
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, errors.ErrInvalidTransition)
			assert.ErrorIs(t, err, errors.ErrConflict)
			failures++
		}
	}
	assert.Equal(t, 1, failures)

	view, err := e.svc.GetRun(e.ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, view.Steps, 1)
	assert.Equal(t, models.StageAuditWaste, view.Run.CurrentStage)
}

func TestService_CoalescesInProcessDuplicates(t *testing.T) {
	e := newEnv(t)

	run, err := e.svc.StartRun(e.ctx, e.sop.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*AdvanceResult, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = e.svc.Advance(e.ctx, run.ID, 1)
		}()
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, models.StageAuditWaste, results[i].Run.CurrentStage)
	}
	view, err := e.svc.GetRun(e.ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, view.Steps, 1)
}

func TestService_SharedAdvanceOutlivesFirstCaller(t *testing.T) {
	e := newEnv(t)

	run, err := e.svc.StartRun(e.ctx, e.sop.ID)
	require.NoError(t, err)

	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	model := ai.Func(func(ctx context.Context, req ai.Request) (ai.Response, error) {
		arrived <- struct{}{}
		<-release
		if err := ctx.Err(); err != nil {
			return ai.Response{}, err
		}
		return e.model.Invoke(ctx, req)
	})
	resolver, err := prompts.NewResolver(e.store.Store)
	require.NoError(t, err)
	executor, err := stages.NewExecutor(resolver, model)
	require.NoError(t, err)
	svc := NewService(e.store, executor)

	firstCtx, cancel := context.WithCancel(e.ctx)
	var wg sync.WaitGroup
	results := make([]*AdvanceResult, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = svc.Advance(firstCtx, run.ID, 1)
	}()
	<-arrived
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = svc.Advance(e.ctx, run.ID, 1)
	}()
	cancel()
	close(release)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, models.StageAuditWaste, results[i].Run.CurrentStage)
	}
	view, err := e.svc.GetRun(e.ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, view.Steps, 1)
	assert.Equal(t, models.OutcomeSuccess, view.Steps[0].Outcome)
}

func TestService_AutoAdvance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoAdvance = true
	e := newEnv(t, WithConfig(cfg))

	ctx, cancel := context.WithCancel(e.ctx)
	run, err := e.svc.StartRun(ctx, e.sop.ID)
	require.NoError(t, err)
	cancel()
	e.svc.Wait()

	view, err := e.svc.GetRun(e.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, view.Run.Status)
	assert.Len(t, view.Steps, 5)
}
