package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"sopforge/backend/internal/ai"
	"sopforge/backend/internal/errors"
	"sopforge/backend/internal/prompts"
	"sopforge/backend/pkg/models"
)

// PromptSource resolves the active prompt of a stage slug.
type PromptSource interface {
	Resolve(ctx context.Context, slug string) (prompts.Prompt, error)
}

// Request asks for one attempt of one stage.
type Request struct {
	Run   *models.PipelineRun
	Stage models.Stage
	SOP   *models.SOP
	Prior PriorOutputs
	// PreviousError is the error of the failed attempt this one retries.
	PreviousError string
}

// Result is the outcome of one stage attempt.
type Result struct {
	Stage         models.Stage
	Outcome       models.Outcome
	Input         json.RawMessage
	Payload       json.RawMessage
	Err           error
	Degraded      bool
	Confidence    *float64
	Score         *float64
	PromptVersion int
	Usage         models.TokenUsage
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Blocked reports whether the stage input cannot be built from the source
// SOP, so retrying cannot succeed.
func (r Result) Blocked() bool {
	var vErr *errors.ValidationError
	return r.Outcome == models.OutcomeFailed && errors.As(r.Err, &vErr) && !vErr.Recoverable
}

// Executor runs stages.
type Executor struct {
	prompts PromptSource
	model   ai.Capability
	schemas *Schemas
	params  map[models.Stage]ai.Params
	now     func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithParams sets the model parameters of a stage.
func WithParams(stage models.Stage, params ai.Params) Option {
	return func(e *Executor) { e.params[stage] = params }
}

// WithClock replaces the executor clock.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an Executor.
func NewExecutor(promptSource PromptSource, model ai.Capability, opts ...Option) (*Executor, error) {
	schemas, err := NewSchemas()
	if err != nil {
		return nil, err
	}
	e := &Executor{
		prompts: promptSource,
		model:   model,
		schemas: schemas,
		params: map[models.Stage]ai.Params{
			models.StageJudgeQuality: {Temperature: 0},
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

type userPayload struct {
	Input         Input  `json:"input"`
	PreviousError string `json:"previousError,omitempty"`
}

// Execute runs one attempt of req.Stage.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	res := Result{Stage: req.Stage, StartedAt: e.now().UTC()}
	finish := func(outcome models.Outcome, err error) Result {
		res.Outcome = outcome
		res.Err = err
		res.FinishedAt = e.now().UTC()
		return res
	}

	if !req.Stage.Valid() {
		return finish(models.OutcomeFailed, fmt.Errorf("unknown stage %d", req.Stage))
	}

	input, err := BuildInput(req.Stage, req.SOP, req.Prior, e.now())
	if err != nil {
		if errors.IsRetryable(err) {
			return finish(models.OutcomeRetry, err)
		}
		return finish(models.OutcomeFailed, err)
	}
	if res.Input, err = json.Marshal(input); err != nil {
		return finish(models.OutcomeFailed, fmt.Errorf("failed to encode stage input: %w", err))
	}

	if !e.model.Available() {
		res.Degraded = true
		if res.Payload, err = json.Marshal(stubOutput(input)); err != nil {
			return finish(models.OutcomeFailed, err)
		}
		return finish(models.OutcomeSuccess, nil)
	}

	prompt, err := e.prompts.Resolve(ctx, req.Stage.Slug())
	if err != nil {
		return finish(models.OutcomeFailed, err)
	}
	res.PromptVersion = prompt.Version

	body, err := json.Marshal(userPayload{Input: input, PreviousError: req.PreviousError})
	if err != nil {
		return finish(models.OutcomeFailed, fmt.Errorf("failed to encode user payload: %w", err))
	}

	params := e.params[req.Stage]
	params.JSON = true
	orgID := ""
	if req.Run != nil {
		orgID = req.Run.OrganizationID
	}
	resp, err := e.model.Invoke(ctx, ai.Request{
		OrganizationID: orgID,
		SystemPrompt:   prompt.Text,
		UserPayload:    body,
		Params:         params,
	})
	if err != nil {
		var aErr *errors.AdapterError
		if !errors.As(err, &aErr) {
			err = errors.NewAdapterError(errors.AdapterUpstream, err)
		}
		return finish(models.OutcomeRetry, err)
	}
	res.Usage = resp.Usage

	if err := e.schemas.Validate(req.Stage, resp.JSON); err != nil {
		return finish(models.OutcomeRetry, err)
	}

	payload, err := e.finalize(input, resp.JSON, &res)
	if err != nil {
		return finish(models.OutcomeRetry, err)
	}
	res.Payload = payload
	return finish(models.OutcomeSuccess, nil)
}

// finalize decodes validated model JSON into the stage payload, applies
// local post-processing and records confidence and score on res.
func (e *Executor) finalize(in Input, raw json.RawMessage, res *Result) (json.RawMessage, error) {
	var out any
	switch in := in.(type) {
	case GenerateSOPInput:
		var sop models.GeneratedSOP
		if err := json.Unmarshal(raw, &sop); err != nil {
			return nil, errors.NewValidationError(in.Stage().Name(), "", err.Error())
		}
		sort.SliceStable(sop.Steps, func(i, j int) bool { return sop.Steps[i].Order < sop.Steps[j].Order })
		for i := range sop.Steps {
			sop.Steps[i].Order = i + 1
		}
		res.Confidence = sop.Confidence
		out = sop

	case AuditWasteInput:
		var audit models.WasteAudit
		if err := json.Unmarshal(raw, &audit); err != nil {
			return nil, errors.NewValidationError(in.Stage().Name(), "", err.Error())
		}
		audit.Scores = ScoreWaste(in.Signals)
		audit.TotalScore = TotalScore(audit.Scores)
		if audit.Findings == nil {
			audit.Findings = []models.WasteFinding{}
		}
		res.Confidence = audit.Confidence
		out = audit

	case ArchitectInput:
		var arch models.AgentArchitecture
		if err := json.Unmarshal(raw, &arch); err != nil {
			return nil, errors.NewValidationError(in.Stage().Name(), "", err.Error())
		}
		res.Confidence = arch.Confidence
		out = arch

	case AgentSpecInput:
		var bundle models.AgentSpecBundle
		if err := json.Unmarshal(raw, &bundle); err != nil {
			return nil, errors.NewValidationError(in.Stage().Name(), "", err.Error())
		}
		res.Confidence = bundle.Confidence
		out = bundle

	case JudgeInput:
		var judgement models.QualityJudgement
		if err := json.Unmarshal(raw, &judgement); err != nil {
			return nil, errors.NewValidationError(in.Stage().Name(), "", err.Error())
		}
		score := judgement.Score
		res.Score = &score
		res.Confidence = judgement.Confidence
		out = judgement

	default:
		return nil, errors.NewBlockingValidationError("", "", fmt.Sprintf("unsupported input %T", in))
	}
	return json.Marshal(out)
}
