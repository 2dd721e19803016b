package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"sopforge/backend/internal/auth"
	"sopforge/backend/internal/errors"
	"sopforge/backend/internal/events"
	"sopforge/backend/internal/stages"
	"sopforge/backend/pkg/models"
)

// AdvanceResult reports what one advance did.
type AdvanceResult struct {
	Run *models.PipelineRun `json:"run"`
	// Step is the record appended by this advance, if any.
	Step    *models.StepRecord `json:"step,omitempty"`
	Outcome models.Outcome     `json:"outcome,omitempty"`
	Error   string             `json:"error,omitempty"`
	// NoOp is set when the run had already moved past the expected stage.
	NoOp bool `json:"noop"`
}

// Advance executes one attempt of the run's current stage and commits the
// resulting transition. expectedStage > 0 makes duplicate triggers for an
// already completed stage a no-op. Concurrent advances of the same run
// within this process share one execution, which is not cancelled when
// the caller that started it goes away.
func (s *Service) Advance(ctx context.Context, runID string, expectedStage int) (*AdvanceResult, error) {
	sess, err := auth.Require(ctx, auth.CapRunPipeline)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s/%s/%d", sess.OrganizationID, runID, expectedStage)
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.advance(shared, sess, runID, models.Stage(expectedStage))
	})
	if err != nil {
		return nil, err
	}
	return v.(*AdvanceResult), nil
}

func (s *Service) advance(ctx context.Context, sess auth.Session, runID string, expected models.Stage) (*AdvanceResult, error) {
	run, err := s.store.GetRun(ctx, sess.OrganizationID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, errors.InvalidTransitionf("run %s is %s", runID, run.Status)
	}
	if expected > 0 {
		switch {
		case run.CurrentStage > expected:
			return &AdvanceResult{Run: run, NoOp: true}, nil
		case run.CurrentStage == expected && run.Status == models.RunStatusAwaitingCouncil:
			return &AdvanceResult{Run: run, NoOp: true}, nil
		case run.CurrentStage < expected:
			return nil, errors.InvalidTransitionf("run %s is at stage %d, not %d", runID, run.CurrentStage, expected)
		}
	}
	if run.Status != models.RunStatusRunning {
		return nil, errors.InvalidTransitionf("run %s is %s", runID, run.Status)
	}

	history, err := s.store.ListSteps(ctx, run.OrganizationID, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	attempt, previousError := attemptOf(history, run.CurrentStage)

	sop, err := s.source(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("failed to load sop: %w", err)
	}

	res := s.executor.Execute(ctx, stages.Request{
		Run:           run,
		Stage:         run.CurrentStage,
		SOP:           sop,
		Prior:         priorOutputs(history, run.CurrentStage),
		PreviousError: previousError,
	})
	s.metrics.StageOutcome(ctx, run.CurrentStage.Name(), string(res.Outcome), res.Degraded)

	if res.Blocked() {
		return s.block(ctx, sess, run, res)
	}

	step := stepRecord(run.CurrentStage, attempt, res)
	result := &AdvanceResult{Step: step, Outcome: res.Outcome, Error: step.Error}

	switch res.Outcome {
	case models.OutcomeSuccess:
		if reason := s.gateReason(run.CurrentStage, res); reason != "" {
			result.Run, err = s.openGate(ctx, sess, run, step, reason)
			return result, err
		}
		next, status := run.CurrentStage.Next(), models.RunStatusRunning
		if run.CurrentStage == models.LastStage {
			next, status = models.LastStage, models.RunStatusCompleted
		}
		result.Run, err = s.commit(ctx, sess, transitionFrom(run, next, status, withStep(step)))

	case models.OutcomeRetry:
		if attempt >= s.cfg.MaxAttempts {
			step.Outcome = models.OutcomeFailed
			result.Outcome = models.OutcomeFailed
			reason := models.ReasonRetriesExhausted
			result.Run, err = s.commit(ctx, sess, transitionFrom(run, run.CurrentStage, models.RunStatusFailed,
				func(tr *models.RunTransition) {
					tr.Step = step
					tr.FailureReason = &reason
				}))
			break
		}
		result.Run, err = s.commit(ctx, sess, transitionFrom(run, run.CurrentStage, models.RunStatusRunning, withStep(step)))

	default:
		reason := step.Error
		result.Run, err = s.commit(ctx, sess, transitionFrom(run, run.CurrentStage, models.RunStatusFailed,
			func(tr *models.RunTransition) {
				tr.Step = step
				tr.FailureReason = &reason
			}))
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// commit applies tr and publishes the event that matches the new state.
func (s *Service) commit(ctx context.Context, sess auth.Session, tr models.RunTransition) (*models.PipelineRun, error) {
	run, err := s.apply(ctx, tr)
	if err != nil {
		return nil, err
	}

	switch run.Status {
	case models.RunStatusCompleted:
		s.publish(events.NewRunEvent(events.RunStageCompleted, run, sess.UserID))
		s.publish(events.NewRunEvent(events.RunCompleted, run, sess.UserID))
		s.info("pipeline run completed", "run_id", run.ID)
	case models.RunStatusFailed:
		s.publish(events.NewRunEvent(events.RunFailed, run, sess.UserID))
		s.info("pipeline run failed", "run_id", run.ID, "stage", run.CurrentStage.Name(), "reason", *run.FailureReason)
	case models.RunStatusRunning:
		if tr.Stage != tr.ExpectedStage {
			e := events.NewRunEvent(events.RunStageCompleted, run, sess.UserID)
			e.Stage = tr.ExpectedStage
			e.Degraded = tr.Step != nil && tr.Step.Degraded
			s.publish(e)
		}
	}
	return run, nil
}

// block moves the run to BLOCKED. No step record is appended because no
// attempt could be made.
func (s *Service) block(ctx context.Context, sess auth.Session, run *models.PipelineRun, res stages.Result) (*AdvanceResult, error) {
	reason := res.Err.Error()
	updated, err := s.apply(ctx, transitionFrom(run, run.CurrentStage, models.RunStatusBlocked,
		func(tr *models.RunTransition) { tr.BlockedReason = &reason }))
	if err != nil {
		return nil, err
	}
	s.warn("pipeline run blocked", "run_id", run.ID, "stage", run.CurrentStage.Name(), "reason", reason)
	s.publish(events.NewRunEvent(events.RunBlocked, updated, sess.UserID))
	return &AdvanceResult{Run: updated, Outcome: res.Outcome, Error: reason}, nil
}

// gateReason returns why a successful result needs council approval, or
// an empty string. Degraded results are never gated.
func (s *Service) gateReason(stage models.Stage, res stages.Result) string {
	if res.Degraded {
		return ""
	}
	if res.Confidence != nil && *res.Confidence < s.cfg.MinConfidence {
		return fmt.Sprintf("model confidence %.2f is below %.2f", *res.Confidence, s.cfg.MinConfidence)
	}
	if slices.Contains(s.cfg.GovernanceStages, stage) {
		return fmt.Sprintf("stage %s requires council approval", stage.Name())
	}
	if stage == models.StageJudgeQuality && res.Score != nil && *res.Score < s.cfg.QualityThreshold {
		return fmt.Sprintf("quality score %.0f is below threshold %.0f", *res.Score, s.cfg.QualityThreshold)
	}
	return ""
}

// openGate commits the successful step with the run AWAITING_COUNCIL and
// then opens the council request under a pre-allocated id. A request that
// cannot be opened fails the run rather than leaving it suspended.
func (s *Service) openGate(ctx context.Context, sess auth.Session, run *models.PipelineRun, step *models.StepRecord, reason string) (*models.PipelineRun, error) {
	if s.gates == nil {
		return nil, fmt.Errorf("run %s needs council approval but no council is configured", run.ID)
	}

	requestID := uuid.New().String()
	awaiting, err := s.apply(ctx, transitionFrom(run, run.CurrentStage, models.RunStatusAwaitingCouncil,
		func(tr *models.RunTransition) {
			tr.Step = step
			tr.CouncilRequestID = &requestID
		}))
	if err != nil {
		return nil, err
	}

	if _, err := s.gates.OpenGate(ctx, Gate{RequestID: requestID, Run: awaiting, Stage: run.CurrentStage, Reason: reason}); err != nil {
		s.logError("failed to open council gate", "run_id", run.ID, "error", err)
		failure := fmt.Sprintf("failed to open council gate: %v", err)
		return s.commit(ctx, sess, transitionFrom(awaiting, awaiting.CurrentStage, models.RunStatusFailed,
			func(tr *models.RunTransition) { tr.FailureReason = &failure }))
	}

	s.info("pipeline run awaiting council", "run_id", run.ID, "request_id", requestID, "reason", reason)
	s.publish(events.NewRunEvent(events.RunAwaitingCouncil, awaiting, sess.UserID))
	return awaiting, nil
}

func withStep(step *models.StepRecord) func(*models.RunTransition) {
	return func(tr *models.RunTransition) { tr.Step = step }
}

func stepRecord(stage models.Stage, attempt int, res stages.Result) *models.StepRecord {
	step := &models.StepRecord{
		StageIndex:    stage,
		StageName:     stage.Name(),
		Input:         res.Input,
		Output:        res.Payload,
		Outcome:       res.Outcome,
		Attempt:       attempt,
		Degraded:      res.Degraded,
		PromptVersion: res.PromptVersion,
		Usage:         res.Usage,
		StartedAt:     res.StartedAt,
		FinishedAt:    res.FinishedAt,
	}
	if res.Err != nil {
		step.Error = res.Err.Error()
	}
	return step
}

// attemptOf numbers the next attempt of stage: one more than the trailing
// run of non-success records for it. It also returns the last error.
func attemptOf(history []*models.StepRecord, stage models.Stage) (int, string) {
	attempt, lastError := 1, ""
	for i := len(history) - 1; i >= 0; i-- {
		step := history[i]
		if step.StageIndex != stage || step.Outcome == models.OutcomeSuccess {
			break
		}
		if attempt == 1 {
			lastError = step.Error
		}
		attempt++
	}
	return attempt, lastError
}

// priorOutputs collects the latest successful output of each earlier stage.
func priorOutputs(history []*models.StepRecord, stage models.Stage) stages.PriorOutputs {
	prior := stages.PriorOutputs{}
	for _, step := range history {
		if step.StageIndex < stage && step.Outcome == models.OutcomeSuccess && len(step.Output) > 0 {
			prior[step.StageIndex] = json.RawMessage(step.Output)
		}
	}
	return prior
}
