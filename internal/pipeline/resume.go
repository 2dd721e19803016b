package pipeline

import (
	"context"

	"sopforge/backend/internal/auth"
	"sopforge/backend/internal/errors"
	"sopforge/backend/pkg/models"
)

// OnCouncilResolved resumes or fails the run linked to a decided request.
// Approval moves the run to the stage after the gated one, or completes it
// when the gate was raised by the last stage. Requests that are not the
// run's current gate are ignored.
func (s *Service) OnCouncilResolved(ctx context.Context, req *models.CouncilRequest, verdict models.Verdict) error {
	if req.RunID == nil || !verdict.Decided() {
		return nil
	}
	run, err := s.store.GetRun(ctx, req.OrganizationID, *req.RunID)
	if err != nil {
		return err
	}
	if run.Status != models.RunStatusAwaitingCouncil || run.CouncilRequestID == nil || *run.CouncilRequestID != req.ID {
		return nil
	}

	// The run continues under its creator's authority.
	sess := auth.SystemSession(run.OrganizationID, run.CreatedByID)

	var tr models.RunTransition
	switch verdict.Status {
	case models.RequestStatusApproved:
		next, status := run.CurrentStage.Next(), models.RunStatusRunning
		if run.CurrentStage == models.LastStage {
			next, status = models.LastStage, models.RunStatusCompleted
		}
		tr = transitionFrom(run, next, status, nil)
	default:
		reason := models.ReasonCouncilRejected
		tr = transitionFrom(run, run.CurrentStage, models.RunStatusFailed,
			func(tr *models.RunTransition) { tr.FailureReason = &reason })
	}

	updated, err := s.commit(ctx, sess, tr)
	if errors.Is(err, errors.ErrInvalidTransition) {
		// Cancelled or resumed concurrently.
		return nil
	}
	if err != nil {
		return err
	}
	s.info("pipeline run resumed by council", "run_id", run.ID, "request_id", req.ID, "verdict", verdict.Status)

	if updated.Status == models.RunStatusRunning && s.cfg.AutoAdvance {
		s.driveInBackground(auth.WithSession(ctx, sess), run.ID)
	}
	return nil
}

// RunToCompletion advances the run until it leaves RUNNING and returns the
// final state.
func (s *Service) RunToCompletion(ctx context.Context, runID string) (*models.PipelineRun, error) {
	sess, err := auth.Require(ctx, auth.CapRunPipeline)
	if err != nil {
		return nil, err
	}
	run, err := s.store.GetRun(ctx, sess.OrganizationID, runID)
	if err != nil {
		return nil, err
	}
	for run.Status == models.RunStatusRunning {
		if err := ctx.Err(); err != nil {
			return run, err
		}
		res, err := s.Advance(ctx, runID, int(run.CurrentStage))
		if err != nil {
			return run, err
		}
		if res.NoOp {
			if run, err = s.store.GetRun(ctx, sess.OrganizationID, runID); err != nil {
				return nil, err
			}
			continue
		}
		run = res.Run
	}
	return run, nil
}

// driveInBackground runs the run to completion detached from the caller's
// cancellation.
func (s *Service) driveInBackground(ctx context.Context, runID string) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run, err := s.RunToCompletion(ctx, runID)
		if err != nil {
			s.warn("background pipeline drive stopped", "run_id", runID, "error", err)
			return
		}
		s.info("background pipeline drive finished", "run_id", runID, "status", run.Status)
	}()
}
