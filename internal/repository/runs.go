package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sopforge/backend/internal/errors"
	"sopforge/backend/pkg/models"
)

const runColumns = `id, organization_id, sop_id, created_by_id, current_stage, status, version,
	council_request_id, failure_reason, blocked_reason, created_at, updated_at`

func scanRun(r row) (*models.PipelineRun, error) {
	var run models.PipelineRun
	err := r.Scan(&run.ID, &run.OrganizationID, &run.SOPID, &run.CreatedByID, &run.CurrentStage,
		&run.Status, &run.Version, &run.CouncilRequestID, &run.FailureReason, &run.BlockedReason,
		&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// CreateRun inserts a new run.
func (s *Store) CreateRun(ctx context.Context, run *models.PipelineRun) error {
	if run.Version == 0 {
		run.Version = 1
	}
	_, err := s.db.exec(ctx, `INSERT INTO pipeline_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.OrganizationID, run.SOPID, run.CreatedByID, int(run.CurrentStage), string(run.Status),
		run.Version, run.CouncilRequestID, run.FailureReason, run.BlockedReason,
		run.CreatedAt.UTC(), run.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("sop %s: %w", run.SOPID, errors.ErrActiveRunExists)
	}
	return err
}

// GetRun retrieves a run scoped to its organization.
func (s *Store) GetRun(ctx context.Context, orgID, runID string) (*models.PipelineRun, error) {
	run, err := scanRun(s.db.queryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ? AND organization_id = ?`, runID, orgID))
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, notFound(err))
	}
	return run, nil
}

// ListRuns lists the organization's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, orgID, sopID string) ([]*models.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE organization_id = ?`
	args := []any{orgID}
	if sopID != "" {
		query += ` AND sop_id = ?`
		args = append(args, sopID)
	}
	query += ` ORDER BY created_at DESC, id`

	rs, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var runs []*models.PipelineRun
	for rs.Next() {
		run, err := scanRun(rs)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rs.Err()
}

// ApplyTransition conditionally updates the run and appends the step record.
func (s *Store) ApplyTransition(ctx context.Context, tr models.RunTransition) (*models.PipelineRun, error) {
	var updated *models.PipelineRun
	err := s.db.inTx(ctx, func(tx executor) error {
		now := time.Now().UTC()
		affected, err := tx.exec(ctx, `UPDATE pipeline_runs
			SET current_stage = ?, status = ?, version = version + 1, council_request_id = ?,
				failure_reason = ?, blocked_reason = ?, updated_at = ?
			WHERE id = ? AND organization_id = ? AND current_stage = ? AND status = ? AND version = ?`,
			int(tr.Stage), string(tr.Status), tr.CouncilRequestID, tr.FailureReason, tr.BlockedReason, now,
			tr.RunID, tr.OrganizationID, int(tr.ExpectedStage), string(tr.ExpectedStatus), tr.ExpectedVersion)
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("run %s at stage %d (%s, v%d): %w",
				tr.RunID, tr.ExpectedStage, tr.ExpectedStatus, tr.ExpectedVersion, errors.ErrConflict)
		}

		if tr.Step != nil {
			if err := insertStep(ctx, tx, tr.RunID, tr.Step); err != nil {
				return err
			}
		}

		updated, err = scanRun(tx.queryRow(ctx,
			`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, tr.RunID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func insertStep(ctx context.Context, tx executor, runID string, step *models.StepRecord) error {
	var last int
	if err := tx.queryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM step_records WHERE run_id = ?`, runID).Scan(&last); err != nil {
		return fmt.Errorf("failed to read step sequence: %w", err)
	}
	step.RunID = runID
	step.Sequence = last + 1

	_, err := tx.exec(ctx, `INSERT INTO step_records (run_id, sequence, stage_index, stage_name, input, output,
			outcome, attempt, error, degraded, prompt_version, prompt_tokens, completion_tokens, total_tokens,
			started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.RunID, step.Sequence, int(step.StageIndex), step.StageName, jsonArg(step.Input), jsonArg(step.Output),
		string(step.Outcome), step.Attempt, step.Error, step.Degraded, step.PromptVersion,
		step.Usage.PromptTokens, step.Usage.CompletionTokens, step.Usage.TotalTokens,
		step.StartedAt.UTC(), step.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append step record: %w", err)
	}
	return nil
}

// ListSteps returns the run's step records ordered by sequence.
func (s *Store) ListSteps(ctx context.Context, orgID, runID string) ([]*models.StepRecord, error) {
	rs, err := s.db.query(ctx, `SELECT st.run_id, st.sequence, st.stage_index, st.stage_name, st.input, st.output,
			st.outcome, st.attempt, st.error, st.degraded, st.prompt_version,
			st.prompt_tokens, st.completion_tokens, st.total_tokens, st.started_at, st.finished_at
		FROM step_records st
		JOIN pipeline_runs r ON r.id = st.run_id
		WHERE st.run_id = ? AND r.organization_id = ?
		ORDER BY st.sequence`, runID, orgID)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var steps []*models.StepRecord
	for rs.Next() {
		var (
			step          models.StepRecord
			input, output []byte
		)
		if err := rs.Scan(&step.RunID, &step.Sequence, &step.StageIndex, &step.StageName, &input, &output,
			&step.Outcome, &step.Attempt, &step.Error, &step.Degraded, &step.PromptVersion,
			&step.Usage.PromptTokens, &step.Usage.CompletionTokens, &step.Usage.TotalTokens,
			&step.StartedAt, &step.FinishedAt); err != nil {
			return nil, err
		}
		if len(input) > 0 {
			step.Input = json.RawMessage(input)
		}
		if len(output) > 0 {
			step.Output = json.RawMessage(output)
		}
		steps = append(steps, &step)
	}
	return steps, rs.Err()
}
