// Package pipeline owns the lifecycle of pipeline runs: it decides every
// transition, appends step records and publishes an event once a
// transition is committed.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"sopforge/backend/internal/auth"
	"sopforge/backend/internal/errors"
	"sopforge/backend/internal/events"
	"sopforge/backend/internal/repository"
	"sopforge/backend/internal/stages"
	"sopforge/backend/internal/telemetry"
	"sopforge/backend/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Store is the persistence the pipeline needs.
type Store interface {
	repository.RunStore
	GetSOP(ctx context.Context, orgID, sopID string) (*models.SOP, error)
}

// Executor runs one attempt of a stage.
type Executor interface {
	Execute(ctx context.Context, req stages.Request) stages.Result
}

// Gate describes a council request the pipeline needs opened for a run.
type Gate struct {
	RequestID string
	Run       *models.PipelineRun
	Stage     models.Stage
	Reason    string
}

// Gatekeeper opens council requests for gated runs.
type Gatekeeper interface {
	OpenGate(ctx context.Context, gate Gate) (*models.CouncilRequest, error)
}

// Config holds the transition policy.
type Config struct {
	MaxAttempts      int
	QualityThreshold float64
	MinConfidence    float64
	GovernanceStages []models.Stage
	AutoAdvance      bool
}

// DefaultConfig returns the default transition policy.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, QualityThreshold: 70, MinConfidence: 0.5}
}

// Service drives pipeline runs.
type Service struct {
	store    Store
	executor Executor
	gates    Gatekeeper
	events   events.Publisher
	metrics  *telemetry.Metrics
	logger   Logger
	cfg      Config
	now      func() time.Time

	group singleflight.Group
	wg    sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

func WithConfig(cfg Config) Option {
	return func(s *Service) {
		if cfg.MaxAttempts < 1 {
			cfg.MaxAttempts = 1
		}
		s.cfg = cfg
	}
}

func WithGatekeeper(g Gatekeeper) Option { return func(s *Service) { s.gates = g } }

func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.events = p } }

func WithMetrics(m *telemetry.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a new Service.
func NewService(store Store, executor Executor, opts ...Option) *Service {
	s := &Service{
		store:    store,
		executor: executor,
		cfg:      DefaultConfig(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunView is the read model of a run.
type RunView struct {
	Run   *models.PipelineRun  `json:"run"`
	Steps []*models.StepRecord `json:"steps"`
	// LastError is the error of the last step record of a FAILED run.
	LastError string `json:"last_error,omitempty"`
	// CouncilRequestID is set while the run awaits the council.
	CouncilRequestID string `json:"council_request_id,omitempty"`
}

// StartRun creates a RUNNING run at stage 1 for the SOP.
func (s *Service) StartRun(ctx context.Context, sopID string) (*models.PipelineRun, error) {
	sess, err := auth.Require(ctx, auth.CapRunPipeline)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetSOP(ctx, sess.OrganizationID, sopID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	run := &models.PipelineRun{
		ID:             uuid.New().String(),
		OrganizationID: sess.OrganizationID,
		SOPID:          sopID,
		CreatedByID:    sess.UserID,
		CurrentStage:   models.FirstStage,
		Status:         models.RunStatusRunning,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	s.info("pipeline run started", "run_id", run.ID, "sop_id", sopID, "organization_id", run.OrganizationID)
	s.publish(events.NewRunEvent(events.RunStarted, run, sess.UserID))
	if s.cfg.AutoAdvance {
		s.driveInBackground(ctx, run.ID)
	}
	return run, nil
}

// GetRun returns the run with its step history.
func (s *Service) GetRun(ctx context.Context, runID string) (*RunView, error) {
	sess, err := auth.Require(ctx, "")
	if err != nil {
		return nil, err
	}
	run, err := s.store.GetRun(ctx, sess.OrganizationID, runID)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListSteps(ctx, sess.OrganizationID, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}

	view := &RunView{Run: run, Steps: steps}
	if steps == nil {
		view.Steps = []*models.StepRecord{}
	}
	switch run.Status {
	case models.RunStatusFailed:
		if n := len(steps); n > 0 {
			view.LastError = steps[n-1].Error
		}
		if view.LastError == "" && run.FailureReason != nil {
			view.LastError = *run.FailureReason
		}
	case models.RunStatusAwaitingCouncil:
		if run.CouncilRequestID != nil {
			view.CouncilRequestID = *run.CouncilRequestID
		}
	}
	return view, nil
}

// ListRuns lists the organization's runs, newest first.
func (s *Service) ListRuns(ctx context.Context, sopID string) ([]*models.PipelineRun, error) {
	sess, err := auth.Require(ctx, "")
	if err != nil {
		return nil, err
	}
	runs, err := s.store.ListRuns(ctx, sess.OrganizationID, sopID)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []*models.PipelineRun{}
	}
	return runs, nil
}

// Cancel fails an active run with reason "cancelled". Cancelling a
// terminal run returns it unchanged.
func (s *Service) Cancel(ctx context.Context, runID string) (*models.PipelineRun, error) {
	sess, err := auth.Require(ctx, auth.CapCancelRun)
	if err != nil {
		return nil, err
	}

	for {
		run, err := s.store.GetRun(ctx, sess.OrganizationID, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return run, nil
		}

		reason := models.ReasonCancelled
		updated, err := s.store.ApplyTransition(ctx, transitionFrom(run, run.CurrentStage, models.RunStatusFailed,
			func(tr *models.RunTransition) { tr.FailureReason = &reason }))
		if errors.Is(err, errors.ErrConflict) {
			// An advance committed first; re-read and try again.
			continue
		}
		if err != nil {
			return nil, err
		}

		s.info("pipeline run cancelled", "run_id", runID, "user_id", sess.UserID)
		s.publish(events.NewRunEvent(events.RunFailed, updated, sess.UserID))
		return updated, nil
	}
}

// Unblock returns a BLOCKED run to RUNNING once its source SOP can feed
// the current stage again.
func (s *Service) Unblock(ctx context.Context, runID string) (*models.PipelineRun, error) {
	sess, err := auth.Require(ctx, auth.CapRunPipeline)
	if err != nil {
		return nil, err
	}
	run, err := s.store.GetRun(ctx, sess.OrganizationID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != models.RunStatusBlocked {
		return nil, errors.InvalidTransitionf("run %s is %s, not %s", runID, run.Status, models.RunStatusBlocked)
	}

	sop, err := s.source(ctx, run)
	if err != nil {
		return nil, err
	}
	if err := stages.ValidateSource(run.CurrentStage, sop); err != nil {
		return nil, errors.InvalidTransitionf("run %s is still blocked: %v", runID, err)
	}

	updated, err := s.apply(ctx, transitionFrom(run, run.CurrentStage, models.RunStatusRunning, nil))
	if err != nil {
		return nil, err
	}
	s.info("pipeline run unblocked", "run_id", runID, "user_id", sess.UserID)
	if s.cfg.AutoAdvance {
		s.driveInBackground(ctx, runID)
	}
	return updated, nil
}

// Wait blocks until background drives have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// source loads the run's SOP; a missing SOP is reported as nil.
func (s *Service) source(ctx context.Context, run *models.PipelineRun) (*models.SOP, error) {
	sop, err := s.store.GetSOP(ctx, run.OrganizationID, run.SOPID)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	return sop, err
}

// transitionFrom builds a transition conditioned on run's current state.
func transitionFrom(run *models.PipelineRun, stage models.Stage, status models.RunStatus, edit func(*models.RunTransition)) models.RunTransition {
	tr := models.RunTransition{
		OrganizationID:   run.OrganizationID,
		RunID:            run.ID,
		ExpectedStage:    run.CurrentStage,
		ExpectedStatus:   run.Status,
		ExpectedVersion:  run.Version,
		Stage:            stage,
		Status:           status,
		CouncilRequestID: run.CouncilRequestID,
	}
	if edit != nil {
		edit(&tr)
	}
	return tr
}

// apply commits tr, reporting a lost race as an invalid transition.
func (s *Service) apply(ctx context.Context, tr models.RunTransition) (*models.PipelineRun, error) {
	updated, err := s.store.ApplyTransition(ctx, tr)
	if errors.Is(err, errors.ErrConflict) {
		return nil, fmt.Errorf("%w: %w", errors.ErrInvalidTransition, err)
	}
	return updated, err
}

func (s *Service) publish(e events.Event) {
	if s.events != nil {
		s.events.Publish(e)
	}
}

func (s *Service) info(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Service) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

func (s *Service) logError(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Error(msg, args...)
	}
}
