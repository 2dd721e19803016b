// Package council implements the voting subsystem: members vote on
// governance requests and decided verdicts are handed to the pipeline.
package council

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sopforge/backend/internal/auth"
	"sopforge/backend/internal/errors"
	"sopforge/backend/internal/events"
	"sopforge/backend/internal/pipeline"
	"sopforge/backend/internal/repository"
	"sopforge/backend/internal/telemetry"
	"sopforge/backend/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Listener is told about every verdict recorded on a request.
type Listener interface {
	OnCouncilResolved(ctx context.Context, req *models.CouncilRequest, verdict models.Verdict) error
}

// Config holds the council policy.
type Config struct {
	Quorum        int
	GateDeadline  time.Duration
	SweepInterval time.Duration
}

// Engine runs council requests.
type Engine struct {
	store    repository.CouncilStore
	listener Listener
	events   events.Publisher
	metrics  *telemetry.Metrics
	logger   Logger
	cfg      Config
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		if cfg.Quorum < 1 {
			cfg.Quorum = 1
		}
		if cfg.SweepInterval <= 0 {
			cfg.SweepInterval = time.Minute
		}
		e.cfg = cfg
	}
}

func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.events = p } }

func WithMetrics(m *telemetry.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithLogger(l Logger) Option { return func(e *Engine) { e.logger = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates an Engine.
func NewEngine(store repository.CouncilStore, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		cfg:   Config{Quorum: 3, GateDeadline: 72 * time.Hour, SweepInterval: time.Minute},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetListener registers the component resumed by verdicts. The pipeline
// depends on the engine to open gates, so it is wired after construction.
func (e *Engine) SetListener(l Listener) {
	e.listener = l
}

// CreateInput describes a new request.
type CreateInput struct {
	Title          string             `json:"title"`
	Description    string             `json:"description,omitempty"`
	Type           models.RequestType `json:"type,omitempty"`
	RunID          *string            `json:"run_id,omitempty"`
	VotingDeadline *time.Time         `json:"voting_deadline,omitempty"`
}

// RequestView is a request with its votes.
type RequestView struct {
	Request *models.CouncilRequest `json:"request"`
	Votes   []models.CouncilVote   `json:"votes"`
	Tally   models.VoteTally       `json:"tally"`
}

// VoteResult is the state of a request after a vote.
type VoteResult struct {
	Tally   models.VoteTally `json:"tally"`
	Verdict models.Verdict   `json:"verdict"`
}

var requestTypes = map[models.RequestType]bool{
	models.RequestTypePipelineGate:  true,
	models.RequestTypeQualityReview: true,
	models.RequestTypePolicyChange:  true,
	models.RequestTypeGeneral:       true,
}

// CreateRequest opens a request on behalf of the acting member.
func (e *Engine) CreateRequest(ctx context.Context, in CreateInput) (*models.CouncilRequest, error) {
	sess, err := auth.Require(ctx, auth.CapPropose)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, errors.NewBlockingValidationError("council", "title", "title is required")
	}
	if in.Type == "" {
		in.Type = models.RequestTypeGeneral
	}
	if !requestTypes[in.Type] {
		return nil, errors.NewBlockingValidationError("council", "type", fmt.Sprintf("unknown request type %q", in.Type))
	}

	req := &models.CouncilRequest{
		ID:             uuid.New().String(),
		OrganizationID: sess.OrganizationID,
		Title:          strings.TrimSpace(in.Title),
		Description:    in.Description,
		Type:           in.Type,
		Status:         models.RequestStatusPending,
		CreatedByID:    sess.UserID,
		RunID:          in.RunID,
		Quorum:         e.cfg.Quorum,
		VotingDeadline: in.VotingDeadline,
		CreatedAt:      e.now().UTC(),
	}
	if err := e.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create council request: %w", err)
	}
	e.opened(req, sess.UserID)
	return req, nil
}

// OpenGate opens the request a gated pipeline run waits on. It acts with
// system authority for the run's creator.
func (e *Engine) OpenGate(ctx context.Context, gate pipeline.Gate) (*models.CouncilRequest, error) {
	run := gate.Run
	stage := gate.Stage
	now := e.now().UTC()

	req := &models.CouncilRequest{
		ID:             gate.RequestID,
		OrganizationID: run.OrganizationID,
		Title:          fmt.Sprintf("Approve %s output", stage.Name()),
		Description:    gate.Reason,
		Type:           models.RequestTypePipelineGate,
		Status:         models.RequestStatusPending,
		CreatedByID:    run.CreatedByID,
		RunID:          &run.ID,
		StageIndex:     &stage,
		Quorum:         e.cfg.Quorum,
		CreatedAt:      now,
	}
	if stage == models.StageJudgeQuality {
		req.Type = models.RequestTypeQualityReview
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if e.cfg.GateDeadline > 0 {
		deadline := now.Add(e.cfg.GateDeadline)
		req.VotingDeadline = &deadline
	}
	if err := e.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to open council gate: %w", err)
	}
	e.opened(req, run.CreatedByID)
	return req, nil
}

func (e *Engine) opened(req *models.CouncilRequest, actorID string) {
	e.info("council request created", "request_id", req.ID, "type", req.Type, "organization_id", req.OrganizationID)
	if e.events != nil {
		e.events.Publish(events.NewCouncilEvent(events.CouncilRequestCreated, req, actorID, nil))
	}
}

// CastVote records the acting member's decision, replacing an earlier one,
// and records the verdict as soon as the policy decides.
func (e *Engine) CastVote(ctx context.Context, requestID string, decision models.Decision) (*VoteResult, error) {
	sess, err := auth.Require(ctx, auth.CapVote)
	if err != nil {
		return nil, err
	}
	if !decision.Valid() {
		return nil, errors.NewBlockingValidationError("council", "decision", fmt.Sprintf("unknown decision %q", decision))
	}

	req, err := e.store.GetRequest(ctx, sess.OrganizationID, requestID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	if req.Status.IsDecided() {
		return nil, fmt.Errorf("request %s is %s: %w", requestID, req.Status, errors.ErrVotingClosed)
	}
	if deadlinePassed(req, now) {
		return nil, fmt.Errorf("request %s deadline elapsed: %w", requestID, errors.ErrVotingClosed)
	}

	if err := e.store.UpsertVote(ctx, req.OrganizationID, models.CouncilVote{
		RequestID: req.ID,
		UserID:    sess.UserID,
		Decision:  decision,
		CastAt:    now,
	}); err != nil {
		if errors.Is(err, errors.ErrVotingClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to record vote: %w", err)
	}
	if req.Status == models.RequestStatusPending {
		err := e.store.UpdateRequestStatus(ctx, req.OrganizationID, req.ID,
			[]models.RequestStatus{models.RequestStatusPending}, models.RequestStatusVoting, nil)
		if err != nil && !errors.Is(err, errors.ErrConflict) {
			return nil, err
		}
		req.Status = models.RequestStatusVoting
	}

	tally, err := e.tally(ctx, req)
	if err != nil {
		return nil, err
	}
	verdict := Evaluate(req.ID, tally, req.Quorum, false)
	if verdict.Decided() {
		if verdict, err = e.finalize(ctx, req, verdict, false); err != nil {
			return nil, err
		}
	}
	return &VoteResult{Tally: verdict.Tally, Verdict: verdict}, nil
}

// Resolve evaluates the request and records a decided verdict. A decided
// request returns its stored verdict.
func (e *Engine) Resolve(ctx context.Context, requestID string) (*models.Verdict, error) {
	sess, err := auth.Require(ctx, auth.CapVote)
	if err != nil {
		return nil, err
	}
	req, err := e.store.GetRequest(ctx, sess.OrganizationID, requestID)
	if err != nil {
		return nil, err
	}
	verdict, err := e.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	return &verdict, nil
}

func (e *Engine) resolve(ctx context.Context, req *models.CouncilRequest) (models.Verdict, error) {
	tally, err := e.tally(ctx, req)
	if err != nil {
		return models.Verdict{}, err
	}
	if req.Status.IsDecided() {
		return models.Verdict{RequestID: req.ID, Status: req.Status, Tally: tally}, nil
	}

	byDeadline := deadlinePassed(req, e.now())
	verdict := Evaluate(req.ID, tally, req.Quorum, byDeadline)
	if !verdict.Decided() {
		verdict.Status = req.Status
		return verdict, nil
	}
	return e.finalize(ctx, req, verdict, byDeadline)
}

// ResolveExpired decides every request of every organization whose
// deadline has elapsed and returns how many were decided.
func (e *Engine) ResolveExpired(ctx context.Context) (int, error) {
	expired, err := e.store.ListExpiredRequests(ctx, e.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired council requests: %w", err)
	}
	decided := 0
	for _, req := range expired {
		verdict, err := e.resolve(ctx, req)
		if err != nil {
			e.logError("failed to resolve expired council request", "request_id", req.ID, "error", err)
			continue
		}
		if verdict.Decided() {
			decided++
		}
	}
	return decided, nil
}

// finalize records verdict. When another caller recorded a verdict first,
// the stored one is returned instead and nothing is published.
func (e *Engine) finalize(ctx context.Context, req *models.CouncilRequest, verdict models.Verdict, byDeadline bool) (models.Verdict, error) {
	resolvedAt := e.now().UTC()
	err := e.store.UpdateRequestStatus(ctx, req.OrganizationID, req.ID,
		[]models.RequestStatus{models.RequestStatusPending, models.RequestStatusVoting}, verdict.Status, &resolvedAt)
	if errors.Is(err, errors.ErrConflict) {
		stored, getErr := e.store.GetRequest(ctx, req.OrganizationID, req.ID)
		if getErr != nil {
			return models.Verdict{}, getErr
		}
		return models.Verdict{RequestID: req.ID, Status: stored.Status, Tally: verdict.Tally}, nil
	}
	if err != nil {
		return models.Verdict{}, fmt.Errorf("failed to record verdict: %w", err)
	}

	req.Status = verdict.Status
	req.ResolvedAt = &resolvedAt
	e.metrics.CouncilVerdict(ctx, string(verdict.Status), byDeadline)
	e.info("council request resolved", "request_id", req.ID, "status", verdict.Status,
		"up", verdict.Tally.Up, "down", verdict.Tally.Down, "abstain", verdict.Tally.Abstain)

	if e.events != nil {
		e.events.Publish(events.NewCouncilEvent(events.CouncilRequestResolved, req, "", &verdict))
	}
	if e.listener != nil {
		if err := e.listener.OnCouncilResolved(ctx, req, verdict); err != nil {
			e.logError("failed to apply council verdict", "request_id", req.ID, "error", err)
		}
	}
	return verdict, nil
}

// GetRequest returns the request with its votes and tally.
func (e *Engine) GetRequest(ctx context.Context, requestID string) (*RequestView, error) {
	sess, err := auth.Require(ctx, "")
	if err != nil {
		return nil, err
	}
	req, err := e.store.GetRequest(ctx, sess.OrganizationID, requestID)
	if err != nil {
		return nil, err
	}
	votes, err := e.store.ListVotes(ctx, req.OrganizationID, req.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}
	if votes == nil {
		votes = []models.CouncilVote{}
	}
	return &RequestView{Request: req, Votes: votes, Tally: models.TallyVotes(votes)}, nil
}

// ListRequests lists the organization's requests, optionally by status.
func (e *Engine) ListRequests(ctx context.Context, status models.RequestStatus) ([]*models.CouncilRequest, error) {
	sess, err := auth.Require(ctx, "")
	if err != nil {
		return nil, err
	}
	reqs, err := e.store.ListRequests(ctx, sess.OrganizationID, status)
	if err != nil {
		return nil, err
	}
	if reqs == nil {
		reqs = []*models.CouncilRequest{}
	}
	return reqs, nil
}

func (e *Engine) tally(ctx context.Context, req *models.CouncilRequest) (models.VoteTally, error) {
	votes, err := e.store.ListVotes(ctx, req.OrganizationID, req.ID)
	if err != nil {
		return models.VoteTally{}, fmt.Errorf("failed to list votes: %w", err)
	}
	return models.TallyVotes(votes), nil
}

func deadlinePassed(req *models.CouncilRequest, now time.Time) bool {
	return req.VotingDeadline != nil && !now.Before(*req.VotingDeadline)
}

func (e *Engine) info(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Info(msg, args...)
	}
}

func (e *Engine) logError(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Error(msg, args...)
	}
}
