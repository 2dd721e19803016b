package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"sopforge/backend/internal/auth"
	"sopforge/backend/internal/council"
	"sopforge/backend/internal/errors"
	"sopforge/backend/internal/pipeline"
	"sopforge/backend/internal/prompts"
	"sopforge/backend/internal/repository"
	"sopforge/backend/pkg/models"
)

// Server implements ServerInterface over the domain services.
type Server struct {
	Pipeline      *pipeline.Service
	Council       *council.Engine
	Notifications repository.NotificationStore
	Prompts       repository.PromptStore
	Resolver      *prompts.Resolver
}

var _ ServerInterface = (*Server)(nil)

// NewServer creates a new Server.
func NewServer(svc *pipeline.Service, engine *council.Engine, notifications repository.NotificationStore,
	promptStore repository.PromptStore, resolver *prompts.Resolver) *Server {
	return &Server{
		Pipeline:      svc,
		Council:       engine,
		Notifications: notifications,
		Prompts:       promptStore,
		Resolver:      resolver,
	}
}

// StartRun creates a run for a source procedure
// (POST /api/v1/sops/{sopId}/runs)
func (s *Server) StartRun(c echo.Context, sopId string) error {
	run, err := s.Pipeline.StartRun(c.Request().Context(), sopId)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, run)
}

// ListRuns lists the organization's runs
// (GET /api/v1/runs)
func (s *Server) ListRuns(c echo.Context, params ListRunsParams) error {
	sopID := ""
	if params.SopId != nil {
		sopID = *params.SopId
	}
	runs, err := s.Pipeline.ListRuns(c.Request().Context(), sopID)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []*models.PipelineRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

// GetRun returns a run with its step history
// (GET /api/v1/runs/{runId})
func (s *Server) GetRun(c echo.Context, runId string) error {
	view, err := s.Pipeline.GetRun(c.Request().Context(), runId)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// AdvanceRun executes the current stage once
// (POST /api/v1/runs/{runId}/advance)
func (s *Server) AdvanceRun(c echo.Context, runId string, params AdvanceRunParams) error {
	expected := 0
	if params.ExpectedStage != nil {
		expected = *params.ExpectedStage
	}
	res, err := s.Pipeline.Advance(c.Request().Context(), runId, expected)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// CancelRun cancels an active run
// (POST /api/v1/runs/{runId}/cancel)
func (s *Server) CancelRun(c echo.Context, runId string) error {
	run, err := s.Pipeline.Cancel(c.Request().Context(), runId)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// UnblockRun resumes a blocked run once its source is fixed
// (POST /api/v1/runs/{runId}/unblock)
func (s *Server) UnblockRun(c echo.Context, runId string) error {
	run, err := s.Pipeline.Unblock(c.Request().Context(), runId)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// CreateCouncilRequest opens a council request
// (POST /api/v1/council/requests)
func (s *Server) CreateCouncilRequest(c echo.Context) error {
	var in council.CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	req, err := s.Council.CreateRequest(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, req)
}

// ListCouncilRequests lists the organization's requests
// (GET /api/v1/council/requests)
func (s *Server) ListCouncilRequests(c echo.Context, params ListCouncilRequestsParams) error {
	var status models.RequestStatus
	if params.Status != nil {
		status = models.RequestStatus(strings.ToUpper(*params.Status))
	}
	reqs, err := s.Council.ListRequests(c.Request().Context(), status)
	if err != nil {
		return err
	}
	if reqs == nil {
		reqs = []*models.CouncilRequest{}
	}
	return c.JSON(http.StatusOK, reqs)
}

// GetCouncilRequest returns a request with its votes
// (GET /api/v1/council/requests/{requestId})
func (s *Server) GetCouncilRequest(c echo.Context, requestId string) error {
	view, err := s.Council.GetRequest(c.Request().Context(), requestId)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// VoteBody is the payload of CastVote.
type VoteBody struct {
	Decision models.Decision `json:"decision"`
}

// CastVote records the acting member's vote
// (POST /api/v1/council/requests/{requestId}/votes)
func (s *Server) CastVote(c echo.Context, requestId string) error {
	var body VoteBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	body.Decision = models.Decision(strings.ToUpper(string(body.Decision)))
	res, err := s.Council.CastVote(c.Request().Context(), requestId, body.Decision)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// ResolveCouncilRequest evaluates a request against the council policy
// (POST /api/v1/council/requests/{requestId}/resolve)
func (s *Server) ResolveCouncilRequest(c echo.Context, requestId string) error {
	verdict, err := s.Council.Resolve(c.Request().Context(), requestId)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, verdict)
}

// ListNotifications lists the acting member's notifications
// (GET /api/v1/notifications)
func (s *Server) ListNotifications(c echo.Context, params ListNotificationsParams) error {
	ctx := c.Request().Context()
	sess, err := auth.Require(ctx, "")
	if err != nil {
		return err
	}
	unread := params.Unread != nil && *params.Unread
	list, err := s.Notifications.ListNotifications(ctx, sess.OrganizationID, sess.UserID, unread)
	if err != nil {
		return err
	}
	if list == nil {
		list = []*models.Notification{}
	}
	return c.JSON(http.StatusOK, list)
}

// MarkNotificationRead marks one of the acting member's notifications read
// (POST /api/v1/notifications/{notificationId}/read)
func (s *Server) MarkNotificationRead(c echo.Context, notificationId string) error {
	ctx := c.Request().Context()
	sess, err := auth.Require(ctx, "")
	if err != nil {
		return err
	}
	if err := s.Notifications.MarkNotificationRead(ctx, sess.OrganizationID, sess.UserID, notificationId); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// PromptBody is the payload of PutPrompt.
type PromptBody struct {
	Body string `json:"body"`
}

// PutPrompt stores a new active prompt version and drops the cached one
// (PUT /api/v1/prompts/{slug})
func (s *Server) PutPrompt(c echo.Context, slug string) error {
	ctx := c.Request().Context()
	sess, err := auth.Require(ctx, auth.CapManagePrompts)
	if err != nil {
		return err
	}
	key := prompts.NormalizeSlug(slug)
	if !s.Resolver.Known(key) {
		return errors.ErrNotFound
	}
	var body PromptBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if strings.TrimSpace(body.Body) == "" {
		return errors.NewBlockingValidationError(key, "body", "prompt body is required")
	}

	version := &models.PromptVersion{Slug: key, Body: body.Body, Active: true, CreatedBy: sess.UserID}
	if err := s.Prompts.SavePromptVersion(ctx, version); err != nil {
		return err
	}
	s.Resolver.Invalidate(key)
	return c.JSON(http.StatusOK, version)
}

// InvalidatePrompts purges every cached prompt
// (POST /api/v1/prompts/invalidate)
func (s *Server) InvalidatePrompts(c echo.Context) error {
	if _, err := auth.Require(c.Request().Context(), auth.CapManagePrompts); err != nil {
		return err
	}
	s.Resolver.Invalidate("*")
	return c.NoContent(http.StatusNoContent)
}
