package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"
)

// ListRunsParams defines parameters for ListRuns.
type ListRunsParams struct {
	// SopId restricts the listing to one source procedure.
	SopId *string `form:"sopId,omitempty" json:"sopId,omitempty"`
}

// AdvanceRunParams defines parameters for AdvanceRun.
type AdvanceRunParams struct {
	// ExpectedStage is the stage the caller believes is current.
	ExpectedStage *int `form:"expectedStage,omitempty" json:"expectedStage,omitempty"`
}

// ListCouncilRequestsParams defines parameters for ListCouncilRequests.
type ListCouncilRequestsParams struct {
	Status *string `form:"status,omitempty" json:"status,omitempty"`
}

// ListNotificationsParams defines parameters for ListNotifications.
type ListNotificationsParams struct {
	Unread *bool `form:"unread,omitempty" json:"unread,omitempty"`
}

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// (POST /sops/{sopId}/runs)
	StartRun(ctx echo.Context, sopId string) error
	// (GET /runs)
	ListRuns(ctx echo.Context, params ListRunsParams) error
	// (GET /runs/{runId})
	GetRun(ctx echo.Context, runId string) error
	// (POST /runs/{runId}/advance)
	AdvanceRun(ctx echo.Context, runId string, params AdvanceRunParams) error
	// (POST /runs/{runId}/cancel)
	CancelRun(ctx echo.Context, runId string) error
	// (POST /runs/{runId}/unblock)
	UnblockRun(ctx echo.Context, runId string) error
	// (POST /council/requests)
	CreateCouncilRequest(ctx echo.Context) error
	// (GET /council/requests)
	ListCouncilRequests(ctx echo.Context, params ListCouncilRequestsParams) error
	// (GET /council/requests/{requestId})
	GetCouncilRequest(ctx echo.Context, requestId string) error
	// (POST /council/requests/{requestId}/votes)
	CastVote(ctx echo.Context, requestId string) error
	// (POST /council/requests/{requestId}/resolve)
	ResolveCouncilRequest(ctx echo.Context, requestId string) error
	// (GET /notifications)
	ListNotifications(ctx echo.Context, params ListNotificationsParams) error
	// (POST /notifications/{notificationId}/read)
	MarkNotificationRead(ctx echo.Context, notificationId string) error
	// (PUT /prompts/{slug})
	PutPrompt(ctx echo.Context, slug string) error
	// (POST /prompts/invalidate)
	InvalidatePrompts(ctx echo.Context) error
}

// ServerInterfaceWrapper converts echo contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

func pathParam(ctx echo.Context, name string) (string, error) {
	var value string
	err := runtime.BindStyledParameterWithOptions("simple", name, ctx.Param(name), &value,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter %s: %s", name, err))
	}
	return value, nil
}

func queryParam(ctx echo.Context, name string, dest any) error {
	if err := runtime.BindQueryParameter("form", true, false, name, ctx.QueryParams(), dest); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter %s: %s", name, err))
	}
	return nil
}

// StartRun converts echo context to params.
func (w *ServerInterfaceWrapper) StartRun(ctx echo.Context) error {
	sopId, err := pathParam(ctx, "sopId")
	if err != nil {
		return err
	}
	return w.Handler.StartRun(ctx, sopId)
}

// ListRuns converts echo context to params.
func (w *ServerInterfaceWrapper) ListRuns(ctx echo.Context) error {
	var params ListRunsParams
	if err := queryParam(ctx, "sopId", &params.SopId); err != nil {
		return err
	}
	return w.Handler.ListRuns(ctx, params)
}

// GetRun converts echo context to params.
func (w *ServerInterfaceWrapper) GetRun(ctx echo.Context) error {
	runId, err := pathParam(ctx, "runId")
	if err != nil {
		return err
	}
	return w.Handler.GetRun(ctx, runId)
}

// AdvanceRun converts echo context to params.
func (w *ServerInterfaceWrapper) AdvanceRun(ctx echo.Context) error {
	runId, err := pathParam(ctx, "runId")
	if err != nil {
		return err
	}
	var params AdvanceRunParams
	if err := queryParam(ctx, "expectedStage", &params.ExpectedStage); err != nil {
		return err
	}
	return w.Handler.AdvanceRun(ctx, runId, params)
}

// CancelRun converts echo context to params.
func (w *ServerInterfaceWrapper) CancelRun(ctx echo.Context) error {
	runId, err := pathParam(ctx, "runId")
	if err != nil {
		return err
	}
	return w.Handler.CancelRun(ctx, runId)
}

// UnblockRun converts echo context to params.
func (w *ServerInterfaceWrapper) UnblockRun(ctx echo.Context) error {
	runId, err := pathParam(ctx, "runId")
	if err != nil {
		return err
	}
	return w.Handler.UnblockRun(ctx, runId)
}

// CreateCouncilRequest converts echo context to params.
func (w *ServerInterfaceWrapper) CreateCouncilRequest(ctx echo.Context) error {
	return w.Handler.CreateCouncilRequest(ctx)
}

// ListCouncilRequests converts echo context to params.
func (w *ServerInterfaceWrapper) ListCouncilRequests(ctx echo.Context) error {
	var params ListCouncilRequestsParams
	if err := queryParam(ctx, "status", &params.Status); err != nil {
		return err
	}
	return w.Handler.ListCouncilRequests(ctx, params)
}

// GetCouncilRequest converts echo context to params.
func (w *ServerInterfaceWrapper) GetCouncilRequest(ctx echo.Context) error {
	requestId, err := pathParam(ctx, "requestId")
	if err != nil {
		return err
	}
	return w.Handler.GetCouncilRequest(ctx, requestId)
}

// CastVote converts echo context to params.
func (w *ServerInterfaceWrapper) CastVote(ctx echo.Context) error {
	requestId, err := pathParam(ctx, "requestId")
	if err != nil {
		return err
	}
	return w.Handler.CastVote(ctx, requestId)
}

// ResolveCouncilRequest converts echo context to params.
func (w *ServerInterfaceWrapper) ResolveCouncilRequest(ctx echo.Context) error {
	requestId, err := pathParam(ctx, "requestId")
	if err != nil {
		return err
	}
	return w.Handler.ResolveCouncilRequest(ctx, requestId)
}

// ListNotifications converts echo context to params.
func (w *ServerInterfaceWrapper) ListNotifications(ctx echo.Context) error {
	var params ListNotificationsParams
	if err := queryParam(ctx, "unread", &params.Unread); err != nil {
		return err
	}
	return w.Handler.ListNotifications(ctx, params)
}

// MarkNotificationRead converts echo context to params.
func (w *ServerInterfaceWrapper) MarkNotificationRead(ctx echo.Context) error {
	notificationId, err := pathParam(ctx, "notificationId")
	if err != nil {
		return err
	}
	return w.Handler.MarkNotificationRead(ctx, notificationId)
}

// PutPrompt converts echo context to params.
func (w *ServerInterfaceWrapper) PutPrompt(ctx echo.Context) error {
	slug, err := pathParam(ctx, "slug")
	if err != nil {
		return err
	}
	return w.Handler.PutPrompt(ctx, slug)
}

// InvalidatePrompts converts echo context to params.
func (w *ServerInterfaceWrapper) InvalidatePrompts(ctx echo.Context) error {
	return w.Handler.InvalidatePrompts(ctx)
}

// EchoRouter is satisfied by both *echo.Echo and *echo.Group.
type EchoRouter interface {
	GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	PUT(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

// RegisterHandlers adds each server route to the EchoRouter.
func RegisterHandlers(router EchoRouter, si ServerInterface) {
	RegisterHandlersWithBaseURL(router, si, "")
}

// RegisterHandlersWithBaseURL registers the handlers under baseURL.
func RegisterHandlersWithBaseURL(router EchoRouter, si ServerInterface, baseURL string) {
	wrapper := ServerInterfaceWrapper{Handler: si}

	router.POST(baseURL+"/sops/:sopId/runs", wrapper.StartRun)
	router.GET(baseURL+"/runs", wrapper.ListRuns)
	router.GET(baseURL+"/runs/:runId", wrapper.GetRun)
	router.POST(baseURL+"/runs/:runId/advance", wrapper.AdvanceRun)
	router.POST(baseURL+"/runs/:runId/cancel", wrapper.CancelRun)
	router.POST(baseURL+"/runs/:runId/unblock", wrapper.UnblockRun)
	router.POST(baseURL+"/council/requests", wrapper.CreateCouncilRequest)
	router.GET(baseURL+"/council/requests", wrapper.ListCouncilRequests)
	router.GET(baseURL+"/council/requests/:requestId", wrapper.GetCouncilRequest)
	router.POST(baseURL+"/council/requests/:requestId/votes", wrapper.CastVote)
	router.POST(baseURL+"/council/requests/:requestId/resolve", wrapper.ResolveCouncilRequest)
	router.GET(baseURL+"/notifications", wrapper.ListNotifications)
	router.POST(baseURL+"/notifications/:notificationId/read", wrapper.MarkNotificationRead)
	router.PUT(baseURL+"/prompts/:slug", wrapper.PutPrompt)
	router.POST(baseURL+"/prompts/invalidate", wrapper.InvalidatePrompts)
}
