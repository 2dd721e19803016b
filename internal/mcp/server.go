// Package mcp exposes the pipeline and council operations as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"sopforge/backend/internal/auth"
	"sopforge/backend/internal/council"
	"sopforge/backend/internal/pipeline"
	"sopforge/backend/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	pipeline  *pipeline.Service
	council   *council.Engine
}

func NewServer(svc *pipeline.Service, engine *council.Engine) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"SOPForge",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		pipeline: svc,
		council:  engine,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"start_run",
			mcp.WithDescription("Start a pipeline run that turns an SOP into agent specifications"),
			mcp.WithString("sop_id", mcp.Required(), mcp.Description("The ID of the source SOP")),
		),
		s.handleStartRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"advance_run",
			mcp.WithDescription("Execute the current stage of a run once"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("The ID of the run")),
			mcp.WithNumber("expected_stage", mcp.Description("The stage the caller believes is current (1-5)")),
		),
		s.handleAdvanceRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"cancel_run",
			mcp.WithDescription("Cancel an active run"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("The ID of the run")),
		),
		s.handleCancelRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_run",
			mcp.WithDescription("Get a run with its step history"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("The ID of the run")),
		),
		s.handleGetRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"cast_vote",
			mcp.WithDescription("Vote on a council request as the acting member"),
			mcp.WithString("request_id", mcp.Required(), mcp.Description("The ID of the council request")),
			mcp.WithString("decision", mcp.Required(), mcp.Description("The decision"),
				mcp.Enum(string(models.DecisionApprove), string(models.DecisionReject), string(models.DecisionAbstain))),
		),
		s.handleCastVote,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"resolve_request",
			mcp.WithDescription("Evaluate a council request against the voting policy"),
			mcp.WithString("request_id", mcp.Required(), mcp.Description("The ID of the council request")),
		),
		s.handleResolveRequest,
	)
}

func (s *Server) handleStartRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sopID, err := request.RequireString("sop_id")
	if err != nil || sopID == "" {
		return mcp.NewToolResultError("Missing required parameter: sop_id"), nil
	}

	run, err := s.pipeline.StartRun(ctx, sopID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start run: %v", err)), nil
	}
	return jsonResult(run)
}

func (s *Server) handleAdvanceRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil || runID == "" {
		return mcp.NewToolResultError("Missing required parameter: run_id"), nil
	}
	expected := request.GetInt("expected_stage", 0)

	res, err := s.pipeline.Advance(ctx, runID, expected)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to advance run: %v", err)), nil
	}
	return jsonResult(res)
}

func (s *Server) handleCancelRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil || runID == "" {
		return mcp.NewToolResultError("Missing required parameter: run_id"), nil
	}

	run, err := s.pipeline.Cancel(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel run: %v", err)), nil
	}
	return jsonResult(run)
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil || runID == "" {
		return mcp.NewToolResultError("Missing required parameter: run_id"), nil
	}

	view, err := s.pipeline.GetRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get run: %v", err)), nil
	}
	return jsonResult(view)
}

func (s *Server) handleCastVote(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := request.RequireString("request_id")
	if err != nil || requestID == "" {
		return mcp.NewToolResultError("Missing required parameter: request_id"), nil
	}
	decision, err := request.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: decision"), nil
	}

	res, err := s.council.CastVote(ctx, requestID, models.Decision(strings.ToUpper(decision)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cast vote: %v", err)), nil
	}
	return jsonResult(res)
}

func (s *Server) handleResolveRequest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := request.RequireString("request_id")
	if err != nil || requestID == "" {
		return mcp.NewToolResultError("Missing required parameter: request_id"), nil
	}

	verdict, err := s.council.Resolve(ctx, requestID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve request: %v", err)), nil
	}
	return jsonResult(verdict)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// SessionContext carries the session that RequireAuth stored on the HTTP
// request into tool calls.
func SessionContext(ctx context.Context, r *http.Request) context.Context {
	if sess, ok := auth.SessionFrom(r.Context()); ok {
		return auth.WithSession(ctx, sess)
	}
	return ctx
}

// MountHTTPHandlers serves the MCP SSE transport under /mcp. Wrap the mux with
// the auth middleware so tool calls act as the requesting member.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		server.WithSSEContextFunc(SessionContext),
	)

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
