// Package ai adapts chat-completion backends to the uniform invocation
// contract used by the stage executor.
package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"sopforge/backend/internal/errors"
	"sopforge/backend/pkg/models"
)

// Params are the model parameters of one invocation.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
	// JSON requests a JSON object response.
	JSON bool
}

// Request is one prompt invocation.
type Request struct {
	OrganizationID string
	SystemPrompt   string
	UserPayload    json.RawMessage
	Params         Params
}

// Response is the completion. JSON is set when the request asked for a
// JSON object and the backend returned one.
type Response struct {
	Text  string
	JSON  json.RawMessage
	Model string
	Usage models.TokenUsage
}

// Capability is a language-model backend.
type Capability interface {
	Available() bool
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to an always-available Capability.
type Func func(ctx context.Context, req Request) (Response, error)

func (f Func) Available() bool { return true }

func (f Func) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Unavailable is the backend used when no provider is configured. The
// executor serves stub output for it.
type Unavailable struct{}

func (Unavailable) Available() bool { return false }

func (Unavailable) Invoke(context.Context, Request) (Response, error) {
	return Response{}, errors.NewAdapterError(errors.AdapterUnavailable, nil)
}

// NewBackend selects the backend named by provider: openai, sidecar or none.
func NewBackend(provider, apiKey, baseURL, sidecarURL string) (Capability, error) {
	switch provider {
	case "openai":
		return NewOpenAI(apiKey, baseURL), nil
	case "sidecar":
		return NewSidecar(sidecarURL, nil), nil
	case "", "none":
		return Unavailable{}, nil
	default:
		return nil, fmt.Errorf("unknown ai provider %q", provider)
	}
}

// asJSON returns text as a JSON payload when it parses as one, tolerating
// a fenced code block around it.
func asJSON(text string) json.RawMessage {
	trimmed := stripFence(text)
	if !json.Valid([]byte(trimmed)) {
		return nil
	}
	return json.RawMessage(trimmed)
}
