package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"sopforge/backend/pkg/models"
)

// Sidecar is an HTTP implementation of Capability that delegates to a
// completion service exposing POST /complete.
type Sidecar struct {
	url    string
	client *http.Client
}

type sidecarRequest struct {
	System      string          `json:"system"`
	Input       json.RawMessage `json:"input"`
	Model       string          `json:"model,omitempty"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	JSON        bool            `json:"json"`
}

type sidecarResponse struct {
	Text  string            `json:"text"`
	JSON  json.RawMessage   `json:"json,omitempty"`
	Model string            `json:"model,omitempty"`
	Usage models.TokenUsage `json:"usage"`
}

// NewSidecar creates a new Sidecar client.
func NewSidecar(url string, client *http.Client) *Sidecar {
	if client == nil {
		client = http.DefaultClient
	}
	return &Sidecar{url: strings.TrimRight(url, "/"), client: client}
}

// Available reports whether a sidecar URL is configured.
func (c *Sidecar) Available() bool {
	return c.url != ""
}

// Invoke posts the request to the sidecar.
func (c *Sidecar) Invoke(ctx context.Context, req Request) (Response, error) {
	input := req.UserPayload
	if len(input) == 0 {
		input = json.RawMessage("null")
	}
	requestBody, err := json.Marshal(sidecarRequest{
		System:      req.SystemPrompt,
		Input:       input,
		Model:       req.Params.Model,
		Temperature: req.Params.Temperature,
		MaxTokens:   req.Params.MaxTokens,
		JSON:        req.Params.JSON,
	})
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/complete", bytes.NewReader(requestBody))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Response{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out sidecarResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("failed to decode response body: %w", err)
	}

	result := Response{Text: out.Text, Model: out.Model, Usage: out.Usage}
	if req.Params.JSON {
		if len(out.JSON) > 0 && string(out.JSON) != "null" {
			result.JSON = out.JSON
		} else {
			result.JSON = asJSON(out.Text)
		}
	}
	return result, nil
}
