package ai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"sopforge/backend/pkg/models"
)

// OpenAIBaseURL is the default chat completions endpoint.
const OpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI invokes the OpenAI chat completions API or any compatible endpoint.
type OpenAI struct {
	client openai.Client
	apiKey string
}

// NewOpenAI creates an OpenAI backend. An empty baseURL uses the public API.
func NewOpenAI(apiKey, baseURL string, opts ...option.RequestOption) *OpenAI {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// retries are owned by the pipeline attempt cap
		option.WithMaxRetries(0),
	}
	if baseURL != "" && baseURL != OpenAIBaseURL {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, opts...)
	return &OpenAI{client: openai.NewClient(reqOpts...), apiKey: apiKey}
}

// Available reports whether an API key is configured.
func (o *OpenAI) Available() bool {
	return o.apiKey != ""
}

// Invoke sends the system prompt and the user payload as one chat turn.
func (o *OpenAI) Invoke(ctx context.Context, req Request) (Response, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(req.Params.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.SystemPrompt),
			openai.UserMessage(string(req.UserPayload)),
		},
		Temperature: openai.Opt(req.Params.Temperature),
	}
	if req.Params.MaxTokens > 0 {
		params.MaxTokens = openai.Opt(int64(req.Params.MaxTokens))
	}
	if req.Params.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, err
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("chat completion %s returned no choices", resp.ID)
	}

	text := resp.Choices[0].Message.Content
	out := Response{
		Text:  text,
		Model: resp.Model,
		Usage: models.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	if req.Params.JSON {
		out.JSON = asJSON(text)
	}
	return out, nil
}
