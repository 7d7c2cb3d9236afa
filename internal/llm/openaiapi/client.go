// Package openaiapi is a model backend over the OpenAI Responses API.
package openaiapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/metalagman/appforge/internal/llm"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/rs/zerolog/log"
)

// Client generates text with a single Responses API call per prompt.
type Client struct {
	model  string
	client openai.Client
}

var _ llm.Generator = (*Client)(nil)

// NewClient constructs a new OpenAI API client.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	cfg, err := cfg.resolve()
	if err != nil {
		return nil, err
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &Client{model: cfg.Model, client: openai.NewClient(opts...)}, nil
}

// Generate executes a single Responses API request. A prompt schema is
// sent as a JSON schema output format.
func (c *Client) Generate(ctx context.Context, p llm.Prompt) (string, error) {
	params, err := c.params(p)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		err = fmt.Errorf("openai responses.create: %w", err)
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", llm.ClassifyStatus(apiErr.StatusCode, err)
		}
		return "", llm.Classify(err)
	}
	if msg := strings.TrimSpace(resp.Error.Message); msg != "" {
		return "", fmt.Errorf("%w: openai response failed: %s", llm.ErrModelUnavailable, msg)
	}
	log.Debug().
		Str("stage", p.Stage.String()).
		Int64("input_tokens", resp.Usage.InputTokens).
		Int64("output_tokens", resp.Usage.OutputTokens).
		Msg("openai usage")

	output := strings.TrimSpace(resp.OutputText())
	if output == "" {
		return "", fmt.Errorf("%w: openai response did not contain output text", llm.ErrModelUnavailable)
	}
	return output, nil
}

func (c *Client) params(p llm.Prompt) (responses.ResponseNewParams, error) {
	params := responses.ResponseNewParams{
		Model: c.model,
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(p.User),
		},
	}
	if p.System != "" {
		params.Instructions = openai.String(p.System)
	}
	if p.Schema != "" {
		var schema map[string]any
		if err := json.Unmarshal([]byte(p.Schema), &schema); err != nil {
			return params, fmt.Errorf("decode output schema: %w", err)
		}
		delete(schema, "$schema")
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:   formatName(p),
					Schema: schema,
				},
			},
		}
	}
	return params, nil
}

func formatName(p llm.Prompt) string {
	if p.Stage == "" {
		return "reply"
	}
	return p.Stage.String() + "_reply"
}
