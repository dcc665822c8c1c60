package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

var errEmptyCandidate = errors.New("empty response from model")

type geminiClient struct {
	model  string
	api    *genai.Client
	retry  retryPolicy
	logger zerolog.Logger
}

func newGemini(ctx context.Context, s Settings, logger zerolog.Logger) (*geminiClient, error) {
	timeout := s.Timeout
	cfg := &genai.ClientConfig{
		APIKey:     s.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: s.Timeout},
		HTTPOptions: genai.HTTPOptions{
			BaseURL: s.BaseURL,
			Timeout: &timeout,
		},
	}
	api, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &geminiClient{model: s.Model, api: api, retry: newRetryPolicy(s), logger: logger}, nil
}

func (c *geminiClient) Name() string { return c.model }

func (c *geminiClient) Generate(ctx context.Context, req Request) (Response, error) {
	if err := clamp(&req, c.logger); err != nil {
		return Response{}, err
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == "assistant" || m.Role == "model" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(req.Temperature),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSON {
		config.ResponseMIMEType = "application/json"
	}

	c.logger.Debug().
		Str("model", c.model).
		Int("messages", len(contents)).
		Int("max_tokens", req.MaxTokens).
		Bool("json", req.JSON).
		Msg("Gemini API request")

	var out Response
	err := c.retry.run(ctx, c.logger, func() error {
		resp, err := c.api.Models.GenerateContent(ctx, c.model, contents, config)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			var gErr genai.APIError
			if errors.As(err, &gErr) {
				apiErr := &APIError{Provider: "gemini", Status: gErr.Code, Type: gErr.Status, Message: truncateString(gErr.Message, 500)}
				c.logger.Error().
					Int("status", gErr.Code).
					Str("error_type", gErr.Status).
					Str("error_msg", gErr.Message).
					Msg("Gemini API error")
				return classify(apiErr)
			}
			return fmt.Errorf("gemini request: %w", err)
		}
		text := resp.Text()
		if text == "" {
			return backoff.Permanent(errEmptyCandidate)
		}
		out = Response{Text: text}
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	c.logger.Debug().Int("response_length", len(out.Text)).Msg("Gemini API success")
	return out, nil
}
