package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	anthropicURL     = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"
)

type anthropicClient struct {
	apiKey string
	model  string
	url    string
	http   *http.Client
	retry  retryPolicy
	logger zerolog.Logger
}

func newAnthropic(s Settings, logger zerolog.Logger) *anthropicClient {
	url := anthropicURL
	if s.BaseURL != "" {
		url = strings.TrimRight(s.BaseURL, "/") + "/v1/messages"
	}
	return &anthropicClient{
		apiKey: s.APIKey,
		model:  s.Model,
		url:    url,
		http:   &http.Client{Timeout: s.Timeout},
		retry:  newRetryPolicy(s),
		logger: logger,
	}
}

func (c *anthropicClient) Name() string { return c.model }

func (c *anthropicClient) Generate(ctx context.Context, req Request) (Response, error) {
	if err := clamp(&req, c.logger); err != nil {
		return Response{}, err
	}

	payload := anthropicRequest{
		Model:       c.model,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: float64(req.Temperature),
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, anthropicMessage{
			Role:    m.Role,
			Content: []anthropicBlock{{Type: "text", Text: m.Content}},
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("marshal payload: %w", err)
	}
	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	}

	c.logger.Debug().Str("model", c.model).Int("messages", len(payload.Messages)).
		Int("bytes", len(body)).Int("max_tokens", payload.MaxTokens).Msg("anthropic request")

	var out Response
	err = c.retry.run(ctx, c.logger, func() error {
		status, data, err := postJSON(ctx, c.http, c.url, headers, body)
		if err != nil {
			return err
		}
		c.logger.Debug().Int("status", status).Int("response_size", len(data)).Msg("anthropic response")

		if status >= 400 {
			apiErr := &APIError{Provider: "anthropic", Status: status}
			var env anthropicErrorEnvelope
			if json.Unmarshal(data, &env) == nil && env.Error.Message != "" {
				apiErr.Type = env.Error.Type
				apiErr.Message = env.Error.Message
			} else {
				apiErr.Message = rawMessage(data)
			}
			c.logger.Warn().Err(apiErr).Msg("anthropic rejected request")
			if status == http.StatusBadRequest && strings.Contains(apiErr.Message, "API usage limits") {
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrUsageLimit, apiErr.Message))
			}
			return classify(apiErr)
		}

		var reply anthropicReply
		if err := json.Unmarshal(data, &reply); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
		var text strings.Builder
		for _, b := range reply.Content {
			if b.Type == "text" {
				text.WriteString(b.Text)
			}
		}
		out = Response{Text: text.String()}
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	c.logger.Debug().Int("response_length", len(out.Text)).Msg("anthropic completion")
	return out, nil
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicReply struct {
	Content []anthropicBlock `json:"content"`
}

type anthropicErrorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
