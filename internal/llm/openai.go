package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const openAIURL = "https://api.openai.com/v1/chat/completions"

var errNoChoices = errors.New("no choices in response")

type openAIClient struct {
	apiKey string
	model  string
	url    string
	http   *http.Client
	retry  retryPolicy
	logger zerolog.Logger
}

type openAIPayload struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat *openAIFormat   `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIFormat struct {
	Type string `json:"type"`
}

type openAICompletion struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		In  int `json:"prompt_tokens"`
		Out int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Code    string `json:"code"`
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func newOpenAI(s Settings, logger zerolog.Logger) *openAIClient {
	url := openAIURL
	if s.BaseURL != "" {
		url = strings.TrimRight(s.BaseURL, "/") + "/v1/chat/completions"
	}
	return &openAIClient{
		apiKey: s.APIKey,
		model:  s.Model,
		url:    url,
		http:   &http.Client{Timeout: s.Timeout},
		retry:  newRetryPolicy(s),
		logger: logger,
	}
}

func (c *openAIClient) Name() string { return c.model }

func (c *openAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	if err := clamp(&req, c.logger); err != nil {
		return Response{}, err
	}

	payload := openAIPayload{
		Model:       c.model,
		Temperature: float64(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		payload.Messages = append(payload.Messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, openAIMessage(m))
	}
	if req.JSON {
		payload.ResponseFormat = &openAIFormat{Type: "json_object"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("marshal payload: %w", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}

	c.logger.Debug().Str("model", c.model).Int("messages", len(payload.Messages)).
		Int("bytes", len(body)).Bool("json", req.JSON).Msg("openai request")

	var out Response
	err = c.retry.run(ctx, c.logger, func() error {
		status, data, err := postJSON(ctx, c.http, c.url, headers, body)
		if err != nil {
			return err
		}
		c.logger.Debug().Int("status", status).Int("response_size", len(data)).Msg("openai response")

		var or openAICompletion
		parseErr := json.Unmarshal(data, &or)
		if status >= 400 {
			apiErr := &APIError{Provider: "openai", Status: status}
			if parseErr == nil && or.Error != nil {
				apiErr.Type = or.Error.Type
				apiErr.Message = or.Error.Message
			} else {
				apiErr.Message = rawMessage(data)
			}
			c.logger.Warn().Err(apiErr).Msg("openai rejected request")
			if or.Error != nil && or.Error.Code == "insufficient_quota" {
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrUsageLimit, apiErr.Message))
			}
			return classify(apiErr)
		}
		if parseErr != nil {
			return fmt.Errorf("parse response: %w", parseErr)
		}
		if len(or.Choices) == 0 {
			return backoff.Permanent(errNoChoices)
		}
		c.logger.Debug().Int("tokens_in", or.Usage.In).Int("tokens_out", or.Usage.Out).
			Str("finish", or.Choices[0].FinishReason).Msg("openai completion")
		out = Response{Text: or.Choices[0].Message.Content}
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	return out, nil
}
