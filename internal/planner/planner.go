// Package planner asks a language model for a step-by-step browser plan.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-command-agent/internal/llm"
	"github.com/polzovatel/browser-command-agent/internal/plan"
)

// ErrNoPlan covers every way planning can fail: a transport error, text that
// is not a plan, or a plan without steps.
var ErrNoPlan = errors.New("failed to generate action plan")

type Planner interface {
	Plan(ctx context.Context, command, snapshot string) (plan.Plan, error)
}

// Observer receives one call per model request.
type Observer interface {
	RecordLLMRequest(provider string, ok bool, elapsed time.Duration)
}

const (
	defaultTemperature = 0.2
	defaultMaxTokens   = 2048
)

const systemPrompt = `You are a browser automation expert. Break the user's command into clear steps that a browser automation system can follow.

RULES:
1. Respond with a SINGLE JSON object and NOTHING else. No prose, no code fences.
2. Allowed action types: navigation, click, type, wait, submit, press.
3. "target" is a short human label of the element (e.g. "search box", "login button").
4. "value" is the URL for navigation, the text for type, the key for press, and seconds (or milliseconds when selectors are given) for wait.
5. "selectors" lists CSS selectors to try in order. Leave it empty when unsure; the executor has fallbacks.
6. Never write secrets into the plan. Use ENV:NAME to reference an environment variable instead.
7. "verification" is optional: CSS selectors of which at least one appears once the command has worked, and how long to wait for it.

FORMAT:
{
  "plan_description": "Brief description of what we're going to do",
  "steps": [
    {
      "step_number": 1,
      "description": "Human readable description of what this step does",
      "action": {
        "type": "navigation|click|type|wait|submit|press",
        "target": "What we're interacting with",
        "value": "Any value needed (e.g. URL, text to type)",
        "selectors": ["CSS selectors to find the element"]
      }
    }
  ],
  "verification": {"success_indicators": ["CSS selectors proving success"], "timeout_ms": 5000}
}

EXAMPLE for "go to github and search for python projects":
{
  "plan_description": "Navigate to GitHub and perform a search for Python projects",
  "steps": [
    {"step_number": 1, "description": "Navigate to GitHub homepage", "action": {"type": "navigation", "target": "GitHub homepage", "value": "https://github.com", "selectors": []}},
    {"step_number": 2, "description": "Click the search box to activate it", "action": {"type": "click", "target": "search box", "value": "", "selectors": ["[data-target='qbsearch-input.inputButton']", "[name='q']"]}},
    {"step_number": 3, "description": "Type search query", "action": {"type": "type", "target": "search input", "value": "python projects", "selectors": ["input[name='q']", "#query-builder-test"]}},
    {"step_number": 4, "description": "Submit search", "action": {"type": "submit", "target": "search form", "value": "", "selectors": ["[type='submit']", ".header-search-button"]}}
  ]
}`

// LLMPlanner turns a command and an optional page snapshot into a Plan.
type LLMPlanner struct {
	client      llm.Client
	normalizer  *plan.Normalizer
	provider    string
	observer    Observer
	temperature float32
	maxTokens   int
	logger      zerolog.Logger
}

type Option func(*LLMPlanner)

func WithObserver(o Observer) Option {
	return func(p *LLMPlanner) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithProvider labels the model requests in metrics.
func WithProvider(name string) Option {
	return func(p *LLMPlanner) { p.provider = name }
}

func WithTemperature(t float32) Option {
	return func(p *LLMPlanner) { p.temperature = t }
}

type nopObserver struct{}

func (nopObserver) RecordLLMRequest(string, bool, time.Duration) {}

func New(client llm.Client, logger zerolog.Logger, opts ...Option) *LLMPlanner {
	logger = logger.With().Str("comp", "planner").Logger()
	p := &LLMPlanner{
		client:      client,
		normalizer:  plan.NewNormalizer(logger),
		provider:    client.Name(),
		observer:    nopObserver{},
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *LLMPlanner) Plan(ctx context.Context, command, snapshot string) (plan.Plan, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return plan.Plan{}, fmt.Errorf("%w: empty command", ErrNoPlan)
	}
	p.logger.Info().Str("command", command).Int("snapshot_len", len(snapshot)).Msg("generating plan")

	start := time.Now()
	resp, err := p.client.Generate(ctx, llm.Request{
		System:      systemPrompt,
		Messages:    []llm.Message{{Role: "user", Content: userMessage(command, snapshot)}},
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
		JSON:        true,
	})
	p.observer.RecordLLMRequest(p.provider, err == nil, time.Since(start))
	if err != nil {
		p.logger.Error().Err(err).Msg("planner request failed")
		return plan.Plan{}, fmt.Errorf("%w: %w", ErrNoPlan, err)
	}
	p.logger.Debug().Int("response_len", len(resp.Text)).Msg("planner responded")

	parsed, err := p.normalizer.Normalize(resp.Text)
	if err != nil {
		return plan.Plan{}, fmt.Errorf("%w: %w", ErrNoPlan, err)
	}
	p.logger.Info().
		Str("description", parsed.Description).
		Int("steps", len(parsed.Steps)).
		Msg("plan generated")
	return parsed, nil
}

func userMessage(command, snapshot string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "USER COMMAND: %q\n", command)
	if snapshot != "" {
		b.WriteString("\nCurrent page content:\n")
		b.WriteString(snapshot)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nProvide a complete plan with all necessary steps to accomplish: %s\n", command)
	return b.String()
}
