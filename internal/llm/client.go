// Package llm talks to the hosted models that turn a command into a plan.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

type Request struct {
	System      string
	Messages    []Message
	Temperature float32
	MaxTokens   int
	// JSON asks the provider for a JSON-only response where supported.
	JSON bool
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Response struct {
	Text string
}

type Provider string

const (
	ProviderGemini    Provider = "gemini"
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderGemini, ProviderAnthropic, ProviderOpenAI:
		return true
	}
	return false
}

const (
	envProvider = "LLM_PROVIDER"

	defaultTimeout        = 60 * time.Second
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultMaxTokens      = 900
	maxRequestSize        = 200000
)

var ErrNoMessages = errors.New("no messages")

// Settings select and configure one provider. Empty fields fall back to the
// provider's environment variables and defaults.
type Settings struct {
	Provider       Provider
	Model          string
	APIKey         string
	BaseURL        string
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration

	// RequestsPerMinute caps the request rate; zero means unlimited.
	RequestsPerMinute float64
}

// providerEnv lists the key and model variables each provider reads.
var providerEnv = map[Provider]struct {
	keys  []string
	model string
	def   string
}{
	ProviderGemini:    {keys: []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}, model: "GEMINI_MODEL", def: "gemini-2.0-flash"},
	ProviderAnthropic: {keys: []string{"ANTHROPIC_API_KEY"}, model: "ANTHROPIC_MODEL", def: "claude-sonnet-4-5-20250929"},
	ProviderOpenAI:    {keys: []string{"OPENAI_API_KEY"}, model: "OPENAI_MODEL", def: "gpt-4o-mini"},
}

// withDefaults resolves the provider from LLM_PROVIDER when unset and fills
// key, model and retry settings.
func (s Settings) withDefaults() (Settings, error) {
	if s.Provider == "" {
		s.Provider = Provider(strings.ToLower(strings.TrimSpace(os.Getenv(envProvider))))
	}
	if s.Provider == "" {
		s.Provider = ProviderGemini
	}
	env, ok := providerEnv[s.Provider]
	if !ok {
		return s, fmt.Errorf("unknown LLM provider: %s (use 'gemini', 'anthropic' or 'openai')", s.Provider)
	}
	if strings.TrimSpace(s.APIKey) == "" {
		for _, k := range env.keys {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				s.APIKey = v
				break
			}
		}
	}
	if s.APIKey == "" {
		return s, fmt.Errorf("missing %s", env.keys[0])
	}
	if strings.TrimSpace(s.Model) == "" {
		s.Model = strings.TrimSpace(os.Getenv(env.model))
	}
	s.Model = strings.Trim(s.Model, "\"'")
	if s.Model == "" {
		s.Model = env.def
	}
	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	} else if s.MaxRetries == 0 {
		s.MaxRetries = defaultMaxRetries
	}
	if s.RetryBaseDelay <= 0 {
		s.RetryBaseDelay = defaultRetryBaseDelay
	}
	return s, nil
}

// New builds the client for s.Provider.
func New(ctx context.Context, s Settings, logger zerolog.Logger) (Client, error) {
	s, err := s.withDefaults()
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("comp", "llm").Str("provider", string(s.Provider)).Logger()
	var c Client
	switch s.Provider {
	case ProviderAnthropic:
		c = newAnthropic(s, logger)
	case ProviderOpenAI:
		c = newOpenAI(s, logger)
	default:
		g, err := newGemini(ctx, s, logger)
		if err != nil {
			return nil, err
		}
		c = g
	}
	return withRateLimit(c, s.RequestsPerMinute), nil
}

// clamp truncates oversized prompt parts of req. The caller's message slice
// is left untouched.
func clamp(req *Request, logger zerolog.Logger) error {
	if len(req.Messages) == 0 {
		return ErrNoMessages
	}
	msgs := make([]Message, len(req.Messages))
	copy(msgs, req.Messages)
	for i, m := range msgs {
		if len(m.Content) > maxRequestSize {
			logger.Warn().Int("message_idx", i).Int("size", len(m.Content)).Msg("message too large, truncating")
			msgs[i].Content = cutRunes(m.Content, maxRequestSize) + "... [truncated]"
		}
	}
	req.Messages = msgs
	if len(req.System) > maxRequestSize {
		logger.Warn().Int("size", len(req.System)).Msg("system prompt too large, truncating")
		req.System = cutRunes(req.System, maxRequestSize) + "... [truncated]"
	}
	if req.MaxTokens < defaultMaxTokens {
		req.MaxTokens = defaultMaxTokens
	}
	return nil
}

// cutRunes returns the longest prefix of s that is at most maxBytes long and
// does not split a UTF-8 sequence.
func cutRunes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return cutRunes(s, maxLen) + "..."
}
