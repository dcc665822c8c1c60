package planner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-command-agent/internal/llm"
	"github.com/polzovatel/browser-command-agent/internal/plan"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(llm.Response), args.Error(1)
}

func (m *mockClient) Name() string {
	return m.Called().String(0)
}

type recordingObserver struct {
	provider string
	ok       []bool
}

func (r *recordingObserver) RecordLLMRequest(provider string, ok bool, _ time.Duration) {
	r.provider = provider
	r.ok = append(r.ok, ok)
}

const githubPlan = "```json\n" + `{
  "plan_description": "Search GitHub",
  "steps": [
    {"step_number": 1, "description": "open", "action": {"type": "navigation", "target": "GitHub", "value": "github.com", "selectors": []}},
    {"step_number": 2, "description": "type", "action": {"type": "type", "target": "search input", "value": "python", "selectors": ["input[name='q']"]}},
  ]
}` + "\n```"

func newClient(name string) *mockClient {
	c := &mockClient{}
	c.On("Name").Return(name)
	return c
}

func TestPlanBuildsPromptAndNormalizes(t *testing.T) {
	client := newClient("gemini-test")
	client.On("Generate", mock.Anything, mock.MatchedBy(func(req llm.Request) bool {
		return req.JSON &&
			strings.Contains(req.System, `"plan_description"`) &&
			strings.Contains(req.System, "NOTHING else") &&
			len(req.Messages) == 1 &&
			strings.Contains(req.Messages[0].Content, `USER COMMAND: "search github for python"`) &&
			strings.Contains(req.Messages[0].Content, "URL: https://github.com")
	})).Return(llm.Response{Text: githubPlan}, nil).Once()

	obs := &recordingObserver{}
	p := New(client, zerolog.Nop(), WithObserver(obs))
	got, err := p.Plan(context.Background(), "  search github for python ", "URL: https://github.com\n<form></form>")
	require.NoError(t, err)

	assert.Equal(t, "Search GitHub", got.Description)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, plan.KindNavigate, got.Steps[0].Action.Kind)
	assert.Equal(t, plan.KindType, got.Steps[1].Action.Kind)
	assert.Equal(t, []string{"input[name='q']"}, got.Steps[1].Action.Selectors)
	assert.Equal(t, "gemini-test", obs.provider)
	assert.Equal(t, []bool{true}, obs.ok)
	client.AssertExpectations(t)
}

func TestPlanOmitsEmptySnapshot(t *testing.T) {
	client := newClient("m")
	client.On("Generate", mock.Anything, mock.MatchedBy(func(req llm.Request) bool {
		return !strings.Contains(req.Messages[0].Content, "Current page content")
	})).Return(llm.Response{Text: githubPlan}, nil).Once()

	_, err := New(client, zerolog.Nop()).Plan(context.Background(), "go", "")
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestPlanFailures(t *testing.T) {
	cases := []struct {
		name  string
		resp  llm.Response
		err   error
		cause error
	}{
		{name: "transport", err: errors.New("boom")},
		{name: "prose", resp: llm.Response{Text: "I cannot help with that."}, cause: plan.ErrUnparseable},
		{name: "no steps", resp: llm.Response{Text: `{"plan_description": "nothing", "steps": []}`}, cause: plan.ErrNoSteps},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newClient("m")
			client.On("Generate", mock.Anything, mock.Anything).Return(tc.resp, tc.err).Once()
			obs := &recordingObserver{}

			got, err := New(client, zerolog.Nop(), WithObserver(obs), WithProvider("gemini")).
				Plan(context.Background(), "log in", "")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNoPlan)
			if tc.cause != nil {
				assert.ErrorIs(t, err, tc.cause)
			}
			assert.False(t, got.Usable())
			assert.Equal(t, "gemini", obs.provider)
			assert.Equal(t, []bool{tc.err == nil}, obs.ok)
		})
	}
}

func TestPlanRejectsEmptyCommand(t *testing.T) {
	client := newClient("m")
	_, err := New(client, zerolog.Nop()).Plan(context.Background(), "   ", "")
	assert.ErrorIs(t, err, ErrNoPlan)
	client.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestTemperatureOption(t *testing.T) {
	client := newClient("m")
	client.On("Generate", mock.Anything, mock.MatchedBy(func(req llm.Request) bool {
		return req.Temperature == 0 && req.MaxTokens == defaultMaxTokens
	})).Return(llm.Response{Text: githubPlan}, nil).Once()

	_, err := New(client, zerolog.Nop(), WithTemperature(0)).Plan(context.Background(), "go", "")
	require.NoError(t, err)
	client.AssertExpectations(t)
}
