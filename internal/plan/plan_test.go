package plan

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKindAliases(t *testing.T) {
	cases := map[string]Kind{
		"navigate":   KindNavigate,
		"Navigation": KindNavigate,
		"goto":       KindNavigate,
		"click":      KindClick,
		"fill":       KindType,
		"type":       KindType,
		"wait-for":   KindWait,
		"submit":     KindSubmit,
		"press key":  KindPress,
		"hover":      KindUnknown,
		"":           KindUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseKind(in), in)
	}
	assert.Equal(t, "unknown", KindUnknown.String())
	assert.False(t, KindUnknown.Valid())
	assert.True(t, KindPress.Valid())
}

func TestValueUnmarshal(t *testing.T) {
	cases := map[string]string{
		`"https://example.com"`: "https://example.com",
		`2000`:                  "2000",
		`1.5`:                   "1.5",
		`true`:                  "true",
		`null`:                  "",
	}
	for in, want := range cases {
		var v Value
		require.NoError(t, json.Unmarshal([]byte(in), &v), in)
		assert.Equal(t, want, v.String(), in)
	}

	var v Value
	assert.Error(t, json.Unmarshal([]byte(`{"a":1}`), &v))
}

func TestValueNumbers(t *testing.T) {
	n, ok := StringValue(" 2000 ").Int()
	require.True(t, ok)
	assert.Equal(t, 2000, n)

	n, ok = StringValue("2.7").Int()
	require.True(t, ok)
	assert.Equal(t, 2, n)

	_, ok = StringValue("soon").Int()
	assert.False(t, ok)

	f, ok := StringValue("0.5").Float()
	require.True(t, ok)
	assert.Equal(t, 0.5, f)
}

func TestValueResolveEnv(t *testing.T) {
	t.Setenv("AGENT_TEST_SECRET", "hunter2")

	v := StringValue("ENV:AGENT_TEST_SECRET")
	name, ok := v.EnvName()
	require.True(t, ok)
	assert.Equal(t, "AGENT_TEST_SECRET", name)
	assert.Equal(t, "hunter2", v.Resolve())

	assert.Equal(t, "", StringValue("ENV:AGENT_TEST_UNSET_VARIABLE").Resolve())
	assert.Equal(t, "plain", StringValue("plain").Resolve())
}

func TestEnsureScheme(t *testing.T) {
	cases := map[string]string{
		"github.com":          "https://github.com",
		"//cdn.example.com/x": "https://cdn.example.com/x",
		"http://example.com":  "http://example.com",
		"https://example.com": "https://example.com",
		"about:blank":         "about:blank",
		"":                    "",
	}
	for in, want := range cases {
		assert.Equal(t, want, EnsureScheme(in), in)
	}
}

func TestActionMarshalKeepsRawUnknownKind(t *testing.T) {
	raw, err := json.Marshal(Action{RawKind: "hover", Target: "menu"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"hover","target":"menu","value":"","selectors":[]}`, string(raw))

	var back Action
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, KindUnknown, back.Kind)
	assert.Equal(t, "hover", back.RawKind)
}

func TestPlanActions(t *testing.T) {
	p := Plan{Steps: []Step{
		{Number: 1, Action: Action{Kind: KindNavigate, Value: StringValue("https://example.com")}},
		{Number: 2, Action: Action{Kind: KindClick, Selectors: []string{"#accept"}}},
	}}
	actions := p.Actions()
	require.Len(t, actions, 2)
	assert.Equal(t, KindClick, actions[1].Kind)
	assert.True(t, p.Usable())
	assert.False(t, Plan{}.Usable())
}
