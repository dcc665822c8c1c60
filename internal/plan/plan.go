// Package plan holds the typed step plan produced from planner output and the
// normalizer that builds it from loosely formatted JSON text.
package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Kind is the closed set of operations a step can perform.
type Kind string

const (
	KindUnknown  Kind = ""
	KindNavigate Kind = "navigate"
	KindClick    Kind = "click"
	KindType     Kind = "type"
	KindWait     Kind = "wait"
	KindSubmit   Kind = "submit"
	KindPress    Kind = "press"
)

var kindAliases = map[string]Kind{
	"navigate":   KindNavigate,
	"navigation": KindNavigate,
	"goto":       KindNavigate,
	"go_to":      KindNavigate,
	"open":       KindNavigate,
	"click":      KindClick,
	"tap":        KindClick,
	"type":       KindType,
	"fill":       KindType,
	"input":      KindType,
	"wait":       KindWait,
	"wait_for":   KindWait,
	"sleep":      KindWait,
	"submit":     KindSubmit,
	"press":      KindPress,
	"press_key":  KindPress,
	"key":        KindPress,
	"keypress":   KindPress,
}

// ParseKind maps a planner-supplied kind (or one of its aliases) onto Kind.
// Unrecognized names map to KindUnknown.
func ParseKind(s string) Kind {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, " ", "_")
	return kindAliases[key]
}

func (k Kind) Valid() bool { return k != KindUnknown }

func (k Kind) String() string {
	if k == KindUnknown {
		return "unknown"
	}
	return string(k)
}

// EnvPrefix marks a value that must be read from the process environment.
const EnvPrefix = "ENV:"

// Value is the action argument: a URL, text to type, a duration, or a key
// name. Planners emit it as a string or a number; both are kept in string form.
type Value struct {
	raw string
}

func StringValue(s string) Value { return Value{raw: s} }

func IntValue(n int) Value { return Value{raw: strconv.Itoa(n)} }

func (v Value) String() string { return v.raw }

func (v Value) IsZero() bool { return strings.TrimSpace(v.raw) == "" }

// Int parses the value as a whole number.
func (v Value) Int() (int, bool) {
	s := strings.TrimSpace(v.raw)
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f), true
	}
	return 0, false
}

// Float parses the value as a decimal number.
func (v Value) Float() (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v.raw), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// EnvName reports the variable name when the value is an ENV:<NAME> reference.
func (v Value) EnvName() (string, bool) {
	s := strings.TrimSpace(v.raw)
	if !strings.HasPrefix(s, EnvPrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(s, EnvPrefix)), true
}

// Resolve returns the literal value, or the environment variable it refers
// to (empty when unset).
func (v Value) Resolve() string {
	if name, ok := v.EnvName(); ok {
		return os.Getenv(name)
	}
	return v.raw
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.raw)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	switch {
	case s == "" || s == "null":
		v.raw = ""
	case s[0] == '"':
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		v.raw = str
	case s == "true" || s == "false":
		v.raw = s
	case s[0] == '{' || s[0] == '[':
		return fmt.Errorf("plan: value must be a scalar, got %q", truncate(s, 40))
	default:
		var num json.Number
		if err := json.Unmarshal(data, &num); err != nil {
			return err
		}
		v.raw = num.String()
	}
	return nil
}

// Action is one executable operation. Target is a human label and is never
// executed; Selectors are candidate locators tried in order.
type Action struct {
	Kind      Kind
	RawKind   string
	Target    string
	Value     Value
	Selectors []string
}

func (a Action) MarshalJSON() ([]byte, error) {
	kind := string(a.Kind)
	if a.Kind == KindUnknown {
		kind = a.RawKind
	}
	selectors := a.Selectors
	if selectors == nil {
		selectors = []string{}
	}
	return json.Marshal(struct {
		Type      string   `json:"type"`
		Target    string   `json:"target"`
		Value     Value    `json:"value"`
		Selectors []string `json:"selectors"`
	}{kind, a.Target, a.Value, selectors})
}

// Step pairs an action with its advisory sequence number and description.
type Step struct {
	Number      int    `json:"step_number"`
	Description string `json:"description"`
	Action      Action `json:"action"`
}

// Plan is the ordered step sequence for one command. Execution order is the
// slice order; step numbers are for logging only.
type Plan struct {
	Description  string        `json:"plan_description"`
	Steps        []Step        `json:"steps"`
	Verification *Verification `json:"verification,omitempty"`
}

// Verification names elements whose appearance confirms that a completed
// plan had its intended effect. Any one indicator is enough.
type Verification struct {
	SuccessIndicators []string `json:"success_indicators"`
	// TimeoutMS bounds the wait; zero leaves the choice to the caller.
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

// Usable reports whether the plan has anything to execute. A plan without
// steps is treated the same as a planning failure.
func (p Plan) Usable() bool { return len(p.Steps) > 0 }

// Actions returns the plan's actions in execution order.
func (p Plan) Actions() []Action {
	out := make([]Action, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, s.Action)
	}
	return out
}

// EnsureScheme prefixes https:// onto a URL that has no scheme.
func EnsureScheme(u string) string {
	u = strings.TrimSpace(u)
	if u == "" || strings.Contains(u, "://") {
		return u
	}
	lower := strings.ToLower(u)
	if strings.HasPrefix(lower, "about:") || strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "file:") {
		return u
	}
	return "https://" + strings.TrimPrefix(u, "//")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
