package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// ErrUnparseable means no JSON plan could be recovered from the text.
	ErrUnparseable = errors.New("plan: unparseable planner output")
	// ErrNoSteps means the text parsed but carried no steps.
	ErrNoSteps = errors.New("plan: no steps")
)

// Normalizer turns raw planner text into a Plan. It tolerates code fences,
// trailing commas and prose around the JSON object.
type Normalizer struct {
	logger zerolog.Logger
}

func NewNormalizer(logger zerolog.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize parses raw planner output. On failure it returns the empty Plan
// together with ErrUnparseable or ErrNoSteps; it never panics.
func (n *Normalizer) Normalize(raw string) (p Plan, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = Plan{}, fmt.Errorf("%w: %v", ErrUnparseable, r)
		}
		if err != nil {
			n.logger.Warn().
				Err(err).
				Int("raw_len", len(raw)).
				Msg("planner output rejected, using empty plan")
			n.logger.Debug().Str("raw", truncate(raw, 2000)).Msg("rejected planner output")
		}
	}()

	text := cleanup(raw)
	if text == "" {
		return Plan{}, fmt.Errorf("%w: empty text", ErrUnparseable)
	}

	parsed, err := decodeDocument([]byte(text))
	if err != nil {
		span, ok := firstObject(text)
		if !ok {
			return Plan{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
		}
		n.logger.Debug().Err(err).Msg("strict parse failed, retrying on first object span")
		parsed, err = decodeDocument([]byte(span))
		if err != nil {
			return Plan{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
		}
	}
	if !parsed.Usable() {
		return Plan{}, ErrNoSteps
	}

	for i := range parsed.Steps {
		step := &parsed.Steps[i]
		if step.Number != i+1 {
			n.logger.Debug().Int("got", step.Number).Int("position", i+1).Msg("renumbering step")
			step.Number = i + 1
		}
		if !step.Action.Kind.Valid() {
			n.logger.Warn().Int("step", step.Number).Str("kind", step.Action.RawKind).Msg("unrecognized action kind")
		}
	}
	n.logger.Debug().
		Int("steps", len(parsed.Steps)).
		Str("description", parsed.Description).
		Msg("plan normalized")
	return parsed, nil
}

// cleanup strips code fences and triple-quote wrappers and drops trailing
// commas outside string literals.
func cleanup(raw string) string {
	text := strings.TrimSpace(raw)
	for _, fence := range []string{"```json", "```JSON", "```"} {
		text = strings.ReplaceAll(text, fence, "")
	}
	text = strings.TrimSpace(text)
	for _, q := range []string{`"""`, `'''`} {
		if strings.HasPrefix(text, q) {
			text = strings.TrimPrefix(text, q)
			text = strings.TrimSuffix(strings.TrimSpace(text), q)
		}
	}
	return removeTrailingCommas(strings.TrimSpace(text))
}

func removeTrailingCommas(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inStr, esc := false, false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inStr {
			b.WriteByte(ch)
			switch {
			case esc:
				esc = false
			case ch == '\\':
				esc = true
			case ch == '"':
				inStr = false
			}
			continue
		}
		if ch == '"' {
			inStr = true
			b.WriteByte(ch)
			continue
		}
		if ch == ',' {
			j := i + 1
			for j < len(text) && isSpace(text[j]) {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				continue
			}
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// firstObject returns the first balanced {...} span, ignoring braces that
// appear inside string literals.
func firstObject(text string) (string, bool) {
	depth := 0
	start := -1
	inStr := false
	esc := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if esc {
			esc = false
			continue
		}
		switch ch {
		case '\\':
			if inStr {
				esc = true
			}
		case '"':
			if start != -1 {
				inStr = !inStr
			}
		case '{':
			if !inStr {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inStr && depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return text[start : i+1], true
				}
			}
		}
	}
	return "", false
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\r' || b == '\t'
}

func decodeDocument(data []byte) (Plan, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Plan{}, errors.New("empty document")
	}
	switch trimmed[0] {
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return Plan{}, err
		}
		return decodeEnvelope(fields)
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return Plan{}, err
		}
		return wrapSequence(items)
	default:
		return Plan{}, fmt.Errorf("top-level value is neither object nor array")
	}
}

func decodeEnvelope(fields map[string]json.RawMessage) (Plan, error) {
	p := Plan{
		Description:  stringField(fields, "plan_description", "description"),
		Verification: decodeVerification(fields["verification"]),
	}
	rawSteps, ok := fields["steps"]
	if !ok || isNull(rawSteps) {
		return p, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(rawSteps, &items); err != nil {
		return Plan{}, fmt.Errorf("steps: %w", err)
	}
	for i, item := range items {
		step, err := decodeStep(item, i+1)
		if err != nil {
			return Plan{}, fmt.Errorf("step %d: %w", i+1, err)
		}
		p.Steps = append(p.Steps, step)
	}
	return p, nil
}

// wrapSequence builds a plan envelope around a bare top-level array; each
// element becomes one step. Elements that are not objects become opaque
// steps of unknown kind so the executor reports them instead of the whole
// plan being dropped.
func wrapSequence(items []json.RawMessage) (Plan, error) {
	p := Plan{}
	for i, item := range items {
		if !isObject(item) {
			p.Steps = append(p.Steps, opaqueStep(item, i+1))
			continue
		}
		step, err := decodeStep(item, i+1)
		if err != nil {
			return Plan{}, fmt.Errorf("item %d: %w", i+1, err)
		}
		p.Steps = append(p.Steps, step)
	}
	return p, nil
}

func opaqueStep(item json.RawMessage, position int) Step {
	text := string(bytes.TrimSpace(item))
	var str string
	if json.Unmarshal(item, &str) == nil {
		text = strings.TrimSpace(str)
	}
	return Step{
		Number:      position,
		Description: text,
		Action:      Action{Kind: KindUnknown, RawKind: text, Target: text},
	}
}

func decodeStep(data json.RawMessage, position int) (Step, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Step{}, err
	}
	step := Step{
		Number:      position,
		Description: stringField(fields, "description"),
	}
	if raw, ok := fields["step_number"]; ok {
		var v Value
		if err := json.Unmarshal(raw, &v); err == nil {
			if n, ok := v.Int(); ok {
				step.Number = n
			}
		}
	}

	var (
		action Action
		err    error
	)
	switch {
	case isObject(fields["action"]):
		action, err = decodeAction(fields["action"], "")
	case isObject(fields["details"]):
		action, err = decodeAction(fields["details"], stringField(fields, "action_type", "action", "type"))
	default:
		action, err = decodeActionFields(fields, "")
	}
	if err != nil {
		return Step{}, err
	}
	step.Action = action
	return step, nil
}

func (a *Action) UnmarshalJSON(data []byte) error {
	decoded, err := decodeAction(data, "")
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

func decodeAction(data json.RawMessage, kindHint string) (Action, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Action{}, err
	}
	return decodeActionFields(fields, kindHint)
}

func decodeActionFields(fields map[string]json.RawMessage, kindHint string) (Action, error) {
	rawKind := stringField(fields, "type", "kind", "action_type", "action")
	if rawKind == "" {
		rawKind = kindHint
	}
	a := Action{
		Kind:    ParseKind(rawKind),
		RawKind: rawKind,
		Target:  stringField(fields, "target", "element"),
	}
	for _, key := range []string{"value", "url", "text", "key", "seconds", "ms"} {
		raw, ok := fields[key]
		if !ok || isNull(raw) {
			continue
		}
		if err := json.Unmarshal(raw, &a.Value); err != nil {
			return Action{}, fmt.Errorf("%s: %w", key, err)
		}
		break
	}
	selectors, err := selectorsField(fields)
	if err != nil {
		return Action{}, err
	}
	a.Selectors = selectors
	if a.Kind == KindNavigate && !a.Value.IsZero() {
		if _, isEnv := a.Value.EnvName(); !isEnv {
			a.Value = StringValue(EnsureScheme(a.Value.String()))
		}
	}
	return a, nil
}

// decodeVerification reads the optional verification block. It is advisory,
// so a malformed block is dropped rather than failing the plan.
func decodeVerification(raw json.RawMessage) *Verification {
	if !isObject(raw) {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	indicators, err := stringList(fields, "success_indicators", "indicators")
	if err != nil || len(indicators) == 0 {
		return nil
	}
	v := &Verification{SuccessIndicators: indicators}
	if t, ok := fields["timeout_ms"]; ok {
		var val Value
		if json.Unmarshal(t, &val) == nil {
			if n, ok := val.Int(); ok && n > 0 {
				v.TimeoutMS = n
			}
		}
	}
	return v
}

func selectorsField(fields map[string]json.RawMessage) ([]string, error) {
	return stringList(fields, "selectors", "selector")
}

// stringList reads the first present key as a string or a list of strings.
func stringList(fields map[string]json.RawMessage, keys ...string) ([]string, error) {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok || isNull(raw) {
			continue
		}
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '"' {
			var one string
			if err := json.Unmarshal(trimmed, &one); err != nil {
				return nil, err
			}
			if strings.TrimSpace(one) == "" {
				return []string{}, nil
			}
			return []string{one}, nil
		}
		var many []string
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return many, nil
	}
	return []string{}, nil
}

func stringField(fields map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return ""
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
