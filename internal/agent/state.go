package agent

import (
	"fmt"

	"github.com/rs/zerolog"
)

// State is the phase of one Interact call.
type State int

const (
	StateIdle State = iota
	StatePlanning
	StateNormalizing
	StateExecuting
	StateVerifying
	StateFailed
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlanning:
		return "planning"
	case StateNormalizing:
		return "normalizing"
	case StateExecuting:
		return "executing"
	case StateVerifying:
		return "verifying"
	case StateFailed:
		return "failed"
	case StateCompleted:
		return "completed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool { return s == StateFailed || s == StateCompleted }

// tracker logs transitions. Step is only meaningful while executing.
type tracker struct {
	state  State
	step   int
	logger zerolog.Logger
	trace  []State
}

func newTracker(logger zerolog.Logger) *tracker {
	return &tracker{state: StateIdle, logger: logger, trace: []State{StateIdle}}
}

func (t *tracker) to(next State) {
	if t.state.Terminal() {
		return
	}
	t.logger.Debug().Stringer("from", t.state).Stringer("to", next).Msg("state")
	t.state = next
	t.trace = append(t.trace, next)
}

func (t *tracker) executing(step int) {
	t.step = step
	if t.state == StateExecuting {
		t.logger.Debug().Int("step", step).Msg("next step")
		return
	}
	t.to(StateExecuting)
}
