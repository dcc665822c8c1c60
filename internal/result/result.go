// Package result defines the per-action and per-plan outcome records.
package result

import (
	"fmt"
	"strings"
	"time"

	"github.com/polzovatel/browser-command-agent/internal/plan"
)

// ErrorKind classifies a failed outcome.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindPlanning      ErrorKind = "PlanningError"
	KindUnknownAction ErrorKind = "UnknownAction"
	KindActionFailed  ErrorKind = "ActionError"
	KindUnexpected    ErrorKind = "UnexpectedError"
	// KindVerification means every step succeeded but the page did not
	// confirm the outcome.
	KindVerification ErrorKind = "VerificationError"
)

// Attempt records one discarded candidate-selector try.
type Attempt struct {
	Selector string
	Err      error
	Elapsed  time.Duration
}

func (a Attempt) String() string {
	if a.Err == nil {
		return a.Selector
	}
	return fmt.Sprintf("%s (%v)", a.Selector, a.Err)
}

// ActionResult is produced once per executed action and not modified after.
type ActionResult struct {
	Success bool
	Message string
	Kind    ErrorKind
	Action  plan.Kind
	// Selector is the candidate that succeeded, when one was used.
	Selector string
	// Attempts lists the candidates that were tried and discarded. It is
	// empty on success.
	Attempts []Attempt
	Elapsed  time.Duration
}

func Succeeded(action plan.Kind, message string) ActionResult {
	return ActionResult{Success: true, Message: message, Action: action}
}

func Failed(action plan.Kind, kind ErrorKind, message string) ActionResult {
	return ActionResult{Success: false, Message: message, Kind: kind, Action: action}
}

// Tried returns the selectors of every recorded attempt, in order.
func (r ActionResult) Tried() []string {
	out := make([]string, 0, len(r.Attempts))
	for _, a := range r.Attempts {
		out = append(out, a.Selector)
	}
	return out
}

// PlanResult aggregates one Interact call. On failure it carries the first
// failed ActionResult.
type PlanResult struct {
	Success     bool
	Message     string
	Kind        ErrorKind
	Description string
	// Executed counts the actions that were run, including the failed one.
	Executed int
	// FailedStep is the 1-based position of the failed step, zero on success.
	FailedStep int
	Failure    *ActionResult
}

func Completed(description string, executed int) PlanResult {
	return PlanResult{
		Success:     true,
		Message:     "Command executed successfully",
		Description: description,
		Executed:    executed,
	}
}

func PlanningFailed(message string) PlanResult {
	return PlanResult{Success: false, Message: message, Kind: KindPlanning}
}

func Unexpected(err any) PlanResult {
	return PlanResult{Success: false, Message: fmt.Sprintf("Unexpected error: %v", err), Kind: KindUnexpected}
}

// StepFailed propagates a failed action as the outcome of the whole plan.
func StepFailed(description string, step int, executed int, failed ActionResult) PlanResult {
	return PlanResult{
		Success:     false,
		Message:     failed.Message,
		Kind:        failed.Kind,
		Description: description,
		Executed:    executed,
		FailedStep:  step,
		Failure:     &failed,
	}
}

// VerificationFailed reports a plan whose steps all ran but whose outcome the
// page did not confirm.
func VerificationFailed(description string, executed int, failed ActionResult) PlanResult {
	failed.Kind = KindVerification
	return PlanResult{
		Success:     false,
		Message:     failed.Message,
		Kind:        KindVerification,
		Description: description,
		Executed:    executed,
		Failure:     &failed,
	}
}

func (r PlanResult) String() string {
	if r.Success {
		return fmt.Sprintf("success: %s (%d steps)", r.Message, r.Executed)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "failed [%s]", r.Kind)
	if r.FailedStep > 0 {
		fmt.Fprintf(&b, " at step %d", r.FailedStep)
	}
	fmt.Fprintf(&b, ": %s", r.Message)
	return b.String()
}
