package scheduler

import "fmt"

// Outcome classifies how an action finished.
type Outcome int

const (
	// OutcomeSuccess covers expected no-op outcomes too, like a plan that
	// needed no optimization.
	OutcomeSuccess Outcome = iota
	// OutcomeSoftFailure is a logged failure the action already recovered
	// from, usually by re-scheduling itself.
	OutcomeSoftFailure
	// OutcomeHardFailure abandons the invocation. The scheduler reports it as
	// an errored job but keeps running.
	OutcomeHardFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeSoftFailure:
		return "soft_failure"
	case OutcomeHardFailure:
		return "hard_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is returned by every Action.
type Result struct {
	Outcome Outcome
	Err     error
}

// Success returns a successful Result.
func Success() Result {
	return Result{Outcome: OutcomeSuccess}
}

// SoftFailure returns a Result for a failure that was already handled.
func SoftFailure(err error) Result {
	return Result{Outcome: OutcomeSoftFailure, Err: err}
}

// HardFailure returns a Result that marks the job as errored.
func HardFailure(err error) Result {
	return Result{Outcome: OutcomeHardFailure, Err: err}
}

// OK reports whether the action succeeded.
func (r Result) OK() bool {
	return r.Outcome == OutcomeSuccess
}
