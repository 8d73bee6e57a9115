// Package errorpolicy classifies task failures and decides the action a
// process's configured error strategy calls for: ignore, retry,
// terminate, or finish.
package errorpolicy

import (
	"errors"

	"github.com/flowforge/taskproc/internal/process"
	"github.com/flowforge/taskproc/internal/task"
)

// Category classifies a raw error into the taxonomy the decision table
// dispatches on.
type Category int

const (
	CategoryUnrecoverable Category = iota
	CategoryRetryable
	CategoryProcessFailure
	CategorySubmitTimeout
	CategoryGuardFailure
	CategoryUnknown
)

func (c Category) String() string {
	switch c {
	case CategoryUnrecoverable:
		return "unrecoverable"
	case CategoryRetryable:
		return "retryable"
	case CategoryProcessFailure:
		return "process-failure"
	case CategorySubmitTimeout:
		return "submit-timeout"
	case CategoryGuardFailure:
		return "guard-failure"
	default:
		return "unknown"
	}
}

// ErrUnrecoverable marks an error as a compile/script/value-type failure:
// never eligible for retry regardless of strategy.
var ErrUnrecoverable = errors.New("errorpolicy: unrecoverable")

// ErrRetryable marks an error as transient (a marker exception or
// spot-termination): always eligible for a retry that does not count
// against the process error budget.
var ErrRetryable = errors.New("errorpolicy: retryable")

// ErrSubmitTimeout marks a submission as having timed out: counted
// against a submit-retry budget distinct from the task failure counter.
var ErrSubmitTimeout = errors.New("errorpolicy: submit timeout")

// ErrGuardFailure marks a when-guard expression as having thrown while
// evaluating.
var ErrGuardFailure = errors.New("errorpolicy: guard failure")

// Classify maps err into a Category. An err wrapping task.ErrProcessFailure
// (non-zero exit, missing output, arity mismatch, or command-eval failure)
// is CategoryProcessFailure. An err that is non-nil but matches none of the
// recognized markers — a digest/rehash failure, a work-dir claim error, an
// executor I/O error — is CategoryUnknown: §7 says an unknown failure
// propagates as unrecoverable rather than falling through to whatever the
// process's configured strategy happens to do with an ordinary process
// failure (in particular, it must never be silently ignored under
// StrategyIgnore the way a recognized ErrProcessFailure can be).
func Classify(err error) Category {
	switch {
	case errors.Is(err, ErrUnrecoverable):
		return CategoryUnrecoverable
	case errors.Is(err, ErrRetryable):
		return CategoryRetryable
	case errors.Is(err, ErrSubmitTimeout):
		return CategorySubmitTimeout
	case errors.Is(err, ErrGuardFailure):
		return CategoryGuardFailure
	case errors.Is(err, task.ErrProcessFailure):
		return CategoryProcessFailure
	default:
		return CategoryUnknown
	}
}

// Counters tracks the attempt budgets consulted by Decide.
type Counters struct {
	ProcessErrors int // failures charged against the process-wide budget
	TaskRetries   int // attempts already made for this task
	SubmitRetries int // submit-timeout retries already made for this task
}

// Decide implements the decision table verbatim: unrecoverable always
// terminates; retryable errors retry without charging the process
// budget; otherwise the process's configured strategy and remaining
// budget decide. A Strategy=FINISH process that falls through to
// TERMINATE here still gets soft-drain behavior: the orchestrator applies
// that distinction when it sees ActionTerminate against a
// Finish-strategy process, not here.
func Decide(cat Category, strategy process.ErrorStrategy, maxErrors, maxRetries int, c Counters) task.ErrorAction {
	switch cat {
	case CategoryUnrecoverable, CategoryUnknown:
		return task.ActionTerminate
	case CategoryRetryable:
		return task.ActionRetry
	}

	if strategy == process.StrategyIgnore && cat == CategoryProcessFailure {
		return task.ActionIgnore
	}

	// The process error budget is exclusive (procErr < maxErrors); the
	// per-task retry budgets are inclusive (taskErr <= maxRetries).
	if strategy == process.StrategyRetry &&
		(maxErrors < 0 || c.ProcessErrors < maxErrors) &&
		withinBudget(c.TaskRetries, maxRetries) &&
		withinBudget(c.SubmitRetries, maxRetries) {
		return task.ActionRetry
	}

	return task.ActionTerminate
}

// withinBudget reports whether used is still inside budget; budget < 0
// means unlimited.
func withinBudget(used, budget int) bool {
	return budget < 0 || used <= budget
}
