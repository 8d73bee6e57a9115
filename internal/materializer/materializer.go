// Package materializer builds a task.Task from a process descriptor and
// a tuple of decoded input messages: it evaluates the when-guard, stages
// inputs, and resolves the command template against the frozen context.
package materializer

import (
	"context"
	"fmt"

	"github.com/flowforge/taskproc/internal/errorpolicy"
	"github.com/flowforge/taskproc/internal/process"
	"github.com/flowforge/taskproc/internal/staging"
	"github.com/flowforge/taskproc/internal/task"
	"github.com/flowforge/taskproc/internal/value"
)

// GuardFunc evaluates a process's when-expression against the task's
// staged context, returning false to short-circuit the task as a no-op.
// A nil GuardFunc always returns true.
type GuardFunc func(ctx *task.Context) (bool, error)

// ResolveFunc renders the command template against the frozen task
// context. It is called once inputs are staged and the context frozen,
// matching the two-phase lazy resolver: directive expressions are
// captured at parse time (outside this package) and evaluated here
// against the snapshot.
type ResolveFunc func(template string, ctx *task.Context) (string, error)

// Materializer wires staging, the when-guard, and command resolution
// into one call per tuple.
type Materializer struct {
	Stager  *staging.Stager
	Guard   GuardFunc
	Resolve ResolveFunc
}

// New returns a Materializer. A nil guard always passes; a nil resolve
// returns the template unchanged.
func New(stager *staging.Stager, guard GuardFunc, resolve ResolveFunc) *Materializer {
	if guard == nil {
		guard = func(*task.Context) (bool, error) { return true, nil }
	}
	if resolve == nil {
		resolve = func(template string, _ *task.Context) (string, error) { return template, nil }
	}
	return &Materializer{Stager: stager, Guard: guard, Resolve: resolve}
}

// Materialize builds a Task for params against proc, with inputs already
// bound by the operator shell as param-name -> value. If the when-guard
// resolves false, the returned task is left as a no-op (no work dir, no
// resolved command) and the caller should finalize it with default
// outputs and an incremented completion count without submitting it.
func (m *Materializer) Materialize(ctx context.Context, proc *process.Descriptor, params task.StartParams, inputs map[string]value.Value, stageDir string) (*task.Task, error) {
	t := task.New(params, proc.ID, proc.Name)
	for k, v := range inputs {
		t.Inputs[k] = v
	}

	if err := m.Stager.Stage(ctx, proc, t, stageDir); err != nil {
		return nil, fmt.Errorf("materializer: stage task %d: %w: %w", t.TaskID, errorpolicy.ErrUnrecoverable, err)
	}

	ok, err := m.Guard(t.Context)
	if err != nil {
		return nil, fmt.Errorf("materializer: when-guard task %d: %w: %w", t.TaskID, errorpolicy.ErrGuardFailure, err)
	}
	if !ok {
		return t, nil
	}

	t.Context.Freeze()
	resolved, err := m.Resolve(proc.CommandBody, t.Context)
	if err != nil {
		return nil, fmt.Errorf("materializer: resolve command task %d: %w: %w", t.TaskID, errorpolicy.ErrUnrecoverable, err)
	}
	t.ResolvedCommand = resolved
	return t, nil
}
