package materializer

import (
	"context"
	"testing"

	"github.com/flowforge/taskproc/internal/porter"
	"github.com/flowforge/taskproc/internal/process"
	"github.com/flowforge/taskproc/internal/staging"
	"github.com/flowforge/taskproc/internal/task"
	"github.com/flowforge/taskproc/internal/value"
)

func TestMaterializeResolvesCommand(t *testing.T) {
	proc, err := process.New(process.Descriptor{Name: "align", CommandBody: "echo hi"})
	if err != nil {
		t.Fatal(err)
	}

	stager := staging.New(porter.NewLocal(), nil)
	m := New(stager, nil, func(template string, ctx *task.Context) (string, error) {
		return template + " resolved", nil
	})

	tk, err := m.Materialize(context.Background(), proc, task.StartParams{TaskID: 1, TupleIndex: 0}, map[string]value.Value{"x": value.Number(1)}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if tk.ResolvedCommand != "echo hi resolved" {
		t.Fatalf("unexpected resolved command: %q", tk.ResolvedCommand)
	}
	if !tk.Context.Frozen() {
		t.Fatal("expected context frozen after resolution")
	}
}

func TestMaterializeGuardFalseShortCircuitsAsNoOp(t *testing.T) {
	proc, err := process.New(process.Descriptor{Name: "align", CommandBody: "echo hi"})
	if err != nil {
		t.Fatal(err)
	}

	stager := staging.New(porter.NewLocal(), nil)
	m := New(stager, func(ctx *task.Context) (bool, error) { return false, nil }, nil)

	tk, err := m.Materialize(context.Background(), proc, task.StartParams{TaskID: 1, TupleIndex: 0}, nil, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if tk.ResolvedCommand != "" {
		t.Fatalf("expected no resolved command for guard-false task, got %q", tk.ResolvedCommand)
	}
	if tk.Context.Frozen() {
		t.Fatal("expected context left unfrozen when guard short-circuits")
	}
}

func TestMaterializeGuardErrorPropagates(t *testing.T) {
	proc, err := process.New(process.Descriptor{Name: "align", CommandBody: "echo hi"})
	if err != nil {
		t.Fatal(err)
	}

	stager := staging.New(porter.NewLocal(), nil)
	wantErr := errGuard{}
	m := New(stager, func(ctx *task.Context) (bool, error) { return false, wantErr }, nil)

	_, err = m.Materialize(context.Background(), proc, task.StartParams{TaskID: 1, TupleIndex: 0}, nil, t.TempDir())
	if err == nil {
		t.Fatal("expected guard error to propagate")
	}
}

type errGuard struct{}

func (errGuard) Error() string { return "guard exploded" }
