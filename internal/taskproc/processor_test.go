package taskproc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/taskproc/internal/cachestore"
	"github.com/flowforge/taskproc/internal/executor"
	"github.com/flowforge/taskproc/internal/fault"
	"github.com/flowforge/taskproc/internal/fingerprint"
	"github.com/flowforge/taskproc/internal/lock"
	"github.com/flowforge/taskproc/internal/operator"
	"github.com/flowforge/taskproc/internal/porter"
	"github.com/flowforge/taskproc/internal/process"
	"github.com/flowforge/taskproc/internal/staging"
	"github.com/flowforge/taskproc/internal/value"
)

func newTestProcessor(t *testing.T, proc *process.Descriptor, onFault FaultHook) (*Processor, *executor.Local) {
	t.Helper()
	root := t.TempDir()
	work := filepath.Join(root, "work")
	stage := filepath.Join(root, "stage")
	require.NoError(t, os.MkdirAll(work, 0o755))
	require.NoError(t, os.MkdirAll(stage, 0o755))

	exec := executor.NewLocal(work, stage, "")
	stager := staging.New(porter.NewLocal(), exec.IsForeignFile)

	p, err := New(Config{
		Process:      proc,
		Executor:     exec,
		Cache:        cachestore.NewMemory(),
		Locks:        lock.New(),
		Hasher:       fingerprint.New(fingerprint.ModeStandard),
		Stager:       stager,
		StageDirRoot: stage,
		OutputNames:  outputNames(proc),
		OnFault:      onFault,
	})
	require.NoError(t, err)
	return p, exec
}

func outputNames(proc *process.Descriptor) []string {
	names := make([]string, len(proc.Outputs))
	for i, o := range proc.Outputs {
		names[i] = o.Name
	}
	return names
}

func TestProcessorRunsSingleTaskAndEmitsStdout(t *testing.T) {
	proc, err := process.New(process.Descriptor{
		Name:        "greet",
		CommandBody: "echo hello",
		Inputs:      []process.InputParam{{Kind: process.InputValue, Name: "who", Index: 0}},
		Outputs:     []process.OutputParam{{Kind: process.OutputStdout, Name: "greeting"}},
		CachingOn:   true,
		MaxRetries:  -1,
		MaxErrors:   -1,
	})
	require.NoError(t, err)

	p, _ := newTestProcessor(t, proc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	p.Port("who") <- operator.Message{Value: value.String("world")}
	p.Port("who") <- operator.Message{Poison: true}

	out := p.Outputs()["greeting"]
	select {
	case em := <-out:
		require.False(t, em.Poison, "expected a value before poison")
		assert.Equal(t, value.KindPath, em.Value.Kind, "expected stdout bound as a path")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for output")
	}

	select {
	case em := <-out:
		assert.True(t, em.Poison, "expected poison after the single tuple")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for poison")
	}

	<-done
}

func TestProcessorFairEmissionOrdersByTupleIndex(t *testing.T) {
	proc, err := process.New(process.Descriptor{
		Name:        "echoer",
		CommandBody: "echo tick",
		Inputs:      []process.InputParam{{Kind: process.InputValue, Name: "n", Index: 0}},
		Outputs:     []process.OutputParam{{Kind: process.OutputStdout, Name: "out"}},
		Fair:        true,
		CachingOn:   true,
		MaxRetries:  -1,
		MaxErrors:   -1,
	})
	require.NoError(t, err)

	p, _ := newTestProcessor(t, proc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	for i := 0; i < 3; i++ {
		p.Port("n") <- operator.Message{Value: value.Number(float64(i))}
	}
	p.Port("n") <- operator.Message{Poison: true}

	out := p.Outputs()["out"]
	seen := 0
	for seen < 3 {
		select {
		case em := <-out:
			require.False(t, em.Poison, "poison arrived before all 3 values")
			seen++
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of 3 values", seen)
		}
	}

	select {
	case em := <-out:
		assert.True(t, em.Poison, "expected poison after all tuples")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for poison")
	}

	<-done
}

func TestProcessorEachParameterYieldsCrossProduct(t *testing.T) {
	proc, err := process.New(process.Descriptor{
		Name:        "sweep",
		CommandBody: "echo run",
		Inputs: []process.InputParam{
			{Kind: process.InputValue, Name: "sample", Index: 0},
			{Kind: process.InputEach, Name: "factor", Index: 1},
		},
		Outputs:    []process.OutputParam{{Kind: process.OutputStdout, Name: "out"}},
		Fair:       true,
		CachingOn:  true,
		MaxRetries: -1,
		MaxErrors:  -1,
	})
	require.NoError(t, err)

	p, _ := newTestProcessor(t, proc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	p.Port("factor") <- operator.Message{Value: value.List(value.Number(10), value.Number(20))}
	for _, s := range []string{"a", "b", "c"} {
		p.Port("sample") <- operator.Message{Value: value.String(s)}
	}
	p.Port("sample") <- operator.Message{Poison: true}
	p.Port("factor") <- operator.Message{Poison: true}

	out := p.Outputs()["out"]
	values := 0
	for {
		select {
		case em := <-out:
			if em.Poison {
				require.Equal(t, 6, values, "expected one emission per (sample, factor) combination before poison")
				<-done
				return
			}
			values++
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of 6 emissions", values)
		}
	}
}

func TestProcessorIgnoreStrategyDropsFailuresAndCompletes(t *testing.T) {
	proc, err := process.New(process.Descriptor{
		Name:        "flaky",
		CommandBody: "exit 1",
		Inputs:      []process.InputParam{{Kind: process.InputValue, Name: "n", Index: 0}},
		Outputs:     []process.OutputParam{{Kind: process.OutputStdout, Name: "out"}},
		ErrorStrat:  process.StrategyIgnore,
		CachingOn:   true,
		MaxRetries:  -1,
		MaxErrors:   -1,
	})
	require.NoError(t, err)

	p, _ := newTestProcessor(t, proc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	p.Port("n") <- operator.Message{Value: value.Number(1)}
	p.Port("n") <- operator.Message{Poison: true}

	out := p.Outputs()["out"]
	select {
	case em := <-out:
		assert.True(t, em.Poison, "expected the failed tuple to be dropped, leaving only poison")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for poison")
	}

	<-done
}

func TestProcessorTerminateStrategyFiresFaultHook(t *testing.T) {
	var got fault.TaskFault
	var fatal bool
	hookCalled := make(chan struct{}, 1)

	proc, err := process.New(process.Descriptor{
		Name:        "doomed",
		CommandBody: "exit 1",
		Inputs:      []process.InputParam{{Kind: process.InputValue, Name: "n", Index: 0}},
		ErrorStrat:  process.StrategyTerminate,
		CachingOn:   true,
	})
	require.NoError(t, err)

	p, _ := newTestProcessor(t, proc, func(f fault.TaskFault, fatalArg bool) {
		got = f
		fatal = fatalArg
		hookCalled <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	p.Port("n") <- operator.Message{Value: value.Number(1)}
	p.Port("n") <- operator.Message{Poison: true}

	select {
	case <-hookCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fault hook")
	}
	<-done

	assert.Equal(t, "doomed", got.ProcessName)
	assert.True(t, fatal, "expected fatal=true for a TERMINATE strategy process")
}
