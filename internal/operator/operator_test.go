package operator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowforge/taskproc/internal/task"
	"github.com/flowforge/taskproc/internal/value"
)

func TestOperatorLaunchesOnePipelinePerTuple(t *testing.T) {
	var mu sync.Mutex
	var seen []int64
	var nextID int64

	op := New(Config{
		InputNames: []string{"x", "y"},
		MaxForks:   2,
		NextTaskID: func() int64 { return atomic.AddInt64(&nextID, 1) },
		Pipeline: func(ctx context.Context, params task.StartParams, inputs map[string]value.Value) {
			mu.Lock()
			seen = append(seen, params.TupleIndex)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		op.Run(ctx)
		close(done)
	}()

	px := op.Port("x")
	py := op.Port("y")

	px <- Message{Value: value.Number(1)}
	py <- Message{Value: value.Number(10)}
	px <- Message{Value: value.Number(2)}
	py <- Message{Value: value.Number(20)}

	time.Sleep(50 * time.Millisecond)
	px <- Message{Poison: true}
	py <- Message{Poison: true}

	select {
	case <-done:
	case <-time.After(time.Second):
		cancel()
		t.Fatal("expected operator to terminate after both ports poisoned")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected 2 tuples processed, got %d: %v", len(seen), seen)
	}
	if seen[0] != 0 || seen[1] != 1 {
		t.Fatalf("expected strictly increasing tuple index 0,1 got %v", seen)
	}
}

func TestOperatorPoisonCallback(t *testing.T) {
	var poisoned []int
	var mu sync.Mutex

	op := New(Config{
		InputNames: []string{"only"},
		PoisonPort: func(port int) {
			mu.Lock()
			poisoned = append(poisoned, port)
			mu.Unlock()
		},
		Pipeline: func(ctx context.Context, params task.StartParams, inputs map[string]value.Value) {},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		op.Run(ctx)
		close(done)
	}()

	op.Port("only") <- Message{Poison: true}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected termination after single port poisoned")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(poisoned) != 1 || poisoned[0] != 0 {
		t.Fatalf("expected poison callback for port 0, got %v", poisoned)
	}
}

func TestOperatorEachPortCrossesEveryTuple(t *testing.T) {
	type pair struct{ x, y float64 }
	var mu sync.Mutex
	byIndex := make(map[int64]pair)

	op := New(Config{
		InputNames: []string{"x", "y"},
		EachPorts:  []bool{false, true},
		Pipeline: func(ctx context.Context, params task.StartParams, inputs map[string]value.Value) {
			mu.Lock()
			byIndex[params.TupleIndex] = pair{inputs["x"].Num, inputs["y"].Num}
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		op.Run(ctx)
		close(done)
	}()

	op.Port("y") <- Message{Value: value.List(value.Number(10), value.Number(20))}
	for _, x := range []float64{1, 2, 3} {
		op.Port("x") <- Message{Value: value.Number(x)}
	}
	op.Port("x") <- Message{Poison: true}
	op.Port("y") <- Message{Poison: true}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected operator to terminate after both ports poisoned")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []pair{{1, 10}, {1, 20}, {2, 10}, {2, 20}, {3, 10}, {3, 20}}
	if len(byIndex) != len(want) {
		t.Fatalf("expected %d cross-product tuples, got %d: %v", len(want), len(byIndex), byIndex)
	}
	for i, w := range want {
		if got := byIndex[int64(i)]; got != w {
			t.Fatalf("tuple %d = %+v, want %+v (full: %v)", i, got, w, byIndex)
		}
	}
}
