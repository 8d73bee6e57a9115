// Package operator implements the per-process dataflow operator shell: a
// goroutine that fans in over N input ports, assigns each complete tuple a
// monotone tuple-index, enforces maxForks, and drives the per-tuple
// pipeline supplied by the caller. There is no separate control port:
// poison arrives on the input ports themselves.
package operator

import (
	"context"
	"reflect"
	"sync"

	"github.com/flowforge/taskproc/internal/invariant"
	"github.com/flowforge/taskproc/internal/task"
	"github.com/flowforge/taskproc/internal/value"
	"golang.org/x/sync/semaphore"
)

// Message is one value arriving on an input port, or a poison sentinel
// closing it.
type Message struct {
	Value  value.Value
	Poison bool
}

// Pipeline runs the full per-tuple flow (materialize, stage, submit,
// collect, emit) for one tuple. It is invoked on the shared worker pool,
// bounded by the operator's maxForks semaphore.
type Pipeline func(ctx context.Context, params task.StartParams, inputs map[string]value.Value)

// Operator runs one process's dataflow loop.
type Operator struct {
	inputs     []chan Message
	names      []string
	each       []bool
	pipeline   Pipeline
	sem        *semaphore.Weighted
	incSubmit  func()
	poisonPort func(port int)
	nextTaskID func() int64

	mu         sync.Mutex
	tupleIndex int64
	wg         sync.WaitGroup
}

// Config configures a new Operator.
type Config struct {
	InputNames []string
	EachPorts  []bool // aligned with InputNames; true marks an each-parameter port
	MaxForks   int    // <=0 means unbounded
	Pipeline   Pipeline
	IncSubmit  func()
	PoisonPort func(port int)
	NextTaskID func() int64
}

// New returns an Operator with one buffered channel per named input port.
func New(cfg Config) *Operator {
	inputs := make([]chan Message, len(cfg.InputNames))
	for i := range inputs {
		inputs[i] = make(chan Message, 1)
	}

	var sem *semaphore.Weighted
	if cfg.MaxForks > 0 {
		sem = semaphore.NewWeighted(int64(cfg.MaxForks))
	}

	each := cfg.EachPorts
	if each == nil {
		each = make([]bool, len(cfg.InputNames))
	}

	return &Operator{
		inputs:     inputs,
		names:      cfg.InputNames,
		each:       each,
		pipeline:   cfg.Pipeline,
		sem:        sem,
		incSubmit:  cfg.IncSubmit,
		poisonPort: cfg.PoisonPort,
		nextTaskID: cfg.NextTaskID,
	}
}

// Port returns the channel for the named input port, or nil if unknown.
func (o *Operator) Port(name string) chan<- Message {
	for i, n := range o.names {
		if n == name {
			return o.inputs[i]
		}
	}
	return nil
}

// Run drives the operator loop until ctx is cancelled or every input
// port has been poisoned. Each complete tuple launches the pipeline on
// its own goroutine, gated by the maxForks semaphore; Run waits for all
// launched pipelines to finish before returning.
//
// An each-parameter port receives whole collections and holds the
// expanded element list sticky across firing rounds: every tuple formed
// on the remaining ports is crossed with every held element, so one
// collection on an each port and K tuples on the scalar ports yield
// K*N launches, not N.
func (o *Operator) Run(ctx context.Context) {
	defer o.wg.Wait()

	n := len(o.inputs)
	if n == 0 {
		return
	}

	open := make([]bool, n)
	for i := range open {
		open[i] = true
	}
	pending := make([]value.Value, n)
	eachVals := make([][]value.Value, n)
	have := make([]bool, n)
	fresh := make([]bool, n)
	openCount := n

	for openCount > 0 {
		if readyToFire(open, have, fresh) {
			o.fire(ctx, pending, eachVals)
			for i := range fresh {
				fresh[i] = false
				if !o.each[i] {
					have[i] = false
				}
			}
			continue
		}

		cases := make([]reflect.SelectCase, 0, n+1)
		portOf := make([]int, 0, n+1)
		for i, ch := range o.inputs {
			// Each ports stay selectable even while holding a list, so
			// a replacement collection or their poison is never missed.
			if !open[i] || (have[i] && !o.each[i]) {
				continue
			}
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch)})
			portOf = append(portOf, i)
		}
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

		chosen, recv, ok := reflect.Select(cases)
		if chosen == len(cases)-1 {
			return
		}
		port := portOf[chosen]
		if !ok {
			open[port] = false
			openCount--
			if o.poisonPort != nil {
				o.poisonPort(port)
			}
			continue
		}
		msg := recv.Interface().(Message)
		if msg.Poison {
			open[port] = false
			openCount--
			if o.poisonPort != nil {
				o.poisonPort(port)
			}
			continue
		}
		if o.each[port] {
			els := msg.Value.AsCollection()
			if els == nil {
				els = []value.Value{}
			}
			eachVals[port] = els
		} else {
			pending[port] = msg.Value
		}
		have[port] = true
		fresh[port] = true
	}
}

// readyToFire reports whether every open port holds a value and at
// least one port is fresh since the last firing round; the freshness
// gate keeps a sticky each list from re-firing the same tuple forever.
func readyToFire(open, have, fresh []bool) bool {
	anyFresh := false
	for i := range have {
		if open[i] && !have[i] {
			return false
		}
		if fresh[i] {
			anyFresh = true
		}
	}
	return anyFresh
}

// fire launches every tuple the current port state implies: one when no
// each lists are held, otherwise one per combination of the each lists
// crossed with the scalar port values.
func (o *Operator) fire(ctx context.Context, pending []value.Value, eachVals [][]value.Value) {
	var eachIdx []int
	for i, isEach := range o.each {
		if isEach && eachVals[i] != nil {
			eachIdx = append(eachIdx, i)
		}
	}
	if len(eachIdx) == 0 {
		o.launch(ctx, pending)
		return
	}

	lists := make([][]value.Value, len(eachIdx))
	for j, i := range eachIdx {
		lists[j] = eachVals[i]
	}
	eachCombinations(lists, func(choice []value.Value) {
		values := append([]value.Value(nil), pending...)
		for j, i := range eachIdx {
			values[i] = choice[j]
		}
		o.launch(ctx, values)
	})
}

// launch allocates {task-id, tuple-index}, increments submitted, and
// runs the pipeline on its own goroutine gated by maxForks.
func (o *Operator) launch(ctx context.Context, values []value.Value) {
	o.mu.Lock()
	idx := o.tupleIndex
	o.tupleIndex++
	o.mu.Unlock()

	var taskID int64
	if o.nextTaskID != nil {
		taskID = o.nextTaskID()
	}

	inputs := make(map[string]value.Value, len(o.names))
	for i, name := range o.names {
		inputs[name] = values[i]
	}

	if o.incSubmit != nil {
		o.incSubmit()
	}

	params := task.StartParams{TaskID: taskID, TupleIndex: idx}

	if o.sem != nil {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			return
		}
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if o.sem != nil {
			defer o.sem.Release(1)
		}
		invariant.Hold(o.pipeline != nil, "operator: pipeline must be configured before Run")
		o.pipeline(ctx, params, inputs)
	}()
}
