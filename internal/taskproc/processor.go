// Package taskproc wires the per-component stages (materializer, submit
// coordinator, collector, error-strategy engine, emission sequencer,
// state agent, array collector) into the single per-process dataflow
// operator described by spec.md's end-to-end data-flow paragraph: input
// ports in, a Task out, eventually a bound output tuple or a poison.
package taskproc

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/flowforge/taskproc/internal/arraybatch"
	"github.com/flowforge/taskproc/internal/cachestore"
	"github.com/flowforge/taskproc/internal/collector"
	"github.com/flowforge/taskproc/internal/errorpolicy"
	"github.com/flowforge/taskproc/internal/executor"
	"github.com/flowforge/taskproc/internal/fault"
	"github.com/flowforge/taskproc/internal/fingerprint"
	"github.com/flowforge/taskproc/internal/lock"
	"github.com/flowforge/taskproc/internal/materializer"
	"github.com/flowforge/taskproc/internal/operator"
	"github.com/flowforge/taskproc/internal/process"
	"github.com/flowforge/taskproc/internal/sequencer"
	"github.com/flowforge/taskproc/internal/staging"
	"github.com/flowforge/taskproc/internal/state"
	"github.com/flowforge/taskproc/internal/submit"
	"github.com/flowforge/taskproc/internal/task"
	"github.com/flowforge/taskproc/internal/value"
)

// Emission is one value bound to an output port, or the poison sentinel
// closing it.
type Emission struct {
	Value  value.Value
	Poison bool
}

// KeyFunc builds the ordered fingerprint key list for t against proc,
// per spec.md §4.1: session/process identity, every bound input, and
// whatever else the caller's script-level knowledge contributes (global
// variables, bin/ scripts, container identity, stub marker).
type KeyFunc func(proc *process.Descriptor, t *task.Task) fingerprint.KeyList

// FaultHook is notified whenever a task's error-strategy decision reaches
// TERMINATE. Fatal is true unless the process's strategy is FINISH, in
// which case the process drains in place instead of aborting the whole
// session — the caller decides what "abort" means at that scope.
type FaultHook func(f fault.TaskFault, fatal bool)

// Config wires one Processor for one process descriptor.
type Config struct {
	Process  *process.Descriptor
	Executor executor.Executor
	Cache    cachestore.Cache
	Locks    *lock.Manager
	Hasher   *fingerprint.Hasher
	Stager   *staging.Stager

	Guard   materializer.GuardFunc
	Resolve materializer.ResolveFunc
	Keys    KeyFunc

	// SessionID identifies the run this Processor belongs to. Fed into
	// the default KeyFunc as a fingerprint key so two sessions never
	// collide on cache entries even with identical process/input keys.
	SessionID string

	// StageDirRoot holds the per-task scratch directories used for
	// synthetic input files before a task's real work dir is known.
	StageDirRoot string

	// OutputNames lists the process's declared output channel names, so
	// the terminal transition knows which channels to poison.
	OutputNames []string

	// NextTaskID allocates a globally unique task id; nil falls back to
	// a counter local to this Processor (fine for standalone use, not
	// for a multi-process session sharing one id space).
	NextTaskID func() int64

	OnFault FaultHook
}

// Processor runs one process's dataflow loop end to end.
type Processor struct {
	proc *process.Descriptor
	exec executor.Executor

	op         *operator.Operator
	mat        *materializer.Materializer
	sub        *submit.Coordinator
	state      *state.Agent
	seq        *sequencer.Sequencer
	batch      *arraybatch.Collector
	binWatcher *fingerprint.BinDirWatcher

	keys         KeyFunc
	stageDirRoot string
	localTaskID  int64

	outputs map[string]chan Emission

	faultFlag *fault.ShownFlag
	onFault   FaultHook

	countersMu sync.Mutex
	counters   map[int64]*errorpolicy.Counters
}

// New wires a Processor for cfg.Process.
func New(cfg Config) (*Processor, error) {
	if cfg.Process == nil {
		return nil, fmt.Errorf("taskproc: Config.Process is required")
	}

	p := &Processor{
		proc:         cfg.Process,
		exec:         cfg.Executor,
		stageDirRoot: cfg.StageDirRoot,
		faultFlag:    &fault.ShownFlag{},
		onFault:      cfg.OnFault,
		counters:     make(map[int64]*errorpolicy.Counters),
	}

	if cfg.Keys == nil {
		if cfg.Executor != nil && cfg.Executor.BinDir() != "" {
			bw, err := fingerprint.NewBinDirWatcher(cfg.Executor.BinDir())
			if err != nil {
				return nil, fmt.Errorf("taskproc: watch bin dir: %w", err)
			}
			p.binWatcher = bw
		}
		cfg.Keys = NewKeyFunc(p.binWatcher, cfg.SessionID)
	}
	p.keys = cfg.Keys

	p.mat = materializer.New(cfg.Stager, cfg.Guard, cfg.Resolve)
	p.sub = submit.New(cfg.Cache, cfg.Locks, cfg.Hasher, cfg.Executor)

	p.outputs = make(map[string]chan Emission, len(cfg.OutputNames))
	for _, name := range cfg.OutputNames {
		p.outputs[name] = make(chan Emission, 16)
	}

	p.state = state.New(len(cfg.Process.Inputs), cfg.Process.Name, p.onTerminate)
	p.seq = sequencer.New(cfg.Process.Fair, p.emit)

	if cfg.Process.ArrayBatch > 0 {
		p.batch = arraybatch.New(cfg.Process.ArrayBatch, func(ctx context.Context, t *task.Task) error {
			return p.sub.Submit(ctx, p.proc, t, p.keys(p.proc, t), false)
		})
	}

	nextTaskID := cfg.NextTaskID
	if nextTaskID == nil {
		nextTaskID = func() int64 { return atomic.AddInt64(&p.localTaskID, 1) }
	}

	p.op = operator.New(operator.Config{
		InputNames: inputNames(cfg.Process),
		EachPorts:  eachPorts(cfg.Process),
		MaxForks:   cfg.Process.MaxForks,
		Pipeline:   p.pipeline,
		IncSubmit:  p.state.IncSubmitted,
		PoisonPort: p.state.PoisonPort,
		NextTaskID: nextTaskID,
	})

	return p, nil
}

func inputNames(proc *process.Descriptor) []string {
	names := make([]string, len(proc.Inputs))
	for _, in := range proc.Inputs {
		names[in.Index] = in.Name
	}
	return names
}

func eachPorts(proc *process.Descriptor) []bool {
	flags := make([]bool, len(proc.Inputs))
	for _, in := range proc.Inputs {
		if in.Kind == process.InputEach {
			flags[in.Index] = true
		}
	}
	return flags
}

// Port returns the channel to send values on for the named input, or nil
// if proc declares no such input. An InputEach port takes whole
// collection Values: the operator holds the expanded element list and
// crosses it with every tuple formed on the remaining ports, so K tuples
// against an N-element collection materialize K*N tasks.
func (p *Processor) Port(name string) chan<- operator.Message {
	return p.op.Port(name)
}

// Outputs returns the receive-only output channels, keyed by declared
// output name. Each is closed logically by a poison Emission, never by
// the Go channel being closed.
func (p *Processor) Outputs() map[string]<-chan Emission {
	out := make(map[string]<-chan Emission, len(p.outputs))
	for k, v := range p.outputs {
		out[k] = v
	}
	return out
}

// Run drives the process until every input port is poisoned and every
// submitted task completes, then tears down the state agent. It blocks
// until termination and returns the final counters.
func (p *Processor) Run(ctx context.Context) state.Snapshot {
	p.op.Run(ctx)
	if p.batch != nil {
		_ = p.batch.Close(ctx)
	}
	final, _ := p.state.Snapshot(ctx)
	p.state.Close()
	if p.binWatcher != nil {
		_ = p.binWatcher.Close()
	}
	return final
}

// Snapshot exposes the process state agent's current counters, for
// diagnostics and tests.
func (p *Processor) Snapshot(ctx context.Context) (state.Snapshot, bool) {
	return p.state.Snapshot(ctx)
}

func (p *Processor) onTerminate() {
	names := make([]string, 0, len(p.outputs))
	for name := range p.outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p.outputs[name] <- Emission{Poison: true}
	}
}

// pipeline is the per-tuple body handed to the operator shell.
func (p *Processor) pipeline(ctx context.Context, params task.StartParams, inputs map[string]value.Value) {
	stageDir := p.taskStageDir(params.TaskID)
	t, err := p.mat.Materialize(ctx, p.proc, params, inputs, stageDir)
	if err != nil {
		p.handlePreSubmitFailure(params, err)
		return
	}

	if t.IsNoOp() {
		p.finalizeNoOp(t)
		return
	}

	p.executeWithPolicy(ctx, t)
}

func (p *Processor) taskStageDir(taskID int64) string {
	if p.stageDirRoot == "" {
		return ""
	}
	dir := filepath.Join(p.stageDirRoot, fmt.Sprintf("stage-%d", taskID))
	_ = os.MkdirAll(dir, 0o755)
	return dir
}

// handlePreSubmitFailure deals with an error raised before a Task even
// exists to submit (staging, when-guard, or command resolution). These
// never retry through §4.4 since there is nothing to resubmit yet.
func (p *Processor) handlePreSubmitFailure(params task.StartParams, err error) {
	cat := errorpolicy.Classify(err)
	action := errorpolicy.Decide(cat, p.proc.ErrorStrat, p.proc.MaxErrors, p.proc.MaxRetries, errorpolicy.Counters{})

	if action == task.ActionIgnore {
		p.state.IncCompleted()
		p.seq.Arrive(params.TupleIndex, nil)
		return
	}

	placeholder := task.New(params, p.proc.ID, p.proc.Name)
	placeholder.Failed = true
	tf := p.buildFault(placeholder, err)
	fault.Print(os.Stderr, p.faultFlag, tf)
	if p.onFault != nil {
		p.onFault(tf, p.proc.ErrorStrat != process.StrategyFinish)
	}
	p.state.IncCompleted()
	p.seq.Arrive(params.TupleIndex, nil)
}

// executeWithPolicy runs the submit/collect stage and, on failure, loops
// through the error-strategy engine until the task is ignored, retried
// to success or exhaustion, or terminated.
func (p *Processor) executeWithPolicy(ctx context.Context, t *task.Task) {
	counters := p.counterFor(t.TupleIndex)
	defer p.dropCounter(t.TupleIndex)

	for {
		err := p.submitAndCollect(ctx, t)
		if err == nil {
			p.state.IncCompleted()
			p.seq.Arrive(t.TupleIndex, t)
			return
		}

		cat := errorpolicy.Classify(err)
		action := errorpolicy.Decide(cat, p.proc.ErrorStrat, p.proc.MaxErrors, p.proc.MaxRetries, *counters)

		switch action {
		case task.ActionIgnore:
			t.Failed = true
			t.ErrorAction = task.ActionIgnore
			p.state.IncCompleted()
			p.seq.Arrive(t.TupleIndex, nil)
			return

		case task.ActionRetry:
			if cat == errorpolicy.CategorySubmitTimeout {
				counters.SubmitRetries++
			} else {
				counters.TaskRetries++
				if cat == errorpolicy.CategoryProcessFailure {
					counters.ProcessErrors++
				}
			}

			next := t.CloneForRetry()
			resolved, rerr := p.mat.Resolve(p.proc.CommandBody, next.Context)
			if rerr != nil {
				next.Failed = true
				next.ErrorAction = task.ActionTerminate
				tf := p.buildFault(next, fmt.Errorf("taskproc: re-resolve command for retry attempt %d: %w", next.Attempt, rerr))
				fault.Print(os.Stderr, p.faultFlag, tf)
				if p.onFault != nil {
					p.onFault(tf, p.proc.ErrorStrat != process.StrategyFinish)
				}
				p.state.IncCompleted()
				p.seq.Arrive(next.TupleIndex, nil)
				return
			}
			next.ResolvedCommand = resolved
			t = next
			continue

		default: // task.ActionTerminate (and FINISH strategies that fall through to it)
			t.Failed = true
			t.ErrorAction = task.ActionTerminate
			tf := p.buildFault(t, err)
			fault.Print(os.Stderr, p.faultFlag, tf)
			if p.onFault != nil {
				p.onFault(tf, p.proc.ErrorStrat != process.StrategyFinish)
			}
			p.state.IncCompleted()
			p.seq.Arrive(t.TupleIndex, nil)
			return
		}
	}
}

// submitAndCollect runs §4.4 (cache/work-dir coordination, optionally
// through the array collector) followed by §4.5 output collection.
// Retried tasks (Attempt > 1) always submit with caching disabled, per
// §4.6.
func (p *Processor) submitAndCollect(ctx context.Context, t *task.Task) error {
	keys := p.keys(p.proc, t)
	cachingDisabled := t.Attempt > 1

	var err error
	if p.batch != nil && t.Attempt == 1 {
		err = p.batch.Add(ctx, t)
	} else {
		err = p.sub.Submit(ctx, p.proc, t, keys, cachingDisabled)
	}
	if err != nil {
		return err
	}

	if !t.Cached && t.ExitStatus != task.ExitStatusUnset && t.ExitStatus != 0 {
		return fmt.Errorf("taskproc: task %d exited with status %d: %w", t.TaskID, t.ExitStatus, task.ErrProcessFailure)
	}

	if err := collector.Collect(p.proc, t); err != nil {
		return err
	}
	return nil
}

// finalizeNoOp binds default-kind outputs for a task whose when-guard
// resolved false and increments completion without ever submitting.
func (p *Processor) finalizeNoOp(t *task.Task) {
	for _, out := range p.proc.Outputs {
		if out.Kind == process.OutputDefault {
			t.Outputs[out.Name] = value.String("completion")
		}
	}
	p.state.IncCompleted()
	p.seq.Arrive(t.TupleIndex, t)
}

// emit is the sequencer's release callback: bind whatever outputs this
// tuple produced to their matching channels. A nil slot (ignored,
// terminated, or pre-submit failure) releases the ordering cursor
// without binding anything downstream for that tuple index, and an
// optional output's missing sentinel suppresses just its own binding.
func (p *Processor) emit(slot any) {
	t, ok := slot.(*task.Task)
	if !ok || t == nil {
		return
	}
	for name, ch := range p.outputs {
		v, ok := t.Outputs[name]
		if !ok || v.IsMissing() {
			continue
		}
		ch <- Emission{Value: v}
	}
}

func (p *Processor) counterFor(tupleIndex int64) *errorpolicy.Counters {
	p.countersMu.Lock()
	defer p.countersMu.Unlock()
	c, ok := p.counters[tupleIndex]
	if !ok {
		c = &errorpolicy.Counters{}
		p.counters[tupleIndex] = c
	}
	return c
}

func (p *Processor) dropCounter(tupleIndex int64) {
	p.countersMu.Lock()
	delete(p.counters, tupleIndex)
	p.countersMu.Unlock()
}

// buildFault assembles the multi-line diagnostic for a terminated task.
func (p *Processor) buildFault(t *task.Task, cause error) fault.TaskFault {
	tf := fault.TaskFault{
		ProcessName: p.proc.Name,
		Cause:       cause.Error(),
		Command:     t.ResolvedCommand,
		ExitStatus:  t.ExitStatus,
		WorkDir:     t.WorkDir,
		Container:   p.proc.Container,
	}
	if t.StdoutPath != "" {
		tf.StdoutTail = tailFile(t.StdoutPath, fault.MaxTailLines)
	}
	if t.StderrPath != "" {
		tf.StderrTail = tailFile(t.StderrPath, fault.MaxTailLines)
	}
	if len(tf.StderrTail) == 0 && t.ExitStatus != 0 && t.WorkDir != "" {
		tf.WrapperTail = tailFile(filepath.Join(t.WorkDir, ".command.log"), fault.MaxTailLines)
	}
	if t.WorkDir != "" {
		tf.Tip = fault.TipForMissingOutput(cause.Error(), candidateNamesIn(t.WorkDir))
	}
	return tf
}

func tailFile(path string, n int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines
}

func candidateNamesIn(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// DefaultKeyFunc builds the base fingerprint key list: process identity,
// command source, and every bound input in declaration order, with
// path-typed values contributing per the process's hashing mode.
// Callers with richer script-level context (global variables, bin/
// scripts, container identity, stub markers) should supply their own
// KeyFunc that extends this shape instead of replacing it wholesale.
func DefaultKeyFunc(proc *process.Descriptor, t *task.Task) fingerprint.KeyList {
	hasher := fingerprint.New(proc.HashMode)
	keys := fingerprint.KeyList{
		{Name: "process", Value: proc.Name},
		{Name: "command", Value: proc.CommandBody},
	}
	for _, in := range proc.Inputs {
		v, ok := t.Inputs[in.Name]
		if !ok {
			continue
		}
		keys = append(keys, inputKey(hasher, in.Name, v))
	}
	return keys
}

// NewKeyFunc returns a KeyFunc that extends DefaultKeyFunc's
// {process, command, inputs} shape with the remaining §4.1 key
// contributors a Processor has concrete access to: the owning session's
// id, scripts under the project bin/ tree invoked by name (via bw,
// nil-safe), the process's container/modules/conda/spack/arch
// environment identity, any referenced global script variables, and a
// stub-run marker when stubs are active for this process.
func NewKeyFunc(bw *fingerprint.BinDirWatcher, sessionID string) KeyFunc {
	return func(proc *process.Descriptor, t *task.Task) fingerprint.KeyList {
		keys := DefaultKeyFunc(proc, t)

		if sessionID != "" {
			keys = append(keys, fingerprint.Key{Name: "session", Value: sessionID})
		}
		if bw != nil {
			if scripts, err := bw.Scripts(); err == nil && len(scripts) > 0 {
				keys = append(keys, fingerprint.Key{Name: "bin-scripts", Bag: scripts})
			}
		}
		if proc.Container != "" {
			keys = append(keys, fingerprint.Key{Name: "container", Value: proc.Container})
		}
		if proc.ModulesEnv != "" {
			keys = append(keys, fingerprint.Key{Name: "modules-env", Value: proc.ModulesEnv})
		}
		if proc.CondaEnv != "" {
			keys = append(keys, fingerprint.Key{Name: "conda-env", Value: proc.CondaEnv})
		}
		if proc.SpackEnv != "" {
			keys = append(keys, fingerprint.Key{Name: "spack-env", Value: proc.SpackEnv})
		}
		if proc.Arch != "" {
			keys = append(keys, fingerprint.Key{Name: "arch", Value: proc.Arch})
		}
		if len(proc.GlobalVars) > 0 {
			bag := make([]string, 0, len(proc.GlobalVars))
			for name, val := range proc.GlobalVars {
				bag = append(bag, name+"="+val)
			}
			keys = append(keys, fingerprint.Key{Name: "global-vars", Bag: bag})
		}
		if proc.StubsActive {
			keys = append(keys, fingerprint.Key{Name: "stub-run", Value: proc.StubBlock})
		}
		return keys
	}
}

func inputKey(h *fingerprint.Hasher, name string, v value.Value) fingerprint.Key {
	if v.Kind == value.KindList {
		bag := make([]string, len(v.List))
		for i, el := range v.List {
			bag[i] = valueToken(h, el)
		}
		return fingerprint.Key{Name: name, Bag: bag}
	}
	return fingerprint.Key{Name: name, Value: valueToken(h, v)}
}

// valueToken renders one input value's fingerprint contribution:
// path-typed values go through the hasher's mode-dependent file token,
// synthetic holders contribute their literal content (the temp path they
// were written to is throwaway), everything else its stringified form.
func valueToken(h *fingerprint.Hasher, v value.Value) string {
	switch v.Kind {
	case value.KindPath:
		return h.FileToken(v.Path)
	case value.KindFileHolder:
		if fh, ok := v.Holder.(*task.FileHolder); ok {
			if fh.Origin == task.OriginSynthetic {
				return fh.Source
			}
			return h.FileToken(fh.Source)
		}
		return v.Stringify()
	default:
		return v.Stringify()
	}
}
