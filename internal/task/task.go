// Package task defines the per-tuple materialization of a process: the
// Task itself, its file holders, and the context map used for lazy
// directive resolution and output binding.
package task

import (
	"errors"
	"math"
	"sync"

	"github.com/flowforge/taskproc/internal/fingerprint"
	"github.com/flowforge/taskproc/internal/value"
)

// ExitStatusUnset is the sentinel exit status of a task that has not yet
// completed.
const ExitStatusUnset = math.MaxInt32

// ErrProcessFailure marks an error as a recognized task-execution failure
// (non-zero exit, missing/malformed output, arity mismatch, cmd-eval
// failure) rather than an unrecognized one. Producers of these errors wrap
// this sentinel so errorpolicy.Classify can tell a known process failure
// apart from a genuinely unknown error it has never seen before.
var ErrProcessFailure = errors.New("task: process failure")

// Origin classifies where a FileHolder's staged content came from.
type Origin int

const (
	OriginLocal Origin = iota
	OriginForeign
	OriginSynthetic
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginForeign:
		return "foreign"
	case OriginSynthetic:
		return "synthetic"
	default:
		return "unknown"
	}
}

// FileHolder tracks one staged file: where it came from, where it now
// lives in the work dir, and the name it was staged under. Source is
// kept even for synthetic holders so the fingerprint hasher sees the
// literal content instead of a throwaway temp path.
type FileHolder struct {
	Source    string
	Staged    string
	StageName string
	Origin    Origin
}

// StringifyHolder renders the holder's identifying content for
// fingerprinting: the original source reference rather than the staged
// path, so permuting which temp name or work-dir path a value lands on
// never changes a task's fingerprint.
func (h *FileHolder) StringifyHolder() string {
	return h.Source
}

// ErrorAction records the error-strategy decision applied to a task, once
// one has been made.
type ErrorAction int

const (
	ActionNone ErrorAction = iota
	ActionIgnore
	ActionRetry
	ActionTerminate
	ActionFinish
)

func (a ErrorAction) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionIgnore:
		return "ignore"
	case ActionRetry:
		return "retry"
	case ActionTerminate:
		return "terminate"
	case ActionFinish:
		return "finish"
	default:
		return "unknown"
	}
}

// Context is the name→value map populated during input staging and
// consulted when resolving lazy directives and output expressions. It is
// mutated during staging (phase 1 and phase 2) and frozen before the
// command template is resolved against it.
type Context struct {
	mu     sync.RWMutex
	values map[string]value.Value
	frozen bool
}

// NewContext returns an empty, unfrozen Context.
func NewContext() *Context {
	return &Context{values: make(map[string]value.Value)}
}

// Set binds name to v. Panics if the context has been frozen; callers must
// complete staging before Freeze.
func (c *Context) Set(name string, v value.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		panic("task: Set called on a frozen context for " + name)
	}
	c.values[name] = v
}

// Get returns the bound value for name, or the zero Value and false.
func (c *Context) Get(name string) (value.Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[name]
	return v, ok
}

// Freeze prevents further mutation. Directive evaluation against a frozen
// context is the second phase of lazy resolution: phase 1 captures the
// directive expressions, phase 2 evaluates them against this snapshot.
func (c *Context) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = true
}

// Frozen reports whether Freeze has been called.
func (c *Context) Frozen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozen
}

// Snapshot returns a defensive copy of the bound values, safe to hand to
// an expression evaluator without holding the context's lock.
func (c *Context) Snapshot() map[string]value.Value {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]value.Value, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// StartParams identifies one materialization before its Task is built:
// the globally unique, monotone task id and the per-process monotone
// tuple index.
type StartParams struct {
	TaskID     int64
	TupleIndex int64
}

// Task is one materialization of a process for one input tuple.
type Task struct {
	TaskID       int64
	ProcessID    int
	ProcessName  string
	Attempt      int // 1-based
	SubmitAttempt int
	TupleIndex   int64

	Inputs  map[string]value.Value
	Context *Context

	ResolvedCommand string
	WorkDir         string

	Fingerprint fingerprint.Fingerprint

	ExitStatus int
	StdoutPath string
	StderrPath string

	Failed      bool
	Cached      bool
	ErrorAction ErrorAction

	Outputs  map[string]value.Value
	StageMap map[string]string // logical input name -> staged name

	// CachedContext is the stored context inherited from a cache entry on
	// a hit, consulted ahead of the live context when resolving lazy value
	// outputs. Nil for tasks that ran fresh.
	CachedContext map[string]value.Value

	Holders []FileHolder
}

// New returns a Task in its initial, unsubmitted state.
func New(params StartParams, processID int, processName string) *Task {
	return &Task{
		TaskID:        params.TaskID,
		ProcessID:     processID,
		ProcessName:   processName,
		Attempt:       1,
		SubmitAttempt: 1,
		TupleIndex:    params.TupleIndex,
		Inputs:        make(map[string]value.Value),
		Context:       NewContext(),
		ExitStatus:    ExitStatusUnset,
		Outputs:       make(map[string]value.Value),
		StageMap:      make(map[string]string),
	}
}

// CloneForRetry returns a new Task representing the next attempt: the
// attempt and submit-attempt counters are incremented, the work dir and
// fingerprint are cleared so a fresh submission rebuilds them, and the
// context is copied so retry-time directive resolution starts from the
// same staged inputs without mutating the failed attempt's snapshot.
func (t *Task) CloneForRetry() *Task {
	next := *t
	next.Attempt = t.Attempt + 1
	next.SubmitAttempt = t.SubmitAttempt + 1
	next.WorkDir = ""
	next.Fingerprint = fingerprint.Fingerprint{}
	next.ExitStatus = ExitStatusUnset
	next.Failed = false
	next.Cached = false
	next.ErrorAction = ActionNone
	next.Outputs = make(map[string]value.Value)
	next.CachedContext = nil

	nextCtx := NewContext()
	for k, v := range t.Context.Snapshot() {
		nextCtx.Set(k, v)
	}
	next.Context = nextCtx

	next.Holders = append([]FileHolder(nil), t.Holders...)
	next.Inputs = make(map[string]value.Value, len(t.Inputs))
	for k, v := range t.Inputs {
		next.Inputs[k] = v
	}
	next.StageMap = make(map[string]string, len(t.StageMap))
	for k, v := range t.StageMap {
		next.StageMap[k] = v
	}
	return &next
}

// IsNoOp reports whether the task was finalized without execution because
// its when-guard resolved to false.
func (t *Task) IsNoOp() bool {
	return t.ExitStatus == ExitStatusUnset && !t.Failed && !t.Cached && t.WorkDir == ""
}
