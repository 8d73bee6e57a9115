// Package process holds the immutable process descriptor compiled from the
// user script: input/output parameter lists, the command template, and the
// policies (error strategy, retries, forks, caching) that govern every task
// the process materializes.
package process

import (
	"fmt"

	"github.com/flowforge/taskproc/internal/fingerprint"
)

// ErrorStrategy selects the soft/hard failure policy applied when a task
// fails: terminate the run, let sibling tasks finish first, ignore the
// failure, or resubmit with a fresh fingerprint.
type ErrorStrategy int

const (
	StrategyTerminate ErrorStrategy = iota
	StrategyFinish
	StrategyIgnore
	StrategyRetry
)

func (s ErrorStrategy) String() string {
	switch s {
	case StrategyTerminate:
		return "terminate"
	case StrategyFinish:
		return "finish"
	case StrategyIgnore:
		return "ignore"
	case StrategyRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// InputKind enumerates the input parameter kinds a process can declare.
type InputKind int

const (
	InputValue InputKind = iota
	InputFile
	InputEnv
	InputStdin
	InputEach
	InputTuple
)

// OutputKind enumerates the output parameter kinds a process can declare.
type OutputKind int

const (
	OutputStdout OutputKind = iota
	OutputFile
	OutputValue
	OutputEnv
	OutputCmdEval
	OutputDefault
	OutputTuple
	OutputOptional
)

// Arity gates how many files may bind to a parameter.
type Arity struct {
	Min int
	Max int // <0 means unbounded
}

// Satisfies reports whether count falls within [Min, Max] inclusive.
func (a Arity) Satisfies(count int) bool {
	if count < a.Min {
		return false
	}
	if a.Max >= 0 && count > a.Max {
		return false
	}
	return true
}

// InputParam describes one process input.
type InputParam struct {
	Kind        InputKind
	Name        string
	Index       int
	Arity       Arity
	Single      bool
	PathQualifier string
	Glob        bool
	FollowLinks bool
	Hidden      bool
	MaxDepth    int
	FilePattern string // may be a lazy expression, resolved against task context
}

// OutputParam describes one process output. FollowLinks, Hidden, and
// MaxDepth mirror InputParam's walk-control fields so a file/dir output
// glob honors the same rules a file input's glob does (§4.5 mirrors
// §4.2's walk options).
type OutputParam struct {
	Kind          OutputKind
	Name          string
	Optional      bool
	IncludeInputs bool
	Type          string // "file" | "dir" | "any"
	Pattern       string
	FollowLinks   bool
	Hidden        bool
	MaxDepth      int    // <=0 means unbounded (or 1 for a non-"**" pattern)
	LazyExpr      string // for OutputValue: expression evaluated against task context
}

// Descriptor is the immutable, parse-time-compiled configuration for a
// process. Descriptor values are shared read-only across every task the
// process materializes.
type Descriptor struct {
	ID           int
	Name         string
	Inputs       []InputParam
	Outputs      []OutputParam
	CommandBody  string
	Shell        string
	ErrorStrat   ErrorStrategy
	MaxRetries   int // <0 means unbounded
	MaxErrors    int // <0 means unbounded
	MaxForks     int // <=0 means unbounded
	ArrayBatch   int // 0 disables the array collector
	Fair         bool
	HashMode     fingerprint.Mode
	CachingOn    bool
	ResumeOn     bool
	StoreDir     string
	PublishTo    []string
	StubBlock    string
	StubsActive  bool

	// Container, ModulesEnv, CondaEnv, SpackEnv, and Arch identify the
	// execution environment a task runs under, fed into the fingerprint
	// as keys per spec.md §4.1 so a changed container/module/conda/spack
	// configuration invalidates the cache even when inputs didn't change.
	Container  string
	ModulesEnv string
	CondaEnv   string
	SpackEnv   string
	Arch       string

	// GlobalVars holds the script-level global variables this process's
	// command body references, by name, so a change to a referenced
	// global (not passed as a declared input) also invalidates the cache.
	GlobalVars map[string]string

	// Ext carries free-form directive data referenced by task.ext.* lazy
	// expressions, resolved in two phases against a frozen task context
	// snapshot. Validated at construction time against extSchema (see
	// ext.go).
	Ext map[string]any
}

// New validates and returns a Descriptor. It is the only constructor:
// Descriptors are meant to be frozen once compiled from the user script.
func New(d Descriptor) (*Descriptor, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("process: descriptor requires a Name")
	}
	for i, in := range d.Inputs {
		if in.Index != i {
			return nil, fmt.Errorf("process %s: input %q has non-dense index %d (expected %d)", d.Name, in.Name, in.Index, i)
		}
		if in.Arity.Max >= 0 && in.Arity.Min > in.Arity.Max {
			return nil, fmt.Errorf("process %s: input %q has arity.min %d > arity.max %d", d.Name, in.Name, in.Arity.Min, in.Arity.Max)
		}
	}
	if err := validateExt(d.Ext); err != nil {
		return nil, fmt.Errorf("process %s: %w", d.Name, err)
	}
	cp := d
	cp.Inputs = append([]InputParam(nil), d.Inputs...)
	cp.Outputs = append([]OutputParam(nil), d.Outputs...)
	return &cp, nil
}
