// Package executor defines the backend contract submission hands off to:
// where work directories and staged files live, whether a path is
// foreign, and how to submit a task's script for execution.
package executor

import (
	"context"

	"github.com/flowforge/taskproc/internal/fingerprint"
	"github.com/flowforge/taskproc/internal/task"
)

// Executor is the contract consumed by submission and the dataflow
// operator. Implementations back local processes, clusters, or cloud
// batch backends; the core only ever depends on this interface.
type Executor interface {
	// Submit runs t's resolved command in workDir, tagged with hash for
	// diagnostics, and blocks until completion or ctx cancellation.
	Submit(ctx context.Context, t *task.Task, hash fingerprint.Fingerprint, workDir string) error

	// IsForeignFile reports whether path lives on a filesystem this
	// executor cannot read directly and must be prefetched by a porter.
	IsForeignFile(path string) bool

	// WorkDir is the root directory under which task work directories are
	// created.
	WorkDir() string

	// StageDir is the directory the file porter stages foreign downloads
	// into.
	StageDir() string

	// BinDir is the project scripts directory, if configured.
	BinDir() string

	// Name identifies the executor for diagnostics (e.g. "local").
	Name() string
}
