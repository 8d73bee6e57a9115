// Package porter defines the file porter contract consumed by input
// staging: a collector for foreign-filesystem paths that must be
// prefetched to local disk before a task can be submitted, plus a
// local-filesystem implementation that treats every path as already
// local.
package porter

import (
	"context"
	"path/filepath"
	"sync"
)

// Batch accumulates foreign-file registrations for one task's staging
// pass. AddToForeign returns the local target path the holder should
// record; the actual bytes move later, in Transfer.
type Batch interface {
	AddToForeign(source string) (localTarget string, err error)
}

// Porter prefetches the foreign files registered in a Batch before a task
// is handed to the executor.
type Porter interface {
	NewBatch(stageDir string) Batch
	Transfer(ctx context.Context, batch Batch) error
}

// Local is a no-op Porter for executors whose filesystem is already
// reachable everywhere: every path is treated as local, so no batch ever
// holds a pending transfer.
type Local struct{}

// NewLocal returns a Porter that never treats any path as foreign.
func NewLocal() *Local { return &Local{} }

func (l *Local) NewBatch(stageDir string) Batch {
	return &localBatch{stageDir: stageDir}
}

func (l *Local) Transfer(ctx context.Context, batch Batch) error {
	return nil
}

type localBatch struct {
	mu       sync.Mutex
	stageDir string
	entries  []string
}

func (b *localBatch) AddToForeign(source string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, source)
	return filepath.Join(b.stageDir, filepath.Base(source)), nil
}

// IsForeignLocal always answers false: the local demo executor can reach
// every path directly, so nothing it stages is foreign.
func IsForeignLocal(path string) bool { return false }
