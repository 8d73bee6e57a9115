package submit

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowforge/taskproc/internal/cachestore"
	"github.com/flowforge/taskproc/internal/fingerprint"
	"github.com/flowforge/taskproc/internal/lock"
	"github.com/flowforge/taskproc/internal/process"
	"github.com/flowforge/taskproc/internal/task"
)

type fakeExecutor struct {
	workDir  string
	submits  int
	submitFn func(t *task.Task) error
}

func (f *fakeExecutor) Submit(ctx context.Context, t *task.Task, hash fingerprint.Fingerprint, workDir string) error {
	f.submits++
	if f.submitFn != nil {
		return f.submitFn(t)
	}
	t.ExitStatus = 0
	return nil
}
func (f *fakeExecutor) IsForeignFile(path string) bool { return false }
func (f *fakeExecutor) WorkDir() string                { return f.workDir }
func (f *fakeExecutor) StageDir() string                { return f.workDir }
func (f *fakeExecutor) BinDir() string                  { return "" }
func (f *fakeExecutor) Name() string                    { return "fake" }

func TestSubmitFreshTaskCreatesWorkDirAndSubmits(t *testing.T) {
	dir := t.TempDir()
	exec := &fakeExecutor{workDir: dir}
	c := New(cachestore.NewMemory(), lock.New(), fingerprint.New(fingerprint.ModeStandard), exec)

	proc, err := process.New(process.Descriptor{Name: "align", CachingOn: true})
	require.NoError(t, err)
	tk := task.New(task.StartParams{TaskID: 1, TupleIndex: 0}, proc.ID, proc.Name)

	keys := fingerprint.KeyList{{Name: "process", Value: "align"}}
	require.NoError(t, c.Submit(context.Background(), proc, tk, keys, false))
	require.Equal(t, 1, exec.submits)
	_, err = os.Stat(tk.WorkDir)
	require.NoError(t, err, "expected work dir to exist")
}

func TestSubmitCacheHitSkipsExecutor(t *testing.T) {
	dir := t.TempDir()
	exec := &fakeExecutor{workDir: dir}
	cache := cachestore.NewMemory()
	hasher := fingerprint.New(fingerprint.ModeStandard)
	c := New(cache, lock.New(), hasher, exec)

	proc, err := process.New(process.Descriptor{Name: "align", CachingOn: true})
	require.NoError(t, err)
	tk := task.New(task.StartParams{TaskID: 1, TupleIndex: 0}, proc.ID, proc.Name)
	keys := fingerprint.KeyList{{Name: "process", Value: "align"}}

	baseHash, err := hasher.Digest(keys)
	require.NoError(t, err)
	h, err := fingerprint.Rehash(baseHash, 1)
	require.NoError(t, err)

	cachedWorkDir := filepath.Join(dir, "cached")
	require.NoError(t, os.MkdirAll(cachedWorkDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cachedWorkDir, ".exitcode"), []byte("0"), 0o644))
	cache.Put(h, cachestore.Entry{Trace: cachestore.Trace{WorkDir: cachedWorkDir, Completed: true, ExitStatus: 0}})

	require.NoError(t, c.Submit(context.Background(), proc, tk, keys, false))
	require.Equal(t, 0, exec.submits, "expected cache hit to skip submission")
	require.True(t, tk.Cached, "expected task marked cached")
	require.Equal(t, cachedWorkDir, tk.WorkDir)
}

func TestSubmitStoreDirSkipsWorkDirEntirely(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, "store")
	require.NoError(t, os.MkdirAll(store, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(store, "out.txt"), []byte("x"), 0o644))

	exec := &fakeExecutor{workDir: dir}
	c := New(cachestore.NewMemory(), lock.New(), fingerprint.New(fingerprint.ModeStandard), exec)

	proc, err := process.New(process.Descriptor{
		Name:     "align",
		StoreDir: store,
		Outputs:  []process.OutputParam{{Kind: process.OutputFile, Name: "result", Pattern: "out.txt"}},
	})
	require.NoError(t, err)
	tk := task.New(task.StartParams{TaskID: 1, TupleIndex: 0}, proc.ID, proc.Name)

	keys := fingerprint.KeyList{{Name: "process", Value: "align"}}
	require.NoError(t, c.Submit(context.Background(), proc, tk, keys, false))
	require.Equal(t, 0, exec.submits, "expected store dir to satisfy the task without submission")
	require.Equal(t, store, tk.WorkDir)
	require.True(t, tk.Cached)
}

func TestSubmitCollisionRetriesAtNextAttempt(t *testing.T) {
	dir := t.TempDir()
	exec := &fakeExecutor{workDir: dir}
	c := New(cachestore.NewMemory(), lock.New(), fingerprint.New(fingerprint.ModeStandard), exec)

	proc, err := process.New(process.Descriptor{Name: "align"})
	require.NoError(t, err)
	tk := task.New(task.StartParams{TaskID: 1, TupleIndex: 0}, proc.ID, proc.Name)
	keys := fingerprint.KeyList{{Name: "process", Value: "align"}}

	hasher := fingerprint.New(fingerprint.ModeStandard)
	baseHash, err := hasher.Digest(keys)
	require.NoError(t, err)
	firstAttemptHash, err := fingerprint.Rehash(baseHash, 1)
	require.NoError(t, err)
	preExisting := filepath.Join(dir, firstAttemptHash.String())
	require.NoError(t, os.MkdirAll(preExisting, 0o755))

	require.NoError(t, c.Submit(context.Background(), proc, tk, keys, true))
	require.NotEqual(t, preExisting, tk.WorkDir, "expected collision to move past the pre-existing work dir")
	require.Equal(t, 1, exec.submits, "expected exactly 1 submit after collision retry")
}
