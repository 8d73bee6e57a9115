// Package submit implements the cache lookup and work-dir coordination
// algorithm: for each attempt, rehash, check the cache (and the
// persistent store directory), and if neither satisfies the task,
// acquire the fingerprint lock and create a fresh work directory before
// handing off to the executor.
package submit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/flowforge/taskproc/internal/cachestore"
	"github.com/flowforge/taskproc/internal/executor"
	"github.com/flowforge/taskproc/internal/fingerprint"
	"github.com/flowforge/taskproc/internal/invariant"
	"github.com/flowforge/taskproc/internal/lock"
	"github.com/flowforge/taskproc/internal/process"
	"github.com/flowforge/taskproc/internal/task"
)

// maxCollisionStreak bounds the attempt loop when MaxRetries is
// unlimited, so a filesystem slow to reflect directory deletion surfaces
// as a loud invariant violation instead of spinning forever.
const maxCollisionStreak = 10000

// CheckCachedOutputFunc verifies a cache entry actually satisfies a
// task's declared outputs (arity, file existence, exit status) before
// the task is allowed to reuse it.
type CheckCachedOutputFunc func(proc *process.Descriptor, t *task.Task, entry cachestore.Entry) bool

// CheckStoredOutputFunc verifies a process's persistent storeDir already
// holds every declared file output, letting the task skip work-dir
// creation entirely.
type CheckStoredOutputFunc func(proc *process.Descriptor) (storeDir string, ok bool)

// Coordinator runs the attempt loop for one task.
type Coordinator struct {
	Cache             cachestore.Cache
	Locks             *lock.Manager
	Hasher            *fingerprint.Hasher
	Executor          executor.Executor
	CheckCachedOutput CheckCachedOutputFunc
	CheckStoredOutput CheckStoredOutputFunc
}

// New returns a Coordinator with the default cache/store verification:
// the cached work dir must carry a parseable zero .exitcode and the
// artifacts the process's declared outputs will read, and a storeDir
// satisfies a task only when every non-optional file output is already
// present there.
func New(cache cachestore.Cache, locks *lock.Manager, hasher *fingerprint.Hasher, exec executor.Executor) *Coordinator {
	return &Coordinator{
		Cache:             cache,
		Locks:             locks,
		Hasher:            hasher,
		Executor:          exec,
		CheckCachedOutput: CheckCachedOutput,
		CheckStoredOutput: CheckStoredOutput,
	}
}

// CheckCachedOutput is the default cached-entry verification: the exit
// status file parses to an accepted success code, the stdout capture
// exists when stdout is a declared output, and the stored context map is
// present when a lazy value output needs it. Any missing element fails
// the cache attempt and the task falls through to a fresh submission.
func CheckCachedOutput(proc *process.Descriptor, t *task.Task, entry cachestore.Entry) bool {
	if !entry.Trace.IsCompleted() {
		return false
	}
	dir := entry.Trace.WorkDir

	raw, err := os.ReadFile(filepath.Join(dir, ".exitcode"))
	if err != nil {
		return false
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || code != 0 {
		return false
	}

	for _, out := range proc.Outputs {
		switch out.Kind {
		case process.OutputStdout:
			if _, err := os.Stat(filepath.Join(dir, ".command.out")); err != nil {
				return false
			}
		case process.OutputValue:
			if entry.Context == nil {
				return false
			}
		case process.OutputFile:
			if out.Optional {
				continue
			}
			if !anyPatternSatisfied(dir, out.Pattern) {
				return false
			}
		}
	}
	return true
}

// CheckStoredOutput is the default storeDir check: when the process
// declares a persistent store directory that already holds every
// non-optional declared file output, the task skips entirely with no
// work dir at all.
func CheckStoredOutput(proc *process.Descriptor) (string, bool) {
	if proc.StoreDir == "" {
		return "", false
	}
	if _, err := os.Stat(proc.StoreDir); err != nil {
		return "", false
	}
	for _, out := range proc.Outputs {
		if out.Kind != process.OutputFile || out.Optional {
			continue
		}
		if !anyPatternSatisfied(proc.StoreDir, out.Pattern) {
			return "", false
		}
	}
	return proc.StoreDir, true
}

// anyPatternSatisfied reports whether at least one of the
// whitespace-separated patterns matches something under dir.
func anyPatternSatisfied(dir, pattern string) bool {
	for _, pat := range strings.Fields(pattern) {
		if strings.ContainsAny(pat, "*?[") {
			matches, err := filepath.Glob(filepath.Join(dir, pat))
			if err == nil && len(matches) > 0 {
				return true
			}
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, pat)); err == nil {
			return true
		}
	}
	return false
}

// Submit runs the attempts loop for t against proc's base fingerprint
// keys, caching disabled when cachingDisabled is true (the error-policy
// RETRY path re-enters with this set).
func (c *Coordinator) Submit(ctx context.Context, proc *process.Descriptor, t *task.Task, base fingerprint.KeyList, cachingDisabled bool) error {
	if storeDir, ok := c.CheckStoredOutput(proc); ok {
		t.WorkDir = storeDir
		t.Cached = true
		return nil
	}

	baseHash, err := c.Hasher.Digest(base)
	if err != nil {
		return fmt.Errorf("submit: digest base keys: %w", err)
	}

	collisionStreak := 0
	ceiling := proc.MaxRetries
	if ceiling < 0 {
		ceiling = maxCollisionStreak
	}

	for attempt := t.Attempt; ; attempt++ {
		invariant.Require(collisionStreak <= ceiling+1, "fingerprint collision streak %d exceeded ceiling %d for process %s", collisionStreak, ceiling, proc.Name)

		h, err := fingerprint.Rehash(baseHash, attempt)
		if err != nil {
			return fmt.Errorf("submit: rehash attempt %d: %w", attempt, err)
		}
		t.Fingerprint = h

		if !cachingDisabled && proc.CachingOn {
			if entry, ok := c.Cache.Lookup(h, proc.Name); ok && entry.Trace.IsCompleted() && workDirExists(entry.Trace.WorkDir) {
				if c.CheckCachedOutput(proc, t, entry) {
					t.WorkDir = entry.Trace.WorkDir
					t.Cached = true
					t.ExitStatus = entry.Trace.ExitStatus
					t.StdoutPath = filepath.Join(entry.Trace.WorkDir, ".command.out")
					t.StderrPath = filepath.Join(entry.Trace.WorkDir, ".command.err")
					t.CachedContext = entry.Context
					return nil
				}
			}
		}

		workDir := filepath.Join(c.Executor.WorkDir(), h.String())

		claimed, err := c.claimWorkDir(h, workDir)
		if err != nil {
			return fmt.Errorf("submit: claim work dir: %w", err)
		}
		if !claimed {
			collisionStreak++
			continue
		}

		t.WorkDir = workDir
		if err := c.Executor.Submit(ctx, t, h, workDir); err != nil {
			return fmt.Errorf("submit: executor submit: %w", err)
		}
		return nil
	}
}

// claimWorkDir acquires the fingerprint's lock, checks whether the
// directory already exists (meaning another attempt already claimed this
// fingerprint and this one must retry at the next attempt index), and
// creates it otherwise. The lock is held only for the duration of the
// existence check and mkdir.
func (c *Coordinator) claimWorkDir(hash fingerprint.Fingerprint, workDir string) (claimed bool, err error) {
	key := [32]byte(hash)
	err = c.Locks.WithLock(key, func() error {
		if _, statErr := os.Stat(workDir); statErr == nil {
			claimed = false
			return nil
		} else if !os.IsNotExist(statErr) {
			return statErr
		}
		if mkErr := os.MkdirAll(workDir, 0o755); mkErr != nil {
			return mkErr
		}
		claimed = true
		return nil
	})
	return claimed, err
}

func workDirExists(dir string) bool {
	if dir == "" {
		return false
	}
	_, err := os.Stat(dir)
	return err == nil
}
