// Package arraybatch buffers ready, non-retry tasks until K have
// accumulated (or the process closes), then submits them as one batch.
package arraybatch

import (
	"context"
	"sync"

	"github.com/flowforge/taskproc/internal/task"
	"golang.org/x/sync/errgroup"
)

// SubmitFunc submits one task within a batch; each task's own result is
// returned to its caller independently of the rest of the batch.
type SubmitFunc func(ctx context.Context, t *task.Task) error

// item pairs a buffered task with the channel its own result arrives on,
// so every Add call — whether it triggers the flush or only rides along
// in someone else's — blocks on exactly its own task's outcome.
type item struct {
	t    *task.Task
	done chan error
}

// Collector buffers up to K tasks, flushing via SubmitFunc when full or
// on Close. Tasks that are retries (Attempt > 1) bypass batching
// entirely and should be submitted individually by the caller before
// ever reaching Add.
type Collector struct {
	k      int
	submit SubmitFunc

	mu      sync.Mutex
	pending []*item
}

// New returns a Collector buffering up to k tasks at a time. k<=0 means
// batching is disabled and Add submits t immediately, synchronously.
func New(k int, submit SubmitFunc) *Collector {
	return &Collector{k: k, submit: submit}
}

// Add buffers t and blocks until t's own submission result is known —
// either because this call filled the batch and triggered the flush, or
// because an earlier or later Add did.
func (c *Collector) Add(ctx context.Context, t *task.Task) error {
	if c.k <= 0 {
		return c.submit(ctx, t)
	}

	it := &item{t: t, done: make(chan error, 1)}

	c.mu.Lock()
	c.pending = append(c.pending, it)
	var batch []*item
	if len(c.pending) >= c.k {
		batch = c.pending
		c.pending = nil
	}
	c.mu.Unlock()

	if batch != nil {
		go c.flush(ctx, batch)
	}

	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes whatever remains buffered, even if it's short of k, and
// waits for every straggler's own result before returning. It returns the
// first error encountered, if any.
func (c *Collector) Close(ctx context.Context) error {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return c.flushAndWait(ctx, batch)
}

// flush runs one batch's submissions concurrently via errgroup, feeding
// each item's own done channel as its result becomes known. It is run on
// its own goroutine by Add, which never waits on the group itself — only
// on the one item it cares about.
func (c *Collector) flush(ctx context.Context, batch []*item) {
	g, gctx := errgroup.WithContext(ctx)
	for _, it := range batch {
		it := it
		g.Go(func() error {
			err := c.submit(gctx, it.t)
			it.done <- err
			return err
		})
	}
	_ = g.Wait()
}

// flushAndWait runs a batch and blocks until every item's result has been
// delivered, returning the first error seen.
func (c *Collector) flushAndWait(ctx context.Context, batch []*item) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, it := range batch {
		it := it
		g.Go(func() error {
			err := c.submit(gctx, it.t)
			it.done <- err
			return err
		})
	}
	return g.Wait()
}

// Pending returns the number of tasks currently buffered, for tests and
// diagnostics.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
