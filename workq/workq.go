// Package workq provides deferred per-queue work: a Task runs its function
// on demand, never more than once at a time, and coalesces requests made
// while it is already pending.
package workq

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

type Task struct {
	Name string

	fn      func()
	kick    chan struct{}
	running sync.Mutex
	runs    atomic.Uint64
	lockOS  bool
}

// New creates a task. With lockOSThread the goroutine started by Run is
// wired to its OS thread for its whole lifetime.
func New(name string, lockOSThread bool, fn func()) *Task {
	return &Task{
		Name:   name,
		fn:     fn,
		kick:   make(chan struct{}, 1),
		lockOS: lockOSThread,
	}
}

// Enqueue requests a run. It never blocks. Requests made before a pending
// run started are merged into it; a request made while fn is running causes
// exactly one more run.
func (t *Task) Enqueue() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Pending reports whether a run has been requested and not started.
func (t *Task) Pending() bool { return len(t.kick) > 0 }

// Runs returns how many times fn has run.
func (t *Task) Runs() uint64 { return t.runs.Load() }

// RunPending runs fn on the calling goroutine if a run was requested and
// reports whether it did.
func (t *Task) RunPending() bool {
	select {
	case <-t.kick:
		t.run()
		return true
	default:
		return false
	}
}

func (t *Task) run() {
	t.running.Lock()
	defer t.running.Unlock()
	t.runs.Add(1)
	t.fn()
}

// Run serves requests until ctx is canceled.
func (t *Task) Run(ctx context.Context) error {
	if t.lockOS {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.kick:
			t.run()
		}
	}
}

// Group runs a set of tasks and stops them together.
type Group struct {
	cancel context.CancelFunc
	g      *errgroup.Group
}

// Start runs every task on its own goroutine.
func Start(ctx context.Context, tasks ...*Task) *Group {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error { return t.Run(ctx) })
	}
	return &Group{cancel: cancel, g: g}
}

// Stop cancels all tasks and waits for them to return. A task that is
// running finishes its current run first.
func (g *Group) Stop() error {
	g.cancel()
	if err := g.g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
