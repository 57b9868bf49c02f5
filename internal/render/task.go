package render

import (
	"context"
	"image"
	"sync"

	"github.com/spherical/scholarlens/internal/domain"
)

// State is the lifecycle of a render task.
type State int

const (
	StatePending State = iota
	StateRendering
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRendering:
		return "rendering"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Task is one render of one request into one surface.
//
// The cancelled flag is checked under mu before every surface mutation, and
// Cancel sets it under mu, so once Cancel returns the task never touches its
// surface again.
type Task struct {
	seq     uint64
	req     domain.RenderRequest
	surface domain.Surface

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     State
	cancelled bool
	err       error
	bitmap    *image.RGBA
}

func newTask(ctx context.Context, seq uint64, req domain.RenderRequest, surface domain.Surface) *Task {
	ctx, cancel := context.WithCancel(ctx)
	return &Task{
		seq:     seq,
		req:     req,
		surface: surface,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StatePending,
	}
}

// Seq is the scheduler-wide request number. Later requests have larger numbers.
func (t *Task) Seq() uint64 { return t.seq }

// Request returns the request this task renders.
func (t *Task) Request() domain.RenderRequest { return t.req }

// Cancel requests cooperative cancellation. It does not wait for the task to
// terminate; use Done or Wait for that.
func (t *Task) Cancel() {
	t.mu.Lock()
	if !t.state.Terminal() {
		t.cancelled = true
	}
	t.mu.Unlock()
	t.cancel()
}

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task terminates or ctx is done, and returns the
// task's error.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err is nil for completed tasks, a CancelledRender for cancelled ones and a
// PageResolutionError or RenderError for failed ones.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Bitmap returns the painted raster of a completed task, or nil.
func (t *Task) Bitmap() *image.RGBA {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bitmap
}

// begin moves a pending task to rendering unless it was cancelled first.
func (t *Task) begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelled || t.ctx.Err() != nil {
		return false
	}
	t.state = StateRendering
	return true
}

// mutate runs fn under the task lock unless the task has been cancelled.
func (t *Task) mutate(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelled || t.ctx.Err() != nil {
		return false
	}
	fn()
	return true
}

// complete marks the task completed unless it was cancelled after its last band.
func (t *Task) complete(bitmap *image.RGBA) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelled || t.ctx.Err() != nil {
		return false
	}
	t.state = StateCompleted
	t.bitmap = bitmap
	return true
}

func (t *Task) fail(err error) {
	t.finish(StateFailed, err)
}

func (t *Task) abort() {
	t.finish(StateCancelled, domain.CancelledRender(t.req.PageIndex, t.req.Scale))
}

func (t *Task) finish(state State, err error) {
	t.mu.Lock()
	t.state = state
	t.err = err
	t.mu.Unlock()
}

// close releases the task context and signals termination.
func (t *Task) close() {
	t.cancel()
	close(t.done)
}
