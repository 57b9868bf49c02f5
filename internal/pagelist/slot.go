package pagelist

import (
	"fmt"
	"image"
	"sync"

	"github.com/spherical/scholarlens/internal/render"
	"github.com/spherical/scholarlens/internal/surface"
)

// Status is what a slot currently displays.
type Status string

const (
	StatusLoading  Status = "loading"
	StatusRendered Status = "rendered"
	StatusError    Status = "error"
)

// placeholderHeight is the unscaled height reserved for a page whose size
// could not be resolved.
const placeholderHeight = 200

// Slot is the render target and display state of one page.
type Slot struct {
	index  int
	width  float64
	height float64
	canvas *surface.Canvas

	mu         sync.Mutex
	task       *render.Task
	bitmap     *image.RGBA
	shownSeq   uint64
	shownScale float64
	err        error
}

func newSlot(index int, width, height float64) *Slot {
	return &Slot{
		index:  index,
		width:  width,
		height: height,
		canvas: surface.NewCanvas(),
	}
}

// Index is the zero-based page index.
func (s *Slot) Index() int { return s.index }

// PageNumber is the one-based page number.
func (s *Slot) PageNumber() int { return s.index + 1 }

// Placeholder is shown until the first render completes.
func (s *Slot) Placeholder() string {
	return fmt.Sprintf("Loading Page %d...", s.PageNumber())
}

// Canvas is the slot's drawing surface. Only render tasks write to it.
func (s *Slot) Canvas() *surface.Canvas { return s.canvas }

// Bitmap returns the displayed bitmap, or nil while the placeholder shows.
func (s *Slot) Bitmap() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitmap
}

// Err returns the render error shown inline, if any.
func (s *Slot) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Task returns the most recent render task.
func (s *Slot) Task() *render.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task
}

// View is a display snapshot of a slot.
type View struct {
	Page        int     `json:"page"`
	Status      Status  `json:"status"`
	Placeholder string  `json:"placeholder,omitempty"`
	Scale       float64 `json:"scale,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// View returns what the slot displays now.
func (s *Slot) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{Page: s.PageNumber(), Status: StatusLoading}
	if s.bitmap != nil {
		v.Status = StatusRendered
		v.Scale = s.shownScale
		v.Width = s.bitmap.Bounds().Dx()
		v.Height = s.bitmap.Bounds().Dy()
	} else {
		v.Placeholder = s.Placeholder()
	}
	if s.err != nil {
		v.Status = StatusError
		v.Error = s.err.Error()
	}
	return v
}

// size returns the laid-out size at scale.
func (s *Slot) size(scale float64) (int, int) {
	if s.width <= 0 || s.height <= 0 {
		return 0, int(placeholderHeight * scale)
	}
	return int(s.width*scale + 0.5), int(s.height*scale + 0.5)
}

// needsRender reports whether the slot should be rendered at scale: it does
// not display that scale and no task is working towards it. A failed task is
// not retried at the same scale.
func (s *Slot) needsRender(scale float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.task != nil {
		done := false
		select {
		case <-s.task.Done():
			done = true
		default:
		}

		switch {
		case s.task.Request().Scale != scale:
			if !done {
				return true
			}
		case !done:
			return false
		default:
			return s.task.State() == render.StateCancelled
		}
	}
	return s.bitmap == nil || s.shownScale != scale
}

func (s *Slot) setTask(t *render.Task) {
	s.mu.Lock()
	s.task = t
	s.mu.Unlock()
}

// show swaps in the bitmap of a completed task unless a later one is
// already displayed.
func (s *Slot) show(t *render.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Seq() <= s.shownSeq {
		return false
	}
	s.bitmap = t.Bitmap()
	s.shownSeq = t.Seq()
	s.shownScale = t.Request().Scale
	s.err = nil
	return true
}

func (s *Slot) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
