// Package viewport owns the preview zoom level and scroll offset and turns
// pointer gestures into changes of both.
package viewport

import (
	"math"
	"sync"
	"time"

	"github.com/spherical/scholarlens/internal/domain"
	"github.com/spherical/scholarlens/internal/observability"
)

// Direction is a zoom button.
type Direction int

const (
	ZoomIn Direction = iota
	ZoomOut
)

func (d Direction) String() string {
	if d == ZoomIn {
		return "in"
	}
	return "out"
}

// Options configures zoom ranges and the settle delay.
type Options struct {
	InitialScale float64

	// MinScale and MaxScale bound wheel zoom
	MinScale float64
	MaxScale float64

	// ButtonMinScale is the zoom-out floor for the toolbar buttons
	ButtonMinScale float64

	WheelStep  float64
	ButtonStep float64
	Debounce   time.Duration
	Logger     *observability.Logger
}

// DefaultOptions returns the reference zoom behavior.
func DefaultOptions() Options {
	return Options{
		InitialScale:   1.0,
		MinScale:       0.5,
		MaxScale:       5.0,
		ButtonMinScale: 1.0,
		WheelStep:      0.1,
		ButtonStep:     0.5,
		Debounce:       200 * time.Millisecond,
	}
}

// State is a snapshot of the viewport.
type State struct {
	Scale    float64      `json:"scale"`
	Percent  int          `json:"percent"`
	Scroll   domain.Point `json:"scroll"`
	Dragging bool         `json:"dragging"`
}

type dragAnchor struct {
	pointer domain.Point
	scroll  domain.Point
}

// Controller is the single viewport state of one preview. Gesture handlers
// are its only writers. Scale listeners are called synchronously on every
// change; settle listeners are called once a change has been quiet for the
// debounce window.
type Controller struct {
	opts   Options
	logger *observability.Logger

	mu        sync.Mutex
	scale     float64
	scroll    domain.Point
	maxScroll domain.Point
	bounded   bool
	dragging  bool
	anchor    dragAnchor

	nextID    int
	onChange  map[int]func(float64)
	onSettled map[int]func(float64)

	debouncer *Debouncer
}

// NewController creates a controller. Zero option fields take defaults.
func NewController(opts Options) *Controller {
	def := DefaultOptions()
	if opts.MinScale <= 0 {
		opts.MinScale = def.MinScale
	}
	if opts.MaxScale <= 0 {
		opts.MaxScale = def.MaxScale
	}
	if opts.ButtonMinScale <= 0 {
		opts.ButtonMinScale = def.ButtonMinScale
	}
	if opts.InitialScale <= 0 {
		opts.InitialScale = def.InitialScale
	}
	if opts.WheelStep <= 0 {
		opts.WheelStep = def.WheelStep
	}
	if opts.ButtonStep <= 0 {
		opts.ButtonStep = def.ButtonStep
	}
	if opts.Debounce < 0 {
		opts.Debounce = def.Debounce
	}
	if opts.Logger == nil {
		opts.Logger = observability.Nop()
	}

	c := &Controller{
		opts:      opts,
		logger:    opts.Logger.WithComponent("viewport"),
		scale:     clamp(round2(opts.InitialScale), opts.MinScale, opts.MaxScale),
		onChange:  make(map[int]func(float64)),
		onSettled: make(map[int]func(float64)),
	}
	c.debouncer = NewDebouncer(opts.Debounce, c.settle)
	return c
}

// Scale returns the current scale. Between a change and its settle this is
// already the new value.
func (c *Controller) Scale() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scale
}

// Percent is the scale as a rounded percentage for display.
func (c *Controller) Percent() int {
	return int(math.Round(c.Scale() * 100))
}

// CanZoomOut reports whether the zoom-out control is enabled.
func (c *Controller) CanZoomOut() bool {
	return c.Scale() > c.opts.MinScale
}

// CanZoomIn reports whether the zoom-in control is enabled.
func (c *Controller) CanZoomIn() bool {
	return c.Scale() < c.opts.MaxScale
}

// State returns a snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Scale:    c.scale,
		Percent:  int(math.Round(c.scale * 100)),
		Scroll:   c.scroll,
		Dragging: c.dragging,
	}
}

// OnScaleChange registers fn for every scale change and returns a function
// that removes it.
func (c *Controller) OnScaleChange(fn func(scale float64)) (remove func()) {
	return c.subscribe(c.onChange, fn)
}

// OnScaleSettled registers fn for settled scale changes and returns a
// function that removes it. fn runs on a timer goroutine.
func (c *Controller) OnScaleSettled(fn func(scale float64)) (remove func()) {
	return c.subscribe(c.onSettled, fn)
}

func (c *Controller) subscribe(set map[int]func(float64), fn func(float64)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	set[id] = fn

	return func() {
		c.mu.Lock()
		delete(set, id)
		c.mu.Unlock()
	}
}

// OnZoomGesture handles a wheel event. Without the modifier the event is not
// a zoom and false is returned so the caller scrolls normally. With the
// modifier a positive deltaY zooms out and a negative one zooms in by one
// wheel step within [MinScale, MaxScale].
func (c *Controller) OnZoomGesture(deltaY float64, modifierHeld bool) bool {
	if !modifierHeld {
		return false
	}

	switch {
	case deltaY > 0:
		c.update(func(s float64) float64 {
			return clamp(s-c.opts.WheelStep, c.opts.MinScale, c.opts.MaxScale)
		}, "wheel")
	case deltaY < 0:
		c.update(func(s float64) float64 {
			return clamp(s+c.opts.WheelStep, c.opts.MinScale, c.opts.MaxScale)
		}, "wheel")
	}
	return true
}

// OnZoomButton handles the toolbar buttons. Zooming out never goes below
// ButtonMinScale, even when the wheel has taken the scale lower.
func (c *Controller) OnZoomButton(dir Direction) {
	if dir == ZoomIn {
		c.update(func(s float64) float64 {
			return math.Min(s+c.opts.ButtonStep, c.opts.MaxScale)
		}, "button")
		return
	}
	c.update(func(s float64) float64 {
		return math.Max(s-c.opts.ButtonStep, c.opts.ButtonMinScale)
	}, "button")
}

// SetScale sets an absolute scale clamped to [MinScale, MaxScale].
func (c *Controller) SetScale(scale float64) {
	c.update(func(float64) float64 {
		return clamp(scale, c.opts.MinScale, c.opts.MaxScale)
	}, "set")
}

func (c *Controller) update(next func(float64) float64, source string) {
	c.mu.Lock()
	prev := c.scale
	scale := round2(next(prev))
	if scale == prev {
		c.mu.Unlock()
		return
	}
	c.scale = scale
	listeners := collect(c.onChange)
	// Triggered under mu so concurrent gestures reach the debouncer in the
	// order their scales were written.
	c.debouncer.Trigger(scale)
	c.mu.Unlock()

	c.logger.Debug().
		Str("source", source).
		Float64("from", prev).
		Float64("to", scale).
		Msg("Scale changed")

	for _, fn := range listeners {
		fn(scale)
	}
}

func (c *Controller) settle(float64) {
	c.mu.Lock()
	scale := c.scale
	listeners := collect(c.onSettled)
	c.mu.Unlock()

	c.logger.Debug().Scale(scale).Msg("Scale settled")

	for _, fn := range listeners {
		fn(scale)
	}
}

// Scroll returns the current scroll offset.
func (c *Controller) Scroll() domain.Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scroll
}

// SetScrollBounds sets the largest scroll offset, usually content size minus
// visible size, and re-clamps the current offset.
func (c *Controller) SetScrollBounds(maxX, maxY float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maxScroll = domain.Point{X: math.Max(maxX, 0), Y: math.Max(maxY, 0)}
	c.bounded = true
	c.scroll = c.clampScroll(c.scroll)
}

// ScrollBy moves the scroll offset, as a plain wheel does.
func (c *Controller) ScrollBy(dx, dy float64) domain.Point {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.scroll = c.clampScroll(c.scroll.Add(domain.Point{X: dx, Y: dy}))
	return c.scroll
}

// OnDragStart begins a grab-and-pull drag at pointer.
func (c *Controller) OnDragStart(pointer domain.Point) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dragging = true
	c.anchor = dragAnchor{pointer: pointer, scroll: c.scroll}
}

// OnDragMove scrolls so the content follows the pointer. It returns the new
// offset and false when no drag is active.
func (c *Controller) OnDragMove(pointer domain.Point) (domain.Point, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dragging {
		return c.scroll, false
	}
	c.scroll = c.clampScroll(c.anchor.scroll.Add(c.anchor.pointer.Sub(pointer)))
	return c.scroll, true
}

// OnDragEnd ends a drag when the pointer is released.
func (c *Controller) OnDragEnd() {
	c.mu.Lock()
	c.dragging = false
	c.mu.Unlock()
}

// OnDragCancel ends a drag when the pointer leaves the view.
func (c *Controller) OnDragCancel() {
	c.OnDragEnd()
}

// Close drops a pending settle notification.
func (c *Controller) Close() {
	c.debouncer.Stop()
}

func (c *Controller) clampScroll(p domain.Point) domain.Point {
	p.X = math.Max(p.X, 0)
	p.Y = math.Max(p.Y, 0)
	if c.bounded {
		p.X = math.Min(p.X, c.maxScroll.X)
		p.Y = math.Min(p.Y, c.maxScroll.Y)
	}
	return p
}

func collect(set map[int]func(float64)) []func(float64) {
	out := make([]func(float64), 0, len(set))
	for _, fn := range set {
		out = append(out, fn)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// round2 keeps repeated steps from accumulating float error.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
