// Package pagelist keeps one render slot per page of the displayed document
// and re-renders visible slots when the zoom level settles.
package pagelist

import (
	"context"
	"image"
	"sync"
	"sync/atomic"

	"github.com/spherical/scholarlens/internal/domain"
	"github.com/spherical/scholarlens/internal/observability"
	"github.com/spherical/scholarlens/internal/render"
	"github.com/spherical/scholarlens/internal/viewport"
)

// DefaultPageGap is the vertical space between pages in pixels.
const DefaultPageGap = 16

// Options configures a Coordinator.
type Options struct {
	Scheduler *render.Scheduler
	Viewport  *viewport.Controller
	PageGap   int
	Logger    *observability.Logger
}

// Coordinator owns the slots of the mounted document.
type Coordinator struct {
	sched  *render.Scheduler
	vc     *viewport.Controller
	gap    int
	logger *observability.Logger

	unsubscribe func()

	mu      sync.Mutex
	doc     domain.Document
	slots   []*Slot
	first   int
	last    int
	scale   float64
	ctx     context.Context
	cancel  context.CancelFunc
	watches sync.WaitGroup

	passes atomic.Uint64
}

// New creates a coordinator subscribed to the viewport's settled scale.
func New(opts Options) *Coordinator {
	if opts.Scheduler == nil {
		opts.Scheduler = render.NewScheduler(render.Options{Logger: opts.Logger})
	}
	if opts.Viewport == nil {
		opts.Viewport = viewport.NewController(viewport.Options{Logger: opts.Logger})
	}
	if opts.PageGap <= 0 {
		opts.PageGap = DefaultPageGap
	}
	if opts.Logger == nil {
		opts.Logger = observability.Nop()
	}

	c := &Coordinator{
		sched:  opts.Scheduler,
		vc:     opts.Viewport,
		gap:    opts.PageGap,
		logger: opts.Logger.WithComponent("pagelist"),
		last:   -1,
	}
	c.unsubscribe = c.vc.OnScaleSettled(c.onSettled)
	return c
}

// Mount tears down the current document, builds one slot per page of doc and
// starts rendering every slot at the current scale.
func (c *Coordinator) Mount(ctx context.Context, doc domain.Document) error {
	if err := c.Unmount(ctx); err != nil {
		return err
	}

	slots := make([]*Slot, doc.PageCount())
	for i := range slots {
		var w, h float64
		page, err := doc.Page(ctx, i)
		switch {
		case err == nil:
			w, h = page.Size()
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			c.logger.Debug().Page(i+1).Err(err).Msg("Page size unavailable")
		}
		slots[i] = newSlot(i, w, h)
	}

	c.mu.Lock()
	c.doc = doc
	c.slots = slots
	c.first, c.last = 0, len(slots)-1
	c.scale = c.vc.Scale()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	c.logger.WithDocument(doc.Fingerprint()).Info().
		Int("pages", len(slots)).
		Msg("Page list mounted")

	c.pass(0, false)
	return nil
}

// Unmount cancels every active render and waits for all of them to
// terminate. Afterwards no slot surface is written again. Renders left
// over from an earlier Unmount that gave up on ctx are awaited too.
func (c *Coordinator) Unmount(ctx context.Context) error {
	c.mu.Lock()
	doc := c.doc
	slots := c.slots
	cancel := c.cancel
	c.doc = nil
	c.slots = nil
	c.cancel = nil
	c.mu.Unlock()

	for _, s := range slots {
		if t := s.Task(); t != nil {
			t.Cancel()
		}
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.watches.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if doc != nil {
		c.logger.WithDocument(doc.Fingerprint()).Info().Msg("Page list unmounted")
	}
	return nil
}

// Close unsubscribes from the viewport and unmounts.
func (c *Coordinator) Close(ctx context.Context) error {
	c.unsubscribe()
	return c.Unmount(ctx)
}

// Document returns the mounted document, or nil.
func (c *Coordinator) Document() domain.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc
}

// Slots returns the slots in page order.
func (c *Coordinator) Slots() []*Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Slot(nil), c.slots...)
}

// Slot returns the slot for a zero-based page index.
func (c *Coordinator) Slot(index int) (*Slot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= len(c.slots) {
		return nil, false
	}
	return c.slots[index], true
}

// Scale returns the scale slots are rendered at. It trails the viewport
// scale until a change settles.
func (c *Coordinator) Scale() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scale
}

// Passes counts render passes since creation.
func (c *Coordinator) Passes() uint64 {
	return c.passes.Load()
}

// SetVisibleRange limits settle passes to pages first..last (zero-based,
// inclusive). Slots that become visible and lack a bitmap at the last
// settled scale are rendered now.
func (c *Coordinator) SetVisibleRange(first, last int) {
	c.mu.Lock()
	if c.doc == nil {
		c.mu.Unlock()
		return
	}
	n := len(c.slots)
	c.first = max(0, min(first, n-1))
	c.last = max(c.first, min(last, n-1))
	c.mu.Unlock()

	c.pass(0, true)
}

// VisibleRange returns the zero-based inclusive range of visible pages.
func (c *Coordinator) VisibleRange() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.first, c.last
}

// Layout returns the content size at scale: the widest page by the sum of
// page heights and gaps.
func (c *Coordinator) Layout(scale float64) image.Point {
	c.mu.Lock()
	defer c.mu.Unlock()

	var size image.Point
	for i, s := range c.slots {
		w, h := s.size(scale)
		size.X = max(size.X, w)
		size.Y += h
		if i > 0 {
			size.Y += c.gap
		}
	}
	return size
}

func (c *Coordinator) onSettled(scale float64) {
	c.pass(scale, true)
}

// pass renders visible slots at scale, or at the last settled scale when
// scale is zero. With onlyStale set, slots already showing or rendering that
// scale are skipped.
func (c *Coordinator) pass(scale float64, onlyStale bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.doc == nil {
		return
	}
	if scale > 0 {
		c.scale = scale
	}
	scale = c.scale
	c.passes.Add(1)

	started := 0
	for i := c.first; i <= c.last && i < len(c.slots); i++ {
		s := c.slots[i]
		if onlyStale && !s.needsRender(scale) {
			continue
		}

		req := domain.RenderRequest{Document: c.doc, PageIndex: i, Scale: scale}
		t := c.sched.Render(c.ctx, req, s.canvas)
		s.setTask(t)

		c.watches.Add(1)
		go c.watch(s, t)
		started++
	}

	c.logger.Debug().
		Scale(scale).
		Int("first", c.first+1).
		Int("last", c.last+1).
		Int("started", started).
		Msg("Render pass")
}

func (c *Coordinator) watch(s *Slot, t *render.Task) {
	defer c.watches.Done()
	<-t.Done()

	switch t.State() {
	case render.StateCompleted:
		s.show(t)
	case render.StateFailed:
		err := t.Err()
		if domain.IsPageResolution(err) {
			// The document is being swapped; the rebuild renders again.
			return
		}
		s.fail(err)
		c.logger.Warn().Page(s.PageNumber()).Err(err).Msg("Page render failed")
	}
}
