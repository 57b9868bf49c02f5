// Package preview composes document loading, the viewport and the page list
// into one scrollable, zoomable document preview.
package preview

import (
	"context"
	"image"
	"sync"

	"github.com/spherical/scholarlens/internal/domain"
	"github.com/spherical/scholarlens/internal/observability"
	"github.com/spherical/scholarlens/internal/pagelist"
	"github.com/spherical/scholarlens/internal/pdf"
	"github.com/spherical/scholarlens/internal/render"
	"github.com/spherical/scholarlens/internal/viewport"
)

// State is the document-level display state.
type State string

const (
	StateEmpty       State = "empty"
	StateLoading     State = "loading"
	StateReady       State = "ready"
	StateUnavailable State = "unavailable"
)

// UnavailableMessage is shown once, in place of the page list, when the
// document cannot be loaded.
const UnavailableMessage = "preview unavailable"

// Opener turns a source into a document handle.
type Opener interface {
	Open(ctx context.Context, src pdf.Source) (domain.Document, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, src pdf.Source) (domain.Document, error)

func (f OpenerFunc) Open(ctx context.Context, src pdf.Source) (domain.Document, error) {
	return f(ctx, src)
}

// LoaderOpener opens sources with a go-fitz loader.
func LoaderOpener(l *pdf.Loader) Opener {
	return OpenerFunc(func(ctx context.Context, src pdf.Source) (domain.Document, error) {
		doc, err := l.Open(ctx, src)
		if err != nil {
			return nil, err
		}
		return doc, nil
	})
}

// Options configures a View.
type Options struct {
	Viewport viewport.Options
	Render   render.Options

	// Scheduler is shared across views when set; Render is then ignored
	Scheduler *render.Scheduler

	PageGap  int
	MaxBytes int64
	Opener   Opener
	Logger   *observability.Logger
}

// Toolbar is the zoom control state.
type Toolbar struct {
	Pages      int     `json:"pages"`
	Scale      float64 `json:"scale"`
	Percent    int     `json:"percent"`
	CanZoomIn  bool    `json:"can_zoom_in"`
	CanZoomOut bool    `json:"can_zoom_out"`
}

// Snapshot is everything the view displays.
type Snapshot struct {
	State    State           `json:"state"`
	Message  string          `json:"message,omitempty"`
	Toolbar  Toolbar         `json:"toolbar"`
	Viewport viewport.State  `json:"viewport"`
	Content  image.Point     `json:"content"`
	Pages    []pagelist.View `json:"pages,omitempty"`
}

// View is the preview of one document at a time.
type View struct {
	opener Opener
	vc     *viewport.Controller
	list   *pagelist.Coordinator
	logger *observability.Logger

	unsubscribe func()

	// loadMu serializes document swaps
	loadMu sync.Mutex

	mu      sync.RWMutex
	state   State
	loadErr error
	doc     domain.Document
	visible image.Point
}

// New creates an empty view.
func New(opts Options) *View {
	if opts.Logger == nil {
		opts.Logger = observability.Nop()
	}
	if opts.Opener == nil {
		opts.Opener = LoaderOpener(pdf.NewLoader(opts.MaxBytes, opts.Logger))
	}
	if opts.Viewport.Logger == nil {
		opts.Viewport.Logger = opts.Logger
	}
	if opts.Scheduler == nil {
		if opts.Render.Logger == nil {
			opts.Render.Logger = opts.Logger
		}
		opts.Scheduler = render.NewScheduler(opts.Render)
	}

	vc := viewport.NewController(opts.Viewport)
	v := &View{
		opener: opts.Opener,
		vc:     vc,
		list: pagelist.New(pagelist.Options{
			Scheduler: opts.Scheduler,
			Viewport:  vc,
			PageGap:   opts.PageGap,
			Logger:    opts.Logger,
		}),
		logger: opts.Logger.WithComponent("preview"),
		state:  StateEmpty,
	}
	v.unsubscribe = vc.OnScaleChange(func(float64) { v.updateScrollBounds() })
	return v
}

// Load replaces the displayed document. The previous document's renders are
// cancelled and awaited before its handle is closed. A load failure leaves
// the view Unavailable with no page slots and returns the DocumentLoadError.
func (v *View) Load(ctx context.Context, src pdf.Source) error {
	v.loadMu.Lock()
	defer v.loadMu.Unlock()

	v.setState(StateLoading, nil)

	doc, err := v.opener.Open(ctx, src)
	if err != nil {
		if !domain.IsDocumentLoad(err) {
			err = domain.DocumentLoadError("open document", err)
		}
		if uerr := v.teardown(ctx); uerr != nil {
			v.logger.Warn().Err(uerr).Msg("Failed to tear down previous document")
		}
		v.setState(StateUnavailable, err)
		v.logger.Warn().Err(err).Msg("Preview unavailable")
		return err
	}

	v.mu.RLock()
	old := v.doc
	v.mu.RUnlock()

	if err := v.list.Mount(ctx, doc); err != nil {
		_ = doc.Close()
		err = domain.DocumentLoadError("mount document", err)
		// The previous document stays open if its renders cannot be awaited;
		// the next Load or Close retries.
		if uerr := v.teardown(ctx); uerr != nil {
			v.logger.Warn().Err(uerr).Msg("Failed to tear down previous document")
		}
		v.setState(StateUnavailable, err)
		v.logger.Warn().Err(err).Msg("Preview unavailable")
		return err
	}
	if old != nil {
		if err := old.Close(); err != nil {
			v.logger.Warn().Err(err).Msg("Failed to close previous document")
		}
	}

	v.mu.Lock()
	v.doc = doc
	v.mu.Unlock()

	v.setState(StateReady, nil)
	v.logger.WithDocument(doc.Fingerprint()).Info().
		Int("pages", doc.PageCount()).
		Msg("Document loaded")
	v.updateScrollBounds()
	return nil
}

// Close tears the view down: pending settles are dropped, every render is
// cancelled and awaited, and the document handle is closed.
func (v *View) Close(ctx context.Context) error {
	v.loadMu.Lock()
	defer v.loadMu.Unlock()

	v.unsubscribe()
	v.vc.Close()
	err := v.teardown(ctx)
	if cerr := v.list.Close(ctx); err == nil {
		err = cerr
	}
	v.setState(StateEmpty, nil)
	return err
}

func (v *View) teardown(ctx context.Context) error {
	if err := v.list.Unmount(ctx); err != nil {
		return err
	}

	v.mu.Lock()
	doc := v.doc
	v.doc = nil
	v.mu.Unlock()

	if doc != nil {
		return doc.Close()
	}
	return nil
}

// State returns the display state and, when Unavailable, the load error.
func (v *View) State() (State, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state, v.loadErr
}

// Viewport returns the view's viewport controller, the entry point for
// gestures and zoom buttons.
func (v *View) Viewport() *viewport.Controller { return v.vc }

// Pages returns the page list coordinator.
func (v *View) Pages() *pagelist.Coordinator { return v.list }

// Document returns the displayed document, or nil.
func (v *View) Document() domain.Document {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.doc
}

// SetVisibleSize records the size of the visible area so scrolling stops at
// the end of the content.
func (v *View) SetVisibleSize(width, height int) {
	v.mu.Lock()
	v.visible = image.Point{X: width, Y: height}
	v.mu.Unlock()
	v.updateScrollBounds()
}

func (v *View) updateScrollBounds() {
	v.mu.RLock()
	visible := v.visible
	v.mu.RUnlock()

	content := v.list.Layout(v.vc.Scale())
	v.vc.SetScrollBounds(float64(content.X-visible.X), float64(content.Y-visible.Y))
}

// Toolbar returns the zoom control state.
func (v *View) Toolbar() Toolbar {
	pages := 0
	if doc := v.Document(); doc != nil {
		pages = doc.PageCount()
	}
	return Toolbar{
		Pages:      pages,
		Scale:      v.vc.Scale(),
		Percent:    v.vc.Percent(),
		CanZoomIn:  v.vc.CanZoomIn(),
		CanZoomOut: v.vc.CanZoomOut(),
	}
}

// Snapshot returns the current display.
func (v *View) Snapshot() Snapshot {
	state, _ := v.State()
	snap := Snapshot{
		State:    state,
		Toolbar:  v.Toolbar(),
		Viewport: v.vc.State(),
	}

	if state == StateUnavailable {
		snap.Message = UnavailableMessage
		return snap
	}

	snap.Content = v.list.Layout(v.vc.Scale())
	for _, s := range v.list.Slots() {
		snap.Pages = append(snap.Pages, s.View())
	}
	return snap
}

func (v *View) setState(state State, err error) {
	v.mu.Lock()
	v.state = state
	v.loadErr = err
	v.mu.Unlock()
}
