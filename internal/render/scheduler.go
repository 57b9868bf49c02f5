// Package render schedules cancellable page rasterizations onto drawing
// surfaces.
package render

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/sync/semaphore"

	"github.com/spherical/scholarlens/internal/cache"
	"github.com/spherical/scholarlens/internal/domain"
	"github.com/spherical/scholarlens/internal/observability"
)

const (
	DefaultMaxConcurrent = 4
	DefaultBandHeight    = 64
	DefaultCacheTTL      = 10 * time.Minute

	rasterHeaderSize = 8
)

// Options configures a Scheduler.
type Options struct {
	// MaxConcurrent bounds rasterizations running at once across all surfaces
	MaxConcurrent int

	// BandHeight is the number of rows painted between cancellation checks
	BandHeight int

	Cache    cache.Client
	CacheTTL time.Duration
	Logger   *observability.Logger
}

// Stats counts terminal task states.
type Stats struct {
	Completed uint64 `json:"completed"`
	Cancelled uint64 `json:"cancelled"`
	Failed    uint64 `json:"failed"`
	CacheHits uint64 `json:"cache_hits"`
}

// Scheduler runs render tasks. At most one task per surface is pending or
// rendering at a time: a new request for a surface cancels the previous task
// and starts only after it has terminated.
type Scheduler struct {
	sem        *semaphore.Weighted
	bandHeight int
	cache      cache.Client
	cacheTTL   time.Duration
	logger     *observability.Logger

	mu     sync.Mutex
	active map[domain.Surface]*Task
	seq    uint64
	wg     sync.WaitGroup

	completed atomic.Uint64
	cancelled atomic.Uint64
	failed    atomic.Uint64
	cacheHits atomic.Uint64
}

// NewScheduler creates a scheduler.
func NewScheduler(opts Options) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.BandHeight <= 0 {
		opts.BandHeight = DefaultBandHeight
	}
	if opts.Cache == nil {
		opts.Cache = cache.NopClient{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = observability.Nop()
	}

	return &Scheduler{
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		bandHeight: opts.BandHeight,
		cache:      opts.Cache,
		cacheTTL:   opts.CacheTTL,
		logger:     opts.Logger.WithComponent("scheduler"),
		active:     make(map[domain.Surface]*Task),
	}
}

// Render starts a task that rasterizes req into surface. Any task still
// active for surface is cancelled; the new task waits for it to terminate
// before it resolves the page. Cancelling ctx cancels the task.
func (s *Scheduler) Render(ctx context.Context, req domain.RenderRequest, surface domain.Surface) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	task := newTask(ctx, s.seq, req, surface)

	prev := s.active[surface]
	if prev != nil {
		prev.Cancel()
	}
	s.active[surface] = task

	s.wg.Add(1)
	go s.run(task, prev)

	return task
}

// Active returns the task currently pending or rendering for surface, if any.
func (s *Scheduler) Active(surface domain.Surface) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[surface]
}

// CancelAll cancels every active task without waiting.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.active {
		t.Cancel()
	}
}

// Wait blocks until every started task has terminated or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Evict drops every cached raster of the document with the given
// fingerprint.
func (s *Scheduler) Evict(ctx context.Context, fingerprint string) error {
	return s.cache.DeleteByPrefix(ctx, cache.CacheKey("raster", fingerprint, ""))
}

// Stats returns counters for terminated tasks.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Completed: s.completed.Load(),
		Cancelled: s.cancelled.Load(),
		Failed:    s.failed.Load(),
		CacheHits: s.cacheHits.Load(),
	}
}

func (s *Scheduler) run(t *Task, prev *Task) {
	defer s.wg.Done()
	defer s.release(t)

	if prev != nil {
		<-prev.Done()
	}

	if !t.begin() {
		t.abort()
		return
	}

	bitmap, err := s.rasterize(t)
	if err != nil {
		switch {
		case t.ctx.Err() != nil || errors.Is(err, context.Canceled):
			t.abort()
		case domain.IsPageResolution(err):
			t.fail(err)
		default:
			t.fail(domain.RenderError(t.req.PageIndex, t.req.Scale, err))
		}
		return
	}

	if !s.paint(t, bitmap) || !t.complete(bitmap) {
		t.abort()
	}
}

// rasterize produces the page bitmap at exactly the viewport size.
func (s *Scheduler) rasterize(t *Task) (*image.RGBA, error) {
	req := t.req
	if req.Document == nil || req.PageIndex < 0 || req.PageIndex >= req.Document.PageCount() {
		return nil, domain.PageResolutionError(req.PageIndex, nil)
	}
	if !req.Valid() {
		return nil, fmt.Errorf("invalid scale %v", req.Scale)
	}

	page, err := req.Document.Page(t.ctx, req.PageIndex)
	if err != nil {
		return nil, err
	}

	vp := page.Viewport(req.Scale)
	key := rasterKey(req)

	if data, err := s.cache.Get(t.ctx, key); err == nil {
		if img, err := decodeRaster(data); err == nil && img.Bounds().Dx() == vp.Width && img.Bounds().Dy() == vp.Height {
			s.cacheHits.Add(1)
			return img, nil
		}
	}

	if err := s.sem.Acquire(t.ctx, 1); err != nil {
		return nil, err
	}
	raw, err := page.Rasterize(t.ctx, vp)
	s.sem.Release(1)
	if err != nil {
		return nil, err
	}

	img := fit(raw, vp)

	if err := s.cache.Set(context.WithoutCancel(t.ctx), key, encodeRaster(img), s.cacheTTL); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache raster")
	}

	return img, nil
}

// paint resizes the surface and copies the bitmap band by band, stopping at
// the first band that finds the task cancelled.
func (s *Scheduler) paint(t *Task, bitmap *image.RGBA) bool {
	b := bitmap.Bounds()
	if !t.mutate(func() { t.surface.Resize(b.Dx(), b.Dy()) }) {
		return false
	}

	for y := b.Min.Y; y < b.Max.Y; y += s.bandHeight {
		band := image.Rect(b.Min.X, y, b.Max.X, min(y+s.bandHeight, b.Max.Y))
		if !t.mutate(func() { t.surface.Paint(band, bitmap, band.Min) }) {
			return false
		}
	}
	return true
}

func (s *Scheduler) release(t *Task) {
	s.mu.Lock()
	if s.active[t.surface] == t {
		delete(s.active, t.surface)
	}
	s.mu.Unlock()

	state, err := t.State(), t.Err()
	switch state {
	case StateCompleted:
		s.completed.Add(1)
	case StateCancelled:
		s.cancelled.Add(1)
	case StateFailed:
		s.failed.Add(1)
	}

	log := s.logger.Debug
	if domain.IsRender(err) {
		log = s.logger.Warn
	}
	log().Page(t.req.PageIndex+1).
		Scale(t.req.Scale).
		Int64("seq", int64(t.seq)).
		Str("state", state.String()).
		Err(err).
		Msg("Render task finished")

	t.close()
}

func rasterKey(req domain.RenderRequest) string {
	return cache.CacheKey("raster", req.Document.Fingerprint(), strconv.Itoa(req.PageIndex), fmt.Sprintf("%.2f", req.Scale))
}

// fit returns src cropped or padded to the viewport size. go-fitz rounds
// page dimensions on its own, which can differ from the viewport by a pixel.
func fit(src *image.RGBA, vp domain.Viewport) *image.RGBA {
	r := image.Rect(0, 0, vp.Width, vp.Height)
	if src.Bounds() == r {
		return src
	}
	dst := image.NewRGBA(r)
	draw.Draw(dst, r, src, src.Bounds().Min, draw.Src)
	return dst
}

func encodeRaster(img *image.RGBA) []byte {
	b := img.Bounds()
	out := make([]byte, rasterHeaderSize+len(img.Pix))
	binary.BigEndian.PutUint32(out[0:4], uint32(b.Dx()))
	binary.BigEndian.PutUint32(out[4:8], uint32(b.Dy()))
	copy(out[rasterHeaderSize:], img.Pix)
	return out
}

func decodeRaster(data []byte) (*image.RGBA, error) {
	if len(data) < rasterHeaderSize {
		return nil, errors.New("raster too short")
	}
	w := int(binary.BigEndian.Uint32(data[0:4]))
	h := int(binary.BigEndian.Uint32(data[4:8]))
	if len(data)-rasterHeaderSize != w*h*4 {
		return nil, fmt.Errorf("raster size mismatch for %dx%d", w, h)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	copy(img.Pix, data[rasterHeaderSize:])
	return img, nil
}
