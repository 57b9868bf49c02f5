// Package pdftest provides in-memory document handles for tests.
package pdftest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/spherical/scholarlens/internal/domain"
)

var errClosed = errors.New("document closed")

// Size is an intrinsic page size in points.
type Size struct {
	Width, Height float64
}

// Letter is a US Letter page.
var Letter = Size{Width: 612, Height: 792}

// Document is a fake document whose pages rasterize to a solid color derived
// from the page index and scale.
type Document struct {
	mu          sync.Mutex
	pages       []Size
	fingerprint string
	closed      bool

	gates    map[int]chan struct{}
	started  map[int]chan struct{}
	failures map[int]error
	rasters  map[int]int
}

// NewDocument creates a document with the given page sizes.
func NewDocument(pages ...Size) *Document {
	return &Document{
		pages:       pages,
		fingerprint: fmt.Sprintf("fake-%d-%p", len(pages), &pages),
		gates:       make(map[int]chan struct{}),
		started:     make(map[int]chan struct{}),
		failures:    make(map[int]error),
		rasters:     make(map[int]int),
	}
}

// NewLetterDocument creates a document of n Letter pages.
func NewLetterDocument(n int) *Document {
	pages := make([]Size, n)
	for i := range pages {
		pages[i] = Letter
	}
	return NewDocument(pages...)
}

func (d *Document) PageCount() int { return len(d.pages) }

func (d *Document) Fingerprint() string { return d.fingerprint }

func (d *Document) Page(ctx context.Context, index int) (domain.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, domain.PageResolutionError(index, errClosed)
	}
	if index < 0 || index >= len(d.pages) {
		return nil, domain.PageResolutionError(index, nil)
	}
	return &Page{doc: d, index: index, size: d.pages[index]}, nil
}

func (d *Document) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Closed reports whether Close was called.
func (d *Document) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Block makes rasterizations of a page wait until the returned release
// function is called or their context ends.
func (d *Document) Block(index int) (release func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	gate := make(chan struct{})
	d.gates[index] = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Started returns a channel that is closed when the next rasterization of a
// page begins.
func (d *Document) Started(index int) <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch := make(chan struct{})
	d.started[index] = ch
	return ch
}

// Fail makes rasterizations of a page return err. A nil err clears it.
func (d *Document) Fail(index int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err == nil {
		delete(d.failures, index)
		return
	}
	d.failures[index] = err
}

// Rasterizations returns how many rasterizations of a page ran to completion.
func (d *Document) Rasterizations(index int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rasters[index]
}

// Page is a page of a fake Document.
type Page struct {
	doc   *Document
	index int
	size  Size
}

func (p *Page) Index() int { return p.index }

func (p *Page) Size() (float64, float64) { return p.size.Width, p.size.Height }

func (p *Page) Viewport(scale float64) domain.Viewport {
	return domain.NewViewport(p.size.Width, p.size.Height, scale)
}

func (p *Page) Rasterize(ctx context.Context, vp domain.Viewport) (*image.RGBA, error) {
	p.doc.mu.Lock()
	gate := p.doc.gates[p.index]
	failure := p.doc.failures[p.index]
	if ch, ok := p.doc.started[p.index]; ok {
		close(ch)
		delete(p.doc.started, p.index)
	}
	p.doc.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if failure != nil {
		return nil, failure
	}

	img := image.NewRGBA(image.Rect(0, 0, vp.Width, vp.Height))
	c := Color(p.index, vp.Scale)
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}

	p.doc.mu.Lock()
	p.doc.rasters[p.index]++
	p.doc.mu.Unlock()

	return img, nil
}

// Color is the fill color of a page rendered at a scale.
func Color(index int, scale float64) color.RGBA {
	return color.RGBA{
		R: uint8(10 + index*20),
		G: uint8(int(scale*40) % 256),
		B: 128,
		A: 255,
	}
}
