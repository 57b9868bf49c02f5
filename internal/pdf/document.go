package pdf

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"sync"

	"github.com/gen2brain/go-fitz"
	"github.com/spherical/scholarlens/internal/domain"
)

// pointsPerInch is the PDF user-space unit; go-fitz bounds are reported at this resolution.
const pointsPerInch = 72.0

// Document is a go-fitz backed document handle.
type Document struct {
	mu     sync.RWMutex
	doc    *fitz.Document
	closed bool

	pageCount   int
	fingerprint string
}

func newDocument(doc *fitz.Document, data []byte) *Document {
	sum := sha256.Sum256(data)
	return &Document{
		doc:         doc,
		pageCount:   doc.NumPage(),
		fingerprint: hex.EncodeToString(sum[:8]),
	}
}

// PageCount returns the number of pages.
func (d *Document) PageCount() int {
	return d.pageCount
}

// Fingerprint identifies the document content.
func (d *Document) Fingerprint() string {
	return d.fingerprint
}

// Page resolves the page at index. It fails with a PageResolutionError when
// the index is out of range or the handle has been closed.
func (d *Document) Page(ctx context.Context, index int) (domain.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, domain.PageResolutionError(index, errClosed)
	}
	if index < 0 || index >= d.pageCount {
		return nil, domain.PageResolutionError(index, nil)
	}

	bounds, err := d.doc.Bound(index)
	if err != nil {
		return nil, domain.PageResolutionError(index, err)
	}

	return &Page{
		doc:    d,
		index:  index,
		width:  float64(bounds.Dx()),
		height: float64(bounds.Dy()),
	}, nil
}

// Close releases the go-fitz document after in-flight rasterizations finish.
func (d *Document) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.doc.Close()
}

// Page is a resolved page of a Document.
type Page struct {
	doc    *Document
	index  int
	width  float64
	height float64
}

func (p *Page) Index() int { return p.index }

// Size returns the intrinsic size in points.
func (p *Page) Size() (float64, float64) {
	return p.width, p.height
}

// Viewport scales the intrinsic size linearly.
func (p *Page) Viewport(scale float64) domain.Viewport {
	return domain.NewViewport(p.width, p.height, scale)
}

// Rasterize renders the page at the viewport scale. go-fitz cannot be
// interrupted mid-page, so ctx is only observed before and after the call.
func (p *Page) Rasterize(ctx context.Context, vp domain.Viewport) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.doc.mu.RLock()
	defer p.doc.mu.RUnlock()

	if p.doc.closed {
		return nil, domain.PageResolutionError(p.index, errClosed)
	}

	img, err := p.doc.doc.ImageDPI(p.index, pointsPerInch*vp.Scale)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return img, nil
}
