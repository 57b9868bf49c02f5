package domain

import (
	"context"
	"image"
)

// Document is an opaque, read-only handle to a parsed PDF.
// It is shared by every page slot and must not be mutated by them.
type Document interface {
	// PageCount returns the number of pages, always >= 0
	PageCount() int

	// Page resolves the page at a zero-based index
	Page(ctx context.Context, index int) (Page, error)

	// Fingerprint identifies the document content
	Fingerprint() string

	// Close releases the handle once no render depends on it
	Close() error
}

// Page is a single resolved page of a Document.
type Page interface {
	Index() int

	// Size returns the intrinsic page size in PDF points
	Size() (width, height float64)

	// Viewport returns the page-to-pixel transform for a scale factor
	Viewport(scale float64) Viewport

	// Rasterize produces the page bitmap for a viewport
	Rasterize(ctx context.Context, vp Viewport) (*image.RGBA, error)
}

// Surface is a 2D raster target owned by exactly one page slot.
type Surface interface {
	// Resize discards the current content and sets new dimensions
	Resize(width, height int)

	Bounds() image.Rectangle

	// Paint copies src, starting at sp, into the rectangle r
	Paint(r image.Rectangle, src image.Image, sp image.Point)
}

// Analyzer is the generative-AI boundary used by the analysis session.
type Analyzer interface {
	// StreamAnalysis streams the structured analysis of a PDF as text chunks
	StreamAnalysis(ctx context.Context, pdf []byte, resultCh chan<- string) error

	// GenerateIllustration produces a methodology diagram for a PDF
	GenerateIllustration(ctx context.Context, pdf []byte) (*Illustration, error)
}
