// Package surface provides raster drawing targets for page slots.
package surface

import (
	"image"
	"image/color"
	"sync"
	"sync/atomic"

	"golang.org/x/image/draw"
)

// Canvas is an RGBA drawing surface. It is safe for concurrent use, although
// each canvas is written by at most one render task at a time.
type Canvas struct {
	mu  sync.RWMutex
	img *image.RGBA

	mutations atomic.Uint64
}

// NewCanvas creates an empty canvas.
func NewCanvas() *Canvas {
	return &Canvas{img: image.NewRGBA(image.Rectangle{})}
}

// Resize discards the current content and allocates a white canvas of the
// given size.
func (c *Canvas) Resize(width, height int) {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	c.mu.Lock()
	c.img = img
	c.mu.Unlock()
	c.mutations.Add(1)
}

// Bounds returns the current canvas bounds.
func (c *Canvas) Bounds() image.Rectangle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.img.Bounds()
}

// Paint copies src into r, clipped to the canvas.
func (c *Canvas) Paint(r image.Rectangle, src image.Image, sp image.Point) {
	c.mu.Lock()
	draw.Draw(c.img, r, src, sp, draw.Src)
	c.mu.Unlock()
	c.mutations.Add(1)
}

// Snapshot returns a copy of the current content.
func (c *Canvas) Snapshot() *image.RGBA {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := image.NewRGBA(c.img.Bounds())
	copy(out.Pix, c.img.Pix)
	return out
}

// Mutations counts Resize and Paint calls since creation.
func (c *Canvas) Mutations() uint64 {
	return c.mutations.Load()
}
