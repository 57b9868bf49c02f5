package pagelist

import (
	"context"
	"errors"
	"fmt"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/scholarlens/internal/pdf/pdftest"
	"github.com/spherical/scholarlens/internal/render"
	"github.com/spherical/scholarlens/internal/viewport"
)

const waitFor = 3 * time.Second

func newTestCoordinator(t *testing.T, debounce time.Duration) (*Coordinator, *viewport.Controller) {
	t.Helper()
	opts := viewport.DefaultOptions()
	opts.Debounce = debounce
	vc := viewport.NewController(opts)
	c := New(Options{Viewport: vc, Scheduler: render.NewScheduler(render.Options{})})
	t.Cleanup(func() {
		vc.Close()
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c, vc
}

func renderedAt(s *Slot, scale float64) bool {
	v := s.View()
	return v.Status == StatusRendered && v.Scale == scale
}

func allRenderedAt(c *Coordinator, scale float64) func() bool {
	return func() bool {
		for _, s := range c.Slots() {
			if !renderedAt(s, scale) {
				return false
			}
		}
		return true
	}
}

func TestCoordinator_MountBuildsOneSlotPerPage(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Hour)
	doc := pdftest.NewLetterDocument(5)
	releases := make([]func(), 5)
	for i := range releases {
		releases[i] = doc.Block(i)
	}

	require.NoError(t, c.Mount(context.Background(), doc))

	slots := c.Slots()
	require.Len(t, slots, 5)
	for i, s := range slots {
		assert.Equal(t, i+1, s.PageNumber())
		v := s.View()
		assert.Equal(t, StatusLoading, v.Status)
		assert.Equal(t, fmt.Sprintf("Loading Page %d...", i+1), v.Placeholder)
		assert.Nil(t, s.Bitmap())
	}

	for _, release := range releases {
		release()
	}
	assert.Eventually(t, allRenderedAt(c, 1.0), waitFor, 5*time.Millisecond)

	bm := slots[4].Bitmap()
	require.NotNil(t, bm)
	assert.Equal(t, image.Rect(0, 0, 612, 792), bm.Bounds())
	assert.Equal(t, uint64(1), c.Passes())
}

func TestCoordinator_SettledScaleTriggersOnePass(t *testing.T) {
	c, vc := newTestCoordinator(t, 100*time.Millisecond)
	doc := pdftest.NewLetterDocument(3)
	require.NoError(t, c.Mount(context.Background(), doc))
	require.Eventually(t, allRenderedAt(c, 1.0), waitFor, 5*time.Millisecond)

	before := c.Passes()
	for i := 0; i < 10; i++ {
		vc.OnZoomGesture(-1, true)
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, before, c.Passes())
	assert.Equal(t, 1.0, c.Scale())

	assert.Eventually(t, func() bool { return c.Passes() == before+1 }, waitFor, 5*time.Millisecond)
	assert.Eventually(t, allRenderedAt(c, 2.0), waitFor, 5*time.Millisecond)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, before+1, c.Passes())
	assert.Equal(t, 2.0, c.Scale())
	for _, s := range c.Slots() {
		assert.Equal(t, image.Rect(0, 0, 1224, 1584), s.Bitmap().Bounds())
	}
}

func TestCoordinator_UnmountWithPendingRenders(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Hour)
	doc := pdftest.NewLetterDocument(5)
	release3 := doc.Block(3)
	defer release3()
	release4 := doc.Block(4)
	defer release4()

	require.NoError(t, c.Mount(context.Background(), doc))
	slots := c.Slots()
	require.Eventually(t, func() bool {
		return renderedAt(slots[0], 1.0) && renderedAt(slots[1], 1.0) && renderedAt(slots[2], 1.0)
	}, waitFor, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Unmount(ctx))

	mutations := make([]uint64, len(slots))
	for i, s := range slots {
		task := s.Task()
		require.NotNil(t, task)
		assert.True(t, task.State().Terminal(), "page %d", i+1)
		mutations[i] = s.Canvas().Mutations()
	}
	assert.Equal(t, render.StateCancelled, slots[3].Task().State())
	assert.Equal(t, render.StateCancelled, slots[4].Task().State())
	assert.Nil(t, slots[3].Bitmap())

	release3()
	release4()
	time.Sleep(50 * time.Millisecond)
	for i, s := range slots {
		assert.Equal(t, mutations[i], s.Canvas().Mutations(), "page %d", i+1)
	}
	assert.Empty(t, c.Slots())
	assert.Nil(t, c.Document())
}

func TestCoordinator_RemountRebuildsSlots(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Hour)
	first := pdftest.NewLetterDocument(3)
	release := first.Block(2)
	defer release()

	require.NoError(t, c.Mount(context.Background(), first))
	old := c.Slots()

	second := pdftest.NewDocument(pdftest.Size{Width: 100, Height: 200}, pdftest.Size{Width: 300, Height: 100})
	require.NoError(t, c.Mount(context.Background(), second))

	for _, s := range old {
		assert.True(t, s.Task().State().Terminal())
	}

	slots := c.Slots()
	require.Len(t, slots, 2)
	for _, s := range slots {
		for _, o := range old {
			assert.NotSame(t, o, s)
		}
	}
	assert.Eventually(t, allRenderedAt(c, 1.0), waitFor, 5*time.Millisecond)
	assert.Equal(t, image.Rect(0, 0, 300, 100), slots[1].Bitmap().Bounds())
}

func TestCoordinator_FailedRenderKeepsPreviousBitmap(t *testing.T) {
	c, vc := newTestCoordinator(t, 20*time.Millisecond)
	doc := pdftest.NewLetterDocument(3)
	require.NoError(t, c.Mount(context.Background(), doc))
	require.Eventually(t, allRenderedAt(c, 1.0), waitFor, 5*time.Millisecond)

	doc.Fail(1, errors.New("broken xref"))
	vc.SetScale(2.0)

	slots := c.Slots()
	require.Eventually(t, func() bool {
		return renderedAt(slots[0], 2.0) && renderedAt(slots[2], 2.0) && slots[1].Err() != nil
	}, waitFor, 5*time.Millisecond)

	v := slots[1].View()
	assert.Equal(t, StatusError, v.Status)
	assert.Contains(t, v.Error, "broken xref")
	assert.Equal(t, 1.0, v.Scale)
	assert.Equal(t, image.Rect(0, 0, 612, 792), slots[1].Bitmap().Bounds())

	doc.Fail(1, nil)
	vc.SetScale(1.5)
	assert.Eventually(t, allRenderedAt(c, 1.5), waitFor, 5*time.Millisecond)
	assert.NoError(t, slots[1].Err())
}

func TestCoordinator_FailureBeforeFirstBitmapKeepsPlaceholder(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Hour)
	doc := pdftest.NewLetterDocument(2)
	doc.Fail(0, errors.New("unsupported shading"))

	require.NoError(t, c.Mount(context.Background(), doc))
	slots := c.Slots()
	require.Eventually(t, func() bool { return slots[0].Err() != nil && renderedAt(slots[1], 1.0) }, waitFor, 5*time.Millisecond)

	v := slots[0].View()
	assert.Equal(t, StatusError, v.Status)
	assert.Equal(t, "Loading Page 1...", v.Placeholder)
	assert.Nil(t, slots[0].Bitmap())
}

func TestCoordinator_PageResolutionFailureIsSilent(t *testing.T) {
	c, vc := newTestCoordinator(t, 20*time.Millisecond)
	doc := pdftest.NewLetterDocument(2)
	require.NoError(t, c.Mount(context.Background(), doc))
	require.Eventually(t, allRenderedAt(c, 1.0), waitFor, 5*time.Millisecond)

	require.NoError(t, doc.Close())
	before := c.Passes()
	vc.SetScale(3.0)
	require.Eventually(t, func() bool { return c.Passes() > before }, waitFor, 5*time.Millisecond)

	for _, s := range c.Slots() {
		require.Eventually(t, func() bool {
			task := s.Task()
			return task.Request().Scale == 3.0 && task.State().Terminal()
		}, waitFor, 5*time.Millisecond)
		assert.Equal(t, render.StateFailed, s.Task().State())
		assert.NoError(t, s.Err())
		assert.True(t, renderedAt(s, 1.0))
	}
}

func TestCoordinator_VisibleRange(t *testing.T) {
	c, vc := newTestCoordinator(t, 20*time.Millisecond)
	doc := pdftest.NewLetterDocument(4)
	require.NoError(t, c.Mount(context.Background(), doc))
	require.Eventually(t, allRenderedAt(c, 1.0), waitFor, 5*time.Millisecond)

	c.SetVisibleRange(0, 1)
	first, last := c.VisibleRange()
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, last)

	vc.SetScale(2.0)
	slots := c.Slots()
	require.Eventually(t, func() bool { return renderedAt(slots[0], 2.0) && renderedAt(slots[1], 2.0) }, waitFor, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, renderedAt(slots[2], 1.0))
	assert.True(t, renderedAt(slots[3], 1.0))

	c.SetVisibleRange(2, 10)
	first, last = c.VisibleRange()
	assert.Equal(t, 2, first)
	assert.Equal(t, 3, last)
	assert.Eventually(t, allRenderedAt(c, 2.0), waitFor, 5*time.Millisecond)
	assert.Equal(t, 2, doc.Rasterizations(0))
}

func TestCoordinator_Layout(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Hour)
	assert.Equal(t, image.Point{}, c.Layout(1.0))

	doc := pdftest.NewDocument(pdftest.Letter, pdftest.Size{Width: 842, Height: 595})
	require.NoError(t, c.Mount(context.Background(), doc))

	assert.Equal(t, image.Point{X: 842, Y: 792 + DefaultPageGap + 595}, c.Layout(1.0))
	assert.Equal(t, image.Point{X: 1684, Y: 1584 + DefaultPageGap + 1190}, c.Layout(2.0))
}
