package preview

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/scholarlens/internal/domain"
	"github.com/spherical/scholarlens/internal/pagelist"
	"github.com/spherical/scholarlens/internal/pdf"
	"github.com/spherical/scholarlens/internal/pdf/pdftest"
	"github.com/spherical/scholarlens/internal/viewport"
)

// fakeOpener hands out queued documents.
type fakeOpener struct {
	docs []*pdftest.Document
	err  error
}

func (f *fakeOpener) Open(ctx context.Context, src pdf.Source) (domain.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	doc := f.docs[0]
	f.docs = f.docs[1:]
	return doc, nil
}

func newTestView(t *testing.T, opener Opener) *View {
	t.Helper()
	vopts := viewport.DefaultOptions()
	vopts.Debounce = 20 * time.Millisecond
	v := New(Options{Opener: opener, Viewport: vopts})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = v.Close(ctx)
	})
	return v
}

func allRendered(v *View) func() bool {
	return func() bool {
		snap := v.Snapshot()
		for _, p := range snap.Pages {
			if p.Status != pagelist.StatusRendered || p.Scale != snap.Toolbar.Scale {
				return false
			}
		}
		return len(snap.Pages) > 0
	}
}

func TestView_NonPDFIsUnavailable(t *testing.T) {
	v := newTestView(t, nil)

	err := v.Load(context.Background(), pdf.Source{Data: []byte("GIF89a not a document")})
	require.Error(t, err)
	assert.True(t, domain.IsDocumentLoad(err))

	state, loadErr := v.State()
	assert.Equal(t, StateUnavailable, state)
	assert.Equal(t, err, loadErr)

	snap := v.Snapshot()
	assert.Equal(t, UnavailableMessage, snap.Message)
	assert.Empty(t, snap.Pages)
	assert.Empty(t, v.Pages().Slots())
	assert.Nil(t, v.Document())
}

func TestView_OpenerErrorsBecomeDocumentLoadErrors(t *testing.T) {
	v := newTestView(t, &fakeOpener{err: errors.New("network unreachable")})

	err := v.Load(context.Background(), pdf.Source{URL: "https://example.com/paper.pdf"})
	require.Error(t, err)
	assert.True(t, domain.IsDocumentLoad(err))
}

func TestView_LoadRendersPages(t *testing.T) {
	doc := pdftest.NewLetterDocument(3)
	v := newTestView(t, &fakeOpener{docs: []*pdftest.Document{doc}})

	require.NoError(t, v.Load(context.Background(), pdf.Source{Path: "paper.pdf"}))

	state, _ := v.State()
	assert.Equal(t, StateReady, state)
	assert.Equal(t, 3, v.Toolbar().Pages)
	assert.Eventually(t, allRendered(v), 3*time.Second, 5*time.Millisecond)

	snap := v.Snapshot()
	assert.Equal(t, 612, snap.Content.X)
	assert.Equal(t, 3*792+2*pagelist.DefaultPageGap, snap.Content.Y)
	assert.Equal(t, 100, snap.Toolbar.Percent)
}

func TestView_SwapClosesPreviousDocument(t *testing.T) {
	first := pdftest.NewLetterDocument(3)
	release := first.Block(1)
	defer release()
	second := pdftest.NewLetterDocument(1)
	v := newTestView(t, &fakeOpener{docs: []*pdftest.Document{first, second}})

	require.NoError(t, v.Load(context.Background(), pdf.Source{Path: "a.pdf"}))
	slot, ok := v.Pages().Slot(1)
	require.True(t, ok)

	require.NoError(t, v.Load(context.Background(), pdf.Source{Path: "b.pdf"}))

	assert.True(t, first.Closed())
	assert.True(t, slot.Task().State().Terminal())
	assert.False(t, second.Closed())
	assert.Len(t, v.Pages().Slots(), 1)
	assert.Eventually(t, allRendered(v), 3*time.Second, 5*time.Millisecond)
}

func TestView_FailedLoadTearsDownPreviousDocument(t *testing.T) {
	first := pdftest.NewLetterDocument(2)
	opener := &fakeOpener{docs: []*pdftest.Document{first}}
	v := newTestView(t, opener)

	require.NoError(t, v.Load(context.Background(), pdf.Source{Path: "a.pdf"}))
	opener.err = domain.DocumentLoadError("parse PDF", errors.New("no objects found"))

	require.Error(t, v.Load(context.Background(), pdf.Source{Path: "b.pdf"}))
	assert.True(t, first.Closed())
	assert.Empty(t, v.Pages().Slots())

	state, _ := v.State()
	assert.Equal(t, StateUnavailable, state)
}

// expiredContext reports cancellation through Err but never closes Done, so
// waits in the page list still complete while page lookups fail.
type expiredContext struct{ context.Context }

func (expiredContext) Err() error { return context.Canceled }

func TestView_FailedMountReleasesBothDocuments(t *testing.T) {
	first := pdftest.NewLetterDocument(2)
	second := pdftest.NewLetterDocument(2)
	v := newTestView(t, &fakeOpener{docs: []*pdftest.Document{first, second}})

	require.NoError(t, v.Load(context.Background(), pdf.Source{Path: "a.pdf"}))
	require.Eventually(t, allRendered(v), 3*time.Second, 5*time.Millisecond)

	err := v.Load(expiredContext{context.Background()}, pdf.Source{Path: "b.pdf"})
	require.Error(t, err)
	assert.True(t, domain.IsDocumentLoad(err))
	assert.ErrorIs(t, err, context.Canceled)

	state, loadErr := v.State()
	assert.Equal(t, StateUnavailable, state)
	assert.Equal(t, err, loadErr)

	assert.True(t, first.Closed())
	assert.True(t, second.Closed())
	assert.Nil(t, v.Document())
	assert.Empty(t, v.Pages().Slots())
}

func TestView_CloseReleasesDocument(t *testing.T) {
	doc := pdftest.NewLetterDocument(2)
	release := doc.Block(0)
	defer release()
	v := New(Options{Opener: &fakeOpener{docs: []*pdftest.Document{doc}}})

	require.NoError(t, v.Load(context.Background(), pdf.Source{Path: "a.pdf"}))
	slot, _ := v.Pages().Slot(0)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, v.Close(ctx))

	assert.True(t, doc.Closed())
	assert.True(t, slot.Task().State().Terminal())
	state, _ := v.State()
	assert.Equal(t, StateEmpty, state)
}

func TestView_ScrollBoundsFollowZoom(t *testing.T) {
	doc := pdftest.NewLetterDocument(2)
	v := newTestView(t, &fakeOpener{docs: []*pdftest.Document{doc}})
	require.NoError(t, v.Load(context.Background(), pdf.Source{Path: "a.pdf"}))

	v.SetVisibleSize(500, 800)
	vc := v.Viewport()

	vc.OnDragStart(domain.Point{X: 10000, Y: 10000})
	pos, _ := vc.OnDragMove(domain.Point{})
	assert.Equal(t, domain.Point{X: 112, Y: 2*792 + pagelist.DefaultPageGap - 800}, pos)
	vc.OnDragEnd()

	vc.OnZoomButton(viewport.ZoomIn)
	tb := v.Toolbar()
	assert.Equal(t, 150, tb.Percent)
	assert.True(t, tb.CanZoomIn)

	vc.OnDragStart(domain.Point{X: 10000, Y: 10000})
	pos, _ = vc.OnDragMove(domain.Point{})
	assert.Equal(t, domain.Point{X: 918 - 500, Y: 2*1188 + pagelist.DefaultPageGap - 800}, pos)
	vc.OnDragEnd()

	assert.Eventually(t, allRendered(v), 3*time.Second, 5*time.Millisecond)
}
