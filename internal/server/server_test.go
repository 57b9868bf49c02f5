package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/scholarlens/internal/cache"
	"github.com/spherical/scholarlens/internal/config"
	"github.com/spherical/scholarlens/internal/domain"
	"github.com/spherical/scholarlens/internal/pdf"
	"github.com/spherical/scholarlens/internal/pdf/pdftest"
	"github.com/spherical/scholarlens/internal/preview"
	"github.com/spherical/scholarlens/internal/render"
)

var samplePDF = []byte("%PDF-1.7\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

// queueOpener hands out queued documents in upload order.
type queueOpener struct {
	mu   sync.Mutex
	docs []*pdftest.Document
	err  error
}

func (q *queueOpener) Open(ctx context.Context, src pdf.Source) (domain.Document, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	doc := q.docs[0]
	q.docs = q.docs[1:]
	return doc, nil
}

type fakeAnalyzer struct{}

func (fakeAnalyzer) StreamAnalysis(ctx context.Context, pdf []byte, resultCh chan<- string) error {
	for _, c := range []string{"# 0. Paper", " metadata"} {
		resultCh <- c
	}
	return nil
}

func (fakeAnalyzer) GenerateIllustration(ctx context.Context, pdf []byte) (*domain.Illustration, error) {
	return &domain.Illustration{Image: []byte("png-bytes"), MIMEType: "image/png", PromptUsed: "diagram"}, nil
}

func newTestServer(t *testing.T, opener preview.Opener, analyzer domain.Analyzer) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Viewport.Debounce = 20 * time.Millisecond

	s := New(Options{Config: cfg, Opener: opener, Analyzer: analyzer})
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s, ts
}

func uploadRaw(t *testing.T, ts *httptest.Server, body []byte) (*http.Response, DocumentDTO) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/documents", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set("X-Filename", "paper.pdf")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var dto DocumentDTO
	if resp.StatusCode == http.StatusCreated {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&dto))
	}
	return resp, dto
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, false, body["ai"])
}

func TestUpload_RendersPages(t *testing.T) {
	_, ts := newTestServer(t, &queueOpener{docs: []*pdftest.Document{pdftest.NewLetterDocument(3)}}, nil)

	resp, dto := uploadRaw(t, ts, samplePDF)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, dto.ID)
	assert.Equal(t, "paper.pdf", dto.Name)
	assert.Equal(t, 3, dto.PageCount)
	assert.Equal(t, preview.StateReady, dto.State)

	var page *http.Response
	assert.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/documents/" + dto.ID + "/pages/2")
		if err != nil {
			return false
		}
		if r.StatusCode != http.StatusOK {
			r.Body.Close()
			return false
		}
		page = r
		return true
	}, 3*time.Second, 10*time.Millisecond)
	require.NotNil(t, page)
	defer page.Body.Close()

	assert.Equal(t, "image/png", page.Header.Get("Content-Type"))
	img, err := png.Decode(page.Body)
	require.NoError(t, err)
	assert.Equal(t, 612, img.Bounds().Dx())
	assert.Equal(t, 792, img.Bounds().Dy())
}

func TestUpload_Multipart(t *testing.T) {
	_, ts := newTestServer(t, &queueOpener{docs: []*pdftest.Document{pdftest.NewLetterDocument(1)}}, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "attention.pdf")
	require.NoError(t, err)
	_, err = fw.Write(samplePDF)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+"/documents", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var dto DocumentDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dto))
	assert.Equal(t, "attention.pdf", dto.Name)
	assert.Equal(t, 1, dto.PageCount)
}

func TestUpload_RejectsNonPDF(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	resp, _ := uploadRaw(t, ts, []byte("GIF89a definitely not a paper"))
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestUpload_UnparseableDocumentIsUnavailable(t *testing.T) {
	opener := &queueOpener{err: domain.DocumentLoadError("parse PDF", errors.New("no objects found"))}
	_, ts := newTestServer(t, opener, nil)

	resp, dto := uploadRaw(t, ts, samplePDF)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, preview.StateUnavailable, dto.State)
	assert.Equal(t, preview.UnavailableMessage, dto.Message)
	assert.Zero(t, dto.PageCount)

	page, err := http.Get(ts.URL + "/documents/" + dto.ID + "/pages/1")
	require.NoError(t, err)
	page.Body.Close()
	assert.Equal(t, http.StatusNotFound, page.StatusCode)
}

func TestZoom(t *testing.T) {
	_, ts := newTestServer(t, &queueOpener{docs: []*pdftest.Document{pdftest.NewLetterDocument(1)}}, nil)
	_, dto := uploadRaw(t, ts, samplePDF)
	url := ts.URL + "/documents/" + dto.ID + "/zoom"

	tests := []struct {
		name         string
		body         ZoomRequestDTO
		wantStatus   int
		wantConsumed bool
		wantPercent  int
	}{
		{"button in", ZoomRequestDTO{Source: "button", Direction: "in"}, http.StatusOK, true, 150},
		{"wheel without modifier", ZoomRequestDTO{Source: "wheel", DeltaY: -100}, http.StatusOK, false, 150},
		{"wheel with modifier", ZoomRequestDTO{Source: "wheel", DeltaY: -100, Modifier: true}, http.StatusOK, true, 160},
		{"button out", ZoomRequestDTO{Source: "button", Direction: "out"}, http.StatusOK, true, 110},
		{"bad direction", ZoomRequestDTO{Source: "button", Direction: "sideways"}, http.StatusBadRequest, false, 0},
		{"bad source", ZoomRequestDTO{Source: "pinch"}, http.StatusBadRequest, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, url, tt.body)
			defer resp.Body.Close()
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus != http.StatusOK {
				return
			}

			var out ZoomResponseDTO
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.Equal(t, tt.wantConsumed, out.Consumed)
			assert.Equal(t, tt.wantPercent, out.Toolbar.Percent)
		})
	}
}

func TestDragAndVisible(t *testing.T) {
	_, ts := newTestServer(t, &queueOpener{docs: []*pdftest.Document{pdftest.NewLetterDocument(4)}}, nil)
	_, dto := uploadRaw(t, ts, samplePDF)
	base := ts.URL + "/documents/" + dto.ID

	resp := postJSON(t, base+"/visible", VisibleRequestDTO{First: 1, Last: 9, Width: 400, Height: 600})
	var rng map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rng))
	resp.Body.Close()
	assert.Equal(t, map[string]int{"first": 1, "last": 3}, rng)

	resp = postJSON(t, base+"/visible", VisibleRequestDTO{First: 3, Last: 1})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	for _, step := range []DragRequestDTO{{Phase: "start", X: 300, Y: 300}, {Phase: "move", X: 250, Y: 200}} {
		resp = postJSON(t, base+"/drag", step)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp = postJSON(t, base+"/drag", DragRequestDTO{Phase: "end"})
	var out DragResponseDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.Equal(t, domain.Point{X: 50, Y: 100}, out.Scroll)
	assert.False(t, out.Dragging)

	resp = postJSON(t, base+"/drag", DragRequestDTO{Phase: "fling"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPage_Errors(t *testing.T) {
	doc := pdftest.NewLetterDocument(2)
	doc.Fail(1, errors.New("corrupt content stream"))
	_, ts := newTestServer(t, &queueOpener{docs: []*pdftest.Document{doc}}, nil)
	_, dto := uploadRaw(t, ts, samplePDF)
	base := ts.URL + "/documents/" + dto.ID + "/pages/"

	for path, want := range map[string]int{"0": http.StatusBadRequest, "x": http.StatusBadRequest, "3": http.StatusNotFound} {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, path)
	}

	assert.Eventually(t, func() bool {
		resp, err := http.Get(base + "2")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusInternalServerError
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPage_PlaceholderWhileRendering(t *testing.T) {
	doc := pdftest.NewLetterDocument(1)
	release := doc.Block(0)
	defer release()
	_, ts := newTestServer(t, &queueOpener{docs: []*pdftest.Document{doc}}, nil)
	_, dto := uploadRaw(t, ts, samplePDF)

	resp, err := http.Get(ts.URL + "/documents/" + dto.ID + "/pages/1")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "Loading Page 1...", string(body))
}

func TestDeleteDocument(t *testing.T) {
	doc := pdftest.NewLetterDocument(2)
	_, ts := newTestServer(t, &queueOpener{docs: []*pdftest.Document{doc}}, nil)
	_, dto := uploadRaw(t, ts, samplePDF)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/documents/"+dto.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, doc.Closed())

	resp, err = http.Get(ts.URL + "/documents/" + dto.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteDocument_EvictsCachedPages(t *testing.T) {
	mem := cache.NewMemoryClient(64, 0)
	defer mem.Close()
	cfg := config.DefaultConfig()
	cfg.Viewport.Debounce = 20 * time.Millisecond

	deleted := pdftest.NewLetterDocument(2)
	kept := pdftest.NewLetterDocument(1)
	s := New(Options{
		Config:    cfg,
		Opener:    &queueOpener{docs: []*pdftest.Document{deleted, kept}},
		Scheduler: render.NewScheduler(render.Options{Cache: mem}),
	})
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})

	_, first := uploadRaw(t, ts, samplePDF)
	_, _ = uploadRaw(t, ts, samplePDF)
	require.Eventually(t, func() bool { return mem.Len() == 3 }, 3*time.Second, 5*time.Millisecond)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/documents/"+first.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Equal(t, 1, mem.Len())
}

func TestAnalysisStream(t *testing.T) {
	_, ts := newTestServer(t, &queueOpener{docs: []*pdftest.Document{pdftest.NewLetterDocument(1)}}, fakeAnalyzer{})
	_, dto := uploadRaw(t, ts, samplePDF)

	resp, err := http.Get(ts.URL + "/documents/" + dto.ID + "/analysis")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var text strings.Builder
	var last domain.EventType
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev domain.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		if ev.Type == domain.EventAnalysisChunk {
			text.WriteString(ev.Payload.(string))
		}
		last = ev.Type
	}

	assert.Equal(t, "# 0. Paper metadata", text.String())
	assert.Equal(t, domain.EventComplete, last)

	var got DocumentDTO
	detail, err := http.Get(ts.URL + "/documents/" + dto.ID)
	require.NoError(t, err)
	defer detail.Body.Close()
	require.NoError(t, json.NewDecoder(detail.Body).Decode(&got))
	require.NotNil(t, got.Analysis)
	assert.Equal(t, domain.StatusCompleted, got.Analysis.Analysis.Status)
}

func TestIllustration(t *testing.T) {
	_, ts := newTestServer(t, &queueOpener{docs: []*pdftest.Document{pdftest.NewLetterDocument(1)}}, fakeAnalyzer{})
	_, dto := uploadRaw(t, ts, samplePDF)

	assert.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/documents/" + dto.ID + "/illustration")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && string(body) == "png-bytes"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestIllustration_NotRequestedWithoutAI(t *testing.T) {
	_, ts := newTestServer(t, &queueOpener{docs: []*pdftest.Document{pdftest.NewLetterDocument(1)}}, nil)
	_, dto := uploadRaw(t, ts, samplePDF)

	resp, err := http.Get(ts.URL + "/documents/" + dto.ID + "/illustration")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAnalysisStream_NotRequestedWithoutAI(t *testing.T) {
	_, ts := newTestServer(t, &queueOpener{docs: []*pdftest.Document{pdftest.NewLetterDocument(1)}}, nil)
	_, dto := uploadRaw(t, ts, samplePDF)

	resp, err := http.Get(ts.URL + "/documents/" + dto.ID + "/analysis")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
