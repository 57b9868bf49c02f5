package server

import (
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/spherical/scholarlens/internal/analysis"
	"github.com/spherical/scholarlens/internal/domain"
	"github.com/spherical/scholarlens/internal/pdf"
	"github.com/spherical/scholarlens/internal/preview"
	"github.com/spherical/scholarlens/internal/viewport"
)

const defaultFilename = "document.pdf"

// DocumentDTO describes an uploaded document.
type DocumentDTO struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	CreatedAt string             `json:"createdAt"`
	PageCount int                `json:"pageCount"`
	State     preview.State      `json:"state"`
	Message   string             `json:"message,omitempty"`
	Preview   *preview.Snapshot  `json:"preview,omitempty"`
	Analysis  *analysis.Snapshot `json:"analysis,omitempty"`
}

// ZoomRequestDTO is a wheel tick or a toolbar button press.
type ZoomRequestDTO struct {
	Source    string  `json:"source"`
	DeltaY    float64 `json:"deltaY"`
	Modifier  bool    `json:"modifier"`
	Direction string  `json:"direction"`
}

// ZoomResponseDTO reports whether the gesture was consumed.
type ZoomResponseDTO struct {
	Consumed bool            `json:"consumed"`
	Toolbar  preview.Toolbar `json:"toolbar"`
}

// DragRequestDTO is one phase of a drag-to-pan gesture.
type DragRequestDTO struct {
	Phase string  `json:"phase"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// DragResponseDTO is the scroll position after the gesture.
type DragResponseDTO struct {
	Scroll   domain.Point `json:"scroll"`
	Dragging bool         `json:"dragging"`
}

// VisibleRequestDTO reports the visible page range and, optionally, the
// visible area size in pixels.
type VisibleRequestDTO struct {
	First  int `json:"first"`
	Last   int `json:"last"`
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
}

// upload handles POST /documents. The body is either a multipart form with a
// "file" field or the raw PDF bytes.
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	file, err := s.readUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload", err.Error())
		return
	}

	if err := s.validator.ValidateUpload(file); err != nil {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported document", err.Error())
		return
	}

	vopts := preview.OptionsFromConfig(s.cfg, s.logger)
	vopts.Scheduler = s.scheduler
	vopts.Opener = s.opener

	id := uuid.NewString()
	doc := &document{
		id:      id,
		name:    file.Name,
		created: time.Now(),
		view:    preview.New(vopts),
		session: analysis.NewSession(s.analyzer, s.logger),
	}

	log := s.logger.WithContext(r.Context()).With().Str("document_id", id).Logger()

	// The preview shows its own unavailable state; analysis still runs
	if err := doc.view.Load(r.Context(), pdf.Source{Data: file.Data}); err != nil {
		log.Warn().Err(err).Msg("Preview unavailable for upload")
	}

	aiCtx, cancel := context.WithCancel(context.Background())
	doc.cancelAI = cancel
	if s.analyzer != nil {
		doc.session.MarkUploading(file.Name)
		go func() {
			if err := doc.session.Run(aiCtx, file); err != nil {
				log.Warn().Err(err).Msg("Analysis failed")
			}
		}()
	}

	s.mu.Lock()
	s.docs[id] = doc
	s.mu.Unlock()

	log.Info().
		Str("name", file.Name).
		Int64("size", file.Size).
		Bool("analysis", s.analyzer != nil).
		Msg("Document uploaded")

	writeJSON(w, http.StatusCreated, doc.dto(false))
}

func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (domain.FileData, error) {
	limit := s.cfg.Upload.MaxBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return domain.FileData{}, fmt.Errorf("parse multipart form: %w", err)
		}
		f, header, err := r.FormFile("file")
		if err != nil {
			return domain.FileData{}, fmt.Errorf("missing file field: %w", err)
		}
		defer f.Close()

		data, err := io.ReadAll(io.LimitReader(f, limit+1))
		if err != nil {
			return domain.FileData{}, fmt.Errorf("read file: %w", err)
		}
		return domain.FileData{
			Name: header.Filename,
			Type: header.Header.Get("Content-Type"),
			Size: int64(len(data)),
			Data: data,
		}, nil
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return domain.FileData{}, fmt.Errorf("read body: %w", err)
	}

	name := r.Header.Get("X-Filename")
	if name == "" {
		name = r.URL.Query().Get("name")
	}
	if name == "" {
		name = defaultFilename
	}
	return domain.FileData{Name: name, Type: mediaType, Size: int64(len(data)), Data: data}, nil
}

// getDocument handles GET /documents/{id}.
func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.document(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, doc.dto(true))
}

// deleteDocument handles DELETE /documents/{id}.
func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	doc, ok := s.docs[id]
	delete(s.docs, id)
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "document not found", id)
		return
	}

	var fingerprint string
	if d := doc.view.Document(); d != nil {
		fingerprint = d.Fingerprint()
	}

	if err := doc.close(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "teardown failed", err.Error())
		return
	}

	log := s.logger.WithContext(r.Context())
	if fingerprint != "" && !s.shared(fingerprint) {
		if err := s.scheduler.Evict(r.Context(), fingerprint); err != nil {
			log.Warn().Err(err).Str("document_id", id).Msg("Failed to evict cached rasters")
		}
	}

	log.Info().Str("document_id", id).Msg("Document closed")
	w.WriteHeader(http.StatusNoContent)
}

// zoom handles POST /documents/{id}/zoom.
func (s *Server) zoom(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.document(w, r)
	if !ok {
		return
	}

	var req ZoomRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	vc := doc.view.Viewport()
	consumed := false
	switch req.Source {
	case "wheel":
		consumed = vc.OnZoomGesture(req.DeltaY, req.Modifier)
	case "button":
		switch req.Direction {
		case "in":
			vc.OnZoomButton(viewport.ZoomIn)
		case "out":
			vc.OnZoomButton(viewport.ZoomOut)
		default:
			writeError(w, http.StatusBadRequest, "direction must be in or out", req.Direction)
			return
		}
		consumed = true
	default:
		writeError(w, http.StatusBadRequest, "source must be wheel or button", req.Source)
		return
	}

	writeJSON(w, http.StatusOK, ZoomResponseDTO{Consumed: consumed, Toolbar: doc.view.Toolbar()})
}

// drag handles POST /documents/{id}/drag.
func (s *Server) drag(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.document(w, r)
	if !ok {
		return
	}

	var req DragRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	vc := doc.view.Viewport()
	pointer := domain.Point{X: req.X, Y: req.Y}
	switch req.Phase {
	case "start":
		vc.OnDragStart(pointer)
	case "move":
		vc.OnDragMove(pointer)
	case "end":
		vc.OnDragEnd()
	case "cancel":
		vc.OnDragCancel()
	default:
		writeError(w, http.StatusBadRequest, "phase must be start, move, end or cancel", req.Phase)
		return
	}

	state := vc.State()
	writeJSON(w, http.StatusOK, DragResponseDTO{Scroll: state.Scroll, Dragging: state.Dragging})
}

// visible handles POST /documents/{id}/visible.
func (s *Server) visible(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.document(w, r)
	if !ok {
		return
	}

	var req VisibleRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.First > req.Last {
		writeError(w, http.StatusBadRequest, "first must not exceed last", "")
		return
	}

	if req.Width > 0 && req.Height > 0 {
		doc.view.SetVisibleSize(req.Width, req.Height)
	}
	doc.view.Pages().SetVisibleRange(req.First, req.Last)

	first, last := doc.view.Pages().VisibleRange()
	writeJSON(w, http.StatusOK, map[string]int{"first": first, "last": last})
}

// page handles GET /documents/{id}/pages/{page}. Pages are numbered from 1.
func (s *Server) page(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.document(w, r)
	if !ok {
		return
	}

	number, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || number < 1 {
		writeError(w, http.StatusBadRequest, "invalid page number", chi.URLParam(r, "page"))
		return
	}

	slot, ok := doc.view.Pages().Slot(number - 1)
	if !ok {
		writeError(w, http.StatusNotFound, "page not found", strconv.Itoa(number))
		return
	}

	if err := slot.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, "page render failed", err.Error())
		return
	}

	bitmap := slot.Bitmap()
	if bitmap == nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, slot.Placeholder())
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, bitmap); err != nil {
		s.logger.WithContext(r.Context()).Warn().Err(err).Page(number).Msg("Failed to encode page")
	}
}

// illustration handles GET /documents/{id}/illustration.
func (s *Server) illustration(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.document(w, r)
	if !ok {
		return
	}

	if img, mimeType, ok := doc.session.Illustration(); ok {
		w.Header().Set("Content-Type", mimeType)
		_, _ = w.Write(img)
		return
	}

	state := doc.session.Snapshot().Illustration
	switch state.Status {
	case domain.StatusError:
		writeError(w, http.StatusBadGateway, state.Error, "")
	case domain.StatusIdle:
		writeError(w, http.StatusNotFound, "illustration not requested", "")
	default:
		writeJSON(w, http.StatusAccepted, state)
	}
}

// streamAnalysis handles GET /documents/{id}/analysis as Server-Sent Events.
// The text received so far is sent first as one chunk.
func (s *Server) streamAnalysis(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.document(w, r)
	if !ok {
		return
	}

	if doc.session.Snapshot().Analysis.Status == domain.StatusIdle {
		writeError(w, http.StatusNotFound, "analysis not requested", "")
		return
	}

	state, events, cancel := doc.session.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	send := func(ev domain.StreamEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return err
		}
		return rc.Flush()
	}

	if state.Text != "" {
		if err := send(domain.StreamEvent{Type: domain.EventAnalysisChunk, Payload: state.Text, Timestamp: time.Now()}); err != nil {
			return
		}
	}

	var last domain.EventType
	for {
		select {
		case ev, open := <-events:
			if !open {
				// Subscribed after the session settled
				if last != domain.EventComplete {
					_ = send(domain.StreamEvent{Type: domain.EventComplete, Payload: doc.session.Snapshot().Analysis, Timestamp: time.Now()})
				}
				return
			}
			if err := send(ev); err != nil {
				return
			}
			last = ev.Type
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) document(w http.ResponseWriter, r *http.Request) (*document, bool) {
	id := chi.URLParam(r, "id")
	doc, ok := s.lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "document not found", id)
	}
	return doc, ok
}

func (d *document) dto(detail bool) DocumentDTO {
	state, _ := d.view.State()
	out := DocumentDTO{
		ID:        d.id,
		Name:      d.name,
		CreatedAt: d.created.Format(time.RFC3339),
		PageCount: d.view.Toolbar().Pages,
		State:     state,
	}
	if state == preview.StateUnavailable {
		out.Message = preview.UnavailableMessage
	}
	if detail {
		snap := d.view.Snapshot()
		ana := d.session.Snapshot()
		out.Preview = &snap
		out.Analysis = &ana
	}
	return out
}
