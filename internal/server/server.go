// Package server exposes document previews and paper analysis over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/spherical/scholarlens/internal/analysis"
	"github.com/spherical/scholarlens/internal/config"
	"github.com/spherical/scholarlens/internal/domain"
	"github.com/spherical/scholarlens/internal/observability"
	"github.com/spherical/scholarlens/internal/pdf"
	"github.com/spherical/scholarlens/internal/preview"
	"github.com/spherical/scholarlens/internal/render"
)

// Options configures a Server.
type Options struct {
	Config    *config.Config
	Scheduler *render.Scheduler

	// Analyzer is nil when no AI key is configured; uploads are then
	// previewed without analysis
	Analyzer domain.Analyzer

	// Opener overrides the go-fitz loader
	Opener preview.Opener

	Logger *observability.Logger
}

// Server holds the open documents and routes requests to them.
type Server struct {
	cfg       *config.Config
	scheduler *render.Scheduler
	analyzer  domain.Analyzer
	opener    preview.Opener
	validator *pdf.Validator
	logger    *observability.Logger
	router    chi.Router

	mu   sync.RWMutex
	docs map[string]*document
}

// document is one uploaded file with its preview and analysis.
type document struct {
	id       string
	name     string
	created  time.Time
	view     *preview.View
	session  *analysis.Session
	cancelAI context.CancelFunc
}

// New creates a server and its router.
func New(opts Options) *Server {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = observability.Nop()
	}
	if opts.Scheduler == nil {
		ropts := preview.RenderOptions(opts.Config)
		ropts.Logger = opts.Logger
		opts.Scheduler = render.NewScheduler(ropts)
	}

	s := &Server{
		cfg:       opts.Config,
		scheduler: opts.Scheduler,
		analyzer:  opts.Analyzer,
		opener:    opts.Opener,
		validator: pdf.NewValidator(opts.Config.Upload.MaxBytes),
		logger:    opts.Logger.WithComponent("server"),
		docs:      make(map[string]*document),
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors([]string{"*"}))

	r.Get("/health", s.health)

	// Streams outlive the request timeout
	r.Get("/documents/{id}/analysis", s.streamAnalysis)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(s.cfg.Server.WriteTimeout))

		r.Post("/documents", s.upload)
		r.Get("/documents/{id}", s.getDocument)
		r.Delete("/documents/{id}", s.deleteDocument)
		r.Post("/documents/{id}/zoom", s.zoom)
		r.Post("/documents/{id}/drag", s.drag)
		r.Post("/documents/{id}/visible", s.visible)
		r.Get("/documents/{id}/pages/{page}", s.page)
		r.Get("/documents/{id}/illustration", s.illustration)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	open := len(s.docs)
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   s.cfg.Observability.ServiceName,
		"documents": open,
		"ai":        s.analyzer != nil,
		"renders":   s.scheduler.Stats(),
	})
}

func (s *Server) lookup(id string) (*document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	return doc, ok
}

// Close tears down every open document.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	docs := s.docs
	s.docs = make(map[string]*document)
	s.mu.Unlock()

	var errs []error
	for _, d := range docs {
		if err := d.close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// shared reports whether an open document shows the same content.
func (s *Server) shared(fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.docs {
		if doc := d.view.Document(); doc != nil && doc.Fingerprint() == fingerprint {
			return true
		}
	}
	return false
}

func (d *document) close(ctx context.Context) error {
	d.cancelAI()
	return d.view.Close(ctx)
}

// requestLogger logs each request with the chi request id attached.
func requestLogger(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := observability.ContextWithRequestID(r.Context(), chimiddleware.GetReqID(r.Context()))
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			logger.WithContext(ctx).Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("Request served")
		})
	}
}

// cors returns CORS middleware for browser clients.
func cors(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Filename")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, detail string) {
	resp := map[string]string{
		"error":   message,
		"message": message,
	}
	if detail != "" {
		resp["detail"] = detail
	}
	writeJSON(w, status, resp)
}
