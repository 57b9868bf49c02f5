// Package preview is the embeddable entry point: open a PDF into a
// zoomable, pannable page preview and, optionally, analyse it.
package preview

import (
	"context"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/spherical/scholarlens/internal/analysis"
	"github.com/spherical/scholarlens/internal/domain"
	"github.com/spherical/scholarlens/internal/llm"
	"github.com/spherical/scholarlens/internal/pdf"
	"github.com/spherical/scholarlens/internal/preview"
	"github.com/spherical/scholarlens/internal/viewport"
)

// Re-export preview types for the public API
type (
	View     = preview.View
	Options  = preview.Options
	Snapshot = preview.Snapshot
	Toolbar  = preview.Toolbar
	State    = preview.State
	Opener   = preview.Opener
	Source   = pdf.Source
	Point    = domain.Point
)

// Re-export event types
type (
	StreamEvent = domain.StreamEvent
	EventType   = domain.EventType
)

// Display states
const (
	StateEmpty       = preview.StateEmpty
	StateLoading     = preview.StateLoading
	StateReady       = preview.StateReady
	StateUnavailable = preview.StateUnavailable
)

// Zoom button directions
const (
	ZoomIn  = viewport.ZoomIn
	ZoomOut = viewport.ZoomOut
)

// Event type constants
const (
	EventStart                = domain.EventStart
	EventAnalysisChunk        = domain.EventAnalysisChunk
	EventAnalysisComplete     = domain.EventAnalysisComplete
	EventIllustrationComplete = domain.EventIllustrationComplete
	EventError                = domain.EventError
	EventComplete             = domain.EventComplete
)

// DefaultOptions returns options with the reference zoom behavior.
func DefaultOptions() Options {
	return Options{Viewport: viewport.DefaultOptions()}
}

// Open loads the PDF at path into a new view. On failure the view is closed
// and the DocumentLoadError returned.
func Open(ctx context.Context, path string, opts Options) (*View, error) {
	return OpenSource(ctx, Source{Path: path}, opts)
}

// OpenSource loads any supported source into a new view.
func OpenSource(ctx context.Context, src Source, opts Options) (*View, error) {
	if opts.Viewport.MaxScale == 0 {
		opts.Viewport = viewport.DefaultOptions()
	}

	v := preview.New(opts)
	if err := v.Load(ctx, src); err != nil {
		_ = v.Close(ctx)
		return nil, err
	}
	return v, nil
}

// AnalyzerConfig configures the AI client.
type AnalyzerConfig struct {
	APIKey        string // OpenRouter API key
	AnalysisModel string // Optional: analysis model override
	ImageModel    string // Optional: image model override
}

// Analyze streams the analysis and illustration of a PDF as events. The
// channel is closed once both have settled.
func Analyze(ctx context.Context, pdfPath string, cfg *AnalyzerConfig) (<-chan StreamEvent, *analysis.Session, error) {
	if cfg == nil {
		_ = godotenv.Load() // Ignore error if .env doesn't exist
		cfg = &AnalyzerConfig{
			APIKey:        os.Getenv("OPENROUTER_API_KEY"),
			AnalysisModel: os.Getenv("LLM_MODEL"),
			ImageModel:    os.Getenv("IMAGE_MODEL"),
		}
	}
	if cfg.APIKey == "" {
		return nil, nil, domain.ConfigError("OPENROUTER_API_KEY not set", nil)
	}

	validator := pdf.NewValidator(0)
	if err := validator.ValidatePDFPath(pdfPath); err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, nil, domain.IOError("read PDF", err)
	}
	file := domain.FileData{Name: filepath.Base(pdfPath), Type: "application/pdf", Size: int64(len(data)), Data: data}
	if err := validator.ValidateUpload(file); err != nil {
		return nil, nil, err
	}

	client := llm.NewClient(llm.Config{
		APIKey:        cfg.APIKey,
		AnalysisModel: cfg.AnalysisModel,
		ImageModel:    cfg.ImageModel,
	})
	session := analysis.NewSession(client, nil)
	_, events, _ := session.Subscribe()

	go func() {
		_ = session.Run(ctx, file)
	}()

	return events, session, nil
}
