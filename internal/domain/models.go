package domain

import (
	"math"
	"time"
)

// Viewport is the output raster size implied by a page size and a scale.
type Viewport struct {
	Scale  float64
	Width  int
	Height int
}

// NewViewport scales a page size linearly, without aspect-ratio distortion.
func NewViewport(width, height, scale float64) Viewport {
	return Viewport{
		Scale:  scale,
		Width:  int(math.Round(width * scale)),
		Height: int(math.Round(height * scale)),
	}
}

// RenderRequest asks for one page of a document at one scale.
// It has no identity beyond its fields.
type RenderRequest struct {
	Document  Document
	PageIndex int
	Scale     float64
}

// Valid reports whether the request addresses an existing page with a usable scale.
func (r RenderRequest) Valid() bool {
	if r.Document == nil || r.Scale <= 0 || math.IsNaN(r.Scale) || math.IsInf(r.Scale, 0) {
		return false
	}
	return r.PageIndex >= 0 && r.PageIndex < r.Document.PageCount()
}

// Point is a pointer or scroll position in view pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point { return Point{X: p.X - q.X, Y: p.Y - q.Y} }

// Add returns p + q.
func (p Point) Add(q Point) Point { return Point{X: p.X + q.X, Y: p.Y + q.Y} }

// FileData is an uploaded document.
type FileData struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	Data []byte `json:"-"`
}

// AnalysisStatus is the lifecycle of an AI-backed panel.
type AnalysisStatus string

const (
	StatusIdle      AnalysisStatus = "IDLE"
	StatusUploading AnalysisStatus = "UPLOADING"
	StatusAnalyzing AnalysisStatus = "ANALYZING"
	StatusCompleted AnalysisStatus = "COMPLETED"
	StatusError     AnalysisStatus = "ERROR"
)

// AnalysisState is the streamed text analysis of a document.
type AnalysisState struct {
	Status AnalysisStatus `json:"status"`
	Text   string         `json:"text"`
	Error  string         `json:"error,omitempty"`
}

// Illustration is a generated methodology diagram.
type Illustration struct {
	Image      []byte `json:"-"`
	MIMEType   string `json:"mime_type"`
	PromptUsed string `json:"prompt"`
}

// IllustrationState tracks diagram generation.
type IllustrationState struct {
	Status   AnalysisStatus `json:"status"`
	MIMEType string         `json:"mime_type,omitempty"`
	Prompt   string         `json:"prompt,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// EventType represents the type of stream event
type EventType string

const (
	EventStart                EventType = "start"
	EventAnalysisChunk        EventType = "analysis_chunk"
	EventAnalysisComplete     EventType = "analysis_complete"
	EventIllustrationComplete EventType = "illustration_complete"
	EventError                EventType = "error"
	EventComplete             EventType = "complete"
)

// StreamEvent represents an event emitted during analysis
type StreamEvent struct {
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload,omitempty"` // Text chunk or status message
	Timestamp time.Time   `json:"timestamp"`
}
