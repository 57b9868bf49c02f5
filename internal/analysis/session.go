// Package analysis runs the AI side of an uploaded paper: the streamed
// structured analysis and the methodology illustration.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spherical/scholarlens/internal/domain"
	"github.com/spherical/scholarlens/internal/observability"
)

const (
	subscriberBuffer = 256
	chunkBuffer      = 100

	illustrationFailedMessage = "Failed to generate illustration"
	analysisFailedMessage     = "Analysis failed"
)

// Snapshot is the state of both panels at one instant.
type Snapshot struct {
	File         string                   `json:"file,omitempty"`
	Analysis     domain.AnalysisState     `json:"analysis"`
	Illustration domain.IllustrationState `json:"illustration"`
}

// Session orchestrates analysis and illustration for one document.
type Session struct {
	analyzer domain.Analyzer
	logger   *observability.Logger

	mu           sync.Mutex
	file         string
	analysis     domain.AnalysisState
	illustration domain.IllustrationState
	image        []byte
	started      bool
	finished     bool
	subscribers  map[chan domain.StreamEvent]struct{}
	done         chan struct{}
}

// NewSession creates an idle session.
func NewSession(analyzer domain.Analyzer, logger *observability.Logger) *Session {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Session{
		analyzer:     analyzer,
		logger:       logger.WithComponent("analysis"),
		analysis:     domain.AnalysisState{Status: domain.StatusIdle},
		illustration: domain.IllustrationState{Status: domain.StatusIdle},
		subscribers:  make(map[chan domain.StreamEvent]struct{}),
		done:         make(chan struct{}),
	}
}

// MarkUploading records that a file is being received.
func (s *Session) MarkUploading(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.file = name
	s.analysis = domain.AnalysisState{Status: domain.StatusUploading}
	s.illustration = domain.IllustrationState{Status: domain.StatusUploading}
}

// Run starts the analysis stream and the illustration in parallel and
// blocks until both have settled. A failure of one never cancels the other.
// Run returns an error only when both failed.
func (s *Session) Run(ctx context.Context, file domain.FileData) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return domain.ValidationError("analysis session already started", nil)
	}
	s.started = true
	s.file = file.Name
	s.analysis = domain.AnalysisState{Status: domain.StatusAnalyzing}
	s.illustration = domain.IllustrationState{Status: domain.StatusAnalyzing}
	s.mu.Unlock()

	defer s.finish()

	startTime := time.Now()
	log := s.logger.WithOperation("run").With().Str("file", file.Name).Logger()

	s.publish(domain.StreamEvent{
		Type:      domain.EventStart,
		Payload:   fmt.Sprintf("Starting analysis of %s", file.Name),
		Timestamp: time.Now(),
	})

	if s.analyzer == nil {
		err := domain.ConfigError("AI analysis is not configured", nil)
		s.failAnalysis(err)
		s.failIllustration(err)
		return err
	}

	var analysisErr, illustrationErr error
	var g errgroup.Group
	g.Go(func() error {
		analysisErr = s.runAnalysis(ctx, file.Data)
		return nil
	})
	g.Go(func() error {
		illustrationErr = s.runIllustration(ctx, file.Data)
		return nil
	})
	_ = g.Wait()

	s.publish(domain.StreamEvent{
		Type:      domain.EventComplete,
		Payload:   fmt.Sprintf("Analysis settled in %v", time.Since(startTime).Round(time.Millisecond)),
		Timestamp: time.Now(),
	})

	log.Info().
		Bool("analysis_ok", analysisErr == nil).
		Bool("illustration_ok", illustrationErr == nil).
		Dur("duration", time.Since(startTime)).
		Msg("Analysis session settled")

	if analysisErr != nil && illustrationErr != nil {
		return domain.APIError("analysis and illustration both failed", errors.Join(analysisErr, illustrationErr))
	}
	return nil
}

func (s *Session) runAnalysis(ctx context.Context, pdf []byte) error {
	chunks := make(chan string, chunkBuffer)
	errCh := make(chan error, 1)

	go func() {
		errCh <- s.analyzer.StreamAnalysis(ctx, pdf, chunks)
		close(chunks)
	}()

	for chunk := range chunks {
		s.mu.Lock()
		s.analysis.Text += chunk
		s.publishLocked(domain.StreamEvent{
			Type:      domain.EventAnalysisChunk,
			Payload:   chunk,
			Timestamp: time.Now(),
		})
		s.mu.Unlock()
	}

	if err := <-errCh; err != nil {
		s.logger.Error().Err(err).Msg("Analysis stream failed")
		s.failAnalysis(err)
		return err
	}

	s.mu.Lock()
	s.analysis.Status = domain.StatusCompleted
	state := s.analysis
	s.publishLocked(domain.StreamEvent{
		Type:      domain.EventAnalysisComplete,
		Payload:   state,
		Timestamp: time.Now(),
	})
	s.mu.Unlock()
	return nil
}

func (s *Session) runIllustration(ctx context.Context, pdf []byte) error {
	ill, err := s.analyzer.GenerateIllustration(ctx, pdf)
	if err != nil {
		s.logger.Error().Err(err).Msg("Illustration failed")
		s.failIllustration(err)
		return err
	}

	s.mu.Lock()
	s.image = ill.Image
	s.illustration = domain.IllustrationState{
		Status:   domain.StatusCompleted,
		MIMEType: ill.MIMEType,
		Prompt:   ill.PromptUsed,
	}
	state := s.illustration
	s.publishLocked(domain.StreamEvent{
		Type:      domain.EventIllustrationComplete,
		Payload:   state,
		Timestamp: time.Now(),
	})
	s.mu.Unlock()
	return nil
}

// failAnalysis keeps the text received so far.
func (s *Session) failAnalysis(err error) {
	msg := analysisFailedMessage
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.analysis.Status = domain.StatusError
	s.analysis.Error = msg
	s.publishLocked(domain.StreamEvent{
		Type:      domain.EventError,
		Payload:   "analysis: " + msg,
		Timestamp: time.Now(),
	})
}

func (s *Session) failIllustration(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.illustration = domain.IllustrationState{
		Status: domain.StatusError,
		Error:  illustrationFailedMessage,
	}
	s.publishLocked(domain.StreamEvent{
		Type:      domain.EventError,
		Payload:   "illustration: " + illustrationFailedMessage,
		Timestamp: time.Now(),
	})
}

// Subscribe returns the analysis so far and a channel of subsequent events.
// The channel is closed when the session settles or cancel is called.
func (s *Session) Subscribe() (domain.AnalysisState, <-chan domain.StreamEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan domain.StreamEvent, subscriberBuffer)
	if s.finished {
		close(ch)
		return s.analysis, ch, func() {}
	}
	s.subscribers[ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subscribers[ch]; ok {
				delete(s.subscribers, ch)
				close(ch)
			}
		})
	}
	return s.analysis, ch, cancel
}

func (s *Session) publish(event domain.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(event)
}

func (s *Session) publishLocked(event domain.StreamEvent) {
	for ch := range s.subscribers {
		s.emitEvent(ch, event)
	}
}

// emitEvent never blocks; slow subscribers lose events.
func (s *Session) emitEvent(eventCh chan<- domain.StreamEvent, event domain.StreamEvent) {
	select {
	case eventCh <- event:
	default:
		s.logger.Warn().Str("event", string(event.Type)).Msg("Event channel full, dropping event")
	}
}

func (s *Session) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	for ch := range s.subscribers {
		delete(s.subscribers, ch)
		close(ch)
	}
	close(s.done)
}

// Done is closed once the session has settled.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session settles or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current state of both panels.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		File:         s.file,
		Analysis:     s.analysis,
		Illustration: s.illustration,
	}
}

// Illustration returns the generated image once it is available.
func (s *Session) Illustration() ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.illustration.Status != domain.StatusCompleted {
		return nil, "", false
	}
	return s.image, s.illustration.MIMEType, true
}

// Text returns the analysis accumulated so far, trimmed.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.analysis.Text)
}
