package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/scholarlens/internal/domain"
)

type fakeAnalyzer struct {
	chunks      []string
	analysisErr error

	illustration    *domain.Illustration
	illustrationErr error

	// gate, when set, holds the illustration until closed
	gate chan struct{}
}

func (f *fakeAnalyzer) StreamAnalysis(ctx context.Context, pdf []byte, resultCh chan<- string) error {
	for _, c := range f.chunks {
		select {
		case resultCh <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.analysisErr
}

func (f *fakeAnalyzer) GenerateIllustration(ctx context.Context, pdf []byte) (*domain.Illustration, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.illustrationErr != nil {
		return nil, f.illustrationErr
	}
	return f.illustration, nil
}

func testFile() domain.FileData {
	return domain.FileData{Name: "paper.pdf", Type: "application/pdf", Data: []byte("%PDF-1.7")}
}

func collect(ch <-chan domain.StreamEvent) []domain.StreamEvent {
	var events []domain.StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestSession_Run(t *testing.T) {
	analyzer := &fakeAnalyzer{
		chunks:       []string{"# 0. Paper", " metadata", "\n"},
		illustration: &domain.Illustration{Image: []byte("png"), MIMEType: "image/png", PromptUsed: "diagram"},
	}
	s := NewSession(analyzer, nil)

	_, events, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.Run(context.Background(), testFile()))

	snap := s.Snapshot()
	assert.Equal(t, "paper.pdf", snap.File)
	assert.Equal(t, domain.StatusCompleted, snap.Analysis.Status)
	assert.Equal(t, "# 0. Paper metadata\n", snap.Analysis.Text)
	assert.Equal(t, domain.StatusCompleted, snap.Illustration.Status)
	assert.Equal(t, "diagram", snap.Illustration.Prompt)

	img, mimeType, ok := s.Illustration()
	require.True(t, ok)
	assert.Equal(t, []byte("png"), img)
	assert.Equal(t, "image/png", mimeType)

	got := collect(events)
	require.NotEmpty(t, got)
	assert.Equal(t, domain.EventStart, got[0].Type)
	assert.Equal(t, domain.EventComplete, got[len(got)-1].Type)

	var text strings.Builder
	for _, ev := range got {
		if ev.Type == domain.EventAnalysisChunk {
			text.WriteString(ev.Payload.(string))
		}
	}
	assert.Equal(t, snap.Analysis.Text, text.String())
}

func TestSession_FailuresSettleIndependently(t *testing.T) {
	t.Run("analysis fails, illustration completes", func(t *testing.T) {
		analyzer := &fakeAnalyzer{
			chunks:       []string{"partial"},
			analysisErr:  domain.APIError("stream dropped", nil),
			illustration: &domain.Illustration{Image: []byte("png"), MIMEType: "image/png"},
		}
		s := NewSession(analyzer, nil)
		require.NoError(t, s.Run(context.Background(), testFile()))

		snap := s.Snapshot()
		assert.Equal(t, domain.StatusError, snap.Analysis.Status)
		assert.Equal(t, "partial", snap.Analysis.Text)
		assert.Contains(t, snap.Analysis.Error, "stream dropped")
		assert.Equal(t, domain.StatusCompleted, snap.Illustration.Status)
	})

	t.Run("illustration fails, analysis completes", func(t *testing.T) {
		analyzer := &fakeAnalyzer{
			chunks:          []string{"done"},
			illustrationErr: errors.New("no image data"),
		}
		s := NewSession(analyzer, nil)
		require.NoError(t, s.Run(context.Background(), testFile()))

		snap := s.Snapshot()
		assert.Equal(t, domain.StatusCompleted, snap.Analysis.Status)
		assert.Equal(t, domain.StatusError, snap.Illustration.Status)
		assert.Equal(t, illustrationFailedMessage, snap.Illustration.Error)

		_, _, ok := s.Illustration()
		assert.False(t, ok)
	})

	t.Run("both fail", func(t *testing.T) {
		analyzer := &fakeAnalyzer{
			analysisErr:     errors.New("boom"),
			illustrationErr: errors.New("bang"),
		}
		s := NewSession(analyzer, nil)
		err := s.Run(context.Background(), testFile())
		require.Error(t, err)
		assert.True(t, domain.IsType(err, domain.ErrorTypeAPI))
	})
}

func TestSession_AnalysisStreamsWhileIllustrationPending(t *testing.T) {
	gate := make(chan struct{})
	analyzer := &fakeAnalyzer{
		chunks:       []string{"streamed"},
		illustration: &domain.Illustration{Image: []byte("png"), MIMEType: "image/png"},
		gate:         gate,
	}
	s := NewSession(analyzer, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background(), testFile()) }()

	assert.Eventually(t, func() bool {
		return s.Snapshot().Analysis.Status == domain.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StatusAnalyzing, s.Snapshot().Illustration.Status)

	close(gate)
	require.NoError(t, <-errCh)
	assert.Equal(t, domain.StatusCompleted, s.Snapshot().Illustration.Status)
}

func TestSession_StatusLifecycle(t *testing.T) {
	s := NewSession(&fakeAnalyzer{illustration: &domain.Illustration{}}, nil)
	assert.Equal(t, domain.StatusIdle, s.Snapshot().Analysis.Status)

	s.MarkUploading("paper.pdf")
	assert.Equal(t, domain.StatusUploading, s.Snapshot().Analysis.Status)
	assert.Equal(t, domain.StatusUploading, s.Snapshot().Illustration.Status)

	require.NoError(t, s.Run(context.Background(), testFile()))
	select {
	case <-s.Done():
	default:
		t.Fatal("session not done after Run")
	}

	err := s.Run(context.Background(), testFile())
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))
}

func TestSession_WithoutAnalyzer(t *testing.T) {
	s := NewSession(nil, nil)
	err := s.Run(context.Background(), testFile())
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeConfig))

	snap := s.Snapshot()
	assert.Equal(t, domain.StatusError, snap.Analysis.Status)
	assert.Equal(t, domain.StatusError, snap.Illustration.Status)
}

func TestSession_SubscribeAfterFinish(t *testing.T) {
	s := NewSession(&fakeAnalyzer{chunks: []string{"text"}, illustration: &domain.Illustration{}}, nil)
	require.NoError(t, s.Run(context.Background(), testFile()))

	state, events, cancel := s.Subscribe()
	defer cancel()
	assert.Equal(t, "text", state.Text)
	assert.Empty(t, collect(events))
}

func TestSession_CancelSubscription(t *testing.T) {
	s := NewSession(&fakeAnalyzer{}, nil)
	_, events, cancel := s.Subscribe()
	cancel()
	cancel()

	_, open := <-events
	assert.False(t, open)
}

func TestSession_Wait(t *testing.T) {
	gate := make(chan struct{})
	s := NewSession(&fakeAnalyzer{illustration: &domain.Illustration{}, gate: gate}, nil)
	go func() { _ = s.Run(context.Background(), testFile()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)

	close(gate)
	require.NoError(t, s.Wait(context.Background()))
}
