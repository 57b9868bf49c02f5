// Package pdf opens PDF sources into document handles backed by go-fitz.
package pdf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/spherical/scholarlens/internal/domain"
	"github.com/spherical/scholarlens/internal/observability"
)

var errClosed = errors.New("document closed")

// Source describes where a document comes from. Exactly one field is used,
// checked in the order Data, Reader, Path, URL.
type Source struct {
	Data   []byte
	Reader io.Reader
	Path   string
	URL    string
}

// Empty reports whether no source was given.
func (s Source) Empty() bool {
	return s.Data == nil && s.Reader == nil && s.Path == "" && s.URL == ""
}

// Loader opens PDF sources into Documents.
type Loader struct {
	validator  *Validator
	httpClient *http.Client
	logger     *observability.Logger
}

// NewLoader creates a loader. A nil logger discards output.
func NewLoader(maxBytes int64, logger *observability.Logger) *Loader {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Loader{
		validator:  NewValidator(maxBytes),
		httpClient: &http.Client{},
		logger:     logger.WithComponent("loader"),
	}
}

// Open reads and parses a source. Every failure is a DocumentLoadError.
// Open blocks until parsing finishes or ctx is done; a document parsed after
// ctx is done is closed and discarded.
func (l *Loader) Open(ctx context.Context, src Source) (*Document, error) {
	if src.Empty() {
		return nil, domain.DocumentLoadError("no document source", nil)
	}

	data, err := l.read(ctx, src)
	if err != nil {
		return nil, domain.DocumentLoadError("read document", err)
	}

	if err := l.validator.ValidateContent(data); err != nil {
		return nil, domain.DocumentLoadError("invalid document", err)
	}

	type result struct {
		doc *fitz.Document
		err error
	}
	done := make(chan result, 1)

	go func() {
		doc, err := fitz.NewFromMemory(data)
		done <- result{doc: doc, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				r.doc.Close()
			}
		}()
		return nil, domain.DocumentLoadError("open cancelled", ctx.Err())

	case r := <-done:
		if r.err != nil {
			return nil, domain.DocumentLoadError("parse PDF", r.err)
		}

		doc := newDocument(r.doc, data)
		l.logger.WithDocument(doc.Fingerprint()).Info().
			Int("pages", doc.PageCount()).
			Int("bytes", len(data)).
			Msg("Document opened")
		return doc, nil
	}
}

func (l *Loader) read(ctx context.Context, src Source) ([]byte, error) {
	limit := l.validator.maxBytes

	switch {
	case src.Data != nil:
		return src.Data, nil

	case src.Reader != nil:
		return readLimited(src.Reader, limit)

	case src.Path != "":
		if err := l.validator.ValidatePDFPath(src.Path); err != nil {
			return nil, err
		}
		f, err := os.Open(src.Path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return readLimited(f, limit)

	default:
		if !strings.HasPrefix(src.URL, "http://") && !strings.HasPrefix(src.URL, "https://") {
			return nil, fmt.Errorf("unsupported URL scheme: %s", src.URL)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := l.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch %s: HTTP %d", src.URL, resp.StatusCode)
		}
		return readLimited(resp.Body, limit)
	}
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, domain.ValidationError(fmt.Sprintf("document exceeds %d bytes", limit), nil)
	}
	return data, nil
}
