package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const maxLineSize = 1 << 20

// StreamParser handles parsing of Server-Sent Events (SSE) streams
type StreamParser struct {
	scanner *bufio.Scanner
}

// NewStreamParser creates a new stream parser
func NewStreamParser(reader io.Reader) *StreamParser {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &StreamParser{scanner: scanner}
}

// StreamChunk represents a single chunk from the stream
type StreamChunk struct {
	Content      string
	FinishReason string
	Done         bool
}

// Next reads the next chunk from the stream
func (p *StreamParser) Next() (*StreamChunk, error) {
	for p.scanner.Scan() {
		line := p.scanner.Text()

		// Comments (": OPENROUTER PROCESSING") and blank separators carry no data
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		if data == "[DONE]" {
			return &StreamChunk{Done: true}, nil
		}

		var resp Response
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			continue
		}

		if resp.Error != nil {
			return nil, fmt.Errorf("stream error %v: %s", resp.Error.Code, resp.Error.Message)
		}

		if len(resp.Choices) > 0 {
			choice := resp.Choices[0]
			return &StreamChunk{
				Content:      choice.Delta.Content,
				FinishReason: choice.FinishReason,
				Done:         choice.FinishReason != "",
			}, nil
		}
	}

	if err := p.scanner.Err(); err != nil {
		return nil, err
	}

	return &StreamChunk{Done: true}, nil
}

// ParseAll reads all chunks from the stream and sends them to a channel.
// It stops early when ctx is done.
func (p *StreamParser) ParseAll(ctx context.Context, resultCh chan<- string) error {
	for {
		chunk, err := p.Next()
		if err != nil {
			return err
		}

		// The final chunk may still carry content
		if chunk.Content != "" {
			select {
			case resultCh <- chunk.Content:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if chunk.Done {
			return nil
		}
	}
}
