// Package llm talks to the OpenRouter chat completions API to analyse papers
// and to draw methodology diagrams.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spherical/scholarlens/internal/domain"
	"github.com/spherical/scholarlens/internal/observability"
)

const (
	DefaultBaseURL       = "https://openrouter.ai/api/v1"
	DefaultAnalysisModel = "google/gemini-3-flash-preview"
	DefaultImageModel    = "google/gemini-2.5-flash-image"

	completionsPath = "/chat/completions"
	pdfFilename     = "paper.pdf"
)

var _ domain.Analyzer = (*Client)(nil)

// Config configures a Client.
type Config struct {
	APIKey        string
	BaseURL       string
	AnalysisModel string
	ImageModel    string
	Timeout       time.Duration
	Logger        *observability.Logger
}

// Client handles communication with OpenRouter API
type Client struct {
	apiKey        string
	baseURL       string
	analysisModel string
	imageModel    string
	httpClient    *http.Client
	logger        *observability.Logger
}

// Message represents a chat message
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart represents a part of message content (text, image or file)
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
	File     *File     `json:"file,omitempty"`
}

// ImageURL represents an image URL in the message
type ImageURL struct {
	URL string `json:"url"`
}

// File is an inline document attachment.
type File struct {
	Filename string `json:"filename"`
	FileData string `json:"file_data"`
}

// ImageConfig controls generated image shape.
type ImageConfig struct {
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

// Request represents the API request structure
type Request struct {
	Model       string       `json:"model"`
	Messages    []Message    `json:"messages"`
	Stream      bool         `json:"stream"`
	Modalities  []string     `json:"modalities,omitempty"`
	ImageConfig *ImageConfig `json:"image_config,omitempty"`
}

// Response represents the API response structure
type Response struct {
	ID      string         `json:"id"`
	Choices []Choice       `json:"choices"`
	Error   *ErrorResponse `json:"error,omitempty"`
}

// ErrorResponse is an error reported in a response body or stream.
type ErrorResponse struct {
	Code    interface{} `json:"code"`
	Message string      `json:"message"`
}

// Choice represents a single completion choice
type Choice struct {
	Delta        Delta  `json:"delta"`
	Message      Delta  `json:"message"`
	FinishReason string `json:"finish_reason"`
}

// Delta represents a message delta in streaming response
type Delta struct {
	Content string        `json:"content"`
	Role    string        `json:"role"`
	Images  []ContentPart `json:"images,omitempty"`
}

// NewClient creates a new LLM client
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.AnalysisModel == "" {
		cfg.AnalysisModel = DefaultAnalysisModel
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = DefaultImageModel
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Nop()
	}

	return &Client{
		apiKey:        cfg.APIKey,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		analysisModel: cfg.AnalysisModel,
		imageModel:    cfg.ImageModel,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		logger:        cfg.Logger.WithComponent("llm"),
	}
}

// StreamAnalysis streams the structured analysis of a PDF as text chunks
func (c *Client) StreamAnalysis(ctx context.Context, pdf []byte, resultCh chan<- string) error {
	req := &Request{
		Model:    c.analysisModel,
		Messages: []Message{pdfMessage(pdf, analysisPrompt)},
		Stream:   true,
	}

	resp, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := NewStreamParser(resp.Body).ParseAll(ctx, resultCh); err != nil {
		return domain.APIError("Failed to parse stream", err)
	}
	return nil
}

// GenerateIllustration asks the analysis model for a diagram description,
// then renders it with the image model.
func (c *Client) GenerateIllustration(ctx context.Context, pdf []byte) (*domain.Illustration, error) {
	described, err := c.complete(ctx, &Request{
		Model:    c.analysisModel,
		Messages: []Message{pdfMessage(pdf, illustrationExtractionPrompt)},
	})
	if err != nil {
		return nil, err
	}

	imagePrompt := strings.TrimSpace(described.Content)
	if imagePrompt == "" {
		imagePrompt = fallbackImagePrompt
	}
	finalPrompt := illustrationStylePrefix + imagePrompt

	c.logger.Debug().Int("prompt_chars", len(finalPrompt)).Msg("Illustration prompt extracted")

	generated, err := c.complete(ctx, &Request{
		Model: c.imageModel,
		Messages: []Message{{
			Role:    "user",
			Content: []ContentPart{{Type: "text", Text: finalPrompt}},
		}},
		Modalities:  []string{"image", "text"},
		ImageConfig: &ImageConfig{AspectRatio: "16:9"},
	})
	if err != nil {
		return nil, err
	}

	for _, part := range generated.Images {
		if part.ImageURL == nil || part.ImageURL.URL == "" {
			continue
		}
		mimeType, data, err := ParseDataURL(part.ImageURL.URL)
		if err != nil {
			return nil, domain.APIError("Failed to decode image", err)
		}
		return &domain.Illustration{Image: data, MIMEType: mimeType, PromptUsed: finalPrompt}, nil
	}

	return nil, domain.APIError("No image data returned from model", nil)
}

// complete sends a non-streaming request and returns the first message.
func (c *Client) complete(ctx context.Context, req *Request) (*Delta, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, domain.APIError("Failed to decode response", err)
	}
	if out.Error != nil {
		return nil, domain.APIError(fmt.Sprintf("API error %v: %s", out.Error.Code, out.Error.Message), nil)
	}
	if len(out.Choices) == 0 {
		return nil, domain.APIError("Response has no choices", nil)
	}
	return &out.Choices[0].Message, nil
}

func (c *Client) send(ctx context.Context, r *Request) (*http.Response, error) {
	if c.apiKey == "" {
		return nil, domain.ConfigError("OpenRouter API key not configured", nil)
	}

	body, err := json.Marshal(r)
	if err != nil {
		return nil, domain.APIError("Failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, domain.APIError("Failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/spherical/scholarlens")
	req.Header.Set("X-Title", "ScholarLens")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.APIError("Failed to send request", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, domain.APIError(fmt.Sprintf("API returned status %d: %s", resp.StatusCode, string(bodyBytes)), nil)
	}

	c.logger.Debug().
		Str("model", r.Model).
		Bool("stream", r.Stream).
		Dur("latency", time.Since(start)).
		Msg("Completion request accepted")

	return resp, nil
}

func pdfMessage(pdf []byte, prompt string) Message {
	return Message{
		Role: "user",
		Content: []ContentPart{
			{
				Type: "file",
				File: &File{
					Filename: pdfFilename,
					FileData: "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(pdf),
				},
			},
			{Type: "text", Text: prompt},
		},
	}
}

// ParseDataURL splits a base64 data URL into its MIME type and payload.
func ParseDataURL(url string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("data URL has no payload")
	}
	mimeType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return "", nil, fmt.Errorf("data URL is not base64 encoded")
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, err
	}
	return mimeType, data, nil
}
