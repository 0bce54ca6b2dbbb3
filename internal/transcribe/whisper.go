// Package transcribe converts session audio to text with the OpenAI Whisper
// transcription API.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"session-recap/internal/models"
)

const (
	// MaxFileSize is the largest upload the API accepts.
	MaxFileSize = 25 << 20

	defaultBaseURL     = "https://api.openai.com/v1/"
	defaultModel       = "whisper-1"
	defaultHTTPTimeout = 10 * time.Minute
	costPerMinute      = 0.006
)

// ErrFileTooLarge is returned for recordings over MaxFileSize. Retrying
// cannot succeed; the recording has to be split first.
var ErrFileTooLarge = errors.New("audio file too large, split recordings larger than 25MB")

// Config captures the runtime settings required to talk to the API.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Result is a finished transcription.
type Result struct {
	Text     string           `json:"text"`
	Segments []models.Segment `json:"segments"`
	Duration float64          `json:"duration"`
}

// Client calls the transcription endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient constructs a transcription client.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckSize rejects recordings the API will not accept.
func CheckSize(size int64) error {
	if size > MaxFileSize {
		return fmt.Errorf("%w (%.2f MB)", ErrFileTooLarge, float64(size)/(1<<20))
	}
	return nil
}

// EstimateCost returns the USD cost of transcribing durationSeconds of
// audio. Billing rounds up to whole minutes.
func EstimateCost(durationSeconds float64) float64 {
	if durationSeconds <= 0 {
		return 0
	}
	return math.Ceil(durationSeconds/60) * costPerMinute
}

type apiError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Transcribe uploads audio as filename and returns the transcription with
// segment timestamps.
func (c *Client) Transcribe(ctx context.Context, filename string, audio io.Reader) (Result, error) {
	var empty Result
	if c.cfg.APIKey == "" {
		return empty, errors.New("whisper transcribe: api key required")
	}

	data, err := io.ReadAll(io.LimitReader(audio, MaxFileSize+1))
	if err != nil {
		return empty, fmt.Errorf("whisper transcribe: read audio: %w", err)
	}
	if err := CheckSize(int64(len(data))); err != nil {
		return empty, err
	}

	body, contentType, err := c.encodeForm(filename, data)
	if err != nil {
		return empty, fmt.Errorf("whisper transcribe: encode form: %w", err)
	}
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "audio", "transcriptions")
	if err != nil {
		return empty, fmt.Errorf("whisper transcribe: build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return empty, fmt.Errorf("whisper transcribe: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", contentType)

	c.logger.Debug("sending transcription request", "file", filename, "size_mb", float64(len(data))/(1<<20), "model", c.cfg.Model)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return empty, fmt.Errorf("whisper transcribe: http error (timeout=%s): %w", c.httpClient.Timeout, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return empty, fmt.Errorf("whisper transcribe: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != nil {
			return empty, fmt.Errorf("whisper transcribe: http %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return empty, fmt.Errorf("whisper transcribe: http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return empty, fmt.Errorf("whisper transcribe: decode response: %w", err)
	}
	c.logger.Debug("transcription received",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"characters", len(out.Text),
		"segments", len(out.Segments),
		"duration_seconds", out.Duration,
		"estimated_cost_usd", EstimateCost(out.Duration),
	)
	return out, nil
}

func (c *Client) encodeForm(filename string, data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	fields := [][2]string{
		{"model", c.cfg.Model},
		{"response_format", "verbose_json"},
		{"timestamp_granularities[]", "segment"},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
