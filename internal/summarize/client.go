// Package summarize turns a session transcript into a narrative recap and an
// entity list using the Anthropic Messages API.
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"session-recap/internal/models"
)

const (
	defaultBaseURL     = "https://api.anthropic.com/v1/"
	defaultModel       = "claude-sonnet-4-20250514"
	defaultHTTPTimeout = 5 * time.Minute
	apiVersion         = "2023-06-01"
	maxTokens          = 4096

	inputCostPerMTok  = 3.00
	outputCostPerMTok = 15.00
)

// Config captures the runtime settings required to talk to the API.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Request is the material for one recap.
type Request struct {
	Transcript string
	Setting    string
	Characters []models.Character
}

// Usage reports billed tokens.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is the structured recap returned by the model.
type Result struct {
	NarrativeRecap  string                   `json:"narrative_recap"`
	BriefSummary    string                   `json:"brief_summary"`
	MemorableQuotes []models.Quote           `json:"memorable_quotes"`
	PlotHooks       []models.PlotHook        `json:"plot_hooks"`
	Entities        []models.ExtractedEntity `json:"entities"`
	Usage           Usage                    `json:"-"`
}

// Client wraps the Messages API.
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

// NewClient constructs a summarization client.
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

// EstimateCost returns the USD cost of a request with the given usage.
func EstimateCost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*inputCostPerMTok + float64(outputTokens)/1e6*outputCostPerMTok
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage Usage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Summarize asks the model for a recap of req.Transcript. A blank transcript
// (a silent recording) is still sent. A reply that is not valid JSON is an
// error.
func (c *Client) Summarize(ctx context.Context, req Request) (Result, error) {
	var empty Result
	if c.cfg.APIKey == "" {
		return empty, errors.New("claude summarize: api key required")
	}

	prompt := BuildPrompt(req)
	payload := messagesRequest{
		Model:     c.cfg.Model,
		MaxTokens: maxTokens,
		Messages:  []message{{Role: "user", Content: prompt}},
	}
	c.logger.Debug("sending summarization request",
		"model", c.cfg.Model,
		"prompt_characters", len(prompt),
		"estimated_input_tokens", len(prompt)/4,
		"characters", len(req.Characters),
	)

	start := time.Now()
	resp, err := c.send(ctx, payload)
	if err != nil {
		return empty, err
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "" || block.Type == "text" {
			text = block.Text
			break
		}
	}
	var out Result
	if err := DecodeJSON(text, &out); err != nil {
		return empty, fmt.Errorf("claude summarize: parse response as JSON: %w", err)
	}
	out.Usage = resp.Usage
	c.logger.Debug("summarization received",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"model", resp.Model,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"estimated_cost_usd", EstimateCost(resp.Usage.InputTokens, resp.Usage.OutputTokens),
		"quotes", len(out.MemorableQuotes),
		"plot_hooks", len(out.PlotHooks),
		"entities", len(out.Entities),
	)
	return out, nil
}

func (c *Client) send(ctx context.Context, payload messagesRequest) (messagesResponse, error) {
	var parsed messagesResponse
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "messages")
	if err != nil {
		return parsed, fmt.Errorf("claude request: build url: %w", err)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return parsed, fmt.Errorf("claude request: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return parsed, fmt.Errorf("claude request: new request: %w", err)
	}
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return parsed, fmt.Errorf("claude request: http error (timeout=%s): %w", c.httpClient.Timeout, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return parsed, fmt.Errorf("claude request: read body: %w", err)
	}
	decodeErr := json.Unmarshal(body, &parsed)
	if resp.StatusCode >= http.StatusMultipleChoices {
		if decodeErr == nil && parsed.Error != nil {
			return parsed, fmt.Errorf("claude request: http %d: %s: %s", resp.StatusCode, parsed.Error.Type, parsed.Error.Message)
		}
		return parsed, fmt.Errorf("claude request: http %d: %s", resp.StatusCode, snippet(string(body)))
	}
	if decodeErr != nil {
		return parsed, fmt.Errorf("claude request: decode response: %w", decodeErr)
	}
	return parsed, nil
}
