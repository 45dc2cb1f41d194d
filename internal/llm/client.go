// Package llm provides the text-generation collaborators used by the story
// engine: a streaming Anthropic Messages client, an OpenAI-compatible client,
// a scripted generator for tests and offline use, and a token estimator.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultAPIURL = "https://api.anthropic.com/v1/messages"
	apiVersion    = "2023-06-01"
	DefaultModel  = "claude-haiku-4-5-20251001"
)

// Client wraps the Anthropic Messages API with server-sent-event streaming.
type Client struct {
	apiKey     string
	apiURL     string
	model      string
	maxTokens  int
	httpClient *http.Client

	// Rate limiting: max calls per minute.
	mu        sync.Mutex
	callCount int
	resetAt   time.Time
	maxPerMin int
}

// ClientOptions configures NewClient. Zero values take defaults.
type ClientOptions struct {
	BaseURL   string
	Model     string
	MaxTokens int
	MaxPerMin int
}

// NewClient creates a streaming Anthropic client.
// Returns nil if apiKey is empty (generation disabled).
func NewClient(apiKey string, opts ClientOptions) *Client {
	if apiKey == "" {
		return nil
	}
	c := &Client{
		apiKey: apiKey,
		apiURL: defaultAPIURL,
		model:  DefaultModel,
		// No overall timeout: long stories stream for minutes. Cancellation
		// goes through the request context.
		httpClient: &http.Client{},
		maxTokens:  1024,
		maxPerMin:  20, // Conservative rate limit
	}
	if opts.BaseURL != "" {
		c.apiURL = strings.TrimRight(opts.BaseURL, "/") + "/v1/messages"
	}
	if opts.Model != "" {
		c.model = opts.Model
	}
	if opts.MaxTokens > 0 {
		c.maxTokens = opts.MaxTokens
	}
	if opts.MaxPerMin > 0 {
		c.maxPerMin = opts.MaxPerMin
	}
	return c
}

// Enabled returns true if the client has a valid API key.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != ""
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// request is the API request body.
type request struct {
	Model         string    `json:"model"`
	MaxTokens     int       `json:"max_tokens"`
	System        string    `json:"system,omitempty"`
	Messages      []Message `json:"messages"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
	Stream        bool      `json:"stream"`
}

// event is one server-sent event payload.
type event struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) allow() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.After(c.resetAt) {
		c.callCount = 0
		c.resetAt = now.Add(time.Minute)
	}
	if c.callCount >= c.maxPerMin {
		return fmt.Errorf("%w (%d calls/min)", ErrRateLimited, c.maxPerMin)
	}
	c.callCount++
	return nil
}

// Stream sends req and streams the response through cb.
// StartWith is sent as an assistant prefill. Whitespace-only stop sequences,
// which the API rejects, are applied locally.
func (c *Client) Stream(ctx context.Context, req Request, cb Callbacks) error {
	if !c.Enabled() {
		return ErrNotConfigured
	}
	if err := c.allow(); err != nil {
		return err
	}

	var remote, local []string
	for _, s := range req.StopSequences {
		if strings.TrimSpace(s) == "" {
			local = append(local, s)
		} else {
			remote = append(remote, s)
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	body := request{
		Model:         c.model,
		MaxTokens:     maxTokens,
		System:        req.System,
		Messages:      []Message{{Role: "user", Content: req.Instruction}},
		StopSequences: remote,
		Stream:        true,
	}
	// The API rejects a prefill ending in whitespace.
	if prefill := strings.TrimRight(req.StartWith, " \t\r\n"); prefill != "" {
		body.Messages = append(body.Messages, Message{Role: "assistant", Content: prefill})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("API call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %d - %s", ErrRequestFailed, resp.StatusCode, string(respBody))
	}

	cb.start()
	cb.chunk(Chunk{Text: req.StartWith, FromStartWith: true})

	stop := newStopper(local)
	// The prefill was trimmed; the model continues right after it.
	trimmed := len(req.StartWith) - len(strings.TrimRight(req.StartWith, " \t\r\n"))
	skipLead := trimmed > 0

	if err := c.processStream(ctx, resp.Body, func(text string) bool {
		if skipLead {
			text = strings.TrimLeft(text, " \t\r\n")
			if text == "" {
				return true
			}
			skipLead = false
		}
		out, done := stop.feed(text)
		cb.chunk(Chunk{Text: out})
		if done {
			cancel()
		}
		return !done
	}); err != nil {
		return err
	}
	cb.chunk(Chunk{Text: stop.flush()})
	cb.finish()
	return nil
}

// processStream reads SSE events and hands text deltas to emit until the
// stream ends or emit returns false.
func (c *Client) processStream(ctx context.Context, r io.Reader, emit func(string) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var inputTokens, outputTokens int
	var stopReason string

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var ev event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue // Skip malformed events
		}

		switch ev.Type {
		case "message_start":
			inputTokens = ev.Message.Usage.InputTokens
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				if !emit(ev.Delta.Text) {
					slog.Debug("llm stream stopped locally", "input_tokens", inputTokens)
					return nil
				}
			}
		case "message_delta":
			outputTokens = ev.Usage.OutputTokens
			stopReason = ev.Delta.StopReason
		case "message_stop":
			slog.Debug("llm stream finished",
				"model", c.model,
				"input_tokens", inputTokens,
				"output_tokens", outputTokens,
				"stop_reason", stopReason,
			)
			return nil
		case "error":
			msg := "unknown error"
			if ev.Error != nil {
				msg = ev.Error.Type + ": " + ev.Error.Message
			}
			return fmt.Errorf("%w: %s", ErrStreamError, msg)
		}
	}

	if err := scanner.Err(); err != nil {
		// A cancelled request surfaces as a body read error.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read stream: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: stream ended without message_stop", ErrStreamError)
}
