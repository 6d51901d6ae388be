// Package openrouter implements the generation capability against an
// OpenAI-compatible chat-completions API (OpenRouter or any server speaking
// the same protocol).
package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/avress/interviewd/internal/generate"
)

const (
	defaultBaseURL   = "https://openrouter.ai/api/v1"
	defaultTimeout   = 60 * time.Second
	streamingTimeout = 300 * time.Second
	maxRetries       = 3
	initialBackoff   = 500 * time.Millisecond
)

// Client communicates with an OpenAI-compatible chat completions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// New creates a Client for the given API key and model.
func New(apiKey, model string) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 0},
	}
}

// NewWithBaseURL creates a client pointing at a custom base URL (for testing
// or self-hosted gateways).
func NewWithBaseURL(apiKey, model, baseURL string) *Client {
	c := New(apiKey, model)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Generate returns the full reply in one blocking call.
func (c *Client) Generate(ctx context.Context, req generate.Request) (string, error) {
	rc, err := c.send(ctx, buildMessages(req), false)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var resp chatResponse
	if err := json.NewDecoder(rc).Decode(&resp); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("upstream returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateStream streams the reply, invoking onDelta per fragment, and
// returns the accumulated text.
func (c *Client) GenerateStream(ctx context.Context, req generate.Request, onDelta func(string)) (string, error) {
	rc, err := c.send(ctx, buildMessages(req), true)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return "", fmt.Errorf("decoding stream chunk: %w", err)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			full.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading stream: %w", err)
	}
	return full.String(), nil
}

// Complete sends a bare system+user exchange and returns the reply. Used by
// the evaluator, which builds its own prompts.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	rc, err := c.send(ctx, []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, false)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var resp chatResponse
	if err := json.NewDecoder(rc).Decode(&resp); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("upstream returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func buildMessages(req generate.Request) []chatMessage {
	msgs := []chatMessage{{Role: "system", Content: generate.SystemPrompt(req)}}
	for _, turn := range generate.HistoryWindow(req.History) {
		role := "user"
		if turn.Role == "interviewer" {
			role = "assistant"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: turn.Content})
	}
	return append(msgs, chatMessage{Role: "user", Content: req.LatestMessage})
}

// send performs the HTTP exchange with retry on rate limiting. Retries only
// happen before any response bytes were consumed, so streams are never
// resumed mid-flight.
func (c *Client) send(ctx context.Context, messages []chatMessage, stream bool) (io.ReadCloser, error) {
	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages, Stream: stream})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	timeout := defaultTimeout
	if stream {
		timeout = streamingTimeout
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		rc, err := c.do(ctx, body, timeout)
		if err == nil {
			return rc, nil
		}
		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

func (c *Client) do(ctx context.Context, body []byte, timeout time.Duration) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		cancel()
		return nil, &rateLimitError{status: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelReadCloser ties the request context's cancel to the body's Close so
// the timeout keeps covering the whole streamed read.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
