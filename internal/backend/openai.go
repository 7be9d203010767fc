package backend

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIClient drives an OpenAI-compatible /v1/completions endpoint, the
// surface both vLLM and SGLang expose.
type OpenAIClient struct {
	BaseURL string
	Model   string
	client  *http.Client
}

// completionRequest is the wire request for /v1/completions.
type completionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

type completionChoice struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

type completionUsage struct {
	CompletionTokens int `json:"completion_tokens"`
}

type completionResponse struct {
	Choices []completionChoice `json:"choices"`
	Usage   *completionUsage   `json:"usage,omitempty"`
}

func NewOpenAIClient(baseURL, model string) *OpenAIClient {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 2000
	t.MaxConnsPerHost = 2000
	t.MaxIdleConnsPerHost = 2000
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	return &OpenAIClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		// Per-request deadlines come from the caller's context, not a
		// client-wide timeout.
		client: &http.Client{Transport: t},
	}
}

func (c *OpenAIClient) Generate(ctx context.Context, req GenerateRequest) (TokenStream, error) {
	payload := completionRequest{
		Model:     c.Model,
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
		Stream:    req.Stream,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrBackend, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if req.Stream {
		return &sseStream{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
	}
	return newUnaryStream(resp.Body)
}

// sseStream reads "data:" frames off a streaming completion. Each frame
// with text counts as one token event; vLLM and SGLang emit one chunk per
// generated token.
type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

func (s *sseStream) Recv() (TokenEvent, error) {
	if s.done {
		return TokenEvent{}, io.EOF
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.done = true
			if err == io.EOF {
				// Stream ended without [DONE]; treat as clean end.
				return TokenEvent{}, io.EOF
			}
			return TokenEvent{}, err
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			return TokenEvent{}, io.EOF
		}

		var chunk completionResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return TokenEvent{}, fmt.Errorf("%w: bad stream chunk: %v", ErrBackend, err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		ev := TokenEvent{Text: chunk.Choices[0].Text, Tokens: 1}
		if chunk.Choices[0].FinishReason != "" {
			ev.Final = true
		}
		return ev, nil
	}
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}

// unaryStream adapts a non-streaming response to the stream contract: one
// final event, so first token and completion coincide.
type unaryStream struct {
	event TokenEvent
	sent  bool
}

func newUnaryStream(body io.ReadCloser) (*unaryStream, error) {
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	var resp completionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: bad response body: %v", ErrBackend, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: response has no choices", ErrBackend)
	}

	text := resp.Choices[0].Text
	tokens := 0
	if resp.Usage != nil {
		tokens = resp.Usage.CompletionTokens
	}
	if tokens == 0 {
		tokens = len(strings.Fields(text))
	}

	return &unaryStream{event: TokenEvent{Text: text, Tokens: tokens, Final: true}}, nil
}

func (s *unaryStream) Recv() (TokenEvent, error) {
	if s.sent {
		return TokenEvent{}, io.EOF
	}
	s.sent = true
	return s.event, nil
}

func (s *unaryStream) Close() error { return nil }

// WaitReady polls the endpoint's model list until it answers or the
// context expires, mirroring how the serving backends are health-checked
// before a run.
func (c *OpenAIClient) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/models", nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("backend not ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
