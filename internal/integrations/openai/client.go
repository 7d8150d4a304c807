package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"family-assistant/internal/domain"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultMaxTokens = 4096
	sseDataPrefix    = "data:"
	sseDoneMarker    = "[DONE]"
)

// chatRequest is the streaming request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model         string               `json:"model"`
	Messages      []domain.ChatMessage `json:"messages"`
	Stream        bool                 `json:"stream"`
	StreamOptions *streamOptions       `json:"stream_options,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// chatChunk is one "data:" payload of a streamed completion.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client streams chat completions from an OpenAI-compatible endpoint.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string
	temperature float64

	keyMu  sync.Mutex
	apiKey string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = t
	}
}

// NewClient creates a new Client backed by the given paramstore.Getter for
// API key retrieval. The key is fetched from SSM on the first completion and
// reused for the lifetime of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL: defaultBaseURL,
		// No client timeout: a completion stream may legitimately stay open for minutes.
		httpClient:  &http.Client{},
		getter:      ps,
		paramPrefix: paramPrefix,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveAPIKey fetches the API key from SSM until one read succeeds, then
// returns the cached key for the rest of the process lifetime.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
	if err != nil {
		return "", err
	}
	c.apiKey = key
	return key, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{}
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// StreamCompletion opens a streamed completion. Errors before the first byte of the
// body (key lookup, connect, non-2xx) are returned directly; later failures arrive
// as a StreamError event.
func (c *Client) StreamCompletion(ctx context.Context, in domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
	if in.Model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	messages := make([]domain.ChatMessage, 0, len(in.Messages)+1)
	if strings.TrimSpace(in.SystemPrompt) != "" {
		messages = append(messages, domain.ChatMessage{Role: "system", Content: in.SystemPrompt})
	}
	messages = append(messages, in.Messages...)
	temperature := c.temperature
	body, err := json.Marshal(chatRequest{
		Model:         in.Model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
		MaxTokens:     defaultMaxTokens,
		Temperature:   &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	url := chatURL(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer func() { _ = res.Body.Close() }()
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}

	events := make(chan domain.StreamEvent)
	go func() {
		defer close(events)
		defer func() { _ = res.Body.Close() }()
		readStream(ctx, res.Body, events)
	}()
	return events, nil
}

// readStream turns the SSE body into stream events. Usage arrives in a trailing
// chunk with no choices, so Done is emitted at [DONE] rather than at finish_reason.
func readStream(ctx context.Context, body io.Reader, events chan<- domain.StreamEvent) {
	emit := func(ev domain.StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var text strings.Builder
	var inputTokens, outputTokens int
	finished := false
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if payload, ok := dataPayload(line); ok {
			if payload == sseDoneMarker {
				emit(domain.StreamEvent{Type: domain.StreamDone, Text: text.String(), InputTokens: inputTokens, OutputTokens: outputTokens})
				return
			}
			var chunk chatChunk
			if jsonErr := json.Unmarshal([]byte(payload), &chunk); jsonErr != nil {
				emit(domain.StreamEvent{Type: domain.StreamError, Err: fmt.Errorf("openai: decode chunk: %w", jsonErr)})
				return
			}
			if chunk.Error != nil {
				emit(domain.StreamEvent{Type: domain.StreamError, Err: fmt.Errorf("openai: stream error: %s", chunk.Error.Message)})
				return
			}
			if chunk.Usage != nil {
				inputTokens = chunk.Usage.PromptTokens
				outputTokens = chunk.Usage.CompletionTokens
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					text.WriteString(choice.Delta.Content)
					if !emit(domain.StreamEvent{Type: domain.StreamDelta, Text: choice.Delta.Content}) {
						return
					}
				}
				if choice.FinishReason != nil && *choice.FinishReason != "" {
					finished = true
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && finished {
				// Some compatible servers omit [DONE] after the final chunk.
				emit(domain.StreamEvent{Type: domain.StreamDone, Text: text.String(), InputTokens: inputTokens, OutputTokens: outputTokens})
				return
			}
			if !errors.Is(err, io.EOF) {
				emit(domain.StreamEvent{Type: domain.StreamError, Err: fmt.Errorf("openai: read stream: %w", err)})
			}
			return
		}
	}
}

func dataPayload(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, sseDataPrefix) {
		return "", false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, sseDataPrefix))
	return payload, payload != ""
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
