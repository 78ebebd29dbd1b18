// Package llm streams chat completions from an OpenAI-compatible endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL        = "https://api.deepseek.com/v1"
	DefaultModel          = "deepseek-chat"
	DefaultTemperature    = 0.7
	DefaultMaxTokens      = 4096
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 150 * time.Second
)

// Roles accepted in conversation history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration // max gap between frames once streaming

	Policy     Policy       // zero value means DefaultPolicy
	HTTPClient *http.Client // optional; overrides the timeouts above
}

// Client talks to the completion endpoint.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	readTimeout time.Duration
	policy      Policy
	http        *http.Client
}

// New validates opts and returns a ready Client.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Policy.MaxAttempts == 0 && opts.Policy.Retryable == nil {
		onRetry := opts.Policy.OnRetry
		opts.Policy = DefaultPolicy()
		opts.Policy.OnRetry = onRetry
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		// No client-level Timeout: a streamed reply may legitimately run for
		// minutes. The request context and the idle read timer bound it.
		dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   opts.ConnectTimeout,
				ResponseHeaderTimeout: opts.ReadTimeout,
				MaxIdleConns:          10,
				IdleConnTimeout:       90 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		}
	}

	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		readTimeout: opts.ReadTimeout,
		policy:      opts.Policy,
		http:        httpClient,
	}, nil
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// StreamChat opens a streamed completion for the system prompt followed by
// history. Opening the stream is retried under the client's Policy; once
// the first byte of the body has been handed out, nothing is retried.
// The caller must Close the returned stream.
func (c *Client) StreamChat(ctx context.Context, system string, history []Message) (*EventStream, error) {
	msgs := make([]Message, 0, len(history)+1)
	if s := strings.TrimSpace(system); s != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: s})
	}
	msgs = append(msgs, CleanHistory(history)...)

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    msgs,
		Stream:      true,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	var stream *EventStream
	err = c.policy.Do(ctx, func(ctx context.Context) error {
		s, err := c.open(ctx, body)
		if err != nil {
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Stream is the read side of a streamed completion.
type Stream interface {
	Recv() (string, error)
	Close() error
}

var _ Stream = (*EventStream)(nil)

// Complete is StreamChat behind the Stream interface.
func (c *Client) Complete(ctx context.Context, system string, history []Message) (Stream, error) {
	s, err := c.StreamChat(ctx, system, history)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Client) open(ctx context.Context, body []byte) (*EventStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("llm: request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := readAPIError(resp)
		resp.Body.Close()
		cancel()
		return nil, apiErr
	}
	return newEventStream(ctx, resp.Body, cancel, c.readTimeout), nil
}

// CleanHistory drops entries with an unknown role or empty content, and
// flattens content stored as a JSON array of typed parts into plain text.
func CleanHistory(history []Message) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			continue
		}
		content := strings.TrimSpace(flattenContent(m.Content))
		if content == "" {
			continue
		}
		out = append(out, Message{Role: m.Role, Content: content})
	}
	return out
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func flattenContent(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "[") {
		return content
	}
	var parts []contentPart
	if err := json.Unmarshal([]byte(trimmed), &parts); err != nil || len(parts) == 0 {
		return content
	}
	var texts []string
	for _, p := range parts {
		if p.Type == "" {
			return content
		}
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}
