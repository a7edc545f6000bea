package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"chat-relay/internal/domain"
	"chat-relay/internal/provider"
)

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultRequestTimeout = 60 * time.Second
	tokenKey              = "open-ai-token"
)

var _ provider.Provider = (*Client)(nil)

// responseRequest is the request shape for the Responses endpoint.
type responseRequest struct {
	Model  string      `json:"model"`
	Input  []inputItem `json:"input"`
	Stream bool        `json:"stream,omitempty"`
}

type inputItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// responseBody is the minimal response shape returned by the Responses endpoint.
// OutputText is a convenience field some compatible servers include.
type responseBody struct {
	ID         string       `json:"id"`
	Status     string       `json:"status"`
	OutputText *string      `json:"output_text,omitempty"`
	Output     []outputItem `json:"output"`
	Error      *apiError    `json:"error,omitempty"`
}

type outputItem struct {
	Type    string          `json:"type"`
	Role    string          `json:"role,omitempty"`
	Content []outputContent `json:"content,omitempty"`
}

type outputContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    any    `json:"code,omitempty"`
}

type errorEnvelope struct {
	Error *apiError `json:"error"`
}

// CredentialSource resolves the API key at call time (for example from SSM).
type CredentialSource interface {
	Credential(ctx context.Context, key string) (string, error)
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

// ProviderMessage returns error.message from the response body, if any.
func (e *HTTPStatusError) ProviderMessage() string {
	var env errorEnvelope
	if err := json.Unmarshal([]byte(e.Body), &env); err != nil || env.Error == nil {
		return ""
	}
	return env.Error.Message
}

// Client is a focused client for the OpenAI Responses API.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	requestTimeout time.Duration
	creds          CredentialSource

	keyMu  sync.Mutex
	apiKey string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

// WithHTTPClient sets the HTTP client. It must not carry a Timeout, which
// would cut long streams; one-shot calls are bounded by WithRequestTimeout.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

func WithAPIKey(apiKey string) Option {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(apiKey)
	}
}

// WithCredentialSource resolves the key lazily on the first call. A failed
// lookup is retried on the next call; a successful one is reused for the
// lifetime of the process.
func WithCredentialSource(src CredentialSource) Option {
	return func(c *Client) {
		c.creds = src
	}
}

func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:        defaultBaseURL,
		httpClient:     &http.Client{},
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" && c.creds == nil {
		return nil, errors.New("openai: api key or credential source required")
	}
	return c, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := c.creds.Credential(ctx, tokenKey)
	if err != nil {
		return "", fmt.Errorf("openai: resolve api key: %w", err)
	}
	c.apiKey = key
	return key, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return http.DefaultClient
}

func responsesURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/responses"
	}
	return base + "/v1/responses"
}

func toInput(messages []domain.ChatMessage) []inputItem {
	items := make([]inputItem, 0, len(messages))
	for _, m := range messages {
		items = append(items, inputItem{Role: m.Role, Content: m.Content})
	}
	return items
}

// Generate performs a single Responses call and returns the reply text.
func (c *Client) Generate(ctx context.Context, req domain.ChatRequest) (string, error) {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	httpReq, url, err := c.newRequest(ctx, responseRequest{Model: req.Model, Input: toInput(req.Messages)})
	if err != nil {
		return "", provider.WrapError(err)
	}

	raw, err := c.doJSONRequest(httpReq, url)
	if err != nil {
		return "", provider.WrapError(fmt.Errorf("openai: request failed: %w", err))
	}

	var payload responseBody
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", provider.WrapError(fmt.Errorf("openai: decode response: %w", err))
	}
	if payload.Error != nil && payload.Error.Message != "" {
		return "", &provider.ProviderError{
			StatusCode: http.StatusBadGateway,
			Message:    payload.Error.Message,
		}
	}
	return extractText(payload), nil
}

// extractText prefers the aggregated text field, then the concatenated
// output_text parts of message items, then the first output item's first
// content text. No text at all is an empty reply, not an error.
func extractText(r responseBody) string {
	if r.OutputText != nil {
		return *r.OutputText
	}
	var (
		b     strings.Builder
		found bool
	)
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				b.WriteString(part.Text)
				found = true
			}
		}
	}
	if found {
		return b.String()
	}
	if len(r.Output) > 0 && len(r.Output[0].Content) > 0 {
		return r.Output[0].Content[0].Text
	}
	return ""
}

func (c *Client) newRequest(ctx context.Context, body responseRequest) (*http.Request, string, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, "", err
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("openai: marshal request: %w", err)
	}

	url := responsesURL(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, "", fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, url, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if err := checkStatus(res, url); err != nil {
		return nil, err
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func checkStatus(res *http.Response, url string) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return &HTTPStatusError{
		StatusCode: res.StatusCode,
		URL:        url,
		Body:       string(buf),
	}
}
