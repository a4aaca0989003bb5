// Package llm talks to the upstream chat-completion model and normalizes
// provider errors into the shield's small taxonomy.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the upstream taxonomy. Handlers map these to HTTP
// statuses; everything else from Complete is an UpstreamError.
var (
	ErrRateLimited = errors.New("upstream rate limited")
	ErrUpstream    = errors.New("upstream error")
)

// Client is the interface the pipeline and handlers use to reach the
// upstream model. A struct implements it so tests can substitute fakes.
type Client interface {
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// HTTPClient forwards chat-completion requests to an OpenAI-compatible
// endpoint. No retries; rate-limit errors are surfaced to the caller.
type HTTPClient struct {
	url          string
	apiKey       string
	defaultModel string
	http         *http.Client
	logger       *log.Logger
}

// NewHTTPClient constructs the upstream client with a bounded timeout.
func NewHTTPClient(url, apiKey, defaultModel string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		url:          url,
		apiKey:       apiKey,
		defaultModel: defaultModel,
		http:         &http.Client{Timeout: timeout},
		logger:       log.New(log.Writer(), "[LLM] ", log.LstdFlags),
	}
}

// wire error envelope used by OpenAI-compatible providers.
type upstreamError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// NormalizeModel strips the legacy "models/" prefix some SDKs emit.
func NormalizeModel(model string) string {
	return strings.TrimPrefix(model, "models/")
}

// Complete forwards the request and returns the normalized response.
func (c *HTTPClient) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if req.Model == "" {
		req.Model = c.defaultModel
	}
	req.Model = NormalizeModel(req.Model)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrUpstream, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUpstream, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyError(resp.StatusCode, raw)
	}

	var parsed ChatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed response body: %v", ErrUpstream, err)
	}
	// Fail loudly on shape mismatch rather than forwarding an empty payload.
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%w: response contained no choices", ErrUpstream)
	}
	if parsed.ID == "" {
		parsed.ID = "chatcmpl-" + uuid.NewString()
	}

	return &parsed, nil
}

// classifyError maps a provider failure onto the taxonomy. 429 and anything
// mentioning quota/billing surfaces as a rate limit; the rest is a generic
// upstream error.
func (c *HTTPClient) classifyError(status int, raw []byte) error {
	detail := string(raw)
	var envelope upstreamError
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		detail = envelope.Error.Message
	}

	lower := strings.ToLower(detail)
	quotaHit := strings.Contains(lower, "quota") ||
		strings.Contains(lower, "billing") ||
		strings.Contains(lower, "credits") ||
		strings.Contains(lower, "rate limit")

	c.logger.Printf("upstream failure status=%d detail=%q", status, truncate(detail, 200))

	if status == http.StatusTooManyRequests || quotaHit {
		return fmt.Errorf("%w: %s", ErrRateLimited, detail)
	}
	return fmt.Errorf("%w: status %d: %s", ErrUpstream, status, detail)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// EstimateTokens is the crude whitespace fallback used when the provider
// omits usage metadata.
func EstimateTokens(text string) int {
	return len(strings.Fields(text))
}
