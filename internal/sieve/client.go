// Package sieve calls the external compression service that rewrites noisy
// user messages into shorter task-preserving prompts. The sieve is strictly
// best-effort: any failure falls back to the original text.
package sieve

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"
)

// Strict delimiters wrapped around user input before compression, so the
// sieve model never mistakes the payload for instructions.
const (
	userStart = "[USER_START]"
	userEnd   = "[USER_END]"
)

// Result is what the pipeline consumes. OK=false means the service failed
// and Compressed carries the original text untouched.
type Result struct {
	Compressed  string
	TokensSaved int
	OK          bool
}

// Client compresses a single user message at a given aggressiveness level.
type Client interface {
	Compress(ctx context.Context, text string, level float64) Result
}

// HTTPClient is the production sieve client. One shot, no retries,
// fail-open on every error path.
type HTTPClient struct {
	url    string
	apiKey string
	model  string
	http   *http.Client
	logger *log.Logger
}

func NewHTTPClient(url, apiKey, model string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		url:    url,
		apiKey: apiKey,
		model:  model,
		http:   &http.Client{Timeout: timeout},
		logger: log.New(log.Writer(), "[SIEVE] ", log.LstdFlags),
	}
}

type compressRequest struct {
	Model string  `json:"model,omitempty"`
	Text  string  `json:"text"`
	Level float64 `json:"level"`
}

type compressResponse struct {
	CompressedText      string `json:"compressed_text"`
	TokensSavedEstimate int    `json:"tokens_saved_estimate"`
}

// Compress sends the wrapped text to the sieve service. The returned text
// has the delimiters stripped again; a failed or useless compression keeps
// the original text with zero savings.
func (c *HTTPClient) Compress(ctx context.Context, text string, level float64) Result {
	fallback := Result{Compressed: text, TokensSaved: 0, OK: false}

	body, err := json.Marshal(compressRequest{
		Model: c.model,
		Text:  userStart + "\n" + text + "\n" + userEnd,
		Level: level,
	})
	if err != nil {
		return fallback
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fallback
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Printf("compression failed, using original text: %v", err)
		return fallback
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Printf("compression returned status %d, using original text", resp.StatusCode)
		return fallback
	}

	var parsed compressResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		c.logger.Printf("malformed sieve response, using original text: %v", err)
		return fallback
	}

	compressed := stripDelimiters(parsed.CompressedText)
	if compressed == "" {
		return fallback
	}

	return Result{
		Compressed:  compressed,
		TokensSaved: parsed.TokensSavedEstimate,
		OK:          true,
	}
}

func stripDelimiters(s string) string {
	s = strings.ReplaceAll(s, userStart, "")
	s = strings.ReplaceAll(s, userEnd, "")
	return strings.TrimSpace(s)
}
