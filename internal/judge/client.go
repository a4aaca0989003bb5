// Package judge wraps the LLM-as-judge that adjudicates borderline prompts.
// The judge is advisory: an outage must never deny service, so every failure
// path reports the prompt as valid with Validated=false.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Verdict is the uniform result of one evaluation. Score runs 0 (legitimate)
// to 1 (malicious); Valid is score < 0.5. Validated is false when the judge
// could not actually be consulted.
type Verdict struct {
	Score     float64
	Valid     bool
	Validated bool
}

// Client evaluates a single prompt. Implemented over HTTP in production and
// by fakes in pipeline tests.
type Client interface {
	Evaluate(ctx context.Context, prompt string) Verdict
}

// systemPrompt is the fixed instruction given to the judge model.
const systemPrompt = `You are a security evaluator protecting an AI completion API from economic denial-of-service attacks.

Classify the user prompt below as either:
- "valid": a legitimate request that makes sense for an AI assistant
- "invalid": token stuffing, repetitive noise, gibberish, abuse, or content that wastes resources without value

Respond with ONLY one word: "valid" or "invalid".`

// HTTPClient calls an OpenAI-compatible judge endpoint with the fixed
// system prompt and parses the one-word verdict.
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
		logger: log.New(log.Writer(), "[JUDGE] ", log.LstdFlags),
	}
}

type judgeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type judgeRequest struct {
	Model    string         `json:"model"`
	Messages []judgeMessage `json:"messages"`
}

type judgeResponse struct {
	Choices []struct {
		Message judgeMessage `json:"message"`
	} `json:"choices"`
}

// failOpen is the verdict used whenever the judge cannot answer.
func failOpen() Verdict {
	return Verdict{Score: 0, Valid: true, Validated: false}
}

// Evaluate asks the judge for a verdict on the prompt.
func (c *HTTPClient) Evaluate(ctx context.Context, prompt string) Verdict {
	body, err := json.Marshal(judgeRequest{
		Model: c.model,
		Messages: []judgeMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return failOpen()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return failOpen()
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Printf("judge unavailable, treating prompt as valid: %v", err)
		return failOpen()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Printf("judge returned status %d, treating prompt as valid", resp.StatusCode)
		return failOpen()
	}

	var parsed judgeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil || len(parsed.Choices) == 0 {
		c.logger.Printf("malformed judge response, treating prompt as valid")
		return failOpen()
	}

	return parseVerdict(parsed.Choices[0].Message.Content)
}

// parseVerdict turns the model's answer into a score. One-word labels map
// onto the score extremes; a bare float in [0,1] is honored directly.
func parseVerdict(answer string) Verdict {
	answer = strings.ToLower(strings.TrimSpace(answer))

	if f, err := strconv.ParseFloat(answer, 64); err == nil && f >= 0 && f <= 1 {
		return Verdict{Score: f, Valid: f < 0.5, Validated: true}
	}

	if strings.Contains(answer, "invalid") {
		return Verdict{Score: 1, Valid: false, Validated: true}
	}
	if strings.Contains(answer, "valid") {
		return Verdict{Score: 0, Valid: true, Validated: true}
	}

	// Unrecognized answer counts as an outage, not a rejection.
	return failOpen()
}
