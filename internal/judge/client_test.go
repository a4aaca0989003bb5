package judge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func judgeServer(t *testing.T, answer string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req judgeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		json.NewEncoder(w).Encode(judgeResponse{
			Choices: []struct {
				Message judgeMessage `json:"message"`
			}{
				{Message: judgeMessage{Role: "assistant", Content: answer}},
			},
		})
	}))
}

func TestEvaluateValid(t *testing.T) {
	srv := judgeServer(t, "valid")
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key", "judge-model", 5*time.Second)
	v := c.Evaluate(context.Background(), "What is the boiling point of water?")

	assert.True(t, v.Valid)
	assert.True(t, v.Validated)
	assert.Equal(t, 0.0, v.Score)
}

func TestEvaluateInvalid(t *testing.T) {
	srv := judgeServer(t, "invalid")
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key", "judge-model", 5*time.Second)
	v := c.Evaluate(context.Background(), "noise noise noise noise")

	assert.False(t, v.Valid)
	assert.True(t, v.Validated)
	assert.Equal(t, 1.0, v.Score)
}

func TestEvaluateNumericScore(t *testing.T) {
	srv := judgeServer(t, "0.3")
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key", "judge-model", 5*time.Second)
	v := c.Evaluate(context.Background(), "borderline prompt")

	assert.True(t, v.Valid) // 0.3 < 0.5
	assert.True(t, v.Validated)
	assert.InDelta(t, 0.3, v.Score, 1e-9)
}

func TestEvaluateOutageFailsOpen(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1", "key", "judge-model", 200*time.Millisecond)
	v := c.Evaluate(context.Background(), "anything")

	assert.True(t, v.Valid)
	assert.False(t, v.Validated)
	assert.Equal(t, 0.0, v.Score)
}

func TestEvaluateServerErrorFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key", "judge-model", 5*time.Second)
	v := c.Evaluate(context.Background(), "anything")

	assert.True(t, v.Valid)
	assert.False(t, v.Validated)
}

func TestParseVerdict(t *testing.T) {
	v := parseVerdict(" VALID \n")
	assert.True(t, v.Valid)
	assert.True(t, v.Validated)

	v = parseVerdict("Invalid")
	assert.False(t, v.Valid)

	// "invalid" must win over its "valid" substring.
	v = parseVerdict("invalid")
	assert.False(t, v.Valid)

	// Gibberish counts as an outage, not a rejection.
	v = parseVerdict("I cannot classify this")
	assert.True(t, v.Valid)
	assert.False(t, v.Validated)
}
