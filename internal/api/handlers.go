package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ecoshield/proxy/internal/identity"
	"github.com/ecoshield/proxy/internal/llm"
	"github.com/ecoshield/proxy/internal/shield"
)

// blockStatus maps a pipeline block kind onto its HTTP status.
func blockStatus(kind shield.BlockKind) int {
	switch kind {
	case shield.BlockBadRequest, shield.BlockEntropyWeird:
		return http.StatusBadRequest
	case shield.BlockSecurityHijack, shield.BlockSecurityOverride, shield.BlockJudgeRejected:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// handleChatCompletions is the shielded proxy endpoint. The pipeline decides;
// only allowed requests ever reach the upstream model.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req llm.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Invalid request payload"})
		return
	}

	fp := identity.Fingerprint(identity.FromRequest(r))
	now := time.Now()

	decision := s.pipeline.Decide(r.Context(), req, fp, now)

	if !decision.Allowed {
		s.observe(string(decision.Kind), decision)
		writeJSON(w, blockStatus(decision.Kind), shield.AssembleBlock(decision))
		return
	}

	start := time.Now()
	resp, err := s.upstream.Complete(r.Context(), decision.Rewritten)
	if s.metrics != nil {
		s.metrics.DownstreamDuration.WithLabelValues("upstream").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.observe("upstream_error", decision)
		status := http.StatusBadGateway
		if errors.Is(err, llm.ErrRateLimited) {
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, map[string]string{"detail": err.Error()})
		return
	}

	total := resp.Usage.TotalTokens
	if total == 0 && len(resp.Choices) > 0 {
		total = llm.EstimateTokens(resp.Choices[0].Message.Content)
	}
	s.pipeline.RecordUsage(r.Context(), fp, total, time.Now())

	s.observe("allowed", decision)
	if s.metrics != nil && total > 0 {
		s.metrics.UpstreamTokens.Add(float64(total))
	}

	writeJSON(w, http.StatusOK, shield.Assemble(resp, decision.Metadata))
}

// handleStats returns the penalty snapshot for the calling identity. The
// caller is identified by the same headers the proxy endpoint uses.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id := identity.FromRequest(r)
	fp := identity.Fingerprint(id)
	stats := s.pipeline.PenaltyStats(r.Context(), fp, time.Now())

	writeJSON(w, http.StatusOK, map[string]any{
		"fingerprint": fp,
		"stats":       stats,
	})
}

// handleUnflag clears a caller's penalty record. Admin use.
func (s *Server) handleUnflag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		PeerAddr string `json:"peer_addr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerAddr == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "user_id/peer_addr required"})
		return
	}

	fp := identity.Fingerprint(identity.CallerIdentity{UserID: req.UserID, PeerAddr: req.PeerAddr})
	s.pipeline.Unflag(r.Context(), fp)

	writeJSON(w, http.StatusOK, map[string]string{"status": "unflagged", "fingerprint": fp})
}

func (s *Server) observe(kind string, d shield.Decision) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveDecision(kind, d.Metadata.EntropyScore, d.Metadata.TokensSaved, d.Metadata.UserPenaltyApplied)
}
