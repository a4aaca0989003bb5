// Package shield implements the request pipeline: the deterministic decision
// machine that turns an incoming chat request plus per-caller history into
// block, compress-and-forward, or forward-as-is.
package shield

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ecoshield/proxy/internal/config"
	"github.com/ecoshield/proxy/internal/judge"
	"github.com/ecoshield/proxy/internal/llm"
	"github.com/ecoshield/proxy/internal/metrics"
	"github.com/ecoshield/proxy/internal/penalty"
	"github.com/ecoshield/proxy/internal/security"
	"github.com/ecoshield/proxy/internal/sieve"
)

// Pipeline orchestrates the shield stages for one request at a time.
// It holds no per-request state; concurrency is across requests only.
type Pipeline struct {
	cfg      *config.Config
	analyzer *security.EntropyAnalyzer
	detector *security.Detector
	store    penalty.Store
	sieve    sieve.Client
	judge    judge.Client
	metrics  *metrics.Metrics
	logger   *log.Logger
}

// New builds a pipeline from its collaborators. The judge may be nil when
// judging is disabled in config; metrics may be nil in tests.
func New(cfg *config.Config, store penalty.Store, sv sieve.Client, jd judge.Client, m *metrics.Metrics) (*Pipeline, error) {
	detector, err := security.NewDetector(
		cfg.Security.Patterns.RoleHijack,
		cfg.Security.Patterns.InstructionOverride,
	)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:      cfg,
		analyzer: security.NewEntropyAnalyzer(cfg.Entropy.CleanMax, cfg.Entropy.WeirdMin),
		detector: detector,
		store:    store,
		sieve:    sv,
		judge:    jd,
		metrics:  m,
		logger:   log.New(log.Writer(), "[SHIELD] ", log.LstdFlags),
	}, nil
}

// Decide runs the staged decision machine. Blocked requests never reach the
// upstream model; the caller forwards Rewritten only when Allowed is true.
func (p *Pipeline) Decide(ctx context.Context, req llm.ChatRequest, fp string, now time.Time) Decision {
	md := Metadata{
		ThreatLevel:        security.ThreatClean,
		AttackProbability:  AttackLow,
		EvaluatorValidated: true,
		CompressionLevel:   p.cfg.Compression.BaseLevel,
	}

	// Stage 1: extract the target user message.
	targetIdx, ok := p.targetIndex(req.Messages)
	if !ok {
		return block(BlockBadRequest, "No messages found", md)
	}
	target := req.Messages[targetIdx].Content
	if strings.TrimSpace(target) == "" {
		return block(BlockBadRequest, "Empty prompt", md)
	}

	// Stage 2: signature scan. Deterministic: identity, clock and downstream
	// state never change the outcome for a matching prompt.
	if m := p.detector.Scan(target); m != nil {
		p.recordOffense(ctx, fp, penalty.WeightSignatureBlock, now)
		switch m.Family {
		case security.FamilyRoleHijack:
			return block(BlockSecurityHijack, "Security Block: Role Hijacking Detected", md)
		default:
			return block(BlockSecurityOverride, "Security Block: Instruction Override Detected", md)
		}
	}

	// Stage 3: entropy classification.
	entropy, level := p.analyzer.Analyze(target)
	md.EntropyScore = entropy
	md.ThreatLevel = level
	if level == security.ThreatWeird {
		p.recordOffense(ctx, fp, penalty.WeightWeirdEntropy, now)
		p.recordTokenCost(ctx, fp, llm.EstimateTokens(target), now)
		return block(BlockEntropyWeird,
			fmt.Sprintf("WEIRD prompt detected (H > %.1f). Blocked to prevent DDoS.", p.cfg.Entropy.WeirdMin), md)
	}

	// Stage 4: compression level selection. The penalty box overrides the
	// entropy-based choice.
	levelSel := p.cfg.Compression.BaseLevel
	if p.isPenalised(ctx, fp, now) {
		if p.cfg.Compression.PenalisedLevel > levelSel {
			levelSel = p.cfg.Compression.PenalisedLevel
		}
		md.UserPenaltyApplied = true
	} else if level == security.ThreatSuspicious {
		levelSel = p.cfg.Compression.SuspiciousLevel
	}
	md.CompressionLevel = levelSel

	// Stage 5: judge, only for SUSPICIOUS prompts.
	if level == security.ThreatSuspicious && p.cfg.Judge.Enabled && p.judge != nil {
		judgeStart := time.Now()
		verdict := p.judge.Evaluate(ctx, target)
		p.observeDownstream("judge", judgeStart)
		md.EvaluatorValidated = verdict.Validated
		md.EvaluatorScore = verdict.Score
		if !verdict.Valid {
			p.recordOffense(ctx, fp, penalty.WeightJudgeInvalid, now)
			p.recordTokenCost(ctx, fp, llm.EstimateTokens(target), now)
			return block(BlockJudgeRejected, "Security Block: Judge Rejected Prompt", md)
		}
	}

	// Stage 6: compression, one shot and fail-open.
	originalTokens := llm.EstimateTokens(target)
	sieveStart := time.Now()
	result := p.sieve.Compress(ctx, target, levelSel)
	p.observeDownstream("sieve", sieveStart)

	compressed := target
	if result.OK && result.TokensSaved > 0 && len(result.Compressed) <= len(target) {
		compressed = result.Compressed
		md.TokensSaved = result.TokensSaved
		if originalTokens > 0 {
			md.SavingsPct = 100 * float64(result.TokensSaved) / float64(originalTokens)
		}
	}

	if md.SavingsPct >= p.cfg.Compression.AttackThresholdPct {
		md.AttackProbability = AttackHigh
		p.recordOffense(ctx, fp, penalty.WeightHighAttack, now)
	}

	// Stage 7: rewrite. Only the target message changes; the system prompt
	// and every other message pass through pinned.
	rewritten := req.Clone()
	rewritten.Messages[targetIdx].Content = compressed

	return allow(rewritten, md)
}

// targetIndex locates the message the shield inspects. Strict rule: the last
// message must be user-role. The configured alternative scans backwards for
// the last user message anywhere.
func (p *Pipeline) targetIndex(messages []llm.ChatMessage) (int, bool) {
	if len(messages) == 0 {
		return 0, false
	}

	if p.cfg.Shield.ScanLastUser {
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == llm.RoleUser {
				return i, true
			}
		}
		return 0, false
	}

	last := len(messages) - 1
	if messages[last].Role != llm.RoleUser {
		return 0, false
	}
	return last, true
}

// RecordUsage charges the upstream token cost to the caller. Invoked by the
// HTTP layer after a successful completion.
func (p *Pipeline) RecordUsage(ctx context.Context, fp string, totalTokens int, now time.Time) {
	p.recordTokenCost(ctx, fp, totalTokens, now)
}

// PenaltyStats exposes the store's observability snapshot.
func (p *Pipeline) PenaltyStats(ctx context.Context, fp string, now time.Time) penalty.RecordStats {
	return p.store.Stats(ctx, fp, now)
}

// Unflag clears a caller's penalty record.
func (p *Pipeline) Unflag(ctx context.Context, fp string) {
	p.store.Unflag(ctx, fp)
}

// The store wrappers below absorb panics: a lost offense is preferred to a
// denied request.

func (p *Pipeline) recordOffense(ctx context.Context, fp string, weight float64, now time.Time) {
	defer p.recoverStore("record_offense")
	p.store.RecordOffense(ctx, fp, weight, now)
}

func (p *Pipeline) recordTokenCost(ctx context.Context, fp string, tokens int, now time.Time) {
	defer p.recoverStore("record_token_cost")
	p.store.RecordTokenCost(ctx, fp, tokens, now)
}

func (p *Pipeline) isPenalised(ctx context.Context, fp string, now time.Time) (penalised bool) {
	defer p.recoverStore("is_penalised")
	return p.store.IsPenalised(ctx, fp, now)
}

func (p *Pipeline) observeDownstream(target string, start time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.DownstreamDuration.WithLabelValues(target).Observe(time.Since(start).Seconds())
}

func (p *Pipeline) recoverStore(op string) {
	if r := recover(); r != nil {
		p.logger.Printf("penalty store panic during %s: %v", op, r)
	}
}
