// Package penalty tracks per-fingerprint offense scores with exponential
// time decay. Scores are advisory: two concurrent requests may both read a
// stale score, and the next request observes every offense recorded so far.
package penalty

import (
	"context"
	"log"
	"math"
	"sync"
	"time"
)

// Offense weights applied by the pipeline.
const (
	WeightSignatureBlock = 3.0
	WeightWeirdEntropy   = 2.0
	WeightJudgeInvalid   = 1.5
	WeightHighAttack     = 1.0
)

// Store is the contract shared by the in-memory and Redis backends.
type Store interface {
	// Penalty returns the decayed score for fp at the given instant.
	// Unknown fingerprints score 0.
	Penalty(ctx context.Context, fp string, now time.Time) float64

	// RecordOffense adds weight on top of the decayed score and resets the
	// decay clock. Creates the record if absent.
	RecordOffense(ctx context.Context, fp string, weight float64, now time.Time)

	// RecordTokenCost accumulates upstream token usage for observability.
	// It never changes the score.
	RecordTokenCost(ctx context.Context, fp string, tokens int, now time.Time)

	// IsPenalised reports whether fp is in the penalty box.
	IsPenalised(ctx context.Context, fp string, now time.Time) bool

	// Stats returns an observability snapshot for fp.
	Stats(ctx context.Context, fp string, now time.Time) RecordStats

	// Unflag removes the record for fp entirely.
	Unflag(ctx context.Context, fp string)
}

// RecordStats is the observability view of one fingerprint.
type RecordStats struct {
	Score       float64 `json:"score"`
	Penalised   bool    `json:"penalised"`
	TokenCost   int64   `json:"token_cost_accumulated"`
	LastUpdate  int64   `json:"last_update_unix"`
	KnownCaller bool    `json:"known_caller"`
}

type record struct {
	score      float64
	lastUpdate time.Time
	tokenCost  int64
}

// MemoryStore is the default single-process backend. A single mutex protects
// every read-modify-write; no lock is held across downstream calls.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]*record
	threshold float64
	tau       time.Duration
	epsilon   float64

	stopCleanup chan struct{}
	logger      *log.Logger
}

// NewMemoryStore creates a store with the given penalty threshold, decay
// constant tau and eviction epsilon, and starts the background sweep that
// drops records whose decayed score can no longer cross any threshold.
func NewMemoryStore(threshold float64, tau time.Duration, epsilon float64) *MemoryStore {
	s := &MemoryStore{
		records:     make(map[string]*record),
		threshold:   threshold,
		tau:         tau,
		epsilon:     epsilon,
		stopCleanup: make(chan struct{}),
		logger:      log.New(log.Writer(), "[PENALTY] ", log.LstdFlags),
	}

	go s.cleanupLoop()

	return s
}

// Stop signals the background sweep goroutine to exit.
func (s *MemoryStore) Stop() {
	close(s.stopCleanup)
}

// decayed applies score_eff = score * exp(-(now-last)/tau).
func (s *MemoryStore) decayed(r *record, now time.Time) float64 {
	elapsed := now.Sub(r.lastUpdate)
	if elapsed <= 0 {
		return r.score
	}
	return r.score * math.Exp(-elapsed.Seconds()/s.tau.Seconds())
}

func (s *MemoryStore) Penalty(_ context.Context, fp string, now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[fp]
	if !ok {
		return 0
	}
	return s.decayed(r, now)
}

func (s *MemoryStore) RecordOffense(_ context.Context, fp string, weight float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[fp]
	if !ok {
		r = &record{lastUpdate: now}
		s.records[fp] = r
	}

	r.score = s.decayed(r, now) + weight
	r.lastUpdate = now

	if r.score >= s.threshold {
		s.logger.Printf("fingerprint %s entered penalty box (score=%.2f)", fp, r.score)
	}
}

func (s *MemoryStore) RecordTokenCost(_ context.Context, fp string, tokens int, now time.Time) {
	if tokens <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[fp]
	if !ok {
		r = &record{lastUpdate: now}
		s.records[fp] = r
	}
	r.tokenCost += int64(tokens)
}

func (s *MemoryStore) IsPenalised(ctx context.Context, fp string, now time.Time) bool {
	return s.Penalty(ctx, fp, now) >= s.threshold
}

func (s *MemoryStore) Stats(_ context.Context, fp string, now time.Time) RecordStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[fp]
	if !ok {
		return RecordStats{}
	}

	score := s.decayed(r, now)
	return RecordStats{
		Score:       score,
		Penalised:   score >= s.threshold,
		TokenCost:   r.tokenCost,
		LastUpdate:  r.lastUpdate.Unix(),
		KnownCaller: true,
	}
}

func (s *MemoryStore) Unflag(_ context.Context, fp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, fp)
}

// cleanupLoop periodically evicts records whose decayed score fell below
// epsilon. Invisible to the contract: such scores sit below every threshold.
func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxIdle := s.maxIdle()
	evicted := 0
	for fp, r := range s.records {
		if s.decayed(r, now) >= s.epsilon {
			continue
		}
		// A decayed score alone does not evict a record that still carries
		// token-cost observability; those age out on the same horizon the
		// Redis backend uses for its key TTLs.
		if r.tokenCost > 0 && now.Sub(r.lastUpdate) <= maxIdle {
			continue
		}
		delete(s.records, fp)
		evicted++
	}
	if evicted > 0 {
		s.logger.Printf("evicted %d decayed records (%d remaining)", evicted, len(s.records))
	}
}

// maxIdle is how long a threshold-level score takes to decay below epsilon,
// plus a minute of slack. Mirrors RedisStore.ttlFor.
func (s *MemoryStore) maxIdle() time.Duration {
	if s.threshold <= s.epsilon {
		return time.Minute
	}
	secs := s.tau.Seconds() * math.Log(s.threshold/s.epsilon)
	return time.Duration(secs*float64(time.Second)) + time.Minute
}
