package penalty

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps penalty records in Redis so multiple proxy replicas share
// one penalty box. Decay is computed at read time from the stored
// (score, last_update) pair, so semantics match MemoryStore exactly.
//
// Read-modify-write is not transactional: penalty scores are advisory and
// eventually consistent within the decay window, which the concurrency
// contract explicitly allows.
type RedisStore struct {
	rdb       *redis.Client
	threshold float64
	tau       time.Duration
	epsilon   float64
	logger    *log.Logger
}

const (
	fieldScore      = "score"
	fieldLastUpdate = "last_update_ns"
	fieldTokenCost  = "token_cost"
)

// NewRedisStore connects to Redis and verifies connectivity. The caller
// decides whether to fall back to the in-memory store on error.
func NewRedisStore(addr, password string, db int, threshold float64, tau time.Duration, epsilon float64) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	return &RedisStore{
		rdb:       rdb,
		threshold: threshold,
		tau:       tau,
		epsilon:   epsilon,
		logger:    log.New(log.Writer(), "[PENALTY-REDIS] ", log.LstdFlags),
	}, nil
}

// Close shuts down the underlying redis client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func key(fp string) string {
	return "shield:penalty:" + fp
}

func (s *RedisStore) load(ctx context.Context, fp string) (*record, bool) {
	vals, err := s.rdb.HGetAll(ctx, key(fp)).Result()
	if err != nil || len(vals) == 0 {
		return nil, false
	}

	score, _ := strconv.ParseFloat(vals[fieldScore], 64)
	lastNS, _ := strconv.ParseInt(vals[fieldLastUpdate], 10, 64)
	cost, _ := strconv.ParseInt(vals[fieldTokenCost], 10, 64)

	return &record{
		score:      score,
		lastUpdate: time.Unix(0, lastNS),
		tokenCost:  cost,
	}, true
}

func (s *RedisStore) decayed(r *record, now time.Time) float64 {
	elapsed := now.Sub(r.lastUpdate)
	if elapsed <= 0 {
		return r.score
	}
	return r.score * math.Exp(-elapsed.Seconds()/s.tau.Seconds())
}

// ttlFor bounds how long a record can matter: once the score would decay
// below epsilon the key may expire, which is the eviction the memory store
// does with its sweep.
func (s *RedisStore) ttlFor(score float64) time.Duration {
	if score <= s.epsilon {
		return time.Minute
	}
	secs := s.tau.Seconds() * math.Log(score/s.epsilon)
	return time.Duration(secs*float64(time.Second)) + time.Minute
}

func (s *RedisStore) Penalty(ctx context.Context, fp string, now time.Time) float64 {
	r, ok := s.load(ctx, fp)
	if !ok {
		return 0
	}
	return s.decayed(r, now)
}

func (s *RedisStore) RecordOffense(ctx context.Context, fp string, weight float64, now time.Time) {
	r, ok := s.load(ctx, fp)
	if !ok {
		r = &record{lastUpdate: now}
	}

	newScore := s.decayed(r, now) + weight

	k := key(fp)
	err := s.rdb.HSet(ctx, k,
		fieldScore, strconv.FormatFloat(newScore, 'f', -1, 64),
		fieldLastUpdate, strconv.FormatInt(now.UnixNano(), 10),
	).Err()
	if err != nil {
		// A lost offense is preferred to a denied request.
		s.logger.Printf("record offense for %s failed: %v", fp, err)
		return
	}
	s.rdb.Expire(ctx, k, s.ttlFor(newScore))

	if newScore >= s.threshold {
		s.logger.Printf("fingerprint %s entered penalty box (score=%.2f)", fp, newScore)
	}
}

func (s *RedisStore) RecordTokenCost(ctx context.Context, fp string, tokens int, now time.Time) {
	if tokens <= 0 {
		return
	}

	k := key(fp)
	if err := s.rdb.HIncrBy(ctx, k, fieldTokenCost, int64(tokens)).Err(); err != nil {
		s.logger.Printf("record token cost for %s failed: %v", fp, err)
		return
	}
	s.rdb.HSetNX(ctx, k, fieldLastUpdate, strconv.FormatInt(now.UnixNano(), 10))
	s.rdb.Expire(ctx, k, s.ttlFor(s.threshold))
}

func (s *RedisStore) IsPenalised(ctx context.Context, fp string, now time.Time) bool {
	return s.Penalty(ctx, fp, now) >= s.threshold
}

func (s *RedisStore) Stats(ctx context.Context, fp string, now time.Time) RecordStats {
	r, ok := s.load(ctx, fp)
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

func (s *RedisStore) Unflag(ctx context.Context, fp string) {
	if err := s.rdb.Del(ctx, key(fp)).Err(); err != nil {
		s.logger.Printf("unflag %s failed: %v", fp, err)
	}
}
