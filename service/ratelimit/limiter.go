package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"collabhub/global/config"
	"collabhub/logger"
)

// Decision is the admission result for one inbound message.
type Decision struct {
	Admitted     bool
	Remaining    int
	ResetAt      int64 // epoch ms when the oldest window entry falls out
	BlockedUntil int64 // epoch ms, zero when not blocked
}

// Limiter is a per-principal per-message-type sliding-window limiter.
// The window lives in a sorted set rate_limit:{principal}:{type}
// (member and score are the request timestamp); an active block is a plain
// key rate_limit_block:{principal}:{type} holding the blocked-until ms with
// a matching TTL. Redis being down admits everything: collaboration
// correctness outweighs throttling.
type Limiter struct {
	rdb   redis.UniversalClient
	rules map[string]config.RateRule
	now   func() time.Time
}

func New(rdb redis.UniversalClient, rules map[string]config.RateRule) *Limiter {
	return &Limiter{rdb: rdb, rules: rules, now: time.Now}
}

func windowKey(principalID, msgType string) string {
	return "rate_limit:" + principalID + ":" + msgType
}

func blockKey(principalID, msgType string) string {
	return "rate_limit_block:" + principalID + ":" + msgType
}

// Allow admits or rejects a message before it consumes any further
// resources. Admission appends the current timestamp to the window;
// rejection on the blocked path has no side effect.
func (l *Limiter) Allow(ctx context.Context, principalID, msgType string) Decision {
	rule, ok := l.rules[msgType]
	if !ok || rule.MaxMessages <= 0 {
		return Decision{Admitted: true, Remaining: -1}
	}

	now := l.now()
	nowMS := now.UnixMilli()

	// 1. active block?
	raw, err := l.rdb.Get(ctx, blockKey(principalID, msgType)).Result()
	if err != nil && !isMiss(err) {
		return l.failOpen(principalID, msgType, err)
	}
	if err == nil {
		until, _ := strconv.ParseInt(raw, 10, 64)
		if until > nowMS {
			return Decision{Admitted: false, BlockedUntil: until, ResetAt: until}
		}
	}

	// 2. count the window
	wKey := windowKey(principalID, msgType)
	floor := nowMS - rule.Window.Milliseconds()
	if err := l.rdb.ZRemRangeByScore(ctx, wKey, "-inf", strconv.FormatInt(floor, 10)).Err(); err != nil {
		return l.failOpen(principalID, msgType, err)
	}
	count, err := l.rdb.ZCard(ctx, wKey).Result()
	if err != nil {
		return l.failOpen(principalID, msgType, err)
	}
	if int(count) >= rule.MaxMessages {
		until := nowMS + rule.Block.Milliseconds()
		if err := l.rdb.Set(ctx, blockKey(principalID, msgType),
			strconv.FormatInt(until, 10), rule.Block).Err(); err != nil {
			return l.failOpen(principalID, msgType, err)
		}
		return Decision{Admitted: false, BlockedUntil: until, ResetAt: until}
	}

	// 3. admit: append now to the window
	member := strconv.FormatInt(now.UnixNano(), 10)
	pipe := l.rdb.TxPipeline()
	pipe.ZAdd(ctx, wKey, redis.Z{Score: float64(nowMS), Member: member})
	pipe.Expire(ctx, wKey, time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return l.failOpen(principalID, msgType, err)
	}
	return Decision{
		Admitted:  true,
		Remaining: rule.MaxMessages - int(count) - 1,
		ResetAt:   nowMS + rule.Window.Milliseconds(),
	}
}

func (l *Limiter) failOpen(principalID, msgType string, err error) Decision {
	logger.Warnf("[ratelimit] store unreachable, admitting principal=%s type=%s: %v", principalID, msgType, err)
	return Decision{Admitted: true, Remaining: -1}
}

// GC drops window entries older than one hour and deletes empty buckets.
// The gateway runs this on its limiterGc tick.
func (l *Limiter) GC(ctx context.Context) (int, error) {
	cutoff := l.now().Add(-time.Hour).UnixMilli()
	dropped := 0
	iter := l.rdb.Scan(ctx, 0, "rate_limit:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if err := l.rdb.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
			logger.Warnf("[ratelimit] gc trim %s: %v", key, err)
			continue
		}
		n, err := l.rdb.ZCard(ctx, key).Result()
		if err != nil {
			continue
		}
		if n == 0 {
			if err := l.rdb.Del(ctx, key).Err(); err == nil {
				dropped++
			}
		}
	}
	return dropped, iter.Err()
}

func isMiss(err error) bool { return errors.Is(err, redis.Nil) }
