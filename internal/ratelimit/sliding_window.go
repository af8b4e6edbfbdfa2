// Package ratelimit limits job submissions per user with a Redis sliding window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) (*Result, error)
}

// Entries older than the window are dropped, then the request is admitted
// only while the set holds fewer than limit members.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local counter_key = KEYS[2]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
	local count = redis.call('ZCARD', key)

	if count < limit then
		local counter = redis.call('INCR', counter_key)
		redis.call('ZADD', key, now, now .. ':' .. counter)
		redis.call('PEXPIRE', key, window_ms)
		redis.call('PEXPIRE', counter_key, window_ms)
		return {1, limit - count - 1, 0}
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local retry_after = 0
	if #oldest >= 2 then
		retry_after = oldest[2] + window_ms - now
	end
	return {0, 0, retry_after}
`)

type SlidingWindow struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

func NewSlidingWindow(client *redis.Client, limit int, window time.Duration, prefix string) *SlidingWindow {
	return &SlidingWindow{
		client: client,
		limit:  limit,
		window: window,
		prefix: prefix,
		now:    time.Now,
	}
}

func (l *SlidingWindow) Allow(ctx context.Context, key string) (*Result, error) {
	now := l.now()
	redisKey := l.prefix + key

	vals, err := slidingWindowScript.Run(ctx, l.client,
		[]string{redisKey, redisKey + ":counter"},
		now.UnixMilli(),
		now.Add(-l.window).UnixMilli(),
		l.limit,
		l.window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("run rate limit script: %w", err)
	}
	if len(vals) < 3 {
		return nil, fmt.Errorf("unexpected rate limit result length: %d", len(vals))
	}

	res := &Result{
		Allowed:   vals[0] == 1,
		Remaining: int(vals[1]),
	}
	if !res.Allowed && vals[2] > 0 {
		res.RetryAfter = time.Duration(vals[2]) * time.Millisecond
	}
	return res, nil
}

// Noop admits everything; used when Redis is not configured.
type Noop struct{}

func (Noop) Allow(context.Context, string) (*Result, error) {
	return &Result{Allowed: true, Remaining: -1}, nil
}
