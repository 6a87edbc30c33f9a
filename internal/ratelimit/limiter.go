package ratelimit

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"portalauth/internal/obs"
)

type Kind string

const (
	KindLogin         Kind = "login"
	KindPasswordReset Kind = "password_reset"
	KindTokenRefresh  Kind = "token_refresh"
	KindGlobal        Kind = "global"
)

var (
	ErrBackendUnavailable = errors.New("rate limit backend unavailable")
	ErrUnknownLimiter     = errors.New("unknown rate limiter")
)

type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules are the fixed named limiters.
var DefaultRules = map[Kind]Rule{
	KindLogin:         {Limit: 5, Window: 15 * time.Minute},
	KindPasswordReset: {Limit: 3, Window: time.Hour},
	KindTokenRefresh:  {Limit: 10, Window: time.Minute},
	KindGlobal:        {Limit: 100, Window: time.Minute},
}

type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long the caller should wait before the next attempt can
// succeed.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed {
		return 0
	}
	d := r.ResetAt.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d.Round(time.Second)
}

// slidingWindow trims expired entries, counts, conditionally records the new
// request and reports the oldest surviving entry, all in one atomic step.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, member)
	count = count + 1
	allowed = 1
end
redis.call('PEXPIRE', key, window)

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
	oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

type Options struct {
	Rules map[Kind]Rule
	// FailOpen allows requests when Redis is unreachable. It must be false in
	// production.
	FailOpen bool
	Prefix   string
	Now      func() time.Time
}

type Limiter struct {
	client   redis.Scripter
	rules    map[Kind]Rule
	failOpen bool
	prefix   string
	now      func() time.Time
	log      zerolog.Logger
}

func New(client redis.Scripter, opts Options, log zerolog.Logger) *Limiter {
	rules := opts.Rules
	if rules == nil {
		rules = DefaultRules
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "ratelimit"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		client:   client,
		rules:    rules,
		failOpen: opts.FailOpen,
		prefix:   prefix,
		now:      now,
		log:      log.With().Str("component", "ratelimit").Logger(),
	}
}

func (l *Limiter) Rule(kind Kind) (Rule, bool) {
	rule, ok := l.rules[kind]
	return rule, ok
}

// Check records one request for identifier under the named limiter.
func (l *Limiter) Check(ctx context.Context, kind Kind, identifier string) (Result, error) {
	rule, ok := l.rules[kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownLimiter, kind)
	}

	now := l.now()
	nowMs := now.UnixMilli()
	key := l.prefix + ":" + string(kind) + ":" + identifier
	member := ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()

	raw, err := slidingWindow.Run(ctx, l.client, []string{key},
		nowMs, rule.Window.Milliseconds(), rule.Limit, member).Int64Slice()
	if err == nil && len(raw) != 3 {
		err = fmt.Errorf("unexpected script reply of length %d", len(raw))
	}
	if err != nil {
		return l.unavailable(kind, rule, now, err)
	}

	allowed := raw[0] == 1
	count := int(raw[1])
	remaining := rule.Limit - count
	if remaining < 0 || !allowed {
		remaining = 0
	}

	if !allowed {
		obs.RateLimitRejections.WithLabelValues(string(kind)).Inc()
	}
	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(raw[2] + rule.Window.Milliseconds()),
	}, nil
}

func (l *Limiter) unavailable(kind Kind, rule Rule, now time.Time, err error) (Result, error) {
	if !l.failOpen {
		l.log.Error().Err(err).Str("limiter", string(kind)).Msg("rate limit backend unavailable, rejecting request")
		return Result{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	obs.RateLimitFailOpen.WithLabelValues(string(kind)).Inc()
	l.log.Warn().Err(err).Str("limiter", string(kind)).
		Msg("RATE LIMITING DISABLED: backend unavailable, allowing request (non-production only)")
	return Result{Allowed: true, Remaining: rule.Limit, ResetAt: now.Add(rule.Window)}, nil
}

// Identifier joins the parts of a composite limiter key, normalising case so
// that casing cannot be used to dodge a limit.
func Identifier(parts ...string) string {
	normalized := make([]string, 0, len(parts))
	for _, p := range parts {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(p)))
	}
	return strings.Join(normalized, "|")
}
