// Package ratelimit provides Redis-backed fixed-window rate limiting keyed
// by (source address, action). Check is a pure read; Increment records the
// action after it has actually been performed, so a refused or failed action
// never consumes budget.
package ratelimit

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy for one action: the key prefix, the
// maximum count in the window, and the window duration.
type Rule struct {
	Action string        // action name, doubles as the Redis key segment
	Limit  int           // max count in the window
	Window time.Duration // window duration
}

// Configured actions.
var (
	// RuleConnection allows 5 new connections per source per minute.
	RuleConnection = Rule{Action: "connection", Limit: 5, Window: 60 * time.Second}

	// RuleMessage allows 20 chat messages per source per minute.
	RuleMessage = Rule{Action: "message", Limit: 20, Window: 60 * time.Second}
)

const keyPrefix = "rl:"

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

func key(rule Rule, source string) string {
	return keyPrefix + rule.Action + ":" + source
}

// Check reports whether the source still has budget for the rule's action in
// the current window. It never mutates the counter. On Redis errors it fails
// open so an outage does not block legitimate traffic.
func (l *Limiter) Check(ctx context.Context, source string, rule Rule) bool {
	count, err := l.client.Get(ctx, key(rule, source)).Int()
	if errors.Is(err, redis.Nil) {
		return true
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET %s:%s: %v (failing open)", rule.Action, source, err)
		return true
	}
	return count < rule.Limit
}

// Increment records one performed action for the source. On the first
// increment in a window the key's expiry is set to the window duration, so
// the counter disappears once the window ends.
func (l *Limiter) Increment(ctx context.Context, source string, rule Rule) {
	k := key(rule, source)

	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR %s: %v", k, err)
		return
	}
	if count == 1 {
		if err := l.client.Expire(ctx, k, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE %s: %v", k, err)
			// The key would otherwise persist forever; best effort removal.
			l.client.Del(ctx, k)
		}
	}
}

// Remaining returns how much budget the source has left in the current
// window. Used by the admin surface; returns the full limit on errors.
func (l *Limiter) Remaining(ctx context.Context, source string, rule Rule) int {
	count, err := l.client.Get(ctx, key(rule, source)).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET %s: %v (failing open)", key(rule, source), err)
		return rule.Limit
	}
	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}
