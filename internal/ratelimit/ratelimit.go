// Package ratelimit provides rate limiting middleware backed by
// ulule/limiter. Counters live in memory, or in Redis when a client is given
// so that every replica shares them.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/mbd888/agentpay/internal/logging"
)

// Default rates in ulule's formatted notation.
const (
	DefaultRate      = "300-M"
	DefaultLoginRate = "10-M"
)

// Limiter counts requests per key against a fixed rate.
type Limiter struct {
	instance *limiter.Limiter
	name     string
}

// New creates a limiter for a formatted rate such as "300-M". A nil client
// keeps counters in process memory.
func New(name, formatted string, client *redis.Client) (*Limiter, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", name, err)
	}

	prefix := "agentpay:ratelimit:" + name
	var store limiter.Store
	if client != nil {
		store, err = sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
		if err != nil {
			return nil, fmt.Errorf("rate limit %s store: %w", name, err)
		}
	} else {
		store = memory.NewStoreWithOptions(limiter.StoreOptions{
			Prefix:          prefix,
			CleanUpInterval: limiter.DefaultCleanUpInterval,
		})
	}
	return &Limiter{instance: limiter.New(store, rate), name: name}, nil
}

// Allow consumes one request for key and reports whether it fits the rate.
func (l *Limiter) Allow(ctx context.Context, key string) (limiter.Context, error) {
	return l.instance.Get(ctx, key)
}

// Middleware rate limits by authenticated agent when one is known,
// otherwise by client IP. Store failures let the request through.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if id := c.GetString("authAgentID"); id != "" {
			key = "agent:" + id
		}

		lc, err := l.Allow(c.Request.Context(), key)
		if err != nil {
			logging.L(c.Request.Context()).Warn("rate limiter unavailable", "limiter", l.name, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lc.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lc.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lc.Reset, 10))

		if lc.Reached {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
