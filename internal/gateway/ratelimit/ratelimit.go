// Package ratelimit enforces the gateway's fixed 60-second request
// windows: per-ApiKey for bearer requests, per-(app_id, user_oid) for
// delegated ones. Grounded on original_source's _check_rate_limit and the
// teacher's Redis INCR/EXPIRE pattern in internal/shared/redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	gwerrors "github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/errors"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/redis"
)

type Limiter struct {
	redis *redis.Client
}

func New(redisClient *redis.Client) *Limiter {
	return &Limiter{redis: redisClient}
}

// CheckApiKey enforces rate_limit_rpm for a bearer-authenticated key.
func (l *Limiter) CheckApiKey(ctx context.Context, apiKeyID string, limitRPM int) *gwerrors.Error {
	return l.check(ctx, "key:"+apiKeyID, limitRPM)
}

// CheckDelegation enforces the configured default RPM for an (app, user)
// delegation pair, which has no per-key limit of its own.
func (l *Limiter) CheckDelegation(ctx context.Context, appID, userOID string, defaultRPM int) *gwerrors.Error {
	return l.check(ctx, fmt.Sprintf("delegation:%s:%s", appID, userOID), defaultRPM)
}

func (l *Limiter) check(ctx context.Context, identifier string, limit int) *gwerrors.Error {
	allowed, _, retryAfter, err := l.redis.CheckRateLimit(ctx, identifier, limit)
	if err != nil {
		return gwerrors.Internal("rate limit check failed").Wrap(err)
	}
	if !allowed {
		seconds := int(retryAfter / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		return gwerrors.RateLimited(seconds)
	}
	return nil
}
