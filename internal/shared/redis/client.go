package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Client wraps go-redis with the handful of atomic operations the gateway's
// admission pipeline needs: credential caching, fixed-window rate limits,
// and Lua-scripted budget reservation.
type Client struct {
	client *redis.Client
}

// New creates a new Redis client.
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping verifies the connection can still reach Redis, for the health
// endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get retrieves a value by key. ErrNotFound is returned for a cache miss so
// callers can distinguish "not cached" from a real Redis error.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores a value with TTL. A zero TTL means no expiry.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// SetNX stores a value only if the key does not already exist, reporting
// whether this call was the one that set it.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

// Del deletes a key.
func (c *Client) Del(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// Incr increments a counter, creating it at 1 if absent.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

// Expire sets a TTL on a key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

// Eval runs a Lua script, matching the signature the budget and dedup
// helpers below need.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return c.client.Eval(ctx, script, keys, args...).Result()
}

// ErrNotFound is returned by Get on a cache miss.
var ErrNotFound = fmt.Errorf("key not found")

// --- Fixed-window rate limiting -----------------------------------------

// CheckRateLimit enforces a fixed 60-second window counter keyed by an
// arbitrary identifier (an ApiKey id, or an "app:user" delegation pair).
// It returns whether the request is allowed, how many requests remain in
// the window, and how long the caller should wait before retrying when it
// is not.
func (c *Client) CheckRateLimit(ctx context.Context, identifier string, limitPerMinute int) (allowed bool, remaining int, retryAfter time.Duration, err error) {
	key := fmt.Sprintf("ratelimit:%s", identifier)

	count, incrErr := c.client.Incr(ctx, key).Result()
	if incrErr != nil {
		return false, 0, 0, incrErr
	}
	if count == 1 {
		if err := c.client.Expire(ctx, key, time.Minute).Err(); err != nil {
			return false, 0, 0, err
		}
	}

	if int(count) > limitPerMinute {
		ttl, ttlErr := c.client.TTL(ctx, key).Result()
		if ttlErr != nil || ttl < 0 {
			ttl = time.Minute
		}
		return false, 0, ttl, nil
	}

	remaining = limitPerMinute - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining, 0, nil
}

// --- Budget reservation ---------------------------------------------------

// reserveBudgetLua atomically checks db_usage + pending + estimated_cost
// against the monthly limit and, if it fits, reserves estimated_cost into
// the pending counter. Grounded on original_source's budget.py _RESERVE_LUA.
const reserveBudgetLua = `
local db_usage = tonumber(ARGV[1])
local budget_limit = tonumber(ARGV[2])
local estimated_cost = tonumber(ARGV[3])
local ttl_seconds = tonumber(ARGV[4])
local pending_key = KEYS[1]

local pending = tonumber(redis.call('GET', pending_key) or 0)

if db_usage + pending + estimated_cost > budget_limit then
    return 0
end

redis.call('INCRBYFLOAT', pending_key, estimated_cost)
redis.call('EXPIRE', pending_key, ttl_seconds)

return 1
`

// ReserveBudget atomically reserves estimatedCost against budgetLimit,
// accounting for dbUsage (the committed spend already known to Postgres)
// and any other in-flight reservations already pending for this key. It
// returns false without error when the reservation would exceed budget.
func (c *Client) ReserveBudget(ctx context.Context, apiKeyID string, dbUsage, budgetLimit, estimatedCost float64, ttl time.Duration) (bool, error) {
	pendingKey := fmt.Sprintf("budget:pending:%s", apiKeyID)

	result, err := c.client.Eval(ctx, reserveBudgetLua, []string{pendingKey},
		fmt.Sprintf("%f", dbUsage),
		fmt.Sprintf("%f", budgetLimit),
		fmt.Sprintf("%f", estimatedCost),
		fmt.Sprintf("%d", int(ttl.Seconds())),
	).Result()
	if err != nil {
		return false, err
	}

	ok, _ := result.(int64)
	return ok == 1, nil
}

// ReleaseReservation removes estimatedCost from the pending counter. Call
// this once the request reaches a terminal state, whether or not it
// succeeded, so reserved-but-unspent budget is returned to the pool.
func (c *Client) ReleaseReservation(ctx context.Context, apiKeyID string, estimatedCost float64) error {
	pendingKey := fmt.Sprintf("budget:pending:%s", apiKeyID)
	return c.client.IncrByFloat(ctx, pendingKey, -estimatedCost).Err()
}

// GetCachedDBUsage returns the cached usage_current_month for an ApiKey, if
// present, avoiding a Postgres round trip on the hot admission path.
func (c *Client) GetCachedDBUsage(ctx context.Context, apiKeyID string) (float64, bool, error) {
	val, err := c.Get(ctx, fmt.Sprintf("budget:db:%s", apiKeyID))
	if err == ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var usage float64
	if _, scanErr := fmt.Sscanf(val, "%f", &usage); scanErr != nil {
		return 0, false, scanErr
	}
	return usage, true, nil
}

// SetCachedDBUsage caches usage_current_month for ttl.
func (c *Client) SetCachedDBUsage(ctx context.Context, apiKeyID string, usage float64, ttl time.Duration) error {
	return c.Set(ctx, fmt.Sprintf("budget:db:%s", apiKeyID), fmt.Sprintf("%f", usage), ttl)
}

// InvalidateDBUsageCache drops the cached usage so the next admission reads
// the freshly committed row.
func (c *Client) InvalidateDBUsageCache(ctx context.Context, apiKeyID string) error {
	return c.Del(ctx, fmt.Sprintf("budget:db:%s", apiKeyID))
}

// --- Webhook dedup ---------------------------------------------------------

// AcquireWebhookDedup claims the (apiKeyID, month, thresholdPct) triple for
// ttl, returning true only for the caller that wins the race — the rest of
// the month's soft-limit crossings are suppressed.
func (c *Client) AcquireWebhookDedup(ctx context.Context, apiKeyID, month string, thresholdPct int, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("webhook:dedup:%s:%s:%d", apiKeyID, month, thresholdPct)
	return c.SetNX(ctx, key, "1", ttl)
}
