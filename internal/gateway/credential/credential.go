// Package credential implements the gateway's two authentication modes:
// bearer ApiKey verification (SHA-256 + per-key salt, Redis-cached) and
// shared-secret delegation (constant-time compare against the configured
// gateway secret). Grounded on original_source's services/api_key.py and
// the authentication phase of middleware/gateway.py.
package credential

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"strings"
	"time"

	gwerrors "github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/errors"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/database"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/models"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/redis"
)

// Store verifies credentials against Postgres, cached through Redis.
type Store struct {
	db    *database.DB
	cache *redis.Client

	sharedSecret string

	positiveTTL time.Duration
	negativeTTL time.Duration
}

func New(db *database.DB, cache *redis.Client, sharedSecret string, positiveTTL, negativeTTL time.Duration) *Store {
	return &Store{
		db:           db,
		cache:        cache,
		sharedSecret: sharedSecret,
		positiveTTL:  positiveTTL,
		negativeTTL:  negativeTTL,
	}
}

// hashKey computes sha256(plaintext + salt) hex digest, the same algorithm
// as generate_api_key/verify_api_key_fast in the original.
func hashKey(plaintext, salt string) string {
	sum := sha256.Sum256([]byte(plaintext + salt))
	return hex.EncodeToString(sum[:])
}

// VerifyBearer resolves the raw bearer string to its owning ApiKey. It
// checks the Redis cache first (digest of the plaintext is not how this is
// keyed — the plaintext itself is cached positively/negatively, matching
// the original's apikey:<plaintext> cache key), then falls back to
// scanning active keys with a constant-time per-key comparison.
func (s *Store) VerifyBearer(ctx context.Context, rawKey string) (*models.ApiKey, *gwerrors.Error) {
	cacheKey := "apikey:" + rawKey

	cached, err := s.cache.Get(ctx, cacheKey)
	if err == nil {
		if cached == "" {
			return nil, gwerrors.Unauthorised("invalid_api_key", "Invalid API key")
		}
		key, dbErr := s.db.GetApiKeyByID(ctx, cached)
		if dbErr == nil && key.IsActive && !key.IsExpired(time.Now()) {
			return key, nil
		}
		// cache pointed at a now-stale id; fall through to a fresh lookup
	}

	keys, dbErr := s.db.ListActiveApiKeys(ctx)
	if dbErr != nil {
		return nil, gwerrors.Internal("credential lookup failed").Wrap(dbErr)
	}

	for _, k := range keys {
		want := hashKey(rawKey, k.Salt)
		if subtle.ConstantTimeCompare([]byte(want), []byte(k.HashedKey)) == 1 {
			if k.IsExpired(time.Now()) {
				_ = s.cache.Set(ctx, cacheKey, "", s.negativeTTL)
				return nil, gwerrors.Unauthorised("api_key_expired", "API key expired")
			}
			_ = s.cache.Set(ctx, cacheKey, k.ID, s.positiveTTL)
			return k, nil
		}
	}

	_ = s.cache.Set(ctx, cacheKey, "", s.negativeTTL)
	return nil, gwerrors.Unauthorised("invalid_api_key", "Invalid API key")
}

// VerifySharedSecret constant-time compares the presented secret against
// the configured gateway secret.
func (s *Store) VerifySharedSecret(presented string) bool {
	if s.sharedSecret == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.sharedSecret)) == 1
}

// ResolveApp fetches an App and checks it is active.
func (s *Store) ResolveApp(ctx context.Context, appID string) (*models.App, *gwerrors.Error) {
	app, err := s.db.GetApp(ctx, appID)
	if err != nil {
		return nil, gwerrors.Unauthorised("invalid_app", "Invalid App ID: "+appID)
	}
	if !app.IsActive {
		return nil, gwerrors.Forbidden("app_disabled", "App is disabled: "+appID)
	}
	return app, nil
}

// ResolveUser fetches a User and checks payment standing.
func (s *Store) ResolveUser(ctx context.Context, userOID string) (*models.User, *gwerrors.Error) {
	user, err := s.db.GetUser(ctx, userOID)
	if err != nil {
		return nil, gwerrors.Unauthorised("user_not_found", "User not found")
	}
	if user.PaymentStatus == models.PaymentBanned {
		return nil, gwerrors.Forbidden("account_banned", "Account banned")
	}
	if user.Expired(time.Now()) {
		return nil, gwerrors.Forbidden("payment_expired", "Payment expired")
	}
	return user, nil
}

// CheckIPAllowlist enforces an ApiKey's allowed_ips, if any are configured.
func CheckIPAllowlist(key *models.ApiKey, remoteAddr string) *gwerrors.Error {
	if len(key.AllowedIPs) == 0 {
		return nil
	}
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	for _, allowed := range key.AllowedIPs {
		if strings.EqualFold(allowed, host) {
			return nil
		}
	}
	return gwerrors.Forbidden("ip_not_allowed", "IP address not allowed")
}

// Invalidate drops the positive/negative cache entry for a plaintext key,
// used by the admin collaborator on revocation.
func (s *Store) Invalidate(ctx context.Context, rawKey string) error {
	return s.cache.Del(ctx, "apikey:"+rawKey)
}
