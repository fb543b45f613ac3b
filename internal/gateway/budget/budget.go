// Package budget implements the monthly budget reservation protocol:
// atomic pre-flight reserve against a Lua script on Redis, post-flight
// commit of the actual cost, and release on cancellation/failure.
// Grounded on original_source's services/budget.py.
package budget

import (
	"context"
	"fmt"
	"time"

	gwerrors "github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/errors"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/database"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/models"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/redis"
)

type Reserver struct {
	db    *database.DB
	redis *redis.Client

	dbCacheTTL     time.Duration
	reservationTTL time.Duration
	softLimitRatio float64
}

func New(db *database.DB, redisClient *redis.Client, dbCacheTTL, reservationTTL time.Duration, softLimitRatio float64) *Reserver {
	return &Reserver{
		db:             db,
		redis:          redisClient,
		dbCacheTTL:     dbCacheTTL,
		reservationTTL: reservationTTL,
		softLimitRatio: softLimitRatio,
	}
}

// Reservation is returned on a successful reserve; callers must Commit or
// Release it exactly once at the request's terminal transition.
type Reservation struct {
	ApiKeyID      string
	EstimatedCost float64
	NearSoftLimit bool // usage + reservation crossed the soft-limit ratio
}

// EstimateCost produces the worst-case pre-flight cost bound:
// C_est = input_tokens_est × model.input_cost + model.max_output_tokens ×
// model.output_cost (per million tokens). The output term always uses the
// model's ceiling rather than the caller's requested max_tokens, since a
// streaming response can still emit up to that ceiling regardless of what
// was requested.
func EstimateCost(estimatedInputTokens int, model *models.Model) float64 {
	return (float64(estimatedInputTokens)/1_000_000)*model.InputCostPerM + (float64(model.MaxOutputTokens)/1_000_000)*model.OutputCostPerM
}

// Reserve checks and reserves EstimateCost(estimatedInputTokens, model)
// against key.BudgetMonthly, rolling over usage_current_month first if the
// persisted last_reset_month has fallen behind the current month. A nil
// BudgetMonthly means unlimited — no reservation is made.
func (r *Reserver) Reserve(ctx context.Context, key *models.ApiKey, model *models.Model, estimatedInputTokens int, now time.Time) (*Reservation, *gwerrors.Error) {
	currentMonth := now.Format("2006-01")
	if key.LastResetMonth != currentMonth {
		if err := r.db.ResetMonthlyBudget(ctx, key.ID, currentMonth); err != nil {
			return nil, gwerrors.Internal("budget rollover failed").Wrap(err)
		}
		key.LastResetMonth = currentMonth
		key.UsageCurrentMonth = 0
		_ = r.redis.InvalidateDBUsageCache(ctx, key.ID)
	}

	if key.BudgetMonthly == nil {
		return &Reservation{ApiKeyID: key.ID, EstimatedCost: 0}, nil
	}
	budgetLimit := *key.BudgetMonthly

	dbUsage, cached, err := r.redis.GetCachedDBUsage(ctx, key.ID)
	if err != nil {
		return nil, gwerrors.Internal("budget cache read failed").Wrap(err)
	}
	if !cached {
		dbUsage = key.UsageCurrentMonth
		if err := r.redis.SetCachedDBUsage(ctx, key.ID, dbUsage, r.dbCacheTTL); err != nil {
			return nil, gwerrors.Internal("budget cache write failed").Wrap(err)
		}
	}

	estimatedCost := EstimateCost(estimatedInputTokens, model)

	ok, err := r.redis.ReserveBudget(ctx, key.ID, dbUsage, budgetLimit, estimatedCost, r.reservationTTL)
	if err != nil {
		return nil, gwerrors.Internal("budget reservation failed").Wrap(err)
	}
	if !ok {
		return nil, gwerrors.BudgetExceeded(dbUsage, budgetLimit)
	}

	nearSoftLimit := budgetLimit > 0 && (dbUsage+estimatedCost)/budgetLimit >= r.softLimitRatio
	return &Reservation{ApiKeyID: key.ID, EstimatedCost: estimatedCost, NearSoftLimit: nearSoftLimit}, nil
}

// Commit reconciles a reservation to its actual observed cost: the pending
// counter is decremented by the original estimate and
// usage_current_month is incremented by the authoritative cost, in that
// order, then the cached usage snapshot is invalidated so the next
// admission re-reads the fresh row.
func (r *Reserver) Commit(ctx context.Context, res *Reservation, actualCost float64) error {
	if res.EstimatedCost == 0 && actualCost == 0 {
		return nil
	}
	if err := r.redis.ReleaseReservation(ctx, res.ApiKeyID, res.EstimatedCost); err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	if err := r.db.UpdateApiKeyUsage(ctx, res.ApiKeyID, actualCost); err != nil {
		return fmt.Errorf("commit usage: %w", err)
	}
	return r.redis.InvalidateDBUsageCache(ctx, res.ApiKeyID)
}

// ProjectedOverBudget reports whether usage_current_month plus costSoFar
// would meet or exceed key's monthly budget, reading the cached usage
// snapshot rather than a fresh Postgres row. This is the redesigned,
// cheaper kill-switch check: a stream can call it every few chunks
// without adding a database round trip to the hot path.
func (r *Reserver) ProjectedOverBudget(ctx context.Context, key *models.ApiKey, costSoFar float64) (bool, error) {
	if key.BudgetMonthly == nil {
		return false, nil
	}
	dbUsage, cached, err := r.redis.GetCachedDBUsage(ctx, key.ID)
	if err != nil {
		return false, err
	}
	if !cached {
		dbUsage = key.UsageCurrentMonth
	}
	return dbUsage+costSoFar >= *key.BudgetMonthly, nil
}

// Release returns a reservation's estimated cost to the pool without
// touching usage_current_month — used on cancellation or a failure that
// charged nothing.
func (r *Reserver) Release(ctx context.Context, res *Reservation) error {
	if res.EstimatedCost == 0 {
		return nil
	}
	return r.redis.ReleaseReservation(ctx, res.ApiKeyID, res.EstimatedCost)
}
