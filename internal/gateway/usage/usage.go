// Package usage is the Usage Recorder: it writes the one UsageRecord each
// admitted request produces on its terminal transition and reconciles the
// counters that record depends on — ApiKey.usage_current_month and
// User.total_cost_cache (the endpoint's request count is kept by the
// registry, from the proxy's outcome reports). Grounded on
// original_source's services/usage_log.py (create_usage_log,
// finalize_usage_log, calculate_cost), generalized from a direct-insert
// call into a best-effort-durable recorder with a disk spool, since a
// client must never see a 5xx because Postgres briefly dropped a
// connection for a terminal log write that happens after the response
// already left.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	gwbudget "github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/budget"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/database"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/models"
)

// Pending is what a caller creates before dispatch and finalizes after —
// mirroring create_usage_log/finalize_usage_log's split.
type Pending struct {
	ID          int64
	UserOID     string
	ApiKeyID    *string
	AppID       *string
	RequestID   string
	ModelID     string
	Reservation *gwbudget.Reservation
}

// Result is everything a terminal transition needs to finalize a Pending
// record and reconcile the counters it touches.
type Result struct {
	ActualModel  string
	EndpointID   string
	InputTokens  int
	OutputTokens int
	Status       models.UsageStatus
	ErrorCode    string
	ErrorMessage string
	LatencyMs    int
	TTFTMs       *int
}

// Recorder is built once at startup, holding the spool directory and
// retry policy for best-effort durability when Postgres is unreachable.
type Recorder struct {
	db      *database.DB
	budget  *gwbudget.Reserver
	metrics *metrics.Registry
	logger  *zap.Logger

	spoolDir   string
	maxRetries int
}

func New(db *database.DB, budget *gwbudget.Reserver, metricsRegistry *metrics.Registry, logger *zap.Logger, spoolDir string, maxRetries int) *Recorder {
	return &Recorder{
		db:         db,
		budget:     budget,
		metrics:    metricsRegistry,
		logger:     logger,
		spoolDir:   spoolDir,
		maxRetries: maxRetries,
	}
}

// Begin inserts a pending UsageRecord and returns the handle the caller
// threads through dispatch.
func (r *Recorder) Begin(ctx context.Context, userOID string, apiKeyID, appID *string, requestID, ipAddress, userAgent, requestedModel string) (*Pending, error) {
	id, err := r.db.InsertUsageRecord(ctx, &models.UsageRecord{
		RequestID:      requestID,
		UserOID:        userOID,
		ApiKeyID:       apiKeyID,
		AppID:          appID,
		IPAddress:      ipAddress,
		UserAgent:      userAgent,
		RequestedModel: requestedModel,
		ActualModel:    requestedModel,
		Status:         models.UsagePending,
	})
	if err != nil {
		return nil, fmt.Errorf("insert pending usage record: %w", err)
	}
	return &Pending{ID: id, UserOID: userOID, ApiKeyID: apiKeyID, AppID: appID, RequestID: requestID, ModelID: requestedModel}, nil
}

// cost computes authoritative cost in the model's per-million-token
// pricing, mirroring calculate_cost.
func cost(model *models.Model, inputTokens, outputTokens int) float64 {
	if model == nil {
		return 0
	}
	return (float64(inputTokens)/1_000_000)*model.InputCostPerM + (float64(outputTokens)/1_000_000)*model.OutputCostPerM
}

// Finalize writes res into pending's record and reconciles every counter
// a terminal transition touches: the ApiKey's reservation (commit or
// release) and the User's cumulative cost cache. The endpoint's request
// count is not touched here. A Postgres failure here never surfaces to
// the client — the record is spooled to disk and drained by DrainSpool.
func (r *Recorder) Finalize(ctx context.Context, pending *Pending, model *models.Model, res Result) error {
	actualCost := cost(model, res.InputTokens, res.OutputTokens)

	record := &models.UsageRecord{
		ID:           pending.ID,
		ActualModel:  res.ActualModel,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		Cost:         actualCost,
		Status:       res.Status,
		ErrorCode:    res.ErrorCode,
		ErrorMessage: res.ErrorMessage,
		LatencyMs:    res.LatencyMs,
		TTFTMs:       res.TTFTMs,
	}
	if res.EndpointID != "" {
		record.EndpointID = &res.EndpointID
	}

	if err := r.db.FinalizeUsageRecord(ctx, record); err != nil {
		r.spool(pending, model, res, actualCost)
		if r.logger != nil {
			r.logger.Error("usage_record_finalize_failed_spooled", zap.Int64("id", pending.ID), zap.Error(err))
		}
	}

	// Every terminal transition reconciles the reservation against the
	// authoritative cost, win or lose: a cancelled/failed stream still
	// bills for whatever tokens it actually consumed before it stopped.
	if pending.Reservation != nil {
		if err := r.budget.Commit(ctx, pending.Reservation, actualCost); err != nil && r.logger != nil {
			r.logger.Error("budget_commit_failed", zap.String("api_key_id", pending.Reservation.ApiKeyID), zap.Error(err))
		}
	}

	if pending.UserOID != "" && actualCost > 0 {
		if err := r.db.UpdateUserTotalCost(ctx, pending.UserOID, actualCost); err != nil && r.logger != nil {
			r.logger.Error("user_total_cost_update_failed", zap.String("user_oid", pending.UserOID), zap.Error(err))
		}
	}

	if r.metrics != nil && model != nil {
		r.metrics.RecordCost(model.ID, actualCost)
	}

	return nil
}

type spooledRecord struct {
	PendingID  int64     `json:"pending_id"`
	ModelID    string    `json:"model_id"`
	Result     Result    `json:"result"`
	ActualCost float64   `json:"actual_cost"`
	SpooledAt  time.Time `json:"spooled_at"`
	Attempts   int       `json:"attempts"`
}

// spool writes a finalize call that failed against Postgres to disk so it
// is not lost; the client has already received its response by the time
// this runs, so the in-memory counters (registry, budget cache) remain
// authoritative until the spool drains.
func (r *Recorder) spool(pending *Pending, model *models.Model, res Result, actualCost float64) {
	if r.spoolDir == "" {
		return
	}
	if err := os.MkdirAll(r.spoolDir, 0o755); err != nil {
		if r.logger != nil {
			r.logger.Error("usage_spool_mkdir_failed", zap.Error(err))
		}
		return
	}

	modelID := ""
	if model != nil {
		modelID = model.ID
	}
	rec := spooledRecord{PendingID: pending.ID, ModelID: modelID, Result: res, ActualCost: actualCost, SpooledAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}

	path := filepath.Join(r.spoolDir, fmt.Sprintf("usage-%d-%d.json", pending.ID, time.Now().UnixNano()))
	if err := os.WriteFile(path, data, 0o644); err != nil && r.logger != nil {
		r.logger.Error("usage_spool_write_failed", zap.String("path", path), zap.Error(err))
	}
}

// DrainSpool retries every spooled record against Postgres with
// exponential backoff (a record that has failed n times is skipped until
// 2^n minutes after it was spooled), moving a record to <spoolDir>/dlq
// after maxRetries failed attempts. Intended to run on a periodic ticker
// from main.
func (r *Recorder) DrainSpool(ctx context.Context) {
	if r.spoolDir == "" {
		return
	}
	entries, err := os.ReadDir(r.spoolDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(r.spoolDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec spooledRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			r.moveToDLQ(path, entry.Name())
			continue
		}
		if rec.Attempts > 0 && time.Since(rec.SpooledAt) < time.Duration(1<<uint(rec.Attempts))*time.Minute {
			continue
		}

		record := &models.UsageRecord{
			ID:           rec.PendingID,
			ActualModel:  rec.Result.ActualModel,
			InputTokens:  rec.Result.InputTokens,
			OutputTokens: rec.Result.OutputTokens,
			Cost:         rec.ActualCost,
			Status:       rec.Result.Status,
			ErrorCode:    rec.Result.ErrorCode,
			ErrorMessage: rec.Result.ErrorMessage,
			LatencyMs:    rec.Result.LatencyMs,
			TTFTMs:       rec.Result.TTFTMs,
		}
		if rec.Result.EndpointID != "" {
			record.EndpointID = &rec.Result.EndpointID
		}

		err = r.db.FinalizeUsageRecord(ctx, record)
		if err == nil {
			_ = os.Remove(path)
			continue
		}

		rec.Attempts++
		if rec.Attempts >= r.maxRetries {
			r.moveToDLQ(path, entry.Name())
			if r.logger != nil {
				r.logger.Error("usage_record_dead_lettered", zap.Int64("pending_id", rec.PendingID), zap.Error(err))
			}
			continue
		}
		if updated, marshalErr := json.Marshal(rec); marshalErr == nil {
			_ = os.WriteFile(path, updated, 0o644)
		}
	}
}

func (r *Recorder) moveToDLQ(path, name string) {
	dlqDir := filepath.Join(r.spoolDir, "dlq")
	if err := os.MkdirAll(dlqDir, 0o755); err != nil {
		return
	}
	_ = os.Rename(path, filepath.Join(dlqDir, name))
}
