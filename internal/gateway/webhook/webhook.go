// Package webhook delivers the soft-limit budget warning: when a
// reservation crosses the configured soft-limit ratio, the owning User's
// webhook_url (if configured) receives a POST. original_source only logs
// a near-limit warning at the same threshold for context validation; we
// additionally implement delivery, per the open-question decision that
// the soft limit is a real notification, not just a log line. Delivery
// is deduplicated per (api_key_id, month, threshold) via a Redis
// SETNX-guarded key so a client that stays near the threshold for many
// requests in the same month gets one delivery attempt. The key is
// claimed before the POST is sent, so a failed delivery is logged and
// not retried.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/redis"
)

const softLimitThresholdPct = 80

type Notifier struct {
	redis      *redis.Client
	httpClient *http.Client
	logger     *zap.Logger
	dedupTTL   time.Duration
}

func New(redisClient *redis.Client, timeout time.Duration, logger *zap.Logger) *Notifier {
	return &Notifier{
		redis:      redisClient,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		dedupTTL:   31 * 24 * time.Hour,
	}
}

type softLimitPayload struct {
	Event             string  `json:"event"`
	ApiKeyID          string  `json:"api_key_id"`
	UserOID           string  `json:"user_oid"`
	UsageCurrentMonth float64 `json:"usage_current_month"`
	BudgetMonthly     float64 `json:"budget_monthly"`
	ThresholdPct      int     `json:"threshold_pct"`
}

// NotifySoftLimit delivers the 80%-budget warning to webhookURL, skipping
// delivery (without error) if this (apiKeyID, month) pair already
// received one this month or if webhookURL is empty.
func (n *Notifier) NotifySoftLimit(ctx context.Context, webhookURL, apiKeyID, userOID string, usageCurrentMonth, budgetMonthly float64) error {
	if webhookURL == "" {
		return nil
	}

	month := time.Now().Format("2006-01")
	acquired, err := n.redis.AcquireWebhookDedup(ctx, apiKeyID, month, softLimitThresholdPct, n.dedupTTL)
	if err != nil {
		return fmt.Errorf("webhook dedup check: %w", err)
	}
	if !acquired {
		return nil
	}

	payload := softLimitPayload{
		Event:             "budget.soft_limit",
		ApiKeyID:          apiKeyID,
		UserOID:           userOID,
		UsageCurrentMonth: usageCurrentMonth,
		BudgetMonthly:     budgetMonthly,
		ThresholdPct:      softLimitThresholdPct,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		if n.logger != nil {
			n.logger.Warn("soft_limit_webhook_failed", zap.String("api_key_id", apiKeyID), zap.Error(err))
		}
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && n.logger != nil {
		n.logger.Warn("soft_limit_webhook_non_2xx", zap.String("api_key_id", apiKeyID), zap.Int("status", resp.StatusCode))
	}
	return nil
}
