// Package handlers wires the gateway's HTTP surface to the admission
// pipeline: credential verification, principal resolution, rate limiting,
// context validation, budget reservation, and dispatch, in that order,
// followed by usage finalization. Grounded on the teacher's
// handlers/chat.go request flow, generalized from a single-tenant
// provider call into the full multi-tenant admission pipeline.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/audit"
	gwbudget "github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/budget"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/contextcheck"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/credential"
	gwerrors "github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/errors"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/principal"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/proxy"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/usage"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/webhook"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/config"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/database"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/models"
)

// maxRequestBodyBytes bounds how much of the request body HandleChatCompletion
// will buffer before rejecting it outright.
const maxRequestBodyBytes = 10 << 20 // 10 MiB

// ChatHandler serves POST /v1/chat/completions: the single entry point
// that runs a request through every admission stage before handing it to
// the proxy engine.
type ChatHandler struct {
	cfg        *config.Config
	credential *credential.Store
	ratelimit  *ratelimit.Limiter
	budget     *gwbudget.Reserver
	db         *database.DB
	proxy      *proxy.Engine
	usage      *usage.Recorder
	audit      *audit.Logger
	webhook    *webhook.Notifier
	metrics    *metrics.Registry
	logger     *zap.Logger
}

func NewChatHandler(
	cfg *config.Config,
	cred *credential.Store,
	limiter *ratelimit.Limiter,
	budget *gwbudget.Reserver,
	db *database.DB,
	proxyEngine *proxy.Engine,
	recorder *usage.Recorder,
	auditLogger *audit.Logger,
	notifier *webhook.Notifier,
	metricsRegistry *metrics.Registry,
	logger *zap.Logger,
) *ChatHandler {
	return &ChatHandler{
		cfg:        cfg,
		credential: cred,
		ratelimit:  limiter,
		budget:     budget,
		db:         db,
		proxy:      proxyEngine,
		usage:      recorder,
		audit:      auditLogger,
		webhook:    notifier,
		metrics:    metricsRegistry,
		logger:     logger,
	}
}

// admitted is everything the admission stage resolves before
// HandleChatCompletion can call proxy.Dispatch.
type admitted struct {
	userOID     string
	apiKeyID    *string
	appID       *string
	key         *models.ApiKey // nil in shared-secret delegation mode
	user        *models.User
	model       *models.Model
	chatReq     openai.ChatCompletionRequest
	reservation *gwbudget.Reservation
}

func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := RequestIDFromContext(r.Context())

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		h.writeError(w, gwerrors.Validation("invalid_body", "failed to read request body"))
		return
	}
	var bodyMap map[string]interface{}
	if err := json.Unmarshal(raw, &bodyMap); err != nil {
		h.writeError(w, gwerrors.Validation("invalid_json", "request body is not valid JSON"))
		return
	}

	admissionCtx, cancel := context.WithTimeout(r.Context(), h.cfg.AdmissionTimeout)
	adm, gerr := h.admit(admissionCtx, r, bodyMap)
	cancel()
	if gerr != nil {
		if admissionCtx.Err() == context.DeadlineExceeded {
			gerr = gwerrors.AdmissionTimeout()
		}
		if h.metrics != nil {
			h.metrics.RecordAdmissionRejected(string(gerr.Kind))
		}
		h.writeError(w, gerr)
		return
	}

	pending, err := h.usage.Begin(r.Context(), adm.userOID, adm.apiKeyID, adm.appID, requestID, r.RemoteAddr, r.UserAgent(), adm.chatReq.Model)
	if err != nil {
		if adm.reservation != nil {
			_ = h.budget.Release(r.Context(), adm.reservation)
		}
		h.writeError(w, gwerrors.Internal("failed to begin usage record").Wrap(err))
		return
	}
	pending.Reservation = adm.reservation

	proxyReq := proxy.Request{
		ModelID:     adm.model.ID,
		ChatRequest: adm.chatReq,
		Stream:      adm.chatReq.Stream,
	}
	if adm.key != nil {
		proxyReq.AllowedModels = adm.key.AllowedModels
	}
	if adm.reservation != nil && adm.key != nil {
		proxyReq.BudgetCheck = h.budgetChecker(adm.key, adm.model, adm.userOID, adm.apiKeyID)
	}

	outcome := h.proxy.Dispatch(r.Context(), w, proxyReq)

	finalizeCtx, finalizeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := h.usage.Finalize(finalizeCtx, pending, adm.model, usage.Result{
		ActualModel:  outcome.ActualModel,
		EndpointID:   outcome.EndpointID,
		InputTokens:  outcome.InputTokens,
		OutputTokens: outcome.OutputTokens,
		Status:       outcome.Status,
		ErrorCode:    outcome.ErrorCode,
		ErrorMessage: outcome.ErrorMessage,
		LatencyMs:    outcome.LatencyMs,
		TTFTMs:       outcome.TTFTMs,
	}); err != nil && h.logger != nil {
		h.logger.Error("usage_finalize_failed", zap.Int64("pending_id", pending.ID), zap.Error(err))
	}
	finalizeCancel()

	if h.metrics != nil {
		h.metrics.RecordRequest(string(outcome.Status), adm.model.ID, time.Since(start).Seconds())
	}
}

// admit runs every stage up to (but not including) dispatch: credential
// verification, principal resolution, rate limiting, model lookup,
// context validation, and budget reservation.
func (h *ChatHandler) admit(ctx context.Context, r *http.Request, bodyMap map[string]interface{}) (*admitted, *gwerrors.Error) {
	var (
		userOID  string
		appID    string
		apiKeyID string
		key      *models.ApiKey
	)

	bearer := r.Header.Get("Authorization")
	sharedSecret := r.Header.Get("X-Gateway-Secret")

	switch {
	case strings.HasPrefix(bearer, "Bearer "):
		rawKey := strings.TrimPrefix(bearer, "Bearer ")
		var gerr *gwerrors.Error
		key, gerr = h.credential.VerifyBearer(ctx, rawKey)
		if gerr != nil {
			return nil, gerr
		}
		if !key.IsActive {
			return nil, gwerrors.Unauthorised("api_key_inactive", "API key is inactive")
		}
		if gerr := credential.CheckIPAllowlist(key, r.RemoteAddr); gerr != nil {
			return nil, gerr
		}
		resolvedUser, resolvedApp, source, _ := principal.Resolve(r, bodyMap)
		if principal.PartialPair(r, bodyMap, resolvedUser, resolvedApp) {
			return nil, principal.MissingPairError()
		}
		if source == principal.SourceNone {
			userOID, appID = key.UserOID, ""
		} else {
			userOID, appID = resolvedUser, resolvedApp
		}
		apiKeyID = key.ID

	case sharedSecret != "":
		if !h.credential.VerifySharedSecret(sharedSecret) {
			return nil, gwerrors.Unauthorised("invalid_gateway_secret", "Invalid gateway secret")
		}
		resolvedUser, resolvedApp, source, _ := principal.Resolve(r, bodyMap)
		if principal.PartialPair(r, bodyMap, resolvedUser, resolvedApp) {
			return nil, principal.MissingPairError()
		}
		if source == principal.SourceNone {
			return nil, gwerrors.Unauthorised("delegation_required", "x_user_oid and x_app_id are required for shared-secret requests")
		}
		userOID, appID = resolvedUser, resolvedApp

	default:
		return nil, gwerrors.Unauthorised("missing_credential", "Authorization bearer token or X-Gateway-Secret header is required")
	}

	user, gerr := h.credential.ResolveUser(ctx, userOID)
	if gerr != nil {
		return nil, gerr
	}
	if appID != "" {
		if _, gerr := h.credential.ResolveApp(ctx, appID); gerr != nil {
			return nil, gerr
		}
	}

	if key != nil {
		if gerr := h.ratelimit.CheckApiKey(ctx, key.ID, key.RateLimitRPM); gerr != nil {
			return nil, gerr
		}
	} else {
		if gerr := h.ratelimit.CheckDelegation(ctx, appID, userOID, h.cfg.DefaultDelegationRPM); gerr != nil {
			return nil, gerr
		}
	}

	body, err := json.Marshal(bodyMap)
	if err != nil {
		return nil, gwerrors.Internal("failed to re-encode request body").Wrap(err)
	}
	var chatReq openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &chatReq); err != nil {
		return nil, gwerrors.Validation("invalid_chat_request", "request body does not match the chat completions schema")
	}
	if chatReq.Model == "" {
		chatReq.Model = h.cfg.DefaultModel
	}
	if chatReq.Model == "" {
		return nil, gwerrors.Validation("missing_model", "model is required")
	}

	model, err := h.db.GetModel(ctx, chatReq.Model)
	if err != nil {
		return nil, gwerrors.NoEndpoint("unknown model: " + chatReq.Model).Wrap(err)
	}
	if !model.IsActive {
		return nil, gwerrors.NoEndpoint("model is not active: " + chatReq.Model)
	}
	if key != nil && len(key.AllowedModels) > 0 && !containsModel(key.AllowedModels, chatReq.Model) {
		return nil, gwerrors.Forbidden("model_not_allowed", "model is not in this key's allowed_models")
	}

	estimated := estimateRequestTokens(chatReq.Messages)
	maxOutput := intPtrOrNil(chatReq.MaxTokens)
	checkResult, gerr := contextcheck.Validate(estimated, maxOutput, model)
	if gerr != nil {
		return nil, gerr
	}
	if checkResult.NearLimit && h.logger != nil {
		h.logger.Warn("context_window_near_limit",
			zap.String("api_key_id", apiKeyID),
			zap.String("model", model.ID),
			zap.Int("estimated_input_tokens", checkResult.EstimatedInputTokens),
			zap.Int("requested_output", checkResult.RequestedOutput),
			zap.Int("context_window", model.ContextWindow),
		)
	}

	var reservation *gwbudget.Reservation
	if key != nil {
		res, gerr := h.budget.Reserve(ctx, key, model, estimated, time.Now())
		if gerr != nil {
			if h.metrics != nil {
				h.metrics.RecordBudgetRejected(key.ID)
			}
			return nil, gerr
		}
		reservation = res
		if res.NearSoftLimit && user.WebhookURL != "" && key.BudgetMonthly != nil {
			h.fireSoftLimitWebhook(user.WebhookURL, key.ID, userOID, key.UsageCurrentMonth+res.EstimatedCost, *key.BudgetMonthly)
		}
	}

	adm := &admitted{
		userOID:     userOID,
		user:        user,
		model:       model,
		chatReq:     chatReq,
		key:         key,
		reservation: reservation,
	}
	if apiKeyID != "" {
		adm.apiKeyID = &apiKeyID
	}
	if appID != "" {
		adm.appID = &appID
	}
	return adm, nil
}

// fireSoftLimitWebhook delivers the soft-limit notification on a
// background goroutine with its own bounded context, so a slow or
// unreachable webhook endpoint never adds latency to the request whose
// reservation crossed the threshold.
func (h *ChatHandler) fireSoftLimitWebhook(webhookURL, apiKeyID, userOID string, usageCurrentMonth, budgetMonthly float64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.BudgetWebhookTimeout)
		defer cancel()
		if err := h.webhook.NotifySoftLimit(ctx, webhookURL, apiKeyID, userOID, usageCurrentMonth, budgetMonthly); err != nil && h.logger != nil {
			h.logger.Warn("soft_limit_webhook_error", zap.String("api_key_id", apiKeyID), zap.Error(err))
		}
	}()
}

// budgetChecker closes over the pricing inputs proxy.Engine must not know
// about, turning the periodic in-stream token count into a cheap
// Redis-cache-only over-budget check and, when triggered, an audit entry.
func (h *ChatHandler) budgetChecker(key *models.ApiKey, model *models.Model, userOID string, apiKeyID *string) proxy.StreamBudgetChecker {
	return func(ctx context.Context, inputTokens, outputTokens int) bool {
		costSoFar := (float64(inputTokens)/1_000_000)*model.InputCostPerM + (float64(outputTokens)/1_000_000)*model.OutputCostPerM
		over, err := h.budget.ProjectedOverBudget(ctx, key, costSoFar)
		if err != nil {
			return false
		}
		if over && h.audit != nil {
			id := ""
			if apiKeyID != nil {
				id = *apiKeyID
			}
			h.audit.KillSwitchTriggered(context.Background(), userOID, id, inputTokens, outputTokens)
		}
		return over
	}
}

func containsModel(allowed []string, modelID string) bool {
	for _, m := range allowed {
		if m == modelID {
			return true
		}
	}
	return false
}

func estimateRequestTokens(messages []openai.ChatCompletionMessage) int {
	var total int
	for _, m := range messages {
		total += contextcheck.EstimateTokens(m.Content)
		for _, part := range m.MultiContent {
			total += contextcheck.EstimateTokens(part.Text)
		}
	}
	return total
}

func intPtrOrNil(v int) *int {
	if v <= 0 {
		return nil
	}
	return &v
}

func (h *ChatHandler) writeError(w http.ResponseWriter, gerr *gwerrors.Error) {
	w.Header().Set("Content-Type", "application/json")
	if gerr.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", gerr.RetryAfter))
	}
	w.WriteHeader(gerr.HTTPStatus())
	body, _ := json.Marshal(map[string]interface{}{
		"error": map[string]string{
			"code":    gerr.Code,
			"message": gerr.Message,
			"type":    "gateway_error",
		},
	})
	_, _ = w.Write(body)
}
