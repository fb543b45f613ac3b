// Package proxy drives one request through Received → Authorised →
// Admitted → Dispatched → (Streaming | Buffering) → Terminal. It owns the
// only HTTP round trip to an upstream endpoint: forwarding the
// OpenAI-wire request, forwarding SSE chunks back to the client as they
// arrive, measuring time-to-first-token, retrying across endpoints and
// then fallback models on retriable failure, and writing exactly one
// terminal response. Grounded on original_source's
// routers/chat.py (_stream_processor, _handle_llm_error).
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/adapters"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/balancer"
	gwerrors "github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/errors"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/registry"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/database"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/models"
)

// streamBudgetCheckInterval mirrors the original's CHECK_INTERVAL: the
// kill switch is consulted every this-many forwarded chunks, not on every
// chunk, to keep the hot path cheap.
const streamBudgetCheckInterval = 50

// StreamBudgetChecker is consulted periodically while a stream is in
// flight. It reports whether the given token counts would push the key
// over its monthly budget. The counts passed are those of the most recent
// usage object the upstream sent in the stream (zero until one arrives).
// Pricing and the budget lookup live in the caller's hook; proxy only
// calls the hook so it never needs to know the cost formula.
type StreamBudgetChecker func(ctx context.Context, inputTokens, outputTokens int) bool

// Request carries everything Dispatch needs beyond what it loads itself.
type Request struct {
	ModelID       string
	AllowedModels []string
	ChatRequest   openai.ChatCompletionRequest
	Stream        bool
	BudgetCheck   StreamBudgetChecker
}

// Outcome is what the caller (the handler) needs to finalize a
// UsageRecord and reconcile the budget reservation. Exactly one Outcome
// is produced per Dispatch call, corresponding to the request's one
// terminal transition.
type Outcome struct {
	Status       models.UsageStatus
	ActualModel  string
	EndpointID   string
	InputTokens  int
	OutputTokens int
	LatencyMs    int
	TTFTMs       *int
	ErrorCode    string
	ErrorMessage string
	Err          *gwerrors.Error
}

// Engine is built once at startup and shared across requests.
type Engine struct {
	balancer *balancer.Balancer
	registry *registry.Registry
	db       *database.DB
	logger   *zap.Logger
	metrics  *metrics.Registry
}

func New(b *balancer.Balancer, reg *registry.Registry, db *database.DB, logger *zap.Logger, metricsRegistry *metrics.Registry) *Engine {
	return &Engine{balancer: b, registry: reg, db: db, logger: logger, metrics: metricsRegistry}
}

// Dispatch selects an endpoint for req.ModelID (falling back across
// model.FallbackModels on exhaustion), forwards the exchange, writes the
// terminal HTTP response to w itself, and returns the Outcome for usage
// recording and budget reconciliation.
func (e *Engine) Dispatch(ctx context.Context, w http.ResponseWriter, req Request) *Outcome {
	start := time.Now()
	modelID := req.ModelID
	tried := map[string]bool{}

	var lastErr *gwerrors.Error
	for {
		model, err := e.db.GetModel(ctx, modelID)
		if err != nil {
			return e.fail(w, start, gwerrors.NoEndpoint("model not found").Wrap(err))
		}
		if !balancer.AllowedForKey(req.AllowedModels, modelID) {
			return e.fail(w, start, gwerrors.Forbidden("model_not_allowed", "model is not in this key's allowed_models"))
		}
		if _, err := e.registry.LoadModel(ctx, modelID); err != nil {
			return e.fail(w, start, gwerrors.Internal("failed to load model endpoints").Wrap(err))
		}

		candidates, gerr := e.balancer.Candidates(modelID)
		if gerr != nil {
			lastErr = gerr
		} else {
			if outcome := e.dispatchToModel(ctx, w, req, model, candidates, start); outcome != nil {
				return outcome
			}
			lastErr = gwerrors.NoEndpoint("all endpoint candidates exhausted")
		}

		tried[modelID] = true
		next := firstUntried(model.FallbackModels, tried)
		if next == "" {
			return e.fail(w, start, lastErr)
		}
		modelID = next
	}
}

// dispatchToModel tries candidates, in balancer-selected order, up to
// model.MaxRetries times, skipping an endpoint once it fails retriably.
// It returns nil when the attempts ended in retriable failures, either
// because every candidate was tried or because MaxRetries attempts were
// used up with candidates left, signalling the caller to fall back to the
// next model.
func (e *Engine) dispatchToModel(ctx context.Context, w http.ResponseWriter, req Request, model *models.Model, candidates []*models.ModelEndpoint, start time.Time) *Outcome {
	remaining := candidates
	maxRetries := model.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	for attempt := 0; attempt < maxRetries && len(remaining) > 0; attempt++ {
		endpoint, release, gerr := e.balancer.Pick(model.ID, remaining)
		if gerr != nil {
			return e.fail(w, start, gerr)
		}

		outcome, retriable := e.attempt(ctx, w, req, model, endpoint, start)
		release()
		if outcome != nil {
			return outcome
		}
		if !retriable {
			return e.fail(w, start, gwerrors.Internal("dispatch attempt returned neither outcome nor retriable"))
		}
		remaining = removeEndpoint(remaining, endpoint.ID)
	}
	return nil
}

func (e *Engine) attempt(ctx context.Context, w http.ResponseWriter, req Request, model *models.Model, endpoint *models.ModelEndpoint, start time.Time) (*Outcome, bool) {
	endpointTimeout := time.Duration(endpoint.TimeoutSeconds) * time.Second
	if endpointTimeout <= 0 {
		endpointTimeout = 60 * time.Second
	}
	ttfbDeadline := endpointTimeout / 3

	attemptCtx, cancelAttempt := context.WithTimeout(ctx, endpointTimeout)
	defer cancelAttempt()

	chatReq := req.ChatRequest
	chatReq.Model = model.UpstreamName
	chatReq.Stream = req.Stream

	attemptStart := time.Now()
	adapter := adapters.New(endpoint)

	var outcome *Outcome
	var retriable bool
	if req.Stream {
		outcome, retriable = e.attemptStream(attemptCtx, w, req, model, endpoint, adapter, chatReq, ttfbDeadline, start, attemptStart)
	} else {
		outcome, retriable = e.attemptBuffered(attemptCtx, w, model, endpoint, adapter, chatReq, ttfbDeadline, attemptStart)
	}
	return outcome, retriable
}

func (e *Engine) attemptBuffered(ctx context.Context, w http.ResponseWriter, model *models.Model, endpoint *models.ModelEndpoint, adapter *adapters.Adapter, chatReq openai.ChatCompletionRequest, ttfbDeadline time.Duration, attemptStart time.Time) (*Outcome, bool) {
	ttfbCtx, cancel := context.WithTimeout(ctx, ttfbDeadline)
	defer cancel()

	resp, err := adapter.ChatCompletion(ttfbCtx, chatReq)
	latencyMs := int(time.Since(attemptStart).Milliseconds())

	if err != nil {
		kind, retriable, httpStatus, message := classifyAttemptErr(err)
		e.recordOutcome(endpoint, model.ID, false, latencyMs)
		if kind == attemptCancelled {
			return &Outcome{Status: models.UsageCancelled, EndpointID: endpoint.ID, LatencyMs: latencyMs, ErrorCode: "client_disconnected"}, false
		}
		if retriable {
			return nil, true
		}
		gerr := gwerrors.Upstream(httpStatus, message)
		e.writeError(w, gerr)
		return &Outcome{Status: models.UsageFailed, EndpointID: endpoint.ID, LatencyMs: latencyMs, ErrorCode: gerr.Code, ErrorMessage: gerr.Message, Err: gerr}, false
	}

	e.recordOutcome(endpoint, model.ID, true, latencyMs)

	body, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		gerr := gwerrors.Internal("failed to encode upstream response").Wrap(marshalErr)
		e.writeError(w, gerr)
		return &Outcome{Status: models.UsageFailed, EndpointID: endpoint.ID, LatencyMs: latencyMs, ErrorCode: gerr.Code, ErrorMessage: gerr.Message, Err: gerr}, false
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)

	actualModel := resp.Model
	if actualModel == "" {
		actualModel = model.ID
	}

	return &Outcome{
		Status:       models.UsageCompleted,
		ActualModel:  actualModel,
		EndpointID:   endpoint.ID,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		LatencyMs:    latencyMs,
	}, false
}

func (e *Engine) attemptStream(ctx context.Context, w http.ResponseWriter, req Request, model *models.Model, endpoint *models.ModelEndpoint, adapter *adapters.Adapter, chatReq openai.ChatCompletionRequest, ttfbDeadline time.Duration, start, attemptStart time.Time) (*Outcome, bool) {
	// The time-to-first-byte deadline applies only until the first chunk:
	// a timer cancels the stream's context with DeadlineExceeded as the
	// cause, and cancelTTFB stops that timer without cancelling the context
	// the rest of the stream is read through.
	streamCtx, cancelStream := context.WithCancelCause(ctx)
	defer cancelStream(nil)
	ttfbTimer := time.AfterFunc(ttfbDeadline, func() { cancelStream(context.DeadlineExceeded) })
	cancelTTFB := func() { ttfbTimer.Stop() }
	defer cancelTTFB()

	stream, err := adapter.ChatCompletionStream(streamCtx, chatReq)
	if err != nil {
		cancelTTFB()
		if errors.Is(context.Cause(streamCtx), context.DeadlineExceeded) {
			err = context.DeadlineExceeded
		}
		latencyMs := int(time.Since(attemptStart).Milliseconds())
		kind, retriable, httpStatus, message := classifyAttemptErr(err)
		e.recordOutcome(endpoint, model.ID, false, latencyMs)
		if kind == attemptCancelled {
			return &Outcome{Status: models.UsageCancelled, EndpointID: endpoint.ID, LatencyMs: latencyMs, ErrorCode: "client_disconnected"}, false
		}
		if retriable {
			return nil, true
		}
		gerr := gwerrors.Upstream(httpStatus, message)
		e.writeError(w, gerr)
		return &Outcome{Status: models.UsageFailed, EndpointID: endpoint.ID, LatencyMs: latencyMs, ErrorCode: gerr.Code, ErrorMessage: gerr.Message, Err: gerr}, false
	}
	defer stream.Close()

	flusher, _ := w.(http.Flusher)
	if flusher == nil {
		flusher = noopFlusher{}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var (
		firstByteAt  time.Time
		ttftMs       *int
		actualModel  string
		inputTokens  int
		outputTokens int
		chunkCount   int
		ttfbOpen     = true
	)

	for {
		chunk, recvErr := stream.Recv()
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				break
			}
			latencyMs := int(time.Since(attemptStart).Milliseconds())
			if errors.Is(context.Cause(streamCtx), context.DeadlineExceeded) {
				recvErr = context.DeadlineExceeded
			}
			kind, retriable, _, _ := classifyAttemptErr(recvErr)
			e.recordOutcome(endpoint, model.ID, false, latencyMs)

			if kind == attemptCancelled {
				if ttfbOpen {
					cancelTTFB()
				}
				return e.finalizeStream(models.UsageCancelled, endpoint.ID, actualModel, inputTokens, outputTokens, latencyMs, ttftMs, "client_disconnected", ""), false
			}
			if retriable && firstByteAt.IsZero() {
				// Nothing has reached the client yet; safe to hand this
				// request to the next candidate.
				if ttfbOpen {
					cancelTTFB()
				}
				return nil, true
			}

			e.writeSSEError(w, flusher, "upstream_stream_error", "Upstream connection dropped mid-stream")
			return e.finalizeStream(models.UsageFailed, endpoint.ID, actualModel, inputTokens, outputTokens, latencyMs, ttftMs, "upstream_stream_error", "upstream connection dropped mid-stream"), false
		}

		if firstByteAt.IsZero() {
			firstByteAt = time.Now()
			cancelTTFB()
			ttfbOpen = false
			ms := int(firstByteAt.Sub(attemptStart).Milliseconds())
			ttftMs = &ms
		}

		if writeErr := writeSSE(w, flusher, chunk); writeErr != nil {
			latencyMs := int(time.Since(attemptStart).Milliseconds())
			e.recordOutcome(endpoint, model.ID, false, latencyMs)
			return e.finalizeStream(models.UsageCancelled, endpoint.ID, actualModel, inputTokens, outputTokens, latencyMs, ttftMs, "client_disconnected", ""), false
		}
		chunkCount++

		if chunk.Model != "" {
			actualModel = chunk.Model
		}
		if chunk.Usage != nil {
			inputTokens = chunk.Usage.PromptTokens
			outputTokens = chunk.Usage.CompletionTokens
		}

		if req.BudgetCheck != nil && chunkCount%streamBudgetCheckInterval == 0 {
			if req.BudgetCheck(ctx, inputTokens, outputTokens) {
				if e.logger != nil {
					e.logger.Warn("budget_kill_switch_triggered",
						zap.String("endpoint_id", endpoint.ID),
						zap.Int("input_tokens", inputTokens),
						zap.Int("output_tokens", outputTokens),
					)
				}
				e.writeSSEError(w, flusher, "budget_kill_switch", "Budget exceeded")
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				latencyMs := int(time.Since(attemptStart).Milliseconds())
				e.recordOutcome(endpoint, model.ID, true, latencyMs)
				return e.finalizeStream(models.UsageCancelled, endpoint.ID, actualModel, inputTokens, outputTokens, latencyMs, ttftMs, "budget_exceeded_during_stream", ""), false
			}
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	latencyMs := int(time.Since(attemptStart).Milliseconds())
	e.recordOutcome(endpoint, model.ID, true, latencyMs)
	if actualModel == "" {
		actualModel = model.ID
	}
	_ = start
	return e.finalizeStream(models.UsageCompleted, endpoint.ID, actualModel, inputTokens, outputTokens, latencyMs, ttftMs, "", ""), false
}

func (e *Engine) finalizeStream(status models.UsageStatus, endpointID, actualModel string, inputTokens, outputTokens, latencyMs int, ttftMs *int, errorCode, errorMessage string) *Outcome {
	return &Outcome{
		Status:       status,
		ActualModel:  actualModel,
		EndpointID:   endpointID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		LatencyMs:    latencyMs,
		TTFTMs:       ttftMs,
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
	}
}

func (e *Engine) recordOutcome(endpoint *models.ModelEndpoint, modelID string, success bool, latencyMs int) {
	e.registry.RecordRequestOutcome(endpoint.ID, success, float64(latencyMs))
	if e.metrics != nil {
		e.metrics.RecordEndpointLatency(endpoint.ID, modelID, float64(latencyMs)/1000)
	}
}

func (e *Engine) fail(w http.ResponseWriter, start time.Time, gerr *gwerrors.Error) *Outcome {
	e.writeError(w, gerr)
	return &Outcome{
		Status:       models.UsageFailed,
		LatencyMs:    int(time.Since(start).Milliseconds()),
		ErrorCode:    gerr.Code,
		ErrorMessage: gerr.Message,
		Err:          gerr,
	}
}

func (e *Engine) writeError(w http.ResponseWriter, gerr *gwerrors.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gerr.HTTPStatus())
	body, _ := json.Marshal(map[string]interface{}{
		"error": map[string]string{
			"code":    gerr.Code,
			"message": gerr.Message,
			"type":    "provider_error",
		},
	})
	_, _ = w.Write(body)
}

func (e *Engine) writeSSEError(w http.ResponseWriter, flusher http.Flusher, code, message string) {
	body, _ := json.Marshal(map[string]string{"error": message, "code": code})
	fmt.Fprintf(w, "data: %s\n\n", body)
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

type attemptFailureKind int

const (
	attemptRetriable attemptFailureKind = iota
	attemptTerminal
	attemptCancelled
)

// classifyAttemptErr turns a go-openai call error into a (kind,
// retriable, http status, sanitised message) tuple. context.Canceled
// means the client disconnected (the outer request context, not ours,
// fired); context.DeadlineExceeded means our own endpoint or
// time-to-first-byte deadline fired and is retriable against the next
// candidate; an APIError with a 5xx status is retriable, a 4xx is not; any
// other error (connection refused, DNS failure) is a network-level
// failure and is retriable.
func classifyAttemptErr(err error) (kind attemptFailureKind, retriable bool, httpStatus int, message string) {
	if errors.Is(err, context.Canceled) {
		return attemptCancelled, false, 0, "client disconnected"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return attemptRetriable, true, 0, "timed out before the first byte arrived"
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		_, message := gwerrors.ClassifyUpstream(apiErr.Message)
		if apiErr.HTTPStatusCode >= 500 || apiErr.HTTPStatusCode == 0 {
			return attemptRetriable, true, apiErr.HTTPStatusCode, message
		}
		return attemptTerminal, false, apiErr.HTTPStatusCode, message
	}

	_, message = gwerrors.ClassifyUpstream(err.Error())
	return attemptRetriable, true, 0, message
}

func firstUntried(candidates []string, tried map[string]bool) string {
	for _, c := range candidates {
		if !tried[c] {
			return c
		}
	}
	return ""
}

func removeEndpoint(endpoints []*models.ModelEndpoint, id string) []*models.ModelEndpoint {
	out := make([]*models.ModelEndpoint, 0, len(endpoints))
	for _, e := range endpoints {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}

type noopFlusher struct{}

func (noopFlusher) Flush() {}
