package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/database"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/redis"
)

// HealthHandler serves GET /health: 200 when both Postgres and Redis are
// reachable, 503 otherwise. It never requires a credential — load
// balancers and orchestrators poll it unauthenticated.
type HealthHandler struct {
	db    *database.DB
	redis *redis.Client
}

func NewHealthHandler(db *database.DB, redisClient *redis.Client) *HealthHandler {
	return &HealthHandler{db: db, redis: redisClient}
}

func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbErr := h.db.Ping(ctx)
	redisErr := h.redis.Ping(ctx)

	status := http.StatusOK
	body := map[string]string{"status": "ok"}

	if dbErr != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "unavailable"
		body["database"] = dbErr.Error()
	}
	if redisErr != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "unavailable"
		body["redis"] = redisErr.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
