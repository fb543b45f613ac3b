package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/models"
)

// DB wraps a Postgres connection pool with the queries the gateway's
// admission pipeline and usage recorder need. Administrative CRUD against
// these tables (key issuance, app management, pricing edits) lives in the
// admin collaborator; this package only reads and appends.
type DB struct {
	conn *sql.DB
}

// New opens a connection pool against databaseURL and verifies it is
// reachable.
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies the connection pool can still reach Postgres, for the
// health endpoint.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// --- Users ------------------------------------------------------------

// GetUser fetches a User by its oid.
func (db *DB) GetUser(ctx context.Context, oid string) (*models.User, error) {
	const query = `
		SELECT oid, email, payment_status, payment_valid_until,
		       total_cost_cache, webhook_url, created_at, updated_at
		FROM users WHERE oid = $1
	`
	var u models.User
	var webhookURL sql.NullString
	err := db.conn.QueryRowContext(ctx, query, oid).Scan(
		&u.OID, &u.Email, &u.PaymentStatus, &u.PaymentValidUntil,
		&u.TotalCostCache, &webhookURL, &u.CreatedAt, &u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user not found: %s", oid)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	u.WebhookURL = webhookURL.String
	return &u, nil
}

// UpdateUserTotalCost adds delta to a User's cached total cost.
func (db *DB) UpdateUserTotalCost(ctx context.Context, userOID string, delta float64) error {
	const query = `UPDATE users SET total_cost_cache = total_cost_cache + $1, updated_at = NOW() WHERE oid = $2`
	_, err := db.conn.ExecContext(ctx, query, delta, userOID)
	return err
}

// --- Apps ---------------------------------------------------------------

// GetApp fetches an App by its app_id.
func (db *DB) GetApp(ctx context.Context, appID string) (*models.App, error) {
	const query = `
		SELECT app_id, name, owner_id, is_active, created_at, updated_at
		FROM apps WHERE app_id = $1
	`
	var a models.App
	err := db.conn.QueryRowContext(ctx, query, appID).Scan(
		&a.AppID, &a.Name, &a.OwnerID, &a.IsActive, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("app not found: %s", appID)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &a, nil
}

// --- API keys -------------------------------------------------------------

const apiKeyColumns = `
	id, user_oid, hashed_key, salt, display_prefix, allowed_models, allowed_ips,
	rate_limit_rpm, budget_monthly, usage_current_month, last_reset_month,
	is_active, expires_at, created_at, last_used_at
`

func scanApiKey(row *sql.Row) (*models.ApiKey, error) {
	var k models.ApiKey
	var allowedModels, allowedIPs []byte
	var budgetMonthly sql.NullFloat64
	var expiresAt, lastUsedAt sql.NullTime

	err := row.Scan(
		&k.ID, &k.UserOID, &k.HashedKey, &k.Salt, &k.DisplayPrefix,
		&allowedModels, &allowedIPs, &k.RateLimitRPM, &budgetMonthly,
		&k.UsageCurrentMonth, &k.LastResetMonth, &k.IsActive, &expiresAt,
		&k.CreatedAt, &lastUsedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(allowedModels) > 0 {
		if err := json.Unmarshal(allowedModels, &k.AllowedModels); err != nil {
			return nil, fmt.Errorf("decode allowed_models: %w", err)
		}
	}
	if len(allowedIPs) > 0 {
		if err := json.Unmarshal(allowedIPs, &k.AllowedIPs); err != nil {
			return nil, fmt.Errorf("decode allowed_ips: %w", err)
		}
	}
	if budgetMonthly.Valid {
		v := budgetMonthly.Float64
		k.BudgetMonthly = &v
	}
	if expiresAt.Valid {
		k.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		k.LastUsedAt = &lastUsedAt.Time
	}
	return &k, nil
}

// GetApiKeyByID fetches an ApiKey by its id.
func (db *DB) GetApiKeyByID(ctx context.Context, id string) (*models.ApiKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = $1`
	row := db.conn.QueryRowContext(ctx, query, id)
	k, err := scanApiKey(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("api key not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return k, nil
}

// ListActiveApiKeys returns every active ApiKey. verify_api_key_fast hashes
// the presented plaintext with each key's own salt, so there is no way to
// index straight to a row by hash alone; the credential store fans this
// list out against the constant-time comparison, same as the original.
func (db *DB) ListActiveApiKeys(ctx context.Context) ([]*models.ApiKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE is_active = true`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var keys []*models.ApiKey
	for rows.Next() {
		var k models.ApiKey
		var allowedModels, allowedIPs []byte
		var budgetMonthly sql.NullFloat64
		var expiresAt, lastUsedAt sql.NullTime

		if err := rows.Scan(
			&k.ID, &k.UserOID, &k.HashedKey, &k.Salt, &k.DisplayPrefix,
			&allowedModels, &allowedIPs, &k.RateLimitRPM, &budgetMonthly,
			&k.UsageCurrentMonth, &k.LastResetMonth, &k.IsActive, &expiresAt,
			&k.CreatedAt, &lastUsedAt,
		); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if len(allowedModels) > 0 {
			_ = json.Unmarshal(allowedModels, &k.AllowedModels)
		}
		if len(allowedIPs) > 0 {
			_ = json.Unmarshal(allowedIPs, &k.AllowedIPs)
		}
		if budgetMonthly.Valid {
			v := budgetMonthly.Float64
			k.BudgetMonthly = &v
		}
		if expiresAt.Valid {
			k.ExpiresAt = &expiresAt.Time
		}
		if lastUsedAt.Valid {
			k.LastUsedAt = &lastUsedAt.Time
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// UpdateApiKeyUsage adds delta to usage_current_month and stamps
// last_used_at. Called once a request reaches a terminal state with its
// actual cost.
func (db *DB) UpdateApiKeyUsage(ctx context.Context, apiKeyID string, delta float64) error {
	const query = `UPDATE api_keys SET usage_current_month = usage_current_month + $1, last_used_at = NOW() WHERE id = $2`
	_, err := db.conn.ExecContext(ctx, query, delta, apiKeyID)
	return err
}

// ResetMonthlyBudget zeroes usage_current_month and advances
// last_reset_month, called on first admission of a new calendar month.
func (db *DB) ResetMonthlyBudget(ctx context.Context, apiKeyID, currentMonth string) error {
	const query = `UPDATE api_keys SET usage_current_month = 0, last_reset_month = $1 WHERE id = $2`
	_, err := db.conn.ExecContext(ctx, query, currentMonth, apiKeyID)
	return err
}

// --- Models & endpoints -----------------------------------------------

// GetModel fetches a Model by its logical id.
func (db *DB) GetModel(ctx context.Context, modelID string) (*models.Model, error) {
	const query = `
		SELECT id, upstream_name, provider, input_cost_per_m, output_cost_per_m,
		       context_window, max_output_tokens, supports_streaming,
		       supports_functions, supports_vision, traffic_weight, is_active,
		       fallback_models, max_retries
		FROM models WHERE id = $1
	`
	var m models.Model
	var fallback []byte
	err := db.conn.QueryRowContext(ctx, query, modelID).Scan(
		&m.ID, &m.UpstreamName, &m.Provider, &m.InputCostPerM, &m.OutputCostPerM,
		&m.ContextWindow, &m.MaxOutputTokens, &m.Capabilities.Streaming,
		&m.Capabilities.Functions, &m.Capabilities.Vision, &m.TrafficWeight,
		&m.IsActive, &fallback, &m.MaxRetries,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("model not found: %s", modelID)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	if len(fallback) > 0 {
		if err := json.Unmarshal(fallback, &m.FallbackModels); err != nil {
			return nil, fmt.Errorf("decode fallback_models: %w", err)
		}
	}
	return &m, nil
}

// GetModelEndpoints returns every active endpoint configured to serve
// modelID, ordered by routing priority ascending (lowest number first).
func (db *DB) GetModelEndpoints(ctx context.Context, modelID string) ([]*models.ModelEndpoint, error) {
	const query = `
		SELECT id, model_id, endpoint_type, base_url, api_key_ref, routing_priority,
		       routing_strategy, timeout_seconds, max_concurrent_requests,
		       health_check_url, health_check_interval, health_check_timeout,
		       is_active
		FROM model_endpoints WHERE model_id = $1 AND is_active = true
		ORDER BY routing_priority ASC
	`
	rows, err := db.conn.QueryContext(ctx, query, modelID)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var endpoints []*models.ModelEndpoint
	for rows.Next() {
		var e models.ModelEndpoint
		var apiKeyRef sql.NullString
		var intervalSeconds, timeoutSeconds int
		if err := rows.Scan(
			&e.ID, &e.ModelID, &e.EndpointType, &e.BaseURL, &apiKeyRef, &e.RoutingPriority,
			&e.RoutingStrategy, &e.TimeoutSeconds, &e.MaxConcurrentRequests,
			&e.HealthCheckURL, &intervalSeconds, &timeoutSeconds, &e.IsActive,
		); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		e.APIKeyRef = apiKeyRef.String
		e.HealthCheckInterval = time.Duration(intervalSeconds) * time.Second
		e.HealthCheckTimeout = time.Duration(timeoutSeconds) * time.Second
		e.HealthStatus = models.HealthUnknown
		endpoints = append(endpoints, &e)
	}
	return endpoints, rows.Err()
}

// --- Usage records --------------------------------------------------------

// InsertUsageRecord writes the pending row for a dispatched request and
// returns its generated id. The terminal fields are filled in later by
// FinalizeUsageRecord — exactly one of each per admitted request.
func (db *DB) InsertUsageRecord(ctx context.Context, r *models.UsageRecord) (int64, error) {
	const query = `
		INSERT INTO usage_records (
			request_id, user_oid, api_key_id, app_id, ip_address, user_agent,
			requested_model, actual_model, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING id
	`
	var id int64
	err := db.conn.QueryRowContext(ctx, query,
		r.RequestID, r.UserOID, r.ApiKeyID, r.AppID, r.IPAddress, r.UserAgent,
		r.RequestedModel, r.ActualModel, r.Status,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert usage record: %w", err)
	}
	return id, nil
}

// FinalizeUsageRecord fills in the terminal fields of a previously inserted
// UsageRecord. Exactly one call per admitted request, regardless of
// outcome.
func (db *DB) FinalizeUsageRecord(ctx context.Context, r *models.UsageRecord) error {
	const query = `
		UPDATE usage_records SET
			endpoint_id = $1, input_tokens = $2, output_tokens = $3,
			cache_creation_tokens = $4, cache_read_tokens = $5, cost = $6,
			status = $7, error_code = $8, error_message = $9, latency_ms = $10,
			ttft_ms = $11, completed_at = NOW()
		WHERE id = $12
	`
	_, err := db.conn.ExecContext(ctx, query,
		r.EndpointID, r.InputTokens, r.OutputTokens, r.CacheCreationTokens,
		r.CacheReadTokens, r.Cost, r.Status, r.ErrorCode, r.ErrorMessage,
		r.LatencyMs, r.TTFTMs, r.ID,
	)
	return err
}

// --- Audit ------------------------------------------------------------

// InsertAuditRecord appends a safety/administrative event. The core only
// ever writes here; viewing and retention belong to the admin collaborator.
func (db *DB) InsertAuditRecord(ctx context.Context, a *models.AuditRecord) error {
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	const query = `
		INSERT INTO audit_records (actor_oid, action, target_type, target_id, metadata, ip_address, user_agent, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	_, err = db.conn.ExecContext(ctx, query,
		a.ActorOID, a.Action, a.TargetType, a.TargetID, metadata, a.IPAddress, a.UserAgent,
	)
	return err
}
