// Package models holds the gateway's domain entities: the data shapes the
// core pipeline reads and writes. Administrative CRUD against these tables
// lives outside this repository; the gateway only reads and appends.
package models

import "time"

// PaymentStatus is a User's billing standing.
type PaymentStatus string

const (
	PaymentActive  PaymentStatus = "active"
	PaymentTrial   PaymentStatus = "trial"
	PaymentExpired PaymentStatus = "expired"
	PaymentBanned  PaymentStatus = "banned"
)

// User is the billable identity behind an ApiKey or a delegated request.
type User struct {
	OID               string
	Email             string
	PaymentStatus     PaymentStatus
	PaymentValidUntil time.Time
	TotalCostCache    float64
	WebhookURL        string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Expired reports whether the user's payment window has lapsed as of now:
// a user whose payment_valid_until lies strictly before today resolves as
// expired on the next access.
func (u *User) Expired(now time.Time) bool {
	if u.PaymentStatus == PaymentBanned {
		return false // banned is a distinct rejection reason, not "expired"
	}
	return u.PaymentValidUntil.Before(truncateToDate(now))
}

func truncateToDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// App is a named delegation identity owned by one User.
type App struct {
	AppID     string
	Name      string
	OwnerID   string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ApiKey is a bearer credential owned by exactly one User.
type ApiKey struct {
	ID                string
	UserOID           string
	HashedKey         string
	Salt              string
	DisplayPrefix     string
	AllowedModels     []string
	AllowedIPs        []string
	RateLimitRPM      int
	BudgetMonthly     *float64 // nil = unlimited
	UsageCurrentMonth float64
	LastResetMonth    string // YYYY-MM
	IsActive          bool
	ExpiresAt         *time.Time
	CreatedAt         time.Time
	LastUsedAt        *time.Time
}

// IsExpired reports whether the key's expires_at has passed.
func (k *ApiKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// ModelCapabilityFlags captures what a Model supports.
type ModelCapabilityFlags struct {
	Streaming bool
	Functions bool
	Vision    bool
}

// Model is a logical model identifier routed to one or more endpoints.
type Model struct {
	ID              string
	UpstreamName    string
	Provider        string
	InputCostPerM   float64 // JPY per 1M input tokens
	OutputCostPerM  float64 // JPY per 1M output tokens
	ContextWindow   int
	MaxOutputTokens int
	Capabilities    ModelCapabilityFlags
	TrafficWeight   float64
	IsActive        bool
	FallbackModels  []string
	MaxRetries      int
}

// EndpointType identifies the wire dialect an upstream endpoint speaks.
type EndpointType string

const (
	EndpointVLLM   EndpointType = "vllm"
	EndpointOllama EndpointType = "ollama"
	EndpointTGI    EndpointType = "tgi"
	EndpointCustom EndpointType = "custom"
)

// RoutingStrategy decides how the load balancer breaks ties within a
// priority tier.
type RoutingStrategy string

const (
	StrategyRoundRobin   RoutingStrategy = "round-robin"
	StrategyUsageBased   RoutingStrategy = "usage-based"
	StrategyLatencyBased RoutingStrategy = "latency-based"
	StrategyRandom       RoutingStrategy = "random"
)

// HealthStatus is an endpoint's live health state.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
	HealthUnknown  HealthStatus = "unknown"
)

// ModelEndpoint is one upstream instance serving a Model.
type ModelEndpoint struct {
	ID                    string
	ModelID               string
	EndpointType          EndpointType
	BaseURL               string
	APIKeyRef             string // env var name holding this endpoint's upstream credential; empty for unauthenticated endpoints
	RoutingPriority       int
	RoutingStrategy       RoutingStrategy
	TimeoutSeconds        int
	MaxConcurrentRequests int
	HealthCheckURL        string
	HealthCheckInterval   time.Duration
	HealthCheckTimeout    time.Duration
	IsActive              bool

	// Live state, mutated only by the registry's single-writer discipline.
	HealthStatus        HealthStatus
	ConsecutiveFailures int
	AvgLatencyMs        float64
	TotalRequests       int64
	NextCheckAt         time.Time
	LastHealthCheck     time.Time
}

// UsageStatus is a UsageRecord's terminal (or pending) state.
type UsageStatus string

const (
	UsagePending   UsageStatus = "pending"
	UsageCompleted UsageStatus = "completed"
	UsageFailed    UsageStatus = "failed"
	UsageCancelled UsageStatus = "cancelled"
)

// UsageRecord is written exactly once per dispatched request. It never
// contains prompt or completion text.
type UsageRecord struct {
	ID                  int64
	RequestID           string
	UserOID             string
	ApiKeyID            *string
	AppID               *string
	IPAddress           string
	UserAgent           string
	RequestedModel      string
	ActualModel         string
	EndpointID          *string
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
	Cost                float64
	Status              UsageStatus
	ErrorCode           string
	ErrorMessage        string
	LatencyMs           int
	TTFTMs              *int
	CreatedAt           time.Time
	CompletedAt         *time.Time
}

// AuditRecord is an append-only admin/safety-action log entry. The core
// only ever appends via internal/gateway/audit; CRUD and viewing belong
// to the administrative collaborator.
type AuditRecord struct {
	ID         int64
	ActorOID   string
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
	IPAddress  string
	UserAgent  string
	Timestamp  time.Time
}
