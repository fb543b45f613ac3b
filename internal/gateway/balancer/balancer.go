// Package balancer selects a ModelEndpoint (or an ordered fallback
// sequence) for a dispatch, honoring allowed_models whitelisting, priority
// tiers, per-strategy tie-breaking, and the concurrency cap. Grounded on
// original_source's services/load_balancer.py (LiteLLM Router endpoint
// grouping/weighting).
package balancer

import (
	"math/rand"
	"sort"

	gwerrors "github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/errors"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/registry"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/models"
)

type Balancer struct {
	registry *registry.Registry
}

func New(reg *registry.Registry) *Balancer {
	return &Balancer{registry: reg}
}

// AllowedForKey reports whether modelID passes an ApiKey's allowed_models
// whitelist (an empty whitelist means no restriction).
func AllowedForKey(allowedModels []string, modelID string) bool {
	if len(allowedModels) == 0 {
		return true
	}
	for _, m := range allowedModels {
		if m == modelID {
			return true
		}
	}
	return false
}

// Candidates returns the eligible endpoints for modelID ordered by
// routing_priority, active+healthy first, falling back to
// active+degraded only when no healthy candidate exists.
func (b *Balancer) Candidates(modelID string) ([]*models.ModelEndpoint, *gwerrors.Error) {
	all := b.registry.Snapshot(modelID)

	healthy := filter(all, func(e *models.ModelEndpoint) bool {
		return e.IsActive && e.HealthStatus == models.HealthHealthy
	})
	if len(healthy) > 0 {
		sortByPriority(healthy)
		return healthy, nil
	}

	degraded := filter(all, func(e *models.ModelEndpoint) bool {
		return e.IsActive && e.HealthStatus == models.HealthDegraded
	})
	if len(degraded) > 0 {
		sortByPriority(degraded)
		return degraded, nil
	}

	return nil, gwerrors.NoEndpoint("no healthy or degraded endpoint available for model")
}

// Pick breaks ties within the lowest-priority tier of candidates by
// routing_strategy and attempts to acquire a concurrency slot, skipping to
// the next candidate (across tiers) when an endpoint is at capacity.
func (b *Balancer) Pick(modelID string, candidates []*models.ModelEndpoint) (*models.ModelEndpoint, func(), *gwerrors.Error) {
	if len(candidates) == 0 {
		return nil, nil, gwerrors.NoEndpoint("no endpoint candidates")
	}

	tiers := groupByPriority(candidates)
	for _, tier := range tiers {
		ordered := orderByStrategy(modelID, tier, b.registry)
		for _, e := range ordered {
			release, ok := b.registry.TryAcquire(e.ID)
			if ok {
				return e, release, nil
			}
		}
	}
	return nil, nil, gwerrors.Overloaded("all candidate endpoints are at max_concurrent_requests")
}

func filter(in []*models.ModelEndpoint, pred func(*models.ModelEndpoint) bool) []*models.ModelEndpoint {
	var out []*models.ModelEndpoint
	for _, e := range in {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}

func sortByPriority(endpoints []*models.ModelEndpoint) {
	sort.SliceStable(endpoints, func(i, j int) bool {
		return endpoints[i].RoutingPriority < endpoints[j].RoutingPriority
	})
}

func groupByPriority(endpoints []*models.ModelEndpoint) [][]*models.ModelEndpoint {
	var tiers [][]*models.ModelEndpoint
	var current []*models.ModelEndpoint
	var currentPriority int
	for i, e := range endpoints {
		if i == 0 || e.RoutingPriority != currentPriority {
			if len(current) > 0 {
				tiers = append(tiers, current)
			}
			current = nil
			currentPriority = e.RoutingPriority
		}
		current = append(current, e)
	}
	if len(current) > 0 {
		tiers = append(tiers, current)
	}
	return tiers
}

func orderByStrategy(modelID string, tier []*models.ModelEndpoint, reg *registry.Registry) []*models.ModelEndpoint {
	if len(tier) == 1 {
		return tier
	}
	strategy := tier[0].RoutingStrategy

	out := make([]*models.ModelEndpoint, len(tier))
	copy(out, tier)

	switch strategy {
	case models.StrategyLatencyBased:
		sort.SliceStable(out, func(i, j int) bool { return out[i].AvgLatencyMs < out[j].AvgLatencyMs })
	case models.StrategyUsageBased:
		sort.SliceStable(out, func(i, j int) bool { return reg.InFlight(out[i].ID) < reg.InFlight(out[j].ID) })
	case models.StrategyRandom:
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	default: // round-robin
		idx := int(reg.NextRoundRobinIndex(modelID) % uint64(len(out)))
		rotated := make([]*models.ModelEndpoint, 0, len(out))
		rotated = append(rotated, out[idx:]...)
		rotated = append(rotated, out[:idx]...)
		out = rotated
	}
	return out
}
