package engine

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/crmstack/services/automation/internal/models"
)

// RuleSource lists a tenant's active event-triggered rules.
type RuleSource interface {
	ListActiveEventRules(ctx context.Context, tenantID uuid.UUID, eventType string) ([]models.BusinessRule, error)
}

// RuleCache caches rule lists per tenant and event type. Implementations may
// be disabled; Get returns false on miss or when caching is off.
type RuleCache interface {
	GetRules(ctx context.Context, tenantID uuid.UUID, eventType string) ([]models.BusinessRule, bool)
	SetRules(ctx context.Context, tenantID uuid.UUID, eventType string, rules []models.BusinessRule)
}

// Matcher finds the rules a given event should run, in deterministic order.
type Matcher struct {
	rules RuleSource
	cache RuleCache
}

// NewMatcher creates a new matcher. cache may be nil.
func NewMatcher(rules RuleSource, cache RuleCache) *Matcher {
	return &Matcher{rules: rules, cache: cache}
}

// Match returns the event's matching rules sorted by priority, then creation
// time, then id. A rule with no conditions matches unconditionally.
func (m *Matcher) Match(ctx context.Context, event *models.Event) ([]models.BusinessRule, error) {
	candidates, err := m.candidates(ctx, event)
	if err != nil {
		return nil, err
	}

	matched := make([]models.BusinessRule, 0, len(candidates))
	for _, rule := range candidates {
		if rule.Trigger.EntityType != "" && rule.Trigger.EntityType != event.EntityType {
			continue
		}
		if len(rule.Conditions.Conditions) == 0 || EvaluateConditions(rule.Conditions, event.Data) {
			matched = append(matched, rule)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	return matched, nil
}

func (m *Matcher) candidates(ctx context.Context, event *models.Event) ([]models.BusinessRule, error) {
	if m.cache != nil {
		if rules, ok := m.cache.GetRules(ctx, event.TenantID, event.Type); ok {
			return rules, nil
		}
	}

	rules, err := m.rules.ListActiveEventRules(ctx, event.TenantID, event.Type)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active rules")
	}

	if m.cache != nil {
		m.cache.SetRules(ctx, event.TenantID, event.Type, rules)
	}

	log.Debug().
		Str("tenant_id", event.TenantID.String()).
		Str("event_type", event.Type).
		Int("candidates", len(rules)).
		Msg("Loaded candidate rules")

	return rules, nil
}
