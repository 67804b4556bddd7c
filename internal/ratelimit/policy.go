package ratelimit

import (
	"time"

	"github.com/tymektm/asystent-server/internal/apperrors"
	"github.com/tymektm/asystent-server/internal/observability"
	"github.com/tymektm/asystent-server/pkg/models"
)

// PolicyConfig mirrors the tier-keyed quotas from configuration.
type PolicyConfig struct {
	FreeRequestsPerMonth int
	FreeRequestsPerMin   int
	PaidRequestsPerMin   int
	Metrics              *observability.Metrics
}

// Policy enforces the spec's per-tier quotas: free users are bound by
// both a monthly ceiling and a per-minute ceiling; paid users only by
// the (much higher) per-minute ceiling. Each quota is its own Limiter so
// a free user's monthly counter and minute counter prune independently.
type Policy struct {
	freeMonthly *Limiter
	freeMinute  *Limiter
	paidMinute  *Limiter
	metrics     *observability.Metrics
}

// NewPolicy builds a Policy from configuration.
func NewPolicy(cfg PolicyConfig) *Policy {
	return &Policy{
		freeMonthly: NewLimiter(Config{Limit: cfg.FreeRequestsPerMonth, Window: 30 * 24 * time.Hour, Enabled: true}),
		freeMinute:  NewLimiter(Config{Limit: cfg.FreeRequestsPerMin, Window: time.Minute, Enabled: true}),
		paidMinute:  NewLimiter(Config{Limit: cfg.PaidRequestsPerMin, Window: time.Minute, Enabled: true}),
		metrics:     cfg.Metrics,
	}
}

// Admit checks whether userID may make one more request right now,
// returning a RateLimited error naming the quota that blocked it.
func (p *Policy) Admit(userID string, tier models.Tier, now time.Time) error {
	if tier == models.TierPaid {
		if p.paidMinute.Allow(userID, now) {
			return nil
		}
		p.blocked("paid_minute")
		return &apperrors.RateLimited{
			Limit:             p.paidMinute.config.Limit,
			Window:            p.paidMinute.config.Window,
			RetryAfterSeconds: int(p.paidMinute.RetryAfter(userID, now).Seconds()) + 1,
		}
	}

	if !p.freeMonthly.Allow(userID, now) {
		p.blocked("free_monthly")
		return &apperrors.RateLimited{
			Limit:             p.freeMonthly.config.Limit,
			Window:            p.freeMonthly.config.Window,
			RetryAfterSeconds: int(p.freeMonthly.RetryAfter(userID, now).Seconds()) + 1,
		}
	}
	if !p.freeMinute.Allow(userID, now) {
		p.blocked("free_minute")
		return &apperrors.RateLimited{
			Limit:             p.freeMinute.config.Limit,
			Window:            p.freeMinute.config.Window,
			RetryAfterSeconds: int(p.freeMinute.RetryAfter(userID, now).Seconds()) + 1,
		}
	}
	return nil
}

func (p *Policy) blocked(kind string) {
	if p.metrics != nil {
		p.metrics.RateLimitBlocked.WithLabelValues(kind).Inc()
	}
}
