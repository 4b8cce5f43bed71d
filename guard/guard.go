// Package guard gates transition requests before any mutation. Guards read
// entity state and the ledger, write ATTEMPT records, and never mutate the
// Room/Container/Payment tables. A guard pass is advisory: every transition
// service re-validates its preconditions inside its own transaction.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"swapdesk/auth"
	"swapdesk/config"
	"swapdesk/ledger"
	"swapdesk/observability/metrics"
)

// Reason classifies a denial for the caller's 4xx mapping.
type Reason string

// Denial reasons.
const (
	ReasonUnauthenticated Reason = "unauthenticated"
	ReasonForbidden       Reason = "forbidden"
	ReasonNotFound        Reason = "not_found"
	ReasonConflict        Reason = "conflict"
	ReasonRateLimited     Reason = "rate_limited"
	ReasonStaleSession    Reason = "stale_session"
	ReasonStaleOTP        Reason = "stale_otp"
)

// Denial is a guard rejection. Callers must not invoke the paired transition
// service after receiving one.
type Denial struct {
	Reason Reason
	Detail string
}

// Error implements error.
func (d *Denial) Error() string {
	if d.Detail == "" {
		return fmt.Sprintf("guard: %s", d.Reason)
	}
	return fmt.Sprintf("guard: %s: %s", d.Reason, d.Detail)
}

// Deny constructs a denial.
func Deny(reason Reason, format string, args ...any) *Denial {
	return &Denial{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Check is an entity-state predicate evaluated after the generic checks pass.
// Implementations read repositories only.
type Check func(ctx context.Context) *Denial

// Rule declares the generic requirements of one transition.
type Rule struct {
	Action    string
	Roles     []auth.Role
	Sensitive bool // session freshness ceiling applies
	AdminOTP  bool // a recently verified one-time code is required
}

// Engine evaluates guard rules against the ledger and policy constants.
type Engine struct {
	ledger *ledger.Ledger
	policy config.Policy
	now    func() time.Time
}

// NewEngine constructs a guard engine.
func NewEngine(l *ledger.Ledger, policy config.Policy, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{ledger: l, policy: policy, now: now}
}

// Admit records the attempt and evaluates the rule plus any entity checks.
// A nil return authorises the caller to invoke the transition service.
func (e *Engine) Admit(ctx context.Context, claims auth.Claims, rule Rule, resource uuid.UUID, resourceType string, checks ...Check) error {
	if e == nil || e.ledger == nil {
		return fmt.Errorf("guard: engine not configured")
	}
	now := e.now()

	// The attempt is ledgered before any predicate so denials stay auditable.
	if _, err := e.ledger.Attempt(ctx, ledger.Entry{
		Actor:        claims.Subject,
		Action:       rule.Action,
		Resource:     resource,
		ResourceType: resourceType,
	}); err != nil {
		return fmt.Errorf("guard: record attempt: %w", err)
	}

	if denial := e.evaluate(ctx, claims, rule, now); denial != nil {
		metrics.Exchange().GuardDenial(rule.Action, string(denial.Reason))
		return denial
	}
	for _, check := range checks {
		if denial := check(ctx); denial != nil {
			metrics.Exchange().GuardDenial(rule.Action, string(denial.Reason))
			return denial
		}
	}
	return nil
}

func (e *Engine) evaluate(ctx context.Context, claims auth.Claims, rule Rule, now time.Time) *Denial {
	if claims.Subject == uuid.Nil && claims.Role != auth.RoleSystem {
		return Deny(ReasonUnauthenticated, "missing identity")
	}
	if len(rule.Roles) > 0 {
		allowed := false
		for _, role := range rule.Roles {
			if claims.Role == role {
				allowed = true
				break
			}
		}
		if !allowed {
			return Deny(ReasonForbidden, "role %s not permitted for %s", claims.Role, rule.Action)
		}
	}
	if rule.Sensitive && !claims.FreshSession(now, e.policy.Session()) {
		return Deny(ReasonStaleSession, "session older than %s", e.policy.Session())
	}
	if rule.AdminOTP && claims.Role != auth.RoleSystem && !claims.FreshOTP(now, e.policy.OTP()) {
		return Deny(ReasonStaleOTP, "one-time code not verified within %s", e.policy.OTP())
	}
	if limit := e.policy.RateLimit(rule.Action); limit > 0 && claims.Role != auth.RoleSystem {
		count, err := e.ledger.Count(ctx, claims.Subject, rule.Action, now.Add(-time.Hour))
		if err != nil {
			return Deny(ReasonConflict, "rate limit lookup: %v", err)
		}
		// The attempt above is already counted.
		if count > int64(limit) {
			return Deny(ReasonRateLimited, "more than %d %s attempts in the last hour", limit, rule.Action)
		}
	}
	return nil
}

// RecentTransition exposes the idempotency lookup for fast-path callers that
// want to replay a prior result before entering the transition service.
func (e *Engine) RecentTransition(ctx context.Context, key string) (bool, error) {
	rec, err := e.ledger.FindRecentTransition(ctx, key, e.policy.Lookback())
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}
