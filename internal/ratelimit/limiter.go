package ratelimit

import (
	"context"
	"errors"
	"time"

	"whatsapp-gateway/internal/config"
)

// Scope separates independent counting dimensions. Every OTP request is
// checked against both the phone scope and the IP scope; either denial
// rejects the request.
type Scope string

const (
	ScopePhone Scope = "phone"
	ScopeIP    Scope = "ip"
)

var ErrUnknownScope = errors.New("unknown rate limit scope")

// Policy is the fixed-window budget for one scope.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts requests per scope+key in fixed windows. Implementations
// must make the increment-and-check atomic per key so two concurrent
// requests cannot both slip under the limit.
type Limiter interface {
	Allow(ctx context.Context, scope Scope, key string) (Decision, error)
}

// PoliciesFromConfig maps the configured budgets onto scopes.
func PoliciesFromConfig(cfg *config.Config) map[Scope]Policy {
	return map[Scope]Policy{
		ScopePhone: {Limit: cfg.RateLimit.PhoneLimit, Window: cfg.RateLimit.PhoneWindow},
		ScopeIP:    {Limit: cfg.RateLimit.IPLimit, Window: cfg.RateLimit.IPWindow},
	}
}
