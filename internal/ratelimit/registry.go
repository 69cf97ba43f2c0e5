package ratelimit

import (
	"time"

	"github.com/spec-kit/session-service/internal/clock"
)

// Operation classes with independent key spaces.
const (
	OperationLogin  = "login"
	OperationSignup = "signup"
	OperationAPI    = "api"
	OperationUpload = "upload"
)

// DefaultPolicies returns the stock quotas per operation class.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		OperationLogin:  {MaxRequests: 5, Window: 60 * time.Second},
		OperationSignup: {MaxRequests: 5, Window: 60 * time.Second},
		OperationAPI:    {MaxRequests: 100, Window: 60 * time.Second},
		OperationUpload: {MaxRequests: 10, Window: 300 * time.Second},
	}
}

// Registry owns one limiter per operation class.
type Registry struct {
	limiters map[string]*Limiter
}

// NewRegistry builds limiters for the given policies, falling back to
// DefaultPolicies for any class left out.
func NewRegistry(policies map[string]Policy, clk clock.Clock) *Registry {
	merged := DefaultPolicies()
	for name, policy := range policies {
		merged[name] = policy
	}
	registry := &Registry{limiters: make(map[string]*Limiter, len(merged))}
	for name, policy := range merged {
		registry.limiters[name] = NewLimiter(name, policy, clk)
	}
	return registry
}

// Get returns the limiter for an operation class, or nil when it is unknown.
func (r *Registry) Get(operation string) *Limiter {
	if r == nil {
		return nil
	}
	return r.limiters[operation]
}

// Login returns the login attempt limiter.
func (r *Registry) Login() *Limiter { return r.Get(OperationLogin) }

// Signup returns the signup attempt limiter.
func (r *Registry) Signup() *Limiter { return r.Get(OperationSignup) }

// API returns the generic API call limiter.
func (r *Registry) API() *Limiter { return r.Get(OperationAPI) }

// Upload returns the upload limiter.
func (r *Registry) Upload() *Limiter { return r.Get(OperationUpload) }

// Sweep expires idle keys across every operation class.
func (r *Registry) Sweep() int {
	if r == nil {
		return 0
	}
	removed := 0
	for _, limiter := range r.limiters {
		removed += limiter.Sweep()
	}
	return removed
}

// Key builds the "<operation>:<identifier>" limiter key.
func Key(operation, identifier string) string {
	return operation + ":" + identifier
}
