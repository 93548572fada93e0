package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"session-notify/internal/domain"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy controls re-delivery of one priority class after an acknowledgment timeout.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	// Fallback sends through the out-of-band channel once attempts are exhausted.
	Fallback bool
}

// RetryPolicies is the priority-indexed retry table.
type RetryPolicies struct {
	byPriority map[domain.Priority]RetryPolicy
	Multiplier float64
	Cap        time.Duration
}

// DefaultRetryPolicies returns the stock table. URGENT sits between HIGH and CRITICAL.
func DefaultRetryPolicies() RetryPolicies {
	return RetryPolicies{
		byPriority: map[domain.Priority]RetryPolicy{
			domain.PriorityCritical: {MaxAttempts: 5, InitialBackoff: 500 * time.Millisecond, Fallback: true},
			domain.PriorityUrgent:   {MaxAttempts: 5, InitialBackoff: time.Second, Fallback: true},
			domain.PriorityHigh:     {MaxAttempts: 4, InitialBackoff: time.Second, Fallback: true},
			domain.PriorityNormal:   {MaxAttempts: 3, InitialBackoff: 2 * time.Second},
			domain.PriorityLow:      {MaxAttempts: 2, InitialBackoff: 5 * time.Second},
		},
		Multiplier: 2,
		Cap:        30 * time.Second,
	}
}

// ParseRetryPolicies applies overrides such as "CRITICAL=6/250ms,LOW=1/10s" on top of
// the defaults. An empty spec yields the defaults.
func ParseRetryPolicies(spec string, backoffCap time.Duration) (RetryPolicies, error) {
	policies := DefaultRetryPolicies()
	if backoffCap > 0 {
		policies.Cap = backoffCap
	}

	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, value, ok := strings.Cut(item, "=")
		if !ok {
			return RetryPolicies{}, fmt.Errorf("retry policy %q: expected PRIORITY=attempts/backoff", item)
		}
		p, err := domain.ParsePriority(strings.TrimSpace(name))
		if err != nil {
			return RetryPolicies{}, fmt.Errorf("retry policy %q: %w", item, err)
		}
		rawAttempts, rawBackoff, ok := strings.Cut(value, "/")
		if !ok {
			return RetryPolicies{}, fmt.Errorf("retry policy %q: expected attempts/backoff", item)
		}
		attempts, err := strconv.Atoi(strings.TrimSpace(rawAttempts))
		if err != nil || attempts < 1 {
			return RetryPolicies{}, fmt.Errorf("retry policy %q: attempts must be a positive integer", item)
		}
		initial, err := time.ParseDuration(strings.TrimSpace(rawBackoff))
		if err != nil || initial <= 0 {
			return RetryPolicies{}, fmt.Errorf("retry policy %q: invalid backoff", item)
		}

		current := policies.byPriority[p]
		current.MaxAttempts = attempts
		current.InitialBackoff = initial
		policies.byPriority[p] = current
	}
	return policies, nil
}

// For returns the policy for p, falling back to NORMAL for unknown priorities.
func (r RetryPolicies) For(p domain.Priority) RetryPolicy {
	if policy, ok := r.byPriority[p]; ok {
		return policy
	}
	return r.byPriority[domain.PriorityNormal]
}

// With returns a copy of r with the policy for p replaced.
func (r RetryPolicies) With(p domain.Priority, policy RetryPolicy) RetryPolicies {
	out := RetryPolicies{
		byPriority: make(map[domain.Priority]RetryPolicy, len(r.byPriority)+1),
		Multiplier: r.Multiplier,
		Cap:        r.Cap,
	}
	for k, v := range r.byPriority {
		out.byPriority[k] = v
	}
	out.byPriority[p] = policy
	return out
}

// newBackOff builds the deterministic exponential schedule between attempts for p.
func (r RetryPolicies) newBackOff(p domain.Priority) backoff.BackOff {
	policy := r.For(p)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialBackoff
	b.Multiplier = r.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	b.RandomizationFactor = 0
	b.MaxInterval = r.Cap
	if b.MaxInterval <= 0 {
		b.MaxInterval = 30 * time.Second
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
