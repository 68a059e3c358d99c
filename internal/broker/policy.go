package broker

import (
	"fmt"
	"time"
)

// BackoffType selects how retry delays grow between attempts.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// DefaultQueue is the policy-table entry every unknown queue falls back to.
// The table refuses to load without it.
const DefaultQueue = "default"

// RetryPolicy is a queue's default retry behavior, applied unless an
// enqueue call overrides max attempts.
type RetryPolicy struct {
	Attempts int           `json:"attempts"`
	Backoff  BackoffType   `json:"backoff"`
	Delay    time.Duration `json:"delay"`
}

// NextDelay computes the deferral before the given attempt number
// (1-based: attempt 1 already ran and failed).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch p.Backoff {
	case BackoffExponential:
		d := p.Delay
		for i := 1; i < attempt; i++ {
			d *= 2
		}
		return d
	default:
		return p.Delay
	}
}

func (p RetryPolicy) validate(queue string) error {
	if p.Attempts < 1 {
		return fmt.Errorf("queue %q: attempts must be >= 1", queue)
	}
	switch p.Backoff {
	case BackoffFixed, BackoffExponential:
	case "":
		if p.Attempts > 1 {
			return fmt.Errorf("queue %q: backoff required when attempts > 1", queue)
		}
	default:
		return fmt.Errorf("queue %q: unknown backoff type %q", queue, p.Backoff)
	}
	if p.Delay < 0 {
		return fmt.Errorf("queue %q: negative backoff delay", queue)
	}
	return nil
}

// PolicyTable resolves per-queue retry policies with a required default
// entry. It is validated once at startup; lookups never fail after that.
type PolicyTable struct {
	policies map[string]RetryPolicy
}

// NewPolicyTable validates the given policies and builds the table.
func NewPolicyTable(policies map[string]RetryPolicy) (*PolicyTable, error) {
	if _, ok := policies[DefaultQueue]; !ok {
		return nil, fmt.Errorf("policy table is missing the %q entry", DefaultQueue)
	}
	for queue, p := range policies {
		if err := p.validate(queue); err != nil {
			return nil, err
		}
	}
	table := &PolicyTable{policies: make(map[string]RetryPolicy, len(policies))}
	for queue, p := range policies {
		table.policies[queue] = p
	}
	return table, nil
}

// For returns the policy for a queue, falling back to the default entry.
func (t *PolicyTable) For(queue string) RetryPolicy {
	if p, ok := t.policies[queue]; ok {
		return p
	}
	return t.policies[DefaultQueue]
}

// DefaultPolicies is the standing per-queue retry table. Critical finance
// work retries fast and gives up early; reminder traffic tolerates more
// attempts; orchestration runs are one-shot.
func DefaultPolicies() map[string]RetryPolicy {
	return map[string]RetryPolicy{
		DefaultQueue: {Attempts: 3, Backoff: BackoffExponential, Delay: 2 * time.Second},
		"finance":    {Attempts: 2, Backoff: BackoffFixed, Delay: 5 * time.Second},
		"reminder":   {Attempts: 5, Backoff: BackoffExponential, Delay: 3 * time.Second},
		"promotion":  {Attempts: 1},
		"system":     {Attempts: 2, Backoff: BackoffFixed, Delay: 10 * time.Second},
	}
}
