package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_NextDelay_Fixed(t *testing.T) {
	p := RetryPolicy{Attempts: 3, Backoff: BackoffFixed, Delay: 5 * time.Second}

	assert.Equal(t, 5*time.Second, p.NextDelay(1))
	assert.Equal(t, 5*time.Second, p.NextDelay(2))
	assert.Equal(t, 5*time.Second, p.NextDelay(7))
}

func TestRetryPolicy_NextDelay_Exponential(t *testing.T) {
	p := RetryPolicy{Attempts: 5, Backoff: BackoffExponential, Delay: 2 * time.Second}

	assert.Equal(t, 2*time.Second, p.NextDelay(1))
	assert.Equal(t, 4*time.Second, p.NextDelay(2))
	assert.Equal(t, 8*time.Second, p.NextDelay(3))
	assert.Equal(t, 2*time.Second, p.NextDelay(0), "attempt below 1 clamps")
}

func TestNewPolicyTable_RequiresDefault(t *testing.T) {
	_, err := NewPolicyTable(map[string]RetryPolicy{
		"finance": {Attempts: 2, Backoff: BackoffFixed, Delay: time.Second},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default")
}

func TestNewPolicyTable_RejectsInvalidPolicies(t *testing.T) {
	cases := []struct {
		name   string
		policy RetryPolicy
	}{
		{"zero attempts", RetryPolicy{Attempts: 0, Backoff: BackoffFixed, Delay: time.Second}},
		{"unknown backoff", RetryPolicy{Attempts: 2, Backoff: "linear", Delay: time.Second}},
		{"missing backoff with retries", RetryPolicy{Attempts: 2}},
		{"negative delay", RetryPolicy{Attempts: 2, Backoff: BackoffFixed, Delay: -time.Second}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPolicyTable(map[string]RetryPolicy{
				DefaultQueue: {Attempts: 3, Backoff: BackoffExponential, Delay: 2 * time.Second},
				"bad":        tc.policy,
			})
			require.Error(t, err)
		})
	}
}

func TestPolicyTable_ForFallsBackToDefault(t *testing.T) {
	table, err := NewPolicyTable(DefaultPolicies())
	require.NoError(t, err)

	assert.Equal(t, 2, table.For("finance").Attempts)
	assert.Equal(t, 5, table.For("reminder").Attempts)
	assert.Equal(t, 1, table.For("promotion").Attempts)

	fallback := table.For("email")
	assert.Equal(t, 3, fallback.Attempts)
	assert.Equal(t, BackoffExponential, fallback.Backoff)
}

func TestDefaultPolicies_Valid(t *testing.T) {
	_, err := NewPolicyTable(DefaultPolicies())
	require.NoError(t, err)
}
