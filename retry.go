package caseflow

import "time"

// RetryBuilder assembles a RetryPolicy step by step:
//
//	caseflow.Retry(3).Backoff(2*time.Second, time.Minute).Policy()
//	caseflow.Retry(5).Every(250 * time.Millisecond).On("case-analysis-queue", 10*time.Minute)
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry starts a policy allowing maxAttempts attempts in total, the first
// one included. Values below 1 mean a single attempt.
func Retry(maxAttempts int) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: max(maxAttempts, 1)}}
}

// Backoff grows the delay after every failed attempt, starting at initial
// and never exceeding ceiling. A ceiling <= 0 leaves the delay uncapped.
// The delay doubles unless Multiplier chose another factor.
func (b RetryBuilder) Backoff(initial, ceiling time.Duration) RetryBuilder {
	if b.policy.BackoffMultiplier <= 1 {
		b.policy.BackoffMultiplier = 2
	}
	return b.delays(initial, ceiling)
}

// Multiplier sets the growth factor used by Backoff. Backoff ignores
// factors <= 1; use Every for a constant delay.
func (b RetryBuilder) Multiplier(f float64) RetryBuilder {
	b.policy.BackoffMultiplier = f
	return b
}

// Every waits the same delay before each retry.
func (b RetryBuilder) Every(delay time.Duration) RetryBuilder {
	return b.Multiplier(1).delays(delay, 0)
}

// Immediate retries without waiting.
func (b RetryBuilder) Immediate() RetryBuilder {
	return b.Multiplier(0).delays(0, 0)
}

func (b RetryBuilder) delays(initial, ceiling time.Duration) RetryBuilder {
	b.policy.InitialBackoff = initial
	b.policy.MaxBackoff = max(ceiling, 0)
	return b
}

// Policy returns the built RetryPolicy.
func (b RetryBuilder) Policy() RetryPolicy {
	return b.policy
}

// On returns activity options that route to queue, bound each attempt by
// timeout and retry with the built policy.
func (b RetryBuilder) On(queue string, timeout time.Duration) ActivityOptions {
	p := b.policy
	return ActivityOptions{Queue: queue, StartToCloseTimeout: timeout, Retry: &p}
}
