package caseflow

import (
	"testing"
	"time"
)

func TestRetry_NonPositiveMaxAttemptsMeansOneAttempt(t *testing.T) {
	for _, n := range []int{0, -5} {
		if p := Retry(n).Policy(); p.MaxAttempts != 1 {
			t.Fatalf("Retry(%d): expected MaxAttempts=1, got %d", n, p.MaxAttempts)
		}
	}
}

func TestRetry_Delays(t *testing.T) {
	tests := []struct {
		name    string
		builder RetryBuilder
		want    []time.Duration
	}{
		{
			name:    "backoff doubles up to ceiling",
			builder: Retry(3).Backoff(2*time.Second, 10*time.Second),
			want:    []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second},
		},
		{
			name:    "custom multiplier",
			builder: Retry(3).Multiplier(3).Backoff(2*time.Second, 10*time.Second),
			want:    []time.Duration{2 * time.Second, 6 * time.Second, 10 * time.Second},
		},
		{
			name:    "uncapped backoff",
			builder: Retry(3).Backoff(time.Second, 0),
			want:    []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
		},
		{
			name:    "constant",
			builder: Retry(5).Every(250 * time.Millisecond),
			want:    []time.Duration{250 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond},
		},
		{
			name:    "immediate clears earlier backoff",
			builder: Retry(7).Backoff(100*time.Millisecond, 5*time.Second).Immediate(),
			want:    []time.Duration{0, 0, 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.builder.Policy()
			for i, want := range tt.want {
				if got := p.Delay(i + 1); got != want {
					t.Fatalf("Delay(%d): expected %v, got %v (policy %+v)", i+1, want, got, p)
				}
			}
		})
	}
}

func TestRetry_OnBuildsActivityOptions(t *testing.T) {
	b := Retry(4).Every(time.Second)
	opts := b.On("case-analysis-queue", 10*time.Minute)

	if opts.Queue != "case-analysis-queue" || opts.StartToCloseTimeout != 10*time.Minute {
		t.Fatalf("unexpected options %+v", opts)
	}
	if opts.Retry == nil || opts.Retry.MaxAttempts != 4 {
		t.Fatalf("expected retry policy with 4 attempts, got %+v", opts.Retry)
	}

	// Options own a copy of the policy.
	opts.Retry.MaxAttempts = 1
	if b.Policy().MaxAttempts != 4 {
		t.Fatalf("builder policy changed through options: %+v", b.Policy())
	}
}
