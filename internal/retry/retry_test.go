package retry_test

import (
	"testing"
	"time"

	"segmentdl/internal/retry"
)

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		maxRetries int
		attempt    int
		want       bool
	}{
		{name: "no retries allowed", maxRetries: 0, attempt: 1, want: false},
		{name: "first failure with one retry", maxRetries: 1, attempt: 1, want: true},
		{name: "retry exhausted", maxRetries: 1, attempt: 2, want: false},
		{name: "mid budget", maxRetries: 3, attempt: 3, want: true},
		{name: "budget spent", maxRetries: 3, attempt: 4, want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := retry.Policy{MaxRetries: tc.maxRetries}
			if got := p.ShouldRetry(tc.attempt); got != tc.want {
				t.Errorf("ShouldRetry(%d) = %v, want %v", tc.attempt, got, tc.want)
			}
		})
	}
}

func TestBackOffCurve(t *testing.T) {
	t.Parallel()

	const ms = time.Millisecond

	tests := []struct {
		name   string
		policy retry.Policy
		want   []time.Duration
	}{
		{
			name:   "doubles up to the cap",
			policy: retry.Policy{BaseDelay: 500 * ms, MaxDelay: 3 * time.Second},
			want:   []time.Duration{500 * ms, time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second},
		},
		{
			name:   "uncapped",
			policy: retry.Policy{BaseDelay: time.Second},
			want:   []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
		},
		{
			name:   "cap below base",
			policy: retry.Policy{BaseDelay: 5 * time.Second, MaxDelay: 2 * time.Second},
			want:   []time.Duration{2 * time.Second, 2 * time.Second},
		},
		{
			name:   "zero base",
			policy: retry.Policy{MaxDelay: time.Second},
			want:   []time.Duration{0, 0, 0},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			b := tc.policy.NewBackOff()

			for i, want := range tc.want {
				if got := b.NextBackOff(); got != want {
					t.Errorf("retry %d delay = %v, want %v", i+1, got, want)
				}
			}
		})
	}
}

func TestBackOffPerChunk(t *testing.T) {
	t.Parallel()

	p := retry.Policy{BaseDelay: time.Second, MaxDelay: time.Minute}

	first := p.NewBackOff()
	first.NextBackOff()
	first.NextBackOff()

	if got := p.NewBackOff().NextBackOff(); got != time.Second {
		t.Errorf("fresh sequence starts at %v, want 1s", got)
	}
}

func TestBackOffJitterBounds(t *testing.T) {
	t.Parallel()

	p := retry.Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Jitter: 0.3}

	for range 200 {
		b := p.NewBackOff()
		b.NextBackOff()

		got := b.NextBackOff()
		if got < 1400*time.Millisecond || got > 2600*time.Millisecond {
			t.Fatalf("second delay = %v outside jitter bounds", got)
		}
	}
}
