package recovery

import (
	"testing"
	"time"
)

func TestBackoffDelay_ExponentialGrowth(t *testing.T) {
	base := time.Second
	maxDelay := 30 * time.Second

	tests := []struct {
		retries      int
		wantMinDelay time.Duration // minimum delay (no jitter)
		wantMaxDelay time.Duration // maximum delay (with 10% jitter)
	}{
		{0, 0, 0},
		{1, base, base + base/10},
		{2, base * 2, base*2 + (base*2)/10},
		{3, base * 4, base*4 + (base*4)/10},
		{10, maxDelay, maxDelay},
	}

	for _, tt := range tests {
		// Run multiple times to account for jitter
		for i := 0; i < 10; i++ {
			got := BackoffDelay(tt.retries, base, maxDelay)

			if tt.retries == 0 {
				if got != 0 {
					t.Errorf("BackoffDelay(%d) = %v, want 0", tt.retries, got)
				}
				continue
			}
			if got < tt.wantMinDelay || got > tt.wantMaxDelay {
				t.Errorf("BackoffDelay(%d) = %v, want between %v and %v",
					tt.retries, got, tt.wantMinDelay, tt.wantMaxDelay)
			}
		}
	}
}

func TestBackoffDelay_CapsAtMaxDelay(t *testing.T) {
	base := time.Second
	maxDelay := 30 * time.Second

	for _, retries := range []int{5, 10, 20, 100} {
		for i := 0; i < 10; i++ {
			got := BackoffDelay(retries, base, maxDelay)
			maxPossible := maxDelay
			if got > maxPossible {
				t.Errorf("BackoffDelay(%d) = %v, exceeds max of %v", retries, got, maxPossible)
			}
		}
	}
}

func TestExtendedBackoffDelay(t *testing.T) {
	base := time.Second
	maxDelay := 30 * time.Second

	for i := 0; i < 10; i++ {
		got := ExtendedBackoffDelay(1, base, maxDelay)
		// 3x base, plus up to 10% jitter.
		if got < 3*base || got > 3*base+(3*base)/10 {
			t.Errorf("ExtendedBackoffDelay(1) = %v, want around %v", got, 3*base)
		}
	}

	// Cap is 2x maxDelay.
	for i := 0; i < 10; i++ {
		got := ExtendedBackoffDelay(20, base, maxDelay)
		cap := 2 * maxDelay
		if got > cap {
			t.Errorf("ExtendedBackoffDelay(20) = %v, exceeds %v", got, cap)
		}
	}
}
