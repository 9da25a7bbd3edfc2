package cost

import "testing"

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 1}, // short text rounds up to 1
		{"12345678", 2},
		{"a very small sentence here", 6},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestFillEstimates(t *testing.T) {
	// Reported usage passes through untouched.
	usage := FillEstimates(TokenUsage{Input: 100, Output: 50}, "prompt", "output")
	if usage.Input != 100 || usage.Output != 50 {
		t.Fatalf("usage = %+v", usage)
	}

	// Zero counts fall back to length estimates.
	usage = FillEstimates(TokenUsage{}, "12345678", "1234")
	if usage.Input != 2 || usage.Output != 1 {
		t.Fatalf("estimated usage = %+v", usage)
	}
}

func TestCalculateCost(t *testing.T) {
	usage := TokenUsage{Input: 1_000_000, Output: 500_000}
	got := CalculateCost(usage, 3.0, 15.0)
	want := 3.0 + 7.5
	if got != want {
		t.Fatalf("CalculateCost = %v, want %v", got, want)
	}

	if got := CalculateCost(TokenUsage{}, 3.0, 15.0); got != 0 {
		t.Fatalf("zero usage cost = %v", got)
	}
}
