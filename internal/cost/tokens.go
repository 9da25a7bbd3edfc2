package cost

// TokenUsage represents input and output token counts.
type TokenUsage struct {
	Input  int
	Output int
}

// EstimateTokens provides a rough estimate of token count (approx 4 chars
// per token). Used when the child process omits usage numbers.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	// Rough heuristic for English/Code: 1 token per 4 characters
	tokens := len(text) / 4
	if tokens == 0 && len(text) > 0 {
		return 1
	}
	return tokens
}

// FillEstimates replaces zero counts with length-based estimates.
func FillEstimates(usage TokenUsage, prompt, output string) TokenUsage {
	if usage.Input == 0 {
		usage.Input = EstimateTokens(prompt)
	}
	if usage.Output == 0 {
		usage.Output = EstimateTokens(output)
	}
	return usage
}

// CalculateCost calculates total cost in USD based on token counts and pricing per million tokens.
func CalculateCost(usage TokenUsage, inputPriceMtok, outputPriceMtok float64) float64 {
	inputCost := (float64(usage.Input) / 1000000.0) * inputPriceMtok
	outputCost := (float64(usage.Output) / 1000000.0) * outputPriceMtok
	return inputCost + outputCost
}
