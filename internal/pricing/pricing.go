// Package pricing provides per-model cost estimation for token usage.
package pricing

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Known model pricing as of Aug 2026. Add new models as needed.
var knownModels = map[string]ModelPricing{
	"claude-3-5-haiku-latest":  {0.80, 4.00},
	"claude-3-7-sonnet-latest": {3.00, 15.00},
	"claude-sonnet-4-0":        {3.00, 15.00},
	"claude-sonnet-4-5":        {3.00, 15.00},
	"claude-opus-4-0":          {15.00, 75.00},
	"claude-opus-4-1":          {15.00, 75.00},
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Returns 0.0 for unknown models (safe default).
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := knownModels[model]
	if !ok {
		return 0.0
	}
	return (float64(inputTokens)/1_000_000)*p.InputPer1M +
		(float64(outputTokens)/1_000_000)*p.OutputPer1M
}

// Known reports whether a pricing entry exists for the model.
func Known(model string) bool {
	_, ok := knownModels[model]
	return ok
}
