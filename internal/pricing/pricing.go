// Package pricing holds per-model token pricing and cost computation.
// Costs are stored as integer microdollars everywhere downstream.
package pricing

import "math"

// ModelPricing holds per-1K-token costs in USD.
type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Table maps model name to pricing for one provider. Default applies to
// models not present in Models.
type Table struct {
	Models  map[string]ModelPricing
	Default ModelPricing
}

// Known pricing as of mid 2026. Add new models as needed.
var providerTables = map[string]Table{
	"anthropic": {
		Models: map[string]ModelPricing{
			"claude-sonnet-4-5": {0.003, 0.015},
			"claude-haiku-4-5":  {0.001, 0.005},
			"claude-opus-4-1":   {0.015, 0.075},
		},
		Default: ModelPricing{0.003, 0.015},
	},
	"openai": {
		Models: map[string]ModelPricing{
			"gpt-4o":      {0.0025, 0.010},
			"gpt-4o-mini": {0.00015, 0.0006},
			"gpt-4.1":     {0.002, 0.008},
		},
		Default: ModelPricing{0.0025, 0.010},
	},
	"gemini": {
		Models: map[string]ModelPricing{
			"gemini-2.5-pro":   {0.00125, 0.010},
			"gemini-2.5-flash": {0.000075, 0.0003},
		},
		Default: ModelPricing{0.00125, 0.010},
	},
}

// Lookup resolves pricing for a provider/model pair, falling back to the
// provider default tuple for unknown models. Unknown providers price at zero.
func Lookup(provider, model string) ModelPricing {
	table, ok := providerTables[provider]
	if !ok {
		return ModelPricing{}
	}
	if p, ok := table.Models[model]; ok {
		return p
	}
	return table.Default
}

// Microdollars computes the cost of a request in integer microdollars:
// (input/1000)*in_per_1k + (output/1000)*out_per_1k dollars, rounded at
// microdollar precision.
func Microdollars(inputTokens, outputTokens int, p ModelPricing) int64 {
	dollars := (float64(inputTokens)/1000)*p.InputPer1K + (float64(outputTokens)/1000)*p.OutputPer1K
	return int64(math.Round(dollars * 1_000_000))
}

// Cost is a convenience for Lookup + Microdollars.
func Cost(provider, model string, inputTokens, outputTokens int) int64 {
	return Microdollars(inputTokens, outputTokens, Lookup(provider, model))
}
