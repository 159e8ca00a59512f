// Package cost estimates the USD cost of model calls from token usage.
package cost

import "strings"

// Rates holds per-model pricing, keyed by model id. Lookups fall back to the
// longest configured prefix, so "claude-sonnet-4-5" prices dated variants.
type Rates struct {
	Models map[string]ModelRate `yaml:"models" mapstructure:"models"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Usage is provider-neutral token consumption for one call.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64
}

// Calculator computes costs for model usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

func (c *Calculator) rate(model string) (ModelRate, bool) {
	if r, ok := c.rates.Models[model]; ok {
		return r, true
	}
	best, found := "", false
	var out ModelRate
	for name, r := range c.rates.Models {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best, out, found = name, r, true
		}
	}
	return out, found
}

// Estimate returns the cost of one call. Unknown models cost 0.
func (c *Calculator) Estimate(model string, u Usage) float64 {
	rate, ok := c.rate(model)
	if !ok {
		return 0
	}

	inCost := (float64(u.InputTokens) / 1e6) * rate.Input
	outCost := (float64(u.OutputTokens) / 1e6) * rate.Output
	cwCost := (float64(u.CacheWriteTokens) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(u.CacheReadTokens) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// Known reports whether model has a configured rate.
func (c *Calculator) Known(model string) bool {
	_, ok := c.rate(model)
	return ok
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Models: map[string]ModelRate{
			"claude-haiku-4-5": {
				Input: 1.00, Output: 5.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5": {
				Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-6": {
				Input: 15.00, Output: 75.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"gemini-2.5-flash": {
				Input: 0.30, Output: 2.50, CacheReadMul: 0.25,
			},
			"gemini-2.5-pro": {
				Input: 1.25, Output: 10.00, CacheReadMul: 0.25,
			},
		},
	}
}
