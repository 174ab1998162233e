// Package cost prices Anthropic token usage so operators can see $/sticker
// and $/extraction-job alongside the latency samples C3 already records.
package cost

// ModelRate holds per-model token pricing, in dollars per million tokens.
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Rates holds per-model pricing for every Anthropic model in use.
type Rates map[string]ModelRate

// DefaultRates mirrors the per-million-token pricing published for the
// models sticker-engine calls.
func DefaultRates() Rates {
	return Rates{
		"claude-haiku-4-5-20251001": {
			Input: 0.80, Output: 4.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
		"claude-sonnet-4-5-20250929": {
			Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
		"claude-opus-4-6": {
			Input: 15.00, Output: 75.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
	}
}

// Calculator prices Anthropic token usage.
type Calculator struct {
	rates Rates
}

// NewCalculator builds a Calculator over rates. A nil/empty Rates falls
// back to DefaultRates.
func NewCalculator(rates Rates) *Calculator {
	if len(rates) == 0 {
		rates = DefaultRates()
	}
	return &Calculator{rates: rates}
}

// Claude prices one AI call's token usage in dollars.
func (c *Calculator) Claude(model string, input, output, cacheWrite, cacheRead int64) float64 {
	rate, ok := c.rates[model]
	if !ok {
		return 0
	}
	inCost := float64(input) / 1e6 * rate.Input
	outCost := float64(output) / 1e6 * rate.Output
	cwCost := float64(cacheWrite) / 1e6 * rate.Input * rate.CacheWriteMul
	crCost := float64(cacheRead) / 1e6 * rate.Input * rate.CacheReadMul
	return inCost + outCost + cwCost + crCost
}

// Summary accumulates cost and token counts across many AI calls, e.g. all
// batches of one extraction job.
type Summary struct {
	Calls        int
	InputTokens  int64
	OutputTokens int64
	TotalCostUSD float64
}

// Add folds one call's usage and price into the summary.
func (s *Summary) Add(input, output int64, costUSD float64) {
	s.Calls++
	s.InputTokens += input
	s.OutputTokens += output
	s.TotalCostUSD += costUSD
}
