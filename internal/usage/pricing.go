// Package usage aggregates token counts and estimates cost.
package usage

import (
	"sort"
	"strings"

	"convlog/internal/model"
)

// Rate is a price in USD per million tokens for each token class.
type Rate struct {
	Input      float64 `yaml:"input" json:"input"`
	Output     float64 `yaml:"output" json:"output"`
	CacheRead  float64 `yaml:"cache_read" json:"cache_read"`
	CacheWrite float64 `yaml:"cache_write" json:"cache_write"`
}

// Cost prices u at r.
func (r Rate) Cost(u model.Usage) float64 {
	return (float64(u.InputTokens)*r.Input +
		float64(u.OutputTokens)*r.Output +
		float64(u.CacheReadTokens)*r.CacheRead +
		float64(u.CacheWriteTokens)*r.CacheWrite) / 1_000_000
}

// Pricing maps model name prefixes to rates. The longest matching prefix
// wins; models matching nothing use Default.
type Pricing struct {
	Default Rate
	Models  map[string]Rate
}

// DefaultPricing returns the built-in table.
func DefaultPricing() Pricing {
	return Pricing{
		Default: Rate{Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},
		Models: map[string]Rate{
			"claude-opus-4-5":   {Input: 5, Output: 25, CacheRead: 0.5, CacheWrite: 6.25},
			"claude-opus":       {Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},
			"claude-sonnet":     {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
			"claude-3-5-sonnet": {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
			"claude-3-7-sonnet": {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
			"claude-haiku-4-5":  {Input: 1, Output: 5, CacheRead: 0.1, CacheWrite: 1.25},
			"claude-3-5-haiku":  {Input: 0.8, Output: 4, CacheRead: 0.08, CacheWrite: 1},
			"claude-3-haiku":    {Input: 0.25, Output: 1.25, CacheRead: 0.03, CacheWrite: 0.3},
		},
	}
}

// With returns a copy of p with overrides applied on top.
func (p Pricing) With(overrides map[string]Rate) Pricing {
	out := Pricing{Default: p.Default, Models: make(map[string]Rate, len(p.Models)+len(overrides))}
	for k, v := range p.Models {
		out.Models[k] = v
	}
	for k, v := range overrides {
		if k == "default" {
			out.Default = v
			continue
		}
		out.Models[k] = v
	}
	return out
}

// RateFor returns the rate for modelName.
func (p Pricing) RateFor(modelName string) Rate {
	best := ""
	rate := p.Default
	for prefix, r := range p.Models {
		if strings.HasPrefix(modelName, prefix) && len(prefix) > len(best) {
			best = prefix
			rate = r
		}
	}
	return rate
}

// Totals accumulates usage per model. Sums are integers, so any grouping of
// Add and Merge calls yields the same result.
type Totals struct {
	ByModel map[string]model.Usage
}

// NewTotals returns empty totals.
func NewTotals() Totals {
	return Totals{ByModel: make(map[string]model.Usage)}
}

// Add records u against modelName. Records without a model are grouped
// under the empty name.
func (t *Totals) Add(modelName string, u model.Usage) {
	if u.IsZero() {
		return
	}
	if t.ByModel == nil {
		t.ByModel = make(map[string]model.Usage)
	}
	t.ByModel[modelName] = t.ByModel[modelName].Add(u)
}

// Merge folds o into t.
func (t *Totals) Merge(o Totals) {
	for name, u := range o.ByModel {
		t.Add(name, u)
	}
}

// Sum returns usage across all models.
func (t Totals) Sum() model.Usage {
	var total model.Usage
	for _, u := range t.ByModel {
		total = total.Add(u)
	}
	return total
}

// Models returns model names in sorted order.
func (t Totals) Models() []string {
	names := make([]string, 0, len(t.ByModel))
	for name := range t.ByModel {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Cost prices every model at its own rate. Models are visited in sorted
// order so the floating point sum is stable.
func (t Totals) Cost(p Pricing) float64 {
	var cost float64
	for _, name := range t.Models() {
		cost += p.RateFor(name).Cost(t.ByModel[name])
	}
	return cost
}
