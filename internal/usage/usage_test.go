package usage

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convlog/internal/model"
)

func TestRateForLongestPrefix(t *testing.T) {
	p := DefaultPricing()

	assert.Equal(t, p.Models["claude-sonnet"], p.RateFor("claude-sonnet-4-20250514"))
	assert.Equal(t, p.Models["claude-opus-4-5"], p.RateFor("claude-opus-4-5-20251101"))
	assert.Equal(t, p.Models["claude-opus"], p.RateFor("claude-opus-4-1-20250805"))
	assert.Equal(t, p.Default, p.RateFor("some-other-model"))
}

func TestPricingWithOverrides(t *testing.T) {
	p := DefaultPricing().With(map[string]Rate{
		"default":       {Input: 1},
		"claude-sonnet": {Input: 2, Output: 4},
	})
	assert.Equal(t, Rate{Input: 1}, p.Default)
	assert.Equal(t, Rate{Input: 2, Output: 4}, p.RateFor("claude-sonnet-4"))
	// the base table is untouched
	assert.Equal(t, 3.0, DefaultPricing().RateFor("claude-sonnet-4").Input)
}

func TestRateCost(t *testing.T) {
	r := Rate{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75}
	u := model.Usage{InputTokens: 1_000_000, OutputTokens: 2_000_000, CacheReadTokens: 1_000_000, CacheWriteTokens: 0}
	assert.InDelta(t, 3+30+0.3, r.Cost(u), 1e-9)
}

func TestTotalsOrderIndependent(t *testing.T) {
	type item struct {
		model string
		usage model.Usage
	}
	rng := rand.New(rand.NewSource(7))
	models := []string{"claude-sonnet-4", "claude-opus-4-1", "claude-3-5-haiku", ""}
	items := make([]item, 200)
	for i := range items {
		items[i] = item{
			model: models[rng.Intn(len(models))],
			usage: model.Usage{
				InputTokens:      rng.Int63n(10_000),
				OutputTokens:     rng.Int63n(10_000),
				CacheReadTokens:  rng.Int63n(100_000),
				CacheWriteTokens: rng.Int63n(5_000),
			},
		}
	}

	linear := NewTotals()
	for _, it := range items {
		linear.Add(it.model, it.usage)
	}

	for trial := 0; trial < 5; trial++ {
		shuffled := append([]item(nil), items...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		// fold into uneven groups, then merge the groups in reverse
		var groups []Totals
		for start := 0; start < len(shuffled); {
			size := 1 + rng.Intn(30)
			end := min(start+size, len(shuffled))
			g := NewTotals()
			for _, it := range shuffled[start:end] {
				g.Add(it.model, it.usage)
			}
			groups = append(groups, g)
			start = end
		}
		merged := NewTotals()
		for i := len(groups) - 1; i >= 0; i-- {
			merged.Merge(groups[i])
		}

		require.Equal(t, linear.ByModel, merged.ByModel)
		require.Equal(t, linear.Sum(), merged.Sum())
		require.Equal(t, linear.Cost(DefaultPricing()), merged.Cost(DefaultPricing()))
	}
}

func TestParseWindow(t *testing.T) {
	for input, want := range map[string]Window{"": WindowAll, "DAY": WindowDay, "week": WindowWeek, " month ": WindowMonth, "all": WindowAll} {
		got, err := ParseWindow(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
	_, err := ParseWindow("year")
	assert.Error(t, err)
}

func TestAggregate(t *testing.T) {
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC) // Friday
	metas := []model.SessionMetadata{
		{
			SessionID: "recent",
			Messages:  4,
			FirstAt:   now.Add(-2 * time.Hour),
			LastAt:    now.Add(-1 * time.Hour),
			ByModel: map[string]model.Usage{
				"claude-sonnet-4": {InputTokens: 1_000_000},
			},
			ToolCalls:     map[string]int{"Bash": 3, "Read": 1},
			ModelMessages: map[string]int{"claude-sonnet-4": 2},
		},
		{
			SessionID: "three-days",
			Messages:  2,
			FirstAt:   now.AddDate(0, 0, -3),
			LastAt:    now.AddDate(0, 0, -3).Add(30 * time.Minute),
			ByModel: map[string]model.Usage{
				"claude-opus-4-1": {OutputTokens: 1_000_000},
			},
			ToolCalls:     map[string]int{"Read": 3},
			ModelMessages: map[string]int{"claude-opus-4-1": 1},
		},
		{SessionID: "old", Messages: 10, FirstAt: now.AddDate(0, -3, 0)},
		{SessionID: "undated", Messages: 1},
	}

	day := Aggregate(metas, WindowDay, now, DefaultPricing())
	assert.Equal(t, 1, day.Sessions)
	assert.Equal(t, 4, day.Messages)
	assert.InDelta(t, 3.0, day.Cost, 1e-9)
	assert.Equal(t, time.Hour, day.TotalDuration)
	assert.Equal(t, 1, day.Weekdays[4]) // Friday

	week := Aggregate(metas, WindowWeek, now, DefaultPricing())
	assert.Equal(t, 2, week.Sessions)
	assert.Equal(t, 6, week.Messages)
	assert.InDelta(t, 3.0+75.0, week.Cost, 1e-9)
	assert.InDelta(t, 39.0, week.CostPerSession, 1e-9)
	assert.Equal(t, 45*time.Minute, week.AvgDuration)
	assert.Equal(t, []Count{{Name: "Read", Count: 4}, {Name: "Bash", Count: 3}}, week.Tools)
	assert.Equal(t, []Count{{Name: "claude-sonnet-4", Count: 2}, {Name: "claude-opus-4-1", Count: 1}}, week.Models)
	assert.Equal(t, model.Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}, week.Usage)

	all := Aggregate(metas, WindowAll, now, DefaultPricing())
	assert.Equal(t, 4, all.Sessions)
	assert.Equal(t, 17, all.Messages)
	assert.False(t, math.IsNaN(all.AvgMessages))
}
