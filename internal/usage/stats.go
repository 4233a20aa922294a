package usage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"convlog/internal/model"
)

// Window selects sessions by start time relative to now.
type Window string

const (
	WindowDay   Window = "day"
	WindowWeek  Window = "week"
	WindowMonth Window = "month"
	WindowAll   Window = "all"
)

// ParseWindow accepts day, week, month or all (empty means all).
func ParseWindow(value string) (Window, error) {
	switch w := Window(strings.ToLower(strings.TrimSpace(value))); w {
	case "":
		return WindowAll, nil
	case WindowDay, WindowWeek, WindowMonth, WindowAll:
		return w, nil
	default:
		return "", fmt.Errorf("invalid window %q (use day, week, month or all)", value)
	}
}

// Since returns the window's lower bound, or the zero time for WindowAll.
func (w Window) Since(now time.Time) time.Time {
	switch w {
	case WindowDay:
		return now.AddDate(0, 0, -1)
	case WindowWeek:
		return now.AddDate(0, 0, -7)
	case WindowMonth:
		return now.AddDate(0, 0, -30)
	default:
		return time.Time{}
	}
}

// Label is a human readable description of the window.
func (w Window) Label() string {
	switch w {
	case WindowDay:
		return "Last 24 hours"
	case WindowWeek:
		return "Last 7 days"
	case WindowMonth:
		return "Last 30 days"
	default:
		return "All time"
	}
}

// Count is a named counter used for ranked breakdowns.
type Count struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Stats summarises usage over a set of sessions.
type Stats struct {
	Window         Window        `json:"window"`
	Since          time.Time     `json:"since,omitzero"`
	Sessions       int           `json:"sessions"`
	Messages       int           `json:"messages"`
	AvgMessages    float64       `json:"avg_messages"`
	Usage          model.Usage   `json:"usage"`
	Totals         Totals        `json:"-"`
	Cost           float64       `json:"cost"`
	CostPerSession float64       `json:"cost_per_session"`
	TotalDuration  time.Duration `json:"total_duration"`
	AvgDuration    time.Duration `json:"avg_duration"`
	Tools          []Count       `json:"tools,omitempty"`
	Models         []Count       `json:"models,omitempty"`
	// Weekdays counts sessions by start day, Monday first.
	Weekdays [7]int `json:"weekdays"`
}

// TopTools is how many tools Aggregate keeps.
const TopTools = 10

// Aggregate folds session metadata into Stats. A session is in the window
// when it started at or after the window's lower bound; its totals count in
// full.
func Aggregate(metas []model.SessionMetadata, w Window, now time.Time, p Pricing) Stats {
	stats := Stats{Window: w, Since: w.Since(now), Totals: NewTotals()}
	tools := make(map[string]int)
	models := make(map[string]int)

	for _, meta := range metas {
		if !stats.Since.IsZero() && (meta.FirstAt.IsZero() || meta.FirstAt.Before(stats.Since)) {
			continue
		}
		stats.Sessions++
		stats.Messages += meta.Messages
		stats.TotalDuration += meta.Duration()
		for name, u := range meta.ByModel {
			stats.Totals.Add(name, u)
		}
		for name, n := range meta.ToolCalls {
			tools[name] += n
		}
		for name, n := range meta.ModelMessages {
			models[name] += n
		}
		if !meta.FirstAt.IsZero() {
			stats.Weekdays[mondayFirst(meta.FirstAt.In(now.Location()).Weekday())]++
		}
	}

	stats.Usage = stats.Totals.Sum()
	stats.Cost = stats.Totals.Cost(p)
	if stats.Sessions > 0 {
		stats.AvgMessages = float64(stats.Messages) / float64(stats.Sessions)
		stats.CostPerSession = stats.Cost / float64(stats.Sessions)
		stats.AvgDuration = stats.TotalDuration / time.Duration(stats.Sessions)
	}
	stats.Tools = ranked(tools, TopTools)
	stats.Models = ranked(models, 0)
	return stats
}

func mondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// ranked sorts counts descending (name ascending on ties) and keeps at most
// limit entries when limit > 0.
func ranked(counts map[string]int, limit int) []Count {
	out := make([]Count, 0, len(counts))
	for name, n := range counts {
		out = append(out, Count{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
