// Package partition decides which monitored groups are computed individually
// and which are summed together before the percentile step, and shapes the
// resulting rows.
package partition

import (
	"fmt"
	"sort"
	"time"

	"github.com/nfabilling/api/internal/model"
	"github.com/nfabilling/api/internal/percentile"
)

// Partition is one independent unit of computation with its own output.
type Partition struct {
	// Name suffixes the output filename; empty for a sole partition.
	Name string
	// Groups selected into this partition.
	Groups []model.MonitoredGroup
	// Aggregate sums all groups per timestamp before the percentile step.
	Aggregate bool
	// Label names the synthetic row of an aggregate partition.
	Label string
	// WriteNames emits the auxiliary group-name list artifact.
	WriteNames bool
}

// Plan maps the selected groups onto partitions for the requested mode.
// Empty partitions are dropped.
func Plan(groups []model.MonitoredGroup, p model.ComputeParams) []Partition {
	switch p.Mode {
	case model.ModeAggregateAll:
		return []Partition{{Groups: groups, Aggregate: true, Label: "all-groups total"}}
	case model.ModeSplit:
		excluded, remaining := splitByName(groups, p.ExcludeNames)
		var parts []Partition
		if len(excluded) > 0 {
			parts = append(parts, Partition{Name: "excluded", Groups: excluded})
		}
		if len(remaining) > 0 {
			parts = append(parts, Partition{
				Name:       "remaining",
				Groups:     remaining,
				Aggregate:  true,
				Label:      "remaining total",
				WriteNames: true,
			})
		}
		return parts
	default:
		return []Partition{{Groups: groups}}
	}
}

func splitByName(groups []model.MonitoredGroup, excludeNames []string) (excluded, remaining []model.MonitoredGroup) {
	set := make(map[string]struct{}, len(excludeNames))
	for _, n := range excludeNames {
		set[n] = struct{}{}
	}
	for _, g := range groups {
		if _, ok := set[g.InstitutionName]; ok {
			excluded = append(excluded, g)
		} else {
			remaining = append(remaining, g)
		}
	}
	return excluded, remaining
}

// NameCount is one unique group name with its duplicate count.
type NameCount struct {
	Name  string
	Count int
}

// NameCounts deduplicates group display names, preferring the group name over
// the institution name, sorted alphabetically.
func NameCounts(groups []model.MonitoredGroup) []NameCount {
	counts := make(map[string]int)
	for _, g := range groups {
		name := g.Name
		if name == "" {
			name = g.InstitutionName
		}
		if name != "" {
			counts[name]++
		}
	}
	out := make([]NameCount, 0, len(counts))
	for name, c := range counts {
		out = append(out, NameCount{Name: name, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Line renders a name list entry, appending " xN" for duplicates.
func (n NameCount) Line() string {
	if n.Count > 1 {
		return fmt.Sprintf("%s x%d", n.Name, n.Count)
	}
	return n.Name
}

// SumByTimestamp sums recv/send across groups at each aligned timestamp.
// Client-side fallback for when store-side aggregation is unavailable.
func SumByTimestamp(samples []model.Sample) []model.Sample {
	byTS := make(map[time.Time]*model.Sample)
	for _, s := range samples {
		ts := s.Timestamp
		if agg, ok := byTS[ts]; ok {
			agg.RecvBytes += s.RecvBytes
			agg.SentBytes += s.SentBytes
		} else {
			byTS[ts] = &model.Sample{Timestamp: ts, RecvBytes: s.RecvBytes, SentBytes: s.SentBytes}
		}
	}
	out := make([]model.Sample, 0, len(byTS))
	for _, s := range byTS {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// daySeries is one calendar day's samples.
type daySeries struct {
	date    string
	samples []model.Sample
}

func groupByDay(samples []model.Sample, loc *time.Location) []daySeries {
	byDay := make(map[string][]model.Sample)
	for _, s := range samples {
		d := s.Timestamp.In(loc).Format("2006-01-02")
		byDay[d] = append(byDay[d], s)
	}
	days := make([]daySeries, 0, len(byDay))
	for d, ss := range byDay {
		days = append(days, daySeries{date: d, samples: ss})
	}
	sort.Slice(days, func(i, j int) bool { return days[i].date < days[j].date })
	return days
}

// EntityRows reduces one group's samples to result rows. Daily export yields
// one row per day present in the samples; daily settlement yields a single
// row averaging the per-day values; the default is one whole-period
// percentile row. A group without samples yields a single zero row in period
// mode and nothing in daily mode.
func EntityRows(g model.MonitoredGroup, samples []model.Sample, p model.ComputeParams, eng percentile.Engine, loc *time.Location) []model.ResultRow {
	base := model.ResultRow{
		GroupID:         g.ID,
		GroupName:       g.Name,
		CorrelationID:   g.CorrelationID,
		InstitutionID:   g.InstitutionID,
		InstitutionName: g.InstitutionName,
		Direction:       p.Direction,
	}
	return reduce(base, samples, p, eng, loc)
}

// AggregateRows reduces an already-summed series to result rows under a
// synthetic label. Returns nil for an empty series; the caller decides how
// to surface the zero-sample case.
func AggregateRows(label string, samples []model.Sample, p model.ComputeParams, eng percentile.Engine, loc *time.Location) []model.ResultRow {
	if len(samples) == 0 {
		return nil
	}
	base := model.ResultRow{GroupName: label, Direction: p.Direction}
	return reduce(base, samples, p, eng, loc)
}

func reduce(base model.ResultRow, samples []model.Sample, p model.ComputeParams, eng percentile.Engine, loc *time.Location) []model.ResultRow {
	switch {
	case p.DailyExport:
		var rows []model.ResultRow
		for _, day := range groupByDay(samples, loc) {
			row := base
			row.Date = day.date
			row.ValueMbps, row.SampleCount = eng.Billing(day.samples, p.Direction)
			rows = append(rows, row)
		}
		return rows
	case p.DailySettlement:
		// Per-day percentile first, then the arithmetic mean as the single
		// period value. Not equivalent to the whole-period percentile.
		days := groupByDay(samples, loc)
		values := make([]float64, len(days))
		for i, day := range days {
			values[i], _ = eng.Billing(day.samples, p.Direction)
		}
		row := base
		row.ValueMbps = percentile.Mean(values)
		row.SampleCount = len(samples)
		return []model.ResultRow{row}
	default:
		row := base
		row.ValueMbps, row.SampleCount = eng.Billing(samples, p.Direction)
		return []model.ResultRow{row}
	}
}

// SortRows orders result rows by a named column. Unknown fields leave the
// slice untouched; the sort is stable so equal keys keep fetch order.
func SortRows(rows []model.ResultRow, field string, order model.SortOrder) {
	var less func(a, b model.ResultRow) bool
	switch field {
	case "name":
		less = func(a, b model.ResultRow) bool { return a.GroupName < b.GroupName }
	case "date":
		less = func(a, b model.ResultRow) bool { return a.Date < b.Date }
	case "value":
		less = func(a, b model.ResultRow) bool { return a.ValueMbps < b.ValueMbps }
	case "sample_count":
		less = func(a, b model.ResultRow) bool { return a.SampleCount < b.SampleCount }
	default:
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if order == model.SortDesc {
			return less(rows[j], rows[i])
		}
		return less(rows[i], rows[j])
	})
}
