package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nfabilling/api/internal/artifact"
	"github.com/nfabilling/api/internal/model"
	"github.com/nfabilling/api/internal/partition"
	"github.com/nfabilling/api/internal/percentile"
	"github.com/nfabilling/api/internal/samplestore"
)

// SampleSource is the read surface of the sample store a computation needs.
type SampleSource interface {
	ListGroups(ctx context.Context, f samplestore.GroupFilter) ([]model.MonitoredGroup, error)
	FetchSeries(ctx context.Context, keys []model.GroupKey, w model.TimeWindow) ([]model.Sample, error)
	FetchSummedSeries(ctx context.Context, keys []model.GroupKey, w model.TimeWindow) ([]model.Sample, error)
}

// PartitionResult carries one partition's computed rows, plus the auxiliary
// name list when the partition asks for one. Empty marks an aggregate
// partition whose window held no samples at all.
type PartitionResult struct {
	Name      string
	Rows      []model.ResultRow
	NameLines []string
	Empty     bool
}

// ComputePartitions runs the fetch-and-reduce pipeline for an already
// selected set of groups: plan partitions, pull each partition's series and
// reduce it to result rows. Any fetch error aborts the whole computation;
// there are no partial results.
func ComputePartitions(ctx context.Context, src SampleSource, groups []model.MonitoredGroup, p model.ComputeParams, w model.TimeWindow, loc *time.Location, log zerolog.Logger) ([]PartitionResult, error) {
	eng := percentile.New(p.UnitBase, p.IntervalSeconds)
	var results []PartitionResult
	for _, part := range partition.Plan(groups, p) {
		res := PartitionResult{Name: part.Name}
		keys := make([]model.GroupKey, len(part.Groups))
		for i, g := range part.Groups {
			keys[i] = g.Key()
		}

		if part.Aggregate {
			summed, err := src.FetchSummedSeries(ctx, keys, w)
			if err != nil {
				return nil, err
			}
			if len(summed) == 0 {
				// The store may refuse the compound aggregation; re-sum the
				// raw series client-side before concluding the window is
				// empty.
				raw, err := src.FetchSeries(ctx, keys, w)
				if err != nil {
					return nil, err
				}
				summed = partition.SumByTimestamp(raw)
			}
			res.Rows = partition.AggregateRows(part.Label, summed, p, eng, loc)
			if res.Rows == nil {
				res.Empty = true
				log.Warn().Str("partition", part.Name).Int("groups", len(keys)).Msg("no samples in window")
			}
		} else {
			raw, err := src.FetchSeries(ctx, keys, w)
			if err != nil {
				return nil, err
			}
			byKey := make(map[model.GroupKey][]model.Sample)
			for _, s := range raw {
				k := model.GroupKey{GroupID: s.GroupID, CorrelationID: s.CorrelationID}
				byKey[k] = append(byKey[k], s)
			}
			for _, g := range part.Groups {
				rows := partition.EntityRows(g, byKey[g.Key()], p, eng, loc)
				if len(rows) == 0 {
					log.Warn().Str("group", g.ID).Str("name", g.InstitutionName).Msg("no samples for group, skipped in daily export")
				}
				res.Rows = append(res.Rows, rows...)
			}
		}

		if p.SortBy != "" {
			partition.SortRows(res.Rows, p.SortBy, p.SortOrder)
		}
		if part.WriteNames {
			for _, nc := range partition.NameCounts(part.Groups) {
				res.NameLines = append(res.NameLines, nc.Line())
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// ComputeRunner is the production Runner: it selects groups, computes every
// partition and writes the output files.
type ComputeRunner struct {
	src       SampleSource
	artifacts *artifact.Store
	partners  map[string]string
	loc       *time.Location
}

// NewComputeRunner wires the pipeline. partners maps partner codes to display
// names; unmapped codes are flagged in the job log but do not fail the job.
func NewComputeRunner(src SampleSource, artifacts *artifact.Store, partners map[string]string, loc *time.Location) *ComputeRunner {
	if loc == nil {
		loc = time.UTC
	}
	return &ComputeRunner{src: src, artifacts: artifacts, partners: partners, loc: loc}
}

// Run executes one job end to end and returns the artifacts it produced.
func (r *ComputeRunner) Run(ctx context.Context, job model.Job, jobLog zerolog.Logger) ([]model.Artifact, error) {
	p := job.Params
	if name, ok := r.partners[p.PartnerCode]; ok {
		jobLog.Info().Str("partner", name).Msg("content partner resolved")
	} else {
		jobLog.Warn().Str("partner_code", p.PartnerCode).Msg("no display name mapped for partner code")
	}

	groups, err := r.src.ListGroups(ctx, samplestore.GroupFilter{
		Region:      p.Region,
		PartnerCode: p.PartnerCode,
		Names:       p.IncludeNames,
	})
	if err != nil {
		return nil, err
	}

	endDate := job.Window.End.In(r.loc).Add(-time.Second).Format("2006-01-02")
	base := artifact.BaseFilename(p, job.Window.Label, endDate)

	if len(groups) == 0 {
		jobLog.Warn().Str("region", p.Region).Str("partner_code", p.PartnerCode).Msg("no monitored groups matched")
		a, err := r.artifacts.WriteText(job.ID, base+"-no_data.txt",
			[]string{fmt.Sprintf("no monitored groups matched region=%s partner=%s window=%s", p.Region, p.PartnerCode, job.Window.Label)})
		if err != nil {
			return nil, err
		}
		return []model.Artifact{a}, nil
	}
	jobLog.Info().Int("groups", len(groups)).Msg("groups selected")

	results, err := ComputePartitions(ctx, r.src, groups, p, job.Window, r.loc, jobLog)
	if err != nil {
		return nil, err
	}

	var artifacts []model.Artifact
	for _, res := range results {
		suffix := ""
		if res.Name != "" {
			suffix = "_" + res.Name
		}
		if res.Empty {
			a, err := r.artifacts.WriteText(job.ID, base+suffix+"-no_samples.txt",
				[]string{fmt.Sprintf("no samples in window %s", job.Window.Label)})
			if err != nil {
				return nil, err
			}
			artifacts = append(artifacts, a)
			continue
		}
		for _, format := range p.ExportFormats {
			var (
				a   model.Artifact
				err error
			)
			switch format {
			case model.ExportXLSX:
				a, err = r.artifacts.WriteXLSX(job.ID, base+suffix+".xlsx", res.Rows, p.DailyExport)
			default:
				a, err = r.artifacts.WriteCSV(job.ID, base+suffix+".csv", res.Rows, p.DailyExport)
			}
			if err != nil {
				return nil, err
			}
			artifacts = append(artifacts, a)
		}
		if res.NameLines != nil {
			a, err := r.artifacts.WriteText(job.ID, base+suffix+"_names.txt", res.NameLines)
			if err != nil {
				return nil, err
			}
			artifacts = append(artifacts, a)
		}
	}
	return artifacts, nil
}
