// Package samplestore reads monitored groups and their traffic samples from
// the external collection store. The store is append-only upstream; nothing
// here writes.
package samplestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/nfabilling/api/internal/model"
)

// ErrFetchFailed marks an unreachable store or a rejected batch query. It
// aborts the job it occurs in.
var ErrFetchFailed = errors.New("sample fetch failed")

// DefaultBatchSize bounds the number of group keys per range query.
const DefaultBatchSize = 200

// groupKind filters the group table down to billing-relevant institution
// groups.
const groupKind = "institution"

// Gateway batches sample reads so a job over thousands of groups does not
// issue one query per group.
type Gateway struct {
	db        *sqlx.DB
	batchSize int
	log       zerolog.Logger
}

// New wraps an open sample-store handle. batchSize <= 0 selects the default.
func New(db *sqlx.DB, batchSize int, log zerolog.Logger) *Gateway {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Gateway{db: db, batchSize: batchSize, log: log}
}

// GroupFilter selects monitored groups by region, content-partner code and an
// optional institution-name allowlist.
type GroupFilter struct {
	Region      string
	PartnerCode string
	Names       []string
}

// ListGroups returns the monitored groups matching the filter.
func (g *Gateway) ListGroups(ctx context.Context, f GroupFilter) ([]model.MonitoredGroup, error) {
	query := `SELECT DISTINCT group_id, correlation_id, name, region, partner_code, institution_id, institution_name
		FROM monitored_groups
		WHERE region = ? AND partner_code = ? AND kind = ?`
	args := []interface{}{f.Region, f.PartnerCode, groupKind}

	if len(f.Names) > 0 {
		var err error
		query, args, err = sqlx.In(query+" AND institution_name IN (?)", f.Region, f.PartnerCode, groupKind, f.Names)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
	}

	var groups []model.MonitoredGroup
	if err := g.db.SelectContext(ctx, &groups, g.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("%w: list groups: %v", ErrFetchFailed, err)
	}
	g.log.Debug().Str("region", f.Region).Str("partner", f.PartnerCode).Int("groups", len(groups)).Msg("listed monitored groups")
	return groups, nil
}

// FetchSeries returns the raw sample rows of the given groups inside the
// window, one range query per key batch, merged and ordered by timestamp
// (then group key, for deterministic downstream grouping). Batches partition
// the key list, so the union is duplicate-free.
func (g *Gateway) FetchSeries(ctx context.Context, keys []model.GroupKey, w model.TimeWindow) ([]model.Sample, error) {
	var all []model.Sample
	for _, batch := range batches(keys, g.batchSize) {
		query, args := keyedRangeQuery(
			`SELECT ts, recv_bytes, sent_bytes, group_id, correlation_id FROM traffic_samples`,
			batch, w, "ORDER BY ts")
		var rows []model.Sample
		if err := g.db.SelectContext(ctx, &rows, g.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("%w: series batch of %d keys: %v", ErrFetchFailed, len(batch), err)
		}
		all = append(all, rows...)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].Timestamp.Before(all[j].Timestamp)
		}
		if all[i].GroupID != all[j].GroupID {
			return all[i].GroupID < all[j].GroupID
		}
		return all[i].CorrelationID < all[j].CorrelationID
	})
	return all, nil
}

// FetchSummedSeries returns the per-timestamp sums across all given groups,
// aggregated store-side per batch and merged across batches. Callers that
// get an empty result may fall back to FetchSeries plus client-side
// summation when the store refuses the compound IN clause.
func (g *Gateway) FetchSummedSeries(ctx context.Context, keys []model.GroupKey, w model.TimeWindow) ([]model.Sample, error) {
	sums := make(map[time.Time]*model.Sample)
	for _, batch := range batches(keys, g.batchSize) {
		query, args := keyedRangeQuery(
			`SELECT ts, SUM(recv_bytes) AS recv_bytes, SUM(sent_bytes) AS sent_bytes FROM traffic_samples`,
			batch, w, "GROUP BY ts ORDER BY ts")
		var rows []model.Sample
		if err := g.db.SelectContext(ctx, &rows, g.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("%w: summed batch of %d keys: %v", ErrFetchFailed, len(batch), err)
		}
		for _, r := range rows {
			if agg, ok := sums[r.Timestamp]; ok {
				agg.RecvBytes += r.RecvBytes
				agg.SentBytes += r.SentBytes
			} else {
				s := model.Sample{Timestamp: r.Timestamp, RecvBytes: r.RecvBytes, SentBytes: r.SentBytes}
				sums[r.Timestamp] = &s
			}
		}
	}
	out := make([]model.Sample, 0, len(sums))
	for _, s := range sums {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func keyedRangeQuery(selectClause string, keys []model.GroupKey, w model.TimeWindow, tail string) (string, []interface{}) {
	pairs := make([]string, len(keys))
	args := []interface{}{w.Start, w.End}
	for i, k := range keys {
		pairs[i] = "(?, ?)"
		args = append(args, k.GroupID, k.CorrelationID)
	}
	query := fmt.Sprintf(
		"%s WHERE ts >= ? AND ts < ? AND (group_id, correlation_id) IN (%s) %s",
		selectClause, strings.Join(pairs, ", "), tail)
	return query, args
}

func batches(keys []model.GroupKey, size int) [][]model.GroupKey {
	var out [][]model.GroupKey
	for len(keys) > size {
		out = append(out, keys[:size])
		keys = keys[size:]
	}
	if len(keys) > 0 {
		out = append(out, keys)
	}
	return out
}
