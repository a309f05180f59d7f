// Command p95 computes 95th-percentile billing values for one window and
// writes the result files directly, without the service or its job queue.
package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nfabilling/api/internal/artifact"
	"github.com/nfabilling/api/internal/config"
	"github.com/nfabilling/api/internal/engine"
	"github.com/nfabilling/api/internal/model"
	"github.com/nfabilling/api/internal/samplestore"
	"github.com/nfabilling/api/internal/timewindow"
)

type options struct {
	region    string
	partner   string
	start     string
	end       string
	window    string
	days      int
	timezone  string
	direction string
	mode      string
	aggregate bool

	include []string
	exclude []string

	daily           bool
	dailySettlement bool
	sortBy          string
	sortOrder       string

	batchSize int
	unitBase  int
	interval  int

	driver string
	dsn    string
	output string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "p95",
		Short:        "Compute 95th-percentile traffic billing values",
		Long:         "Computes per-group or aggregated 95th-percentile rates over a historical window and writes CSV result files.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.region, "region", "", "region of the monitored groups (required)")
	f.StringVar(&opts.partner, "partner", "", "content partner code (required)")
	f.StringVar(&opts.window, "window", "custom", "window selector: custom, last_week or last_n_days")
	f.StringVar(&opts.start, "start", "", `window start, "2006-01-02 15:04:05" (custom selector)`)
	f.StringVar(&opts.end, "end", "", "window end, exclusive (custom selector)")
	f.IntVar(&opts.days, "days", 0, "trailing day count for last_n_days (default 7)")
	f.StringVar(&opts.timezone, "timezone", "", "window timezone (default from config)")
	f.StringVar(&opts.direction, "direction", "both", "traffic direction: send, recv or both")
	f.StringVar(&opts.mode, "mode", "per_entity", "computation mode: per_entity, aggregate_all or split")
	f.BoolVar(&opts.aggregate, "aggregate-all", false, "shorthand for --mode aggregate_all")
	f.StringSliceVar(&opts.include, "include", nil, "restrict to these institution names")
	f.StringSliceVar(&opts.exclude, "exclude", nil, "excluded subset of split mode")
	f.BoolVar(&opts.daily, "daily", false, "one row per calendar day")
	f.BoolVar(&opts.dailySettlement, "daily-settlement", false, "mean of per-day percentiles as the period value")
	f.StringVar(&opts.sortBy, "sort-by", "", "sort rows by name, date, value or sample_count")
	f.StringVar(&opts.sortOrder, "sort-order", "desc", "sort order: asc or desc")
	f.IntVar(&opts.batchSize, "batch-size", 0, "group keys per sample query (default from config)")
	f.IntVar(&opts.unitBase, "unit-base", 0, "1000 or 1024 (default from config)")
	f.IntVar(&opts.interval, "interval", 0, "sample interval seconds (default from config)")
	f.StringVar(&opts.driver, "driver", "", "sample store driver (default from config)")
	f.StringVar(&opts.dsn, "dsn", "", "sample store DSN (default from config)")
	f.StringVar(&opts.output, "output", ".", "output directory")

	cobra.CheckErr(cmd.MarkFlagRequired("region"))
	cobra.CheckErr(cmd.MarkFlagRequired("partner"))
	return cmd
}

func (o options) computeParams(cfg *config.Config) model.ComputeParams {
	mode := model.ComputeMode(o.mode)
	if o.aggregate {
		mode = model.ModeAggregateAll
	}
	p := model.ComputeParams{
		Region:          o.region,
		PartnerCode:     o.partner,
		Direction:       model.Direction(o.direction),
		Mode:            mode,
		IncludeNames:    o.include,
		ExcludeNames:    o.exclude,
		DailyExport:     o.daily,
		DailySettlement: o.dailySettlement,
		SortBy:          o.sortBy,
		SortOrder:       model.SortOrder(o.sortOrder),
		BatchSize:       o.batchSize,
		UnitBase:        o.unitBase,
		IntervalSeconds: o.interval,
	}
	if p.BatchSize <= 0 {
		p.BatchSize = cfg.SampleStore.BatchSize
	}
	if p.UnitBase == 0 {
		p.UnitBase = cfg.Compute.UnitBase
	}
	if p.IntervalSeconds <= 0 {
		p.IntervalSeconds = cfg.Compute.IntervalSeconds
	}
	return p
}

func run(ctx context.Context, opts options) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	tz := opts.timezone
	if tz == "" {
		tz = cfg.Compute.Timezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("unknown timezone %q: %w", tz, err)
	}

	window, err := timewindow.Resolve(model.WindowSelector(opts.window), model.WindowParams{
		StartTime: opts.start,
		EndTime:   opts.end,
		N:         opts.days,
	}, loc, time.Now())
	if err != nil {
		return err
	}

	driver := opts.driver
	if driver == "" {
		driver = cfg.SampleStore.Driver
	}
	dsn := opts.dsn
	if dsn == "" {
		dsn = cfg.SampleStore.DSN
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("open sample store: %w", err)
	}
	defer db.Close()

	p := opts.computeParams(cfg)
	src := samplestore.New(db, p.BatchSize, log)

	groups, err := src.ListGroups(ctx, samplestore.GroupFilter{
		Region:      p.Region,
		PartnerCode: p.PartnerCode,
		Names:       p.IncludeNames,
	})
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return fmt.Errorf("no monitored groups matched region=%s partner=%s", p.Region, p.PartnerCode)
	}
	log.Info().Int("groups", len(groups)).Str("window", window.Label).Msg("computing")

	results, err := engine.ComputePartitions(ctx, src, groups, p, window, loc, log)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(opts.output, 0o755); err != nil {
		return err
	}
	base := artifact.BaseFilename(p, window.Label, window.End.In(loc).Add(-time.Second).Format("2006-01-02"))
	for _, res := range results {
		suffix := ""
		if res.Name != "" {
			suffix = "_" + res.Name
		}
		if res.Empty {
			log.Warn().Str("partition", res.Name).Msg("no samples in window, nothing written")
			continue
		}
		path := filepath.Join(opts.output, base+suffix+".csv")
		if err := writeCSV(path, res.Rows, p.DailyExport); err != nil {
			return err
		}
		fmt.Println(path)
		if res.NameLines != nil {
			namesPath := filepath.Join(opts.output, base+suffix+"_names.txt")
			if err := os.WriteFile(namesPath, []byte(strings.Join(res.NameLines, "\n")+"\n"), 0o644); err != nil {
				return err
			}
			fmt.Println(namesPath)
		}
	}
	return nil
}

func writeCSV(path string, rows []model.ResultRow, daily bool) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(artifact.Records(rows, daily)); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
