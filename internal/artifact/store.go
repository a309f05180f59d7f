// Package artifact owns the per-job directory layout on durable storage and
// the export-file writers.
package artifact

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/nfabilling/api/internal/model"
)

// Store lays out artifacts under <base>/results/<jobID>/ and job logs under
// <base>/logs/<jobID>.log.
type Store struct {
	base string
}

func NewStore(base string) *Store {
	return &Store{base: base}
}

// JobDir returns (and creates) the artifact directory of a job.
func (s *Store) JobDir(jobID string) (string, error) {
	d := filepath.Join(s.base, "results", jobID)
	if err := os.MkdirAll(d, 0o755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	return d, nil
}

// LogPath returns the log file path of a job, creating the logs directory.
func (s *Store) LogPath(jobID string) (string, error) {
	d := filepath.Join(s.base, "logs")
	if err := os.MkdirAll(d, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	return filepath.Join(d, jobID+".log"), nil
}

// Resolve maps a requested artifact filename into the job's directory,
// stripping any path components to block traversal.
func (s *Store) Resolve(jobID, filename string) string {
	return filepath.Join(s.base, "results", jobID, filepath.Base(filename))
}

// List returns the artifacts currently present for a job.
func (s *Store) List(jobID string) ([]model.Artifact, error) {
	d := filepath.Join(s.base, "results", jobID)
	entries, err := os.ReadDir(d)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []model.Artifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, model.Artifact{
			Filename: e.Name(),
			Size:     info.Size(),
			Path:     filepath.Join(d, e.Name()),
		})
	}
	return out, nil
}

// Delete removes a job's artifact directory and log file. Both removals are
// attempted; the first error is returned so callers can log and continue.
func (s *Store) Delete(jobID string) error {
	var first error
	if err := os.RemoveAll(filepath.Join(s.base, "results", jobID)); err != nil {
		first = fmt.Errorf("remove artifacts: %w", err)
	}
	logPath := filepath.Join(s.base, "logs", jobID+".log")
	if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) && first == nil {
		first = fmt.Errorf("remove log: %w", err)
	}
	return first
}

func rowHeader(daily bool) []string {
	header := []string{"group_id", "group_name", "correlation_id", "institution_id", "institution_name"}
	if daily {
		header = append(header, "date")
	}
	return append(header, "value_mbps", "sample_count", "direction")
}

func rowRecord(r model.ResultRow, daily bool) []string {
	rec := []string{r.GroupID, r.GroupName, r.CorrelationID, r.InstitutionID, r.InstitutionName}
	if daily {
		rec = append(rec, r.Date)
	}
	return append(rec,
		strconv.FormatFloat(r.ValueMbps, 'f', 4, 64),
		strconv.Itoa(r.SampleCount),
		string(r.Direction))
}

// Records renders result rows as delimited records, header first. The date
// column appears only for daily exports.
func Records(rows []model.ResultRow, daily bool) [][]string {
	records := [][]string{rowHeader(daily)}
	for _, r := range rows {
		records = append(records, rowRecord(r, daily))
	}
	return records
}

// WriteCSV writes result rows as one delimited artifact. Rows render fully
// in memory first so a failed write never leaves a referenced artifact.
func (s *Store) WriteCSV(jobID, name string, rows []model.ResultRow, daily bool) (model.Artifact, error) {
	records := Records(rows, daily)

	dir, err := s.JobDir(jobID)
	if err != nil {
		return model.Artifact{}, err
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return model.Artifact{}, err
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(records); err != nil {
		f.Close()
		os.Remove(path)
		return model.Artifact{}, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return model.Artifact{}, err
	}
	return s.stat(path)
}

// WriteXLSX writes result rows as a single-sheet workbook.
func (s *Store) WriteXLSX(jobID, name string, rows []model.ResultRow, daily bool) (model.Artifact, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	if err := writeSheetRow(f, sheet, 1, rowHeader(daily)); err != nil {
		return model.Artifact{}, err
	}
	for i, r := range rows {
		if err := writeSheetRow(f, sheet, i+2, rowRecord(r, daily)); err != nil {
			return model.Artifact{}, err
		}
	}

	dir, err := s.JobDir(jobID)
	if err != nil {
		return model.Artifact{}, err
	}
	path := filepath.Join(dir, name)
	if err := f.SaveAs(path); err != nil {
		os.Remove(path)
		return model.Artifact{}, err
	}
	return s.stat(path)
}

func writeSheetRow(f *excelize.File, sheet string, row int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return f.SetSheetRow(sheet, cell, &cells)
}

// WriteText writes a plain-text artifact, one line per entry.
func (s *Store) WriteText(jobID, name string, lines []string) (model.Artifact, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return model.Artifact{}, err
	}
	path := filepath.Join(dir, name)
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return model.Artifact{}, err
	}
	return s.stat(path)
}

func (s *Store) stat(path string) (model.Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return model.Artifact{}, err
	}
	return model.Artifact{Filename: filepath.Base(path), Size: info.Size(), Path: path}, nil
}

// BaseFilename composes the artifact base name (no extension) from the
// parameter snapshot. An explicit template may reference {region},
// {partner}, {direction}, {window} and {date}.
func BaseFilename(p model.ComputeParams, windowLabel, endDate string) string {
	if p.FilenameTemplate != "" {
		repl := strings.NewReplacer(
			"{region}", p.Region,
			"{partner}", p.PartnerCode,
			"{direction}", string(p.Direction),
			"{window}", windowLabel,
			"{date}", endDate,
		)
		return repl.Replace(p.FilenameTemplate)
	}
	return fmt.Sprintf("%s-%s-%s-%s", p.Region, p.PartnerCode, p.Direction, windowLabel)
}
