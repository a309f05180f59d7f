package timewindow

import (
	"errors"
	"fmt"
	"time"

	"github.com/nfabilling/api/internal/model"
)

// ErrInvalidWindow marks bad or missing selector parameters. It is returned
// synchronously at job creation; no job is ever created from it.
var ErrInvalidWindow = errors.New("invalid time window")

const timeLayout = "2006-01-02 15:04:05"

// DefaultTrailingDays applies when last_n_days is given no day count.
const DefaultTrailingDays = 7

// Resolve turns a selector plus its parameters into a concrete half-open
// window [start, end). The caller supplies "now" so scheduled and ad-hoc
// resolution share one code path and tests can pin the clock. Resolution
// happens once, at job creation; the result is frozen into the job snapshot.
func Resolve(selector model.WindowSelector, params model.WindowParams, loc *time.Location, now time.Time) (model.TimeWindow, error) {
	switch selector {
	case model.SelectorCustom:
		return resolveCustom(params, loc)
	case model.SelectorLastWeek:
		return resolveLastWeek(loc, now), nil
	case model.SelectorLastNDays:
		return resolveLastNDays(params, loc, now)
	default:
		return model.TimeWindow{}, fmt.Errorf("%w: unsupported selector %q", ErrInvalidWindow, selector)
	}
}

func resolveCustom(params model.WindowParams, loc *time.Location) (model.TimeWindow, error) {
	if params.StartTime == "" || params.EndTime == "" {
		return model.TimeWindow{}, fmt.Errorf("%w: custom selector requires startTime and endTime", ErrInvalidWindow)
	}
	start, err := time.ParseInLocation(timeLayout, params.StartTime, loc)
	if err != nil {
		return model.TimeWindow{}, fmt.Errorf("%w: startTime: %v", ErrInvalidWindow, err)
	}
	end, err := time.ParseInLocation(timeLayout, params.EndTime, loc)
	if err != nil {
		return model.TimeWindow{}, fmt.Errorf("%w: endTime: %v", ErrInvalidWindow, err)
	}
	if !end.After(start) {
		return model.TimeWindow{}, fmt.Errorf("%w: endTime must be after startTime", ErrInvalidWindow)
	}
	label := fmt.Sprintf("%s-%s", start.Format("20060102"), end.Format("20060102"))
	return model.TimeWindow{Start: start, End: end, Label: label}, nil
}

// resolveLastWeek yields the previous full Monday-to-Sunday week relative to
// now in loc: [last Monday 00:00, this Monday 00:00).
func resolveLastWeek(loc *time.Location, now time.Time) model.TimeWindow {
	now = now.In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	// time.Weekday counts Sunday as 0; shift so Monday is 0.
	offset := (int(now.Weekday()) + 6) % 7
	thisMonday := midnight.AddDate(0, 0, -offset)
	start := thisMonday.AddDate(0, 0, -7)
	end := thisMonday
	label := fmt.Sprintf("%s-%s", start.Format("20060102"), end.AddDate(0, 0, -1).Format("20060102"))
	return model.TimeWindow{Start: start, End: end, Label: label}
}

// resolveLastNDays yields the trailing n full days ending with yesterday:
// [today-n 00:00, today 00:00).
func resolveLastNDays(params model.WindowParams, loc *time.Location, now time.Time) (model.TimeWindow, error) {
	n := params.N
	if n == 0 {
		n = DefaultTrailingDays
	}
	if n < 1 {
		return model.TimeWindow{}, fmt.Errorf("%w: day count must be at least 1, got %d", ErrInvalidWindow, n)
	}
	now = now.In(loc)
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	start := end.AddDate(0, 0, -n)
	label := fmt.Sprintf("last%dd-%s", n, end.AddDate(0, 0, -1).Format("20060102"))
	return model.TimeWindow{Start: start, End: end, Label: label}, nil
}
