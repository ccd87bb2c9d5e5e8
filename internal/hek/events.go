package hek

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned by EventIndex lookups for unknown ids.
var ErrNotFound = errors.New("event not found")

// TimeLayout is the timestamp format of the event table.
const TimeLayout = "2006-01-02 15:04:05"

var csvHeader = []string{
	"event_id", "hek_id", "start_time", "peak_time", "end_time",
	"hpc_x", "hpc_y", "goes_class", "distance", "ar_noaa",
}

// Event is one row of the filtered event table.
type Event struct {
	ID        string
	HEKID     string
	StartTime time.Time
	PeakTime  time.Time
	EndTime   time.Time
	HPCX      *float64
	HPCY      *float64
	GOESClass string
	Distance  float64
	ARNOAA    *int
}

// HasCoords reports whether both catalog coordinates are known.
func (e Event) HasCoords() bool {
	return e.HPCX != nil && e.HPCY != nil
}

// Window is a catalog search interval.
type Window struct {
	Start time.Time
	End   time.Time
}

// ParseWindow parses "YYYY-MM-DD" or full timestamps.
func ParseWindow(start, end string) (Window, error) {
	s, err := ParseTime(start)
	if err != nil {
		return Window{}, err
	}
	e, err := ParseTime(end)
	if err != nil {
		return Window{}, err
	}
	if e.Before(s) {
		return Window{}, fmt.Errorf("window end %s before start %s", end, start)
	}
	return Window{Start: s, End: e}, nil
}

// ParseTime accepts the timestamp forms used by HEK and the event table.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
		time.RFC3339Nano,
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// Distance is the angular distance from disk center in arcsec; +Inf when
// either coordinate is missing.
func Distance(x, y *float64) float64 {
	if x == nil || y == nil {
		return math.Inf(1)
	}
	return math.Hypot(*x, *y)
}

// Filter keeps flares at or above threshold within maxDistance of disk
// center. Ids continue from next, formatted event_%04d.
func Filter(records []Record, threshold string, maxDistance float64, next int, logger *slog.Logger) ([]Event, error) {
	limit, err := ParseGOESClass(threshold)
	if err != nil {
		return nil, fmt.Errorf("threshold: %w", err)
	}
	var out []Event
	for _, r := range records {
		flux, err := ParseGOESClass(r.GOESClass)
		if err != nil {
			logger.Debug("skipping flare with invalid class", "hek_id", r.ID(), "class", r.GOESClass)
			continue
		}
		if flux < limit {
			continue
		}
		dist := Distance(r.HPCX, r.HPCY)
		if dist > maxDistance {
			continue
		}
		ev := Event{
			ID:        fmt.Sprintf("event_%04d", next+len(out)),
			HEKID:     r.ID(),
			HPCX:      r.HPCX,
			HPCY:      r.HPCY,
			GOESClass: r.GOESClass,
			Distance:  dist,
			ARNOAA:    r.ARNOAA,
		}
		ev.StartTime, _ = ParseTime(r.StartTime)
		ev.EndTime, _ = ParseTime(r.EndTime)
		if ev.PeakTime, err = ParseTime(r.PeakTime); err != nil {
			logger.Warn("flare without peak time", "hek_id", r.ID(), "error", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// QueryEvents searches every window in order and returns the filtered table.
func QueryEvents(ctx context.Context, s Searcher, windows []Window, threshold string, maxDistance float64, logger *slog.Logger) ([]Event, error) {
	var all []Event
	for _, w := range windows {
		logger.Info("querying flare catalog", "start", w.Start.Format(time.DateOnly), "end", w.End.Format(time.DateOnly))
		recs, err := s.Search(ctx, w.Start, w.End)
		if err != nil {
			return nil, fmt.Errorf("search %s..%s: %w", w.Start.Format(time.DateOnly), w.End.Format(time.DateOnly), err)
		}
		kept, err := Filter(recs, threshold, maxDistance, len(all), logger)
		if err != nil {
			return nil, err
		}
		logger.Info("flare catalog window done", "found", len(recs), "kept", len(kept))
		all = append(all, kept...)
	}
	return all, nil
}

// WriteEvents writes the table as CSV.
func WriteEvents(w io.Writer, events []Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range events {
		row := []string{
			e.ID, e.HEKID, formatTime(e.StartTime), formatTime(e.PeakTime), formatTime(e.EndTime),
			formatFloat(e.HPCX), formatFloat(e.HPCY), e.GOESClass,
			strconv.FormatFloat(e.Distance, 'g', -1, 64), "",
		}
		if e.ARNOAA != nil {
			row[9] = strconv.Itoa(*e.ARNOAA)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveEvents writes the table to path.
func SaveEvents(path string, events []Event) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteEvents(f, events); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadEvents parses a table written by WriteEvents. Columns are matched by
// header name so extra columns are ignored.
func ReadEvents(r io.Reader) ([]Event, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read event header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	if _, ok := col["event_id"]; !ok {
		return nil, errors.New("event table has no event_id column")
	}
	get := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var events []Event
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, fmt.Errorf("event table line %d: %w", line, err)
		}
		e := Event{
			ID:        get(row, "event_id"),
			HEKID:     get(row, "hek_id"),
			GOESClass: get(row, "goes_class"),
			HPCX:      parseFloat(get(row, "hpc_x")),
			HPCY:      parseFloat(get(row, "hpc_y")),
		}
		e.StartTime, _ = ParseTime(get(row, "start_time"))
		e.PeakTime, _ = ParseTime(get(row, "peak_time"))
		e.EndTime, _ = ParseTime(get(row, "end_time"))
		if d := parseFloat(get(row, "distance")); d != nil {
			e.Distance = *d
		} else {
			e.Distance = Distance(e.HPCX, e.HPCY)
		}
		if v := get(row, "ar_noaa"); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				n := int(f)
				e.ARNOAA = &n
			}
		}
		events = append(events, e)
	}
}

// LoadEvents reads the table at path.
func LoadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadEvents(f)
}

// EventIndex maps event ids to rows.
type EventIndex map[string]Event

// NewEventIndex indexes events by id.
func NewEventIndex(events []Event) EventIndex {
	idx := make(EventIndex, len(events))
	for _, e := range events {
		idx[e.ID] = e
	}
	return idx
}

// Lookup returns the event or ErrNotFound.
func (idx EventIndex) Lookup(id string) (Event, error) {
	e, ok := idx[id]
	if !ok {
		return Event{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return e, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

func parseFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) {
		return nil
	}
	return &v
}
