package tasks

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// countColumn names the report column for a channel, e.g. 94A → fits_94_count.
func countColumn(channel string) string {
	return fmt.Sprintf("fits_%s_count", strings.TrimSuffix(channel, "A"))
}

// WriteAlignReport writes align_report.csv and align_detailed_log.csv.
func WriteAlignReport(reportPath, detailPath string, channels []string, r *AlignReport) error {
	header := []string{"event_id"}
	for _, ch := range channels {
		header = append(header, countColumn(ch))
	}
	header = append(header, "status")

	rows := make([][]string, 0, len(r.Events))
	for _, ev := range r.Events {
		row := []string{ev.EventID}
		for _, ch := range channels {
			row = append(row, strconv.Itoa(ev.Counts[ch]))
		}
		rows = append(rows, append(row, ev.Status))
	}
	if err := writeCSV(reportPath, header, rows); err != nil {
		return fmt.Errorf("write align report: %w", err)
	}

	rows = rows[:0]
	for _, l := range r.Frames {
		rows = append(rows, []string{l.EventID, l.Channel, l.Path, l.Status, l.Message})
	}
	if err := writeCSV(detailPath, []string{"event_id", "channel", "filepath", "status", "message"}, rows); err != nil {
		return fmt.Errorf("write detailed log: %w", err)
	}
	return nil
}

func writeCSV(path string, header []string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	return f.Close()
}
