package archive

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"flarelocate/internal/hek"
)

// Count values recorded in the download summary.
const (
	CountNone   = 0
	CountFailed = -1
)

// Summary holds per-wavelength frame counts of one event.
type Summary struct {
	EventID  string
	PeakTime time.Time
	Counts   map[int]int
}

// Downloader retrieves the frames around every event peak.
type Downloader struct {
	Archive     Archive
	Root        string
	Wavelengths []int
	Delta       time.Duration
	Cadence     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	Workers     int
	Logger      *slog.Logger
}

// EventDir is the raw directory of one event and wavelength.
func EventDir(root, eventID string, wavelength int) string {
	return filepath.Join(root, eventID, fmt.Sprintf("%dA", wavelength))
}

// DownloadEvent fetches all configured wavelengths for ev. Failures are
// reflected in the counts, never returned.
func (d *Downloader) DownloadEvent(ctx context.Context, ev hek.Event) Summary {
	sum := Summary{EventID: ev.ID, PeakTime: ev.PeakTime, Counts: map[int]int{}}
	start, end := ev.PeakTime.Add(-d.Delta), ev.PeakTime.Add(d.Delta)

	for _, wl := range d.Wavelengths {
		log := d.Logger.With("event", ev.ID, "wavelength", wl)
		log.Info("querying archive", "start", start, "end", end)

		recs, err := d.Archive.Query(ctx, Query{Start: start, End: end, Wavelength: wl, Cadence: d.Cadence})
		if err != nil {
			log.Error("archive query failed", "error", err)
			sum.Counts[wl] = CountFailed
			continue
		}
		if len(recs) == 0 {
			log.Warn("no frames found")
			sum.Counts[wl] = CountNone
			continue
		}

		if err := d.fetchAll(ctx, recs, EventDir(d.Root, ev.ID, wl), log); err != nil {
			log.Error("download failed", "error", err)
			sum.Counts[wl] = CountFailed
			continue
		}
		log.Info("frames downloaded", "count", len(recs))
		sum.Counts[wl] = len(recs)
	}
	return sum
}

// fetchAll retries the whole batch; frames already on disk are kept between
// attempts.
func (d *Downloader) fetchAll(ctx context.Context, recs []Record, dir string, log *slog.Logger) error {
	attempts := max(1, d.MaxAttempts)
	done := make([]bool, len(recs))
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = nil
		for i, rec := range recs {
			if done[i] {
				continue
			}
			if _, err := d.Archive.Fetch(ctx, rec, dir); err != nil {
				lastErr = err
				break
			}
			done[i] = true
		}
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("download attempt failed", "attempt", attempt, "error", lastErr)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.RetryDelay):
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// DownloadAll processes events on a bounded pool and returns summaries in
// event order.
func (d *Downloader) DownloadAll(ctx context.Context, events []hek.Event) ([]Summary, error) {
	out := make([]Summary, len(events))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, d.Workers))

	var mu sync.Mutex
	done := 0
	for i, ev := range events {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			out[i] = d.DownloadEvent(gctx, ev)
			mu.Lock()
			done++
			d.Logger.Debug("download progress", "done", done, "total", len(events))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// WriteSummary writes event_id, peak_time and one <wl>A_count column per
// wavelength.
func WriteSummary(path string, wavelengths []int, sums []Summary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"event_id", "peak_time"}
	for _, wl := range wavelengths {
		header = append(header, fmt.Sprintf("%dA_count", wl))
	}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, s := range sums {
		row := []string{s.EventID, s.PeakTime.UTC().Format(hek.TimeLayout)}
		for _, wl := range wavelengths {
			row = append(row, strconv.Itoa(s.Counts[wl]))
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}
