package dataset

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"flarelocate/internal/fsutil"
	"flarelocate/internal/npy"
	"flarelocate/internal/tasks"
)

// Sample is one event's input stack and, when known, its target heatmap.
// Diff aliases a memory mapping until Close.
type Sample struct {
	EventID string
	Diff    *npy.Array
	Heatmap *npy.Array
	// Pseudo marks a heatmap that came from the pseudo-label root.
	Pseudo bool

	mapped *npy.Mapped
}

// Labeled reports whether the sample carries a heatmap.
func (s *Sample) Labeled() bool { return s.Heatmap != nil }

// Close releases the mapped input.
func (s *Sample) Close() error {
	if s.mapped == nil {
		return nil
	}
	err := s.mapped.Close()
	s.mapped, s.Diff = nil, nil
	return err
}

// Dataset reads samples for a list of events.
type Dataset struct {
	IDs         []string
	DiffRoot    string
	HeatmapRoot string
	PseudoRoot  string
}

// Options locate a dataset's files. Empty roots are ignored.
type Options struct {
	DiffRoot    string
	HeatmapRoot string
	PseudoRoot  string
	// PseudoList, with PseudoRoot, restricts the events to those listed.
	PseudoList string
}

// Open reads the event list file.
func Open(listFile string, opts Options) (*Dataset, error) {
	ids, err := fsutil.ReadLines(listFile)
	if err != nil {
		return nil, fmt.Errorf("read event list: %w", err)
	}
	if opts.PseudoList != "" && opts.PseudoRoot != "" {
		pseudo, err := fsutil.ReadLines(opts.PseudoList)
		if err != nil {
			return nil, fmt.Errorf("read pseudo list: %w", err)
		}
		keep := make(map[string]bool, len(pseudo))
		for _, id := range pseudo {
			keep[id] = true
		}
		var both []string
		for _, id := range ids {
			if keep[id] {
				both = append(both, id)
				delete(keep, id)
			}
		}
		sort.Strings(both)
		ids = both
	}
	return &Dataset{IDs: ids, DiffRoot: opts.DiffRoot, HeatmapRoot: opts.HeatmapRoot, PseudoRoot: opts.PseudoRoot}, nil
}

// Len returns the number of events.
func (d *Dataset) Len() int { return len(d.IDs) }

// DiffPath is the merged stack of an event.
func (d *Dataset) DiffPath(id string) string {
	return filepath.Join(d.DiffRoot, id, tasks.MergedName)
}

// HeatmapPath returns the label file for id: ground truth when present,
// else a pseudo label when present, else "".
func (d *Dataset) HeatmapPath(id string) (string, bool) {
	if d.HeatmapRoot != "" {
		if p := filepath.Join(d.HeatmapRoot, id, tasks.HeatmapName); fsutil.Exists(p) {
			return p, false
		}
	}
	if d.PseudoRoot != "" {
		if p := filepath.Join(d.PseudoRoot, id+".npy"); fsutil.Exists(p) {
			return p, true
		}
	}
	return "", false
}

// Get loads sample i. The caller closes it.
func (d *Dataset) Get(i int) (*Sample, error) {
	if i < 0 || i >= len(d.IDs) {
		return nil, fmt.Errorf("sample %d out of range [0,%d)", i, len(d.IDs))
	}
	id := d.IDs[i]
	m, err := npy.Map(d.DiffPath(id))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	s := &Sample{EventID: id, Diff: &m.Array, mapped: m}

	if p, pseudo := d.HeatmapPath(id); p != "" {
		hm, err := npy.ReadFile(p)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("%s: %w", id, err)
		}
		s.Heatmap, s.Pseudo = hm, pseudo
	}
	return s, nil
}

// Loader groups samples into batches in list order.
type Loader struct {
	Data      *Dataset
	BatchSize int
}

// Batches returns the sample indices of each batch.
func (l *Loader) Batches() [][]int {
	n := l.Data.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	size := max(1, l.BatchSize)
	var out [][]int
	for start := 0; start < n; start += size {
		out = append(out, order[start:min(start+size, n)])
	}
	return out
}

// Batch is a group of loaded samples.
type Batch []*Sample

// Load reads the samples at idx. On error, samples already loaded are closed.
func (l *Loader) Load(idx []int) (Batch, error) {
	b := make(Batch, 0, len(idx))
	for _, i := range idx {
		s, err := l.Data.Get(i)
		if err != nil {
			b.Close()
			return nil, err
		}
		b = append(b, s)
	}
	return b, nil
}

// IDs returns the event ids of the batch.
func (b Batch) IDs() []string {
	ids := make([]string, len(b))
	for i, s := range b {
		ids[i] = s.EventID
	}
	return ids
}

// Close releases every sample.
func (b Batch) Close() error {
	var errs []error
	for _, s := range b {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
