// Package dataset assembles event lists, splits and training samples.
package dataset

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"

	"flarelocate/internal/fsutil"
	"flarelocate/internal/tasks"
)

// Split list names.
const (
	TrainLabeled    = "train_labeled"
	ValLabeled      = "val_labeled"
	PseudoUnlabeled = "pseudo_unlabeled"
	TestLabeled     = "test_labeled"
	PseudoSelected  = "pseudo_selected"
	JointTrain      = "joint_train"
)

// ListFile returns <dir>/<name>.txt.
func ListFile(dir, name string) string {
	return filepath.Join(dir, name+".txt")
}

// CheckAvailable returns the sorted events that have both a merged
// difference stack and a ground-truth heatmap.
func CheckAvailable(diffRoot, heatmapRoot string) ([]string, error) {
	events, err := fsutil.SubDirs(diffRoot)
	if err != nil {
		return nil, fmt.Errorf("list diff events: %w", err)
	}
	var ids []string
	for _, ev := range events {
		if fsutil.Exists(filepath.Join(diffRoot, ev, tasks.MergedName)) &&
			fsutil.Exists(filepath.Join(heatmapRoot, ev, tasks.HeatmapName)) {
			ids = append(ids, ev)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Fractions sizes the train, validation and pseudo groups; test takes the rest.
type Fractions struct {
	Train  float64
	Val    float64
	Pseudo float64
}

// Splits holds the four event groups.
type Splits struct {
	Train  []string
	Val    []string
	Pseudo []string
	Test   []string
}

// Split shuffles ids deterministically for seed and cuts them by fr. Group
// sizes truncate; the test group absorbs the remainder.
func Split(ids []string, seed uint64, fr Fractions) Splits {
	shuffled := append([]string(nil), ids...)
	r := rand.New(rand.NewPCG(seed, seed))
	r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	total := len(shuffled)
	nTrain := int(float64(total) * fr.Train)
	nVal := int(float64(total) * fr.Val)
	nPseudo := int(float64(total) * fr.Pseudo)

	return Splits{
		Train:  shuffled[:nTrain],
		Val:    shuffled[nTrain : nTrain+nVal],
		Pseudo: shuffled[nTrain+nVal : nTrain+nVal+nPseudo],
		Test:   shuffled[nTrain+nVal+nPseudo:],
	}
}

// Write stores the four lists under dir.
func (s Splits) Write(dir string) error {
	for name, ids := range map[string][]string{
		TrainLabeled:    s.Train,
		ValLabeled:      s.Val,
		PseudoUnlabeled: s.Pseudo,
		TestLabeled:     s.Test,
	} {
		if err := fsutil.WriteLines(ListFile(dir, name), ids); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// ConcatJoint writes joint_train.txt as train_labeled followed by the
// selected pseudo events not already present. A missing pseudo list counts
// as empty.
func ConcatJoint(dir string) ([]string, error) {
	train, err := fsutil.ReadLines(ListFile(dir, TrainLabeled))
	if err != nil {
		return nil, err
	}
	pseudo, err := fsutil.ReadLines(ListFile(dir, PseudoSelected))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	seen := make(map[string]bool, len(train)+len(pseudo))
	var joint []string
	for _, id := range append(train, pseudo...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		joint = append(joint, id)
	}
	if err := fsutil.WriteLines(ListFile(dir, JointTrain), joint); err != nil {
		return nil, err
	}
	return joint, nil
}
