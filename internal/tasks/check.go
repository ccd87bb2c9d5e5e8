package tasks

import (
	"context"
	"log/slog"

	"flarelocate/internal/fitsframe"
	"flarelocate/internal/fsutil"
)

// CheckResult summarizes a scan of the aligned tree.
type CheckResult struct {
	Checked int      `json:"checked"`
	Invalid []string `json:"invalid"`
}

// Examples returns up to n invalid paths.
func (r *CheckResult) Examples(n int) []string {
	return r.Invalid[:min(n, len(r.Invalid))]
}

// CheckAligned walks every FITS file under root. A file is invalid when it
// cannot be read or holds no finite pixel.
func CheckAligned(ctx context.Context, root string, logger *slog.Logger) (*CheckResult, error) {
	files, err := fsutil.WalkFITS(root)
	if err != nil {
		return nil, err
	}
	res := &CheckResult{}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++
		fr, err := fitsframe.Load(f)
		if err != nil {
			logger.Debug("unreadable frame", "file", f, "error", err)
			res.Invalid = append(res.Invalid, f)
			continue
		}
		if fr.AllNaN() {
			res.Invalid = append(res.Invalid, f)
		}
	}
	logger.Info("checked aligned frames", "checked", res.Checked, "invalid", len(res.Invalid))
	for _, f := range res.Examples(10) {
		logger.Warn("invalid frame", "file", f)
	}
	return res, nil
}
