package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/flarelocate/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing Processing      `json:"processing" yaml:"processing"`
	Logging    Logging         `json:"logging" yaml:"logging"`
	Paths      Paths           `json:"paths" yaml:"paths"`
	Query      QueryConfig     `json:"query" yaml:"query"`
	Download   DownloadConfig  `json:"download" yaml:"download"`
	Alignment  AlignmentConfig `json:"alignment" yaml:"alignment"`
	Heatmap    HeatmapConfig   `json:"heatmap" yaml:"heatmap"`
	Dataset    DatasetConfig   `json:"dataset" yaml:"dataset"`
	Training   TrainingConfig  `json:"training" yaml:"training"`
	Server     ServerConfig    `json:"server" yaml:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs" yaml:"parallel_jobs"`
	// Workers bounds per-event parallelism inside a stage. Zero means NumCPU-1.
	Workers int `json:"workers" yaml:"workers"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`
}

// Paths configures the on-disk layout. Relative entries resolve against DataRoot.
type Paths struct {
	DataRoot      string `json:"data_root" yaml:"data_root"`
	EventCSV      string `json:"event_csv" yaml:"event_csv"`
	RawDir        string `json:"raw_dir" yaml:"raw_dir"`
	ResampledDir  string `json:"resampled_dir" yaml:"resampled_dir"`
	AlignedDir    string `json:"aligned_dir" yaml:"aligned_dir"`
	DiffDir       string `json:"diff_dir" yaml:"diff_dir"`
	HeatmapDir    string `json:"heatmap_dir" yaml:"heatmap_dir"`
	PseudoDir     string `json:"pseudo_dir" yaml:"pseudo_dir"`
	OverlayDir    string `json:"overlay_dir" yaml:"overlay_dir"`
	SplitDir      string `json:"split_dir" yaml:"split_dir"`
	DatabasePath  string `json:"database_path" yaml:"database_path"`
	ReportDir     string `json:"report_dir" yaml:"report_dir"`
	AvailableList string `json:"available_list" yaml:"available_list"`
}

// TimeWindow is an inclusive date range used for catalog queries.
type TimeWindow struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// QueryConfig drives the flare catalog search.
type QueryConfig struct {
	HEKURL         string       `json:"hek_url" yaml:"hek_url"`
	Windows        []TimeWindow `json:"windows" yaml:"windows"`
	GOESThreshold  string       `json:"goes_threshold" yaml:"goes_threshold"`
	MaxDistance    float64      `json:"max_distance" yaml:"max_distance"` // arcsec from disk center
	PageSize       int          `json:"page_size" yaml:"page_size"`
	RequestTimeout Duration     `json:"request_timeout" yaml:"request_timeout"`
}

// DownloadConfig drives image retrieval.
type DownloadConfig struct {
	ArchiveURL   string   `json:"archive_url" yaml:"archive_url"`
	Series       string   `json:"series" yaml:"series"`
	Wavelengths  []int    `json:"wavelengths" yaml:"wavelengths"` // Angstrom
	DeltaMinutes int      `json:"delta_minutes" yaml:"delta_minutes"`
	Cadence      Duration `json:"cadence" yaml:"cadence"`
	MaxAttempts  int      `json:"max_attempts" yaml:"max_attempts"`
	RetryDelay   Duration `json:"retry_delay" yaml:"retry_delay"`
}

// AlignmentConfig controls the co-registration stage.
type AlignmentConfig struct {
	Channels     []string `json:"channels" yaml:"channels"`
	MinFrames    int      `json:"min_frames" yaml:"min_frames"`
	MaxFrames    int      `json:"max_frames" yaml:"max_frames"`
	Window       int      `json:"window" yaml:"window"`
	CropSize     int      `json:"crop_size" yaml:"crop_size"`
	OutputSize   int      `json:"output_size" yaml:"output_size"`
	MaxReproject Duration `json:"max_reproject" yaml:"max_reproject"`
}

// HeatmapConfig controls ground-truth label generation.
type HeatmapConfig struct {
	Sigma      float64 `json:"sigma" yaml:"sigma"`
	Size       int     `json:"size" yaml:"size"`
	RefChannel string  `json:"ref_channel" yaml:"ref_channel"`
	RefIndex   int     `json:"ref_index" yaml:"ref_index"`
}

// DatasetConfig controls assembly and splitting.
type DatasetConfig struct {
	FramesPerChannel int     `json:"frames_per_channel" yaml:"frames_per_channel"`
	Seed             uint64  `json:"seed" yaml:"seed"`
	TrainFraction    float64 `json:"train_fraction" yaml:"train_fraction"`
	ValFraction      float64 `json:"val_fraction" yaml:"val_fraction"`
	PseudoFraction   float64 `json:"pseudo_fraction" yaml:"pseudo_fraction"`
}

// TrainingConfig points at the model service and its hyperparameters.
type TrainingConfig struct {
	ModelAddr       string   `json:"model_addr" yaml:"model_addr"`
	Epochs          int      `json:"epochs" yaml:"epochs"`
	BatchSize       int      `json:"batch_size" yaml:"batch_size"`
	LearningRate    float64  `json:"learning_rate" yaml:"learning_rate"`
	PseudoWeight    float64  `json:"pseudo_weight" yaml:"pseudo_weight"`
	PeakThreshold   float64  `json:"peak_threshold" yaml:"peak_threshold"`
	CentralRatio    float64  `json:"central_ratio" yaml:"central_ratio"`
	CentralHalfSize int      `json:"central_half_size" yaml:"central_half_size"`
	CheckpointDir   string   `json:"checkpoint_dir" yaml:"checkpoint_dir"`
	CallTimeout     Duration `json:"call_timeout" yaml:"call_timeout"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Addr     string   `json:"addr" yaml:"addr"`
	Debounce Duration `json:"debounce" yaml:"debounce"`
}

// Duration decodes from "10s"-style strings in both JSON and YAML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var secs float64
		if err2 := json.Unmarshal(b, &secs); err2 != nil {
			return err
		}
		d.Duration = time.Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	d.Duration = parsed
	return nil
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("FLARELOCATE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads the given file. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DataRoot:      "./data",
			EventCSV:      "events.csv",
			RawDir:        "aia_raw",
			ResampledDir:  "aia_resampled",
			AlignedDir:    "aia_aligned",
			DiffDir:       "diff_images",
			HeatmapDir:    "hek_heatmap",
			PseudoDir:     "pseudo_heatmap",
			OverlayDir:    "overlays",
			SplitDir:      "splits",
			DatabasePath:  "flarelocate.db",
			ReportDir:     ".",
			AvailableList: "available_events.txt",
		},
		Query: QueryConfig{
			HEKURL: "https://www.lmsal.com/hek/her",
			Windows: []TimeWindow{
				{Start: "2011-01-01", End: "2011-01-31"},
				{Start: "2012-01-01", End: "2012-01-31"},
				{Start: "2013-01-01", End: "2013-01-31"},
				{Start: "2014-01-01", End: "2014-01-31"},
			},
			GOESThreshold:  "C1.0",
			MaxDistance:    800,
			PageSize:       500,
			RequestTimeout: Duration{60 * time.Second},
		},
		Download: DownloadConfig{
			ArchiveURL:   "http://jsoc.stanford.edu",
			Series:       "aia.lev1_euv_12s",
			Wavelengths:  []int{94, 131},
			DeltaMinutes: 10,
			Cadence:      Duration{60 * time.Second},
			MaxAttempts:  3,
			RetryDelay:   Duration{5 * time.Second},
		},
		Alignment: AlignmentConfig{
			Channels:     []string{"94A", "131A"},
			MinFrames:    20,
			MaxFrames:    22,
			Window:       21,
			CropSize:     512,
			OutputSize:   512,
			MaxReproject: Duration{10 * time.Second},
		},
		Heatmap: HeatmapConfig{
			Sigma:      5,
			Size:       512,
			RefChannel: "94A",
			RefIndex:   10,
		},
		Dataset: DatasetConfig{
			FramesPerChannel: 20,
			Seed:             42,
			TrainFraction:    0.2,
			ValFraction:      0.1,
			PseudoFraction:   0.5,
		},
		Training: TrainingConfig{
			ModelAddr:       "localhost:50051",
			Epochs:          20,
			BatchSize:       8,
			LearningRate:    1e-4,
			PseudoWeight:    0.3,
			PeakThreshold:   0.8,
			CentralRatio:    0.3,
			CentralHalfSize: 2,
			CheckpointDir:   "checkpoints",
			CallTimeout:     Duration{2 * time.Hour},
		},
		Server: ServerConfig{
			Addr:     ":8080",
			Debounce: Duration{5 * time.Second},
		},
	}
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	a := c.Alignment
	switch {
	case len(a.Channels) == 0:
		return errors.New("alignment.channels must not be empty")
	case a.MinFrames < 1 || a.MaxFrames < a.MinFrames:
		return fmt.Errorf("alignment frame bounds [%d, %d] are invalid", a.MinFrames, a.MaxFrames)
	case a.Window < 1 || a.Window > a.MaxFrames:
		return fmt.Errorf("alignment.window %d outside [1, %d]", a.Window, a.MaxFrames)
	case a.CropSize < 1 || a.OutputSize < 1:
		return errors.New("alignment crop and output sizes must be positive")
	case a.MaxReproject.Duration <= 0:
		return errors.New("alignment.max_reproject must be positive")
	}
	if len(c.Download.Wavelengths) == 0 {
		return errors.New("download.wavelengths must not be empty")
	}
	if c.Download.MaxAttempts < 1 {
		return errors.New("download.max_attempts must be at least 1")
	}
	d := c.Dataset
	if d.TrainFraction < 0 || d.ValFraction < 0 || d.PseudoFraction < 0 || d.TrainFraction+d.ValFraction+d.PseudoFraction > 1 {
		return errors.New("dataset fractions must be non-negative and sum to at most 1")
	}
	if c.Heatmap.Sigma <= 0 || c.Heatmap.Size < 1 {
		return errors.New("heatmap sigma and size must be positive")
	}
	return nil
}

// Workers returns the per-stage worker count.
func (c *Config) Workers() int {
	if c.Processing.Workers > 0 {
		return c.Processing.Workers
	}
	return max(1, runtime.NumCPU()-1)
}

// Path resolves p against the data root unless it is absolute.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	root, err := expandUser(c.Paths.DataRoot)
	if err != nil {
		root = c.Paths.DataRoot
	}
	return filepath.Join(root, p)
}

// Convenience accessors for the data layout.
func (c *Config) EventCSV() string      { return c.Path(c.Paths.EventCSV) }
func (c *Config) RawDir() string        { return c.Path(c.Paths.RawDir) }
func (c *Config) ResampledDir() string  { return c.Path(c.Paths.ResampledDir) }
func (c *Config) AlignedDir() string    { return c.Path(c.Paths.AlignedDir) }
func (c *Config) DiffDir() string       { return c.Path(c.Paths.DiffDir) }
func (c *Config) HeatmapDir() string    { return c.Path(c.Paths.HeatmapDir) }
func (c *Config) PseudoDir() string     { return c.Path(c.Paths.PseudoDir) }
func (c *Config) OverlayDir() string    { return c.Path(c.Paths.OverlayDir) }
func (c *Config) SplitDir() string      { return c.Path(c.Paths.SplitDir) }
func (c *Config) DatabasePath() string  { return c.Path(c.Paths.DatabasePath) }
func (c *Config) ReportDir() string     { return c.Path(c.Paths.ReportDir) }
func (c *Config) AvailableList() string { return c.Path(c.Paths.AvailableList) }
func (c *Config) CheckpointDir() string { return c.Path(c.Training.CheckpointDir) }

// SplitFile returns the path of a named split list, e.g. "train_labeled".
func (c *Config) SplitFile(name string) string {
	return filepath.Join(c.SplitDir(), name+".txt")
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
