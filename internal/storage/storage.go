package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"flarelocate/internal/archive"
	"flarelocate/internal/hek"
	"flarelocate/internal/tasks"
)

// ErrNotFound is returned for lookups of unknown rows.
var ErrNotFound = errors.New("not found")

// Store wraps SQLite-backed persistence for jobs, events and stage reports.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Pipeline workers write concurrently; one connection serializes them.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            event_id TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS flare_events (
            event_id TEXT PRIMARY KEY,
            hek_id TEXT,
            start_time TIMESTAMP,
            peak_time TIMESTAMP,
            end_time TIMESTAMP,
            hpc_x REAL,
            hpc_y REAL,
            goes_class TEXT,
            distance REAL,
            ar_noaa INTEGER
        );`,
		`CREATE TABLE IF NOT EXISTS download_counts (
            event_id TEXT NOT NULL,
            wavelength INTEGER NOT NULL,
            frame_count INTEGER NOT NULL,
            PRIMARY KEY (event_id, wavelength)
        );`,
		`CREATE TABLE IF NOT EXISTS align_reports (
            event_id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            counts_json TEXT,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS align_frame_logs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            event_id TEXT NOT NULL,
            channel TEXT,
            file_path TEXT,
            status TEXT NOT NULL,
            message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_align_frame_logs_event_id ON align_frame_logs(event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_align_frame_logs_status ON align_frame_logs(status);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	EventID     string     `json:"event_id,omitempty"`
	OutputPath  string     `json:"output_path,omitempty"`
	OptionsJSON string     `json:"options,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, event_id, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.EventID, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if _, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id); err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

const jobColumns = `id, job_type, status, event_id, output_path, options_json, created_at, started_at, completed_at, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (JobRecord, error) {
	var rec JobRecord
	var eventID, output, options, errorMsg sql.NullString
	var started, completed sql.NullTime
	if err := row.Scan(&rec.ID, &rec.JobType, &rec.Status, &eventID, &output, &options, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
		return rec, err
	}
	rec.EventID, rec.OutputPath, rec.OptionsJSON, rec.Error = eventID.String, output.String, options.String, errorMsg.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+jobColumns+` FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Job returns one job by id.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	rec, err := scanJob(s.DB.QueryRow(`SELECT `+jobColumns+` FROM processing_jobs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s result: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

// RecordEvents upserts the filtered flare catalog.
func (s *Store) RecordEvents(events []hek.Event) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO flare_events (event_id, hek_id, start_time, peak_time, end_time, hpc_x, hpc_y, goes_class, distance, ar_noaa)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, ev := range events {
		if _, err := stmt.Exec(ev.ID, ev.HEKID, nullTime(ev.StartTime), nullTime(ev.PeakTime), nullTime(ev.EndTime),
			ev.HPCX, ev.HPCY, ev.GOESClass, ev.Distance, ev.ARNOAA); err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

// Events returns the stored catalog ordered by event id.
func (s *Store) Events() ([]hek.Event, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT event_id, hek_id, start_time, peak_time, end_time, hpc_x, hpc_y, goes_class, distance, ar_noaa FROM flare_events ORDER BY event_id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []hek.Event
	for rows.Next() {
		var ev hek.Event
		var hekID, goes sql.NullString
		var start, peak, end sql.NullTime
		var x, y sql.NullFloat64
		var ar sql.NullInt64
		if err := rows.Scan(&ev.ID, &hekID, &start, &peak, &end, &x, &y, &goes, &ev.Distance, &ar); err != nil {
			return nil, err
		}
		ev.HEKID, ev.GOESClass = hekID.String, goes.String
		ev.StartTime, ev.PeakTime, ev.EndTime = start.Time, peak.Time, end.Time
		if x.Valid {
			ev.HPCX = &x.Float64
		}
		if y.Valid {
			ev.HPCY = &y.Float64
		}
		if ar.Valid {
			n := int(ar.Int64)
			ev.ARNOAA = &n
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RecordDownloads stores per-wavelength frame counts, keeping the latest
// count for an event and wavelength.
func (s *Store) RecordDownloads(sums []archive.Summary) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, sum := range sums {
		for wl, n := range sum.Counts {
			if _, err := tx.Exec(`INSERT OR REPLACE INTO download_counts (event_id, wavelength, frame_count) VALUES (?, ?, ?);`,
				sum.EventID, wl, n); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// DownloadCounts returns the stored counts of one event keyed by wavelength.
func (s *Store) DownloadCounts(eventID string) (map[int]int, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT wavelength, frame_count FROM download_counts WHERE event_id=?;`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[int]int{}
	for rows.Next() {
		var wl, n int
		if err := rows.Scan(&wl, &n); err != nil {
			return nil, err
		}
		counts[wl] = n
	}
	return counts, rows.Err()
}

// RecordAlignReport stores an alignment run: one row per event and every
// frame log entry.
func (s *Store) RecordAlignReport(r *tasks.AlignReport) error {
	if s == nil || r == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, ev := range r.Events {
		counts, err := json.Marshal(ev.Counts)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT OR REPLACE INTO align_reports (event_id, status, counts_json, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP);`,
			ev.EventID, ev.Status, string(counts)); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM align_frame_logs WHERE event_id=?;`, ev.EventID); err != nil {
			return err
		}
	}
	for _, f := range r.Frames {
		if _, err := tx.Exec(`INSERT INTO align_frame_logs (event_id, channel, file_path, status, message) VALUES (?, ?, ?, ?, ?);`,
			f.EventID, f.Channel, f.Path, f.Status, f.Message); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AlignReports returns the stored per-event alignment outcome.
func (s *Store) AlignReports() ([]tasks.EventReport, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT event_id, status, counts_json FROM align_reports ORDER BY event_id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tasks.EventReport
	for rows.Next() {
		var r tasks.EventReport
		var counts sql.NullString
		if err := rows.Scan(&r.EventID, &r.Status, &counts); err != nil {
			return nil, err
		}
		if counts.Valid && counts.String != "" {
			if err := json.Unmarshal([]byte(counts.String), &r.Counts); err != nil {
				return nil, fmt.Errorf("unmarshal counts of %s: %w", r.EventID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FrameLogs returns the frame log of one event, or of all events when
// eventID is empty, in insertion order.
func (s *Store) FrameLogs(eventID string) ([]tasks.FrameLog, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	query := `SELECT event_id, channel, file_path, status, message FROM align_frame_logs`
	var args []any
	if eventID != "" {
		query += ` WHERE event_id=?`
		args = append(args, eventID)
	}
	rows, err := s.DB.Query(query+` ORDER BY id;`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tasks.FrameLog
	for rows.Next() {
		var f tasks.FrameLog
		var channel, path, msg sql.NullString
		if err := rows.Scan(&f.EventID, &channel, &path, &f.Status, &msg); err != nil {
			return nil, err
		}
		f.Channel, f.Path, f.Message = channel.String, path.String, msg.String
		out = append(out, f)
	}
	return out, rows.Err()
}
