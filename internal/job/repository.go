package job

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned for an unknown job ID.
var ErrNotFound = errors.New("job not found")

// Repository persists job metadata and resolved segment lists.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) (*Repository, error) {
	r := &Repository{db: db}
	if err := r.InitTable(); err != nil {
		return nil, err
	}
	return r, nil
}

// InitTable creates the jobs and job_segment tables if they don't exist.
func (r *Repository) InitTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		run_id TEXT,
		url TEXT NOT NULL,
		name TEXT NOT NULL,
		dir TEXT NOT NULL,
		audio_url TEXT,
		total_segments INTEGER DEFAULT 0,
		done_segments INTEGER DEFAULT 0,
		percent INTEGER DEFAULT 0,
		status TEXT,
		error TEXT,
		created_time DATETIME,
		updated_time DATETIME
	);

	CREATE TABLE IF NOT EXISTS job_segment (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		url TEXT NOT NULL,
		UNIQUE(job_id, idx)
	);

	CREATE INDEX IF NOT EXISTS idx_job_segment_job_id ON job_segment(job_id);
	`
	_, err := r.db.Exec(query)
	return err
}

const jobColumns = `id, run_id, url, name, dir, audio_url, total_segments, done_segments, percent, status, error, created_time, updated_time`

// Save inserts or replaces the job row.
func (r *Repository) Save(meta JobMetadata) error {
	query := `INSERT OR REPLACE INTO jobs (` + jobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.Exec(query, meta.ID, meta.RunID, meta.URL, meta.Name, meta.Dir, meta.AudioURL,
		meta.TotalSegments, meta.DoneSegments, meta.Percent, string(meta.Status), meta.Error,
		meta.CreatedTime, meta.UpdatedTime)
	return err
}

func (r *Repository) Get(id string) (*JobMetadata, error) {
	row := r.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	meta, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func (r *Repository) List() ([]JobMetadata, error) {
	rows, err := r.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_time DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []JobMetadata
	for rows.Next() {
		meta, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *meta)
	}
	return jobs, rows.Err()
}

func (r *Repository) UpdateStatus(id string, status Status, errText string) error {
	query := `UPDATE jobs SET status = ?, error = ?, updated_time = ? WHERE id = ?`
	_, err := r.db.Exec(query, string(status), errText, time.Now(), id)
	return err
}

func (r *Repository) UpdateProgress(id string, done, total, percent int) error {
	query := `UPDATE jobs SET done_segments = ?, total_segments = ?, percent = ?, updated_time = ? WHERE id = ?`
	_, err := r.db.Exec(query, done, total, percent, time.Now(), id)
	return err
}

// MarkInterrupted moves jobs left active by a previous process to stopped.
func (r *Repository) MarkInterrupted() (int64, error) {
	query := `UPDATE jobs SET status = ?, updated_time = ? WHERE status IN (?, ?, ?)`
	res, err := r.db.Exec(query, string(StatusStopped), time.Now(),
		string(StatusPending), string(StatusDownloading), string(StatusConverting))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Delete removes the job and its segment records.
func (r *Repository) Delete(id string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM job_segment WHERE job_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveSegments replaces the segment list of a job.
func (r *Repository) SaveSegments(jobID string, segs []SegmentRecord) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM job_segment WHERE job_id = ?`, jobID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO job_segment (job_id, idx, url) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, s := range segs {
		if _, err := stmt.Exec(jobID, s.Index, s.URL); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Repository) Segments(jobID string) ([]SegmentRecord, error) {
	rows, err := r.db.Query(`SELECT idx, url FROM job_segment WHERE job_id = ? ORDER BY idx`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segs []SegmentRecord
	for rows.Next() {
		var s SegmentRecord
		if err := rows.Scan(&s.Index, &s.URL); err != nil {
			return nil, err
		}
		segs = append(segs, s)
	}
	return segs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*JobMetadata, error) {
	var (
		meta     JobMetadata
		runID    sql.NullString
		audioURL sql.NullString
		status   sql.NullString
		errText  sql.NullString
		updated  sql.NullTime
	)
	err := s.Scan(&meta.ID, &runID, &meta.URL, &meta.Name, &meta.Dir, &audioURL,
		&meta.TotalSegments, &meta.DoneSegments, &meta.Percent, &status, &errText,
		&meta.CreatedTime, &updated)
	if err != nil {
		return nil, err
	}
	meta.RunID = runID.String
	meta.AudioURL = audioURL.String
	meta.Status = Status(status.String)
	meta.Error = errText.String
	meta.UpdatedTime = updated.Time
	return &meta, nil
}
