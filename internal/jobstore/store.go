package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	_ "modernc.org/sqlite"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrJobNotFound is returned by GetJob for unknown ids.
var ErrJobNotFound = errors.New("job not found")

// timestamps are stored fixed-width so string comparison orders them
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Job is one video transcription request and its outcome.
type Job struct {
	ID        string
	Source    string
	Output    string
	Format    string
	Status    string
	Text      string
	Error     string
	Chunks    int
	Failed    int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChunkRecord is the stored result for one chunk of a job.
type ChunkRecord struct {
	JobID     string
	Index     int
	StartMS   int
	EndMS     int
	Text      string
	Error     string
	CreatedAt time.Time
}

// Store wraps a SQLite-backed job history.
type Store struct {
	db    *sql.DB
	cfg   config.JobStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the job store according to config.
func Open(ctx context.Context, cfg config.JobStoreConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("job store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("job store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    output TEXT,
    format TEXT,
    status TEXT NOT NULL,
    text TEXT,
    error TEXT,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    failed_count INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS chunks (
    job_id TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    start_ms INTEGER NOT NULL,
    end_ms INTEGER NOT NULL,
    text TEXT,
    error TEXT,
    created_at TEXT NOT NULL,
    PRIMARY KEY(job_id, chunk_index),
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s == nil || s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

func (s *Store) now() string {
	return s.clock().UTC().Format(timeLayout)
}

// CreateJob inserts a job. Status defaults to queued.
func (s *Store) CreateJob(ctx context.Context, job Job) error {
	if s.disabled() {
		return nil
	}
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if job.Status == "" {
		job.Status = StatusQueued
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(job_id, source, output, format, status, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Source, job.Output, job.Format, job.Status, now, now)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateStatus moves a job to status.
func (s *Store) UpdateStatus(ctx context.Context, id, status string) error {
	if s.disabled() {
		return nil
	}
	return s.update(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE job_id = ?`, status, s.now(), id)
}

// Complete stores the final transcript.
func (s *Store) Complete(ctx context.Context, id, text string, chunks, failed int) error {
	if s.disabled() {
		return nil
	}
	return s.update(ctx,
		`UPDATE jobs SET status = ?, text = ?, chunk_count = ?, failed_count = ?, error = NULL, updated_at = ? WHERE job_id = ?`,
		StatusCompleted, text, chunks, failed, s.now(), id)
}

// Fail marks a job failed with cause.
func (s *Store) Fail(ctx context.Context, id string, cause error) error {
	if s.disabled() {
		return nil
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.update(ctx, `UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE job_id = ?`,
		StatusFailed, msg, s.now(), id)
}

func (s *Store) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// RecordChunk upserts the result of one chunk.
func (s *Store) RecordChunk(ctx context.Context, rec ChunkRecord) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks(job_id, chunk_index, start_ms, end_ms, text, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, chunk_index) DO UPDATE SET text=excluded.text, error=excluded.error`,
		rec.JobID, rec.Index, rec.StartMS, rec.EndMS, rec.Text, rec.Error, s.now())
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

const jobColumns = `job_id, source, COALESCE(output, ''), COALESCE(format, ''), status,
	COALESCE(text, ''), COALESCE(error, ''), chunk_count, failed_count, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (Job, error) {
	var j Job
	var created, updated string
	if err := row.Scan(&j.ID, &j.Source, &j.Output, &j.Format, &j.Status,
		&j.Text, &j.Error, &j.Chunks, &j.Failed, &created, &updated); err != nil {
		return Job{}, err
	}
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	return j, nil
}

func parseTime(v string) time.Time {
	ts, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// GetJob returns one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	if s.disabled() {
		return Job{}, ErrJobNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	return job, err
}

// ListJobs returns up to limit jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListChunks returns the recorded chunks of a job in chunk order.
func (s *Store) ListChunks(ctx context.Context, jobID string) ([]ChunkRecord, error) {
	if s.disabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, chunk_index, start_ms, end_ms, COALESCE(text, ''), COALESCE(error, ''), created_at
		 FROM chunks WHERE job_id = ? ORDER BY chunk_index ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []ChunkRecord
	for rows.Next() {
		var c ChunkRecord
		var created string
		if err := rows.Scan(&c.JobID, &c.Index, &c.StartMS, &c.EndMS, &c.Text, &c.Error, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTime(created)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().Format(timeLayout)
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id IN (
			SELECT job_id FROM jobs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure checks the store is consistent with its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
