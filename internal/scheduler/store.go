// Package scheduler implements the cron job engine: a sqlite-backed
// store of scheduled jobs and their run history, plus the timer pool
// that fires the agent turn runner unattended on schedule.
package scheduler

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/golang-migrate/migrate/v4"
	sqlite3migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Job is one persisted scheduled job.
type Job struct {
	ID      string
	Name    string
	Cron    string
	Prompt  string
	AgentID string
	Enabled bool
	Created time.Time
	Updated time.Time
}

// Run is one row of a job's run history.
type Run struct {
	ID         string
	JobID      string
	Status     string // "running" | "success" | "error"
	SessionKey string
	StartedAt  time.Time
	EndedAt    sql.NullTime
	Output     string
	Err        string
}

// Store is the tabular persistence layer backing the scheduler engine,
// grounded on the teacher's internal/store/pg one-file-per-aggregate
// shape, translated from Postgres to sqlite.
type Store struct {
	db *sql.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite3migrate.WithInstance(db, &sqlite3migrate.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateJob(job Job) error {
	_, err := s.db.Exec(
		`INSERT INTO scheduled_jobs (id, name, cron, prompt, agent_id, enabled, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.Cron, job.Prompt, job.AgentID, job.Enabled, job.Created, job.Updated,
	)
	return err
}

func (s *Store) UpdateJob(job Job) error {
	_, err := s.db.Exec(
		`UPDATE scheduled_jobs SET name=?, cron=?, prompt=?, agent_id=?, enabled=?, updated_at=? WHERE id=?`,
		job.Name, job.Cron, job.Prompt, job.AgentID, job.Enabled, job.Updated, job.ID,
	)
	return err
}

func (s *Store) DeleteJob(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_jobs WHERE id=?`, id)
	return err
}

func (s *Store) GetJob(id string) (Job, bool) {
	row := s.db.QueryRow(`SELECT id, name, cron, prompt, agent_id, enabled, created_at, updated_at FROM scheduled_jobs WHERE id=?`, id)
	var j Job
	if err := row.Scan(&j.ID, &j.Name, &j.Cron, &j.Prompt, &j.AgentID, &j.Enabled, &j.Created, &j.Updated); err != nil {
		return Job{}, false
	}
	return j, true
}

func (s *Store) ListJobs() ([]Job, error) {
	rows, err := s.db.Query(`SELECT id, name, cron, prompt, agent_id, enabled, created_at, updated_at FROM scheduled_jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Name, &j.Cron, &j.Prompt, &j.AgentID, &j.Enabled, &j.Created, &j.Updated); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) InsertRun(r Run) error {
	_, err := s.db.Exec(
		`INSERT INTO job_runs (id, job_id, status, session_key, started_at, output, err) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.JobID, r.Status, r.SessionKey, r.StartedAt, r.Output, r.Err,
	)
	return err
}

func (s *Store) FinishRun(id, status, output, errMsg string, endedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE job_runs SET status=?, output=?, err=?, ended_at=? WHERE id=?`,
		status, output, errMsg, endedAt, id,
	)
	return err
}

// RunsForJob returns a job's most recent runs, newest first, trimmed to
// limit (spec §6's scheduler.runs contract: 1..100, default 20).
func (s *Store) RunsForJob(jobID string, limit int) ([]Run, error) {
	rows, err := s.db.Query(`SELECT id, job_id, status, session_key, started_at, ended_at, output, err FROM job_runs WHERE job_id=? ORDER BY started_at DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.JobID, &r.Status, &r.SessionKey, &r.StartedAt, &r.EndedAt, &r.Output, &r.Err); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
