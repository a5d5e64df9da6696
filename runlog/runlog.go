// Package runlog keeps a persistent registry of experiment runs in SQLite.
//
// Every pipeline invocation is recorded: identity, resolved seed, device
// count, lens summary, and final state. The registry lives under the
// platform data directory and survives across runs so `lenslab runs` can
// list recent experiments.
package runlog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// RunState represents the current state of a recorded run.
type RunState string

const (
	StatePending   RunState = "pending"
	StateCompleted RunState = "completed"
	StateError     RunState = "error"
)

// ErrNotFound indicates the requested run does not exist in the registry.
var ErrNotFound = errors.New("runlog: run not found")

// Run is one recorded pipeline invocation.
type Run struct {
	ID          string
	Name        string
	ConfigPath  string
	RunDir      string
	Seed        int64
	DeviceCount int
	Device      string
	LensInfo    string
	State       RunState
	Error       string

	CreatedAt  time.Time
	FinishedAt time.Time
}

// Registry is a SQLite-backed run registry.
type Registry struct {
	db *sql.DB
}

// Open opens (creating if needed) the registry database at path.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("runlog: open %s: %w", path, err)
	}
	r := &Registry{db: db}
	if err := r.createTable(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) createTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		config_path TEXT,
		run_dir TEXT,
		seed INTEGER NOT NULL,
		device_count INTEGER NOT NULL,
		device TEXT,
		lens_info TEXT,
		state TEXT NOT NULL,
		error TEXT,
		created_at DATETIME NOT NULL,
		finished_at DATETIME
	)`

	if _, err := r.db.Exec(query); err != nil {
		return fmt.Errorf("runlog: create runs table: %w", err)
	}
	return nil
}

// Begin records a new pending run and returns it with a fresh id.
func (r *Registry) Begin(run Run) (Run, error) {
	run.ID = uuid.New().String()
	run.State = StatePending
	run.CreatedAt = time.Now().UTC()

	_, err := r.db.Exec(`
		INSERT INTO runs (id, name, config_path, run_dir, seed, device_count, device, lens_info, state, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.ConfigPath, run.RunDir, run.Seed, run.DeviceCount,
		run.Device, run.LensInfo, string(run.State), run.Error, run.CreatedAt,
	)
	if err != nil {
		return Run{}, fmt.Errorf("runlog: insert run %s: %w", run.Name, err)
	}
	return run, nil
}

// Complete marks a run as finished successfully, recording the final lens
// summary shown in listings.
func (r *Registry) Complete(id, lensInfo string) error {
	return r.finish(id, StateCompleted, "", lensInfo)
}

// Fail marks a run as errored with the failure message.
func (r *Registry) Fail(id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.finish(id, StateError, msg, "")
}

func (r *Registry) finish(id string, state RunState, errMsg, lensInfo string) error {
	query := `UPDATE runs SET state = ?, error = ?, finished_at = ? WHERE id = ?`
	args := []any{string(state), errMsg, time.Now().UTC(), id}
	if lensInfo != "" {
		query = `UPDATE runs SET state = ?, error = ?, finished_at = ?, lens_info = ? WHERE id = ?`
		args = []any{string(state), errMsg, time.Now().UTC(), lensInfo, id}
	}

	res, err := r.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("runlog: update run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("runlog: update run %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Get returns a single run by id.
func (r *Registry) Get(id string) (Run, error) {
	row := r.db.QueryRow(`
		SELECT id, name, config_path, run_dir, seed, device_count, device, lens_info, state, error, created_at, COALESCE(finished_at, '')
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run, err
}

// Recent returns the most recent runs, newest first.
func (r *Registry) Recent(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(`
		SELECT id, name, config_path, run_dir, seed, device_count, device, lens_info, state, error, created_at, COALESCE(finished_at, '')
		FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("runlog: query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var state string
	var createdAt, finishedAt string

	err := row.Scan(&run.ID, &run.Name, &run.ConfigPath, &run.RunDir, &run.Seed,
		&run.DeviceCount, &run.Device, &run.LensInfo, &state, &run.Error,
		&createdAt, &finishedAt)
	if err != nil {
		return Run{}, err
	}
	run.State = RunState(state)
	run.CreatedAt = parseTime(createdAt)
	run.FinishedAt = parseTime(finishedAt)
	return run, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
