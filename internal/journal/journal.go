// Package journal keeps a history of dispatched benchmark runs in sqlite.
//
// The journal is informational: the results tree stays the only authority
// on which settings have already run.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"matbench/internal/config"
	"matbench/internal/matrix"
	"matbench/internal/store"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get for an unknown run.
var ErrNotFound = errors.New("run not found")

var _ matrix.Recorder = (*Journal)(nil)

// A Journal records runs as they are dispatched.
type Journal struct {
	db        *sql.DB
	gitCommit string
	gitBranch string
	now       func() time.Time
}

// An Entry is one journaled run.
type Entry struct {
	ID          int64
	RunID       string
	Expe        string
	Mode        string
	Dir         string
	Command     string
	Settings    string // settings file format, expe included
	Status      string
	ExitCode    *int
	GitCommit   string
	GitBranch   string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// DefaultPath returns the journal location in the per-user directory.
func DefaultPath() (string, error) {
	dir, err := config.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "journal.db"), nil
}

// Open opens or creates the journal at path, creating its directory.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal %s: %w", path, err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func initSchema(db *sql.DB) error {
	const createRuns = `
CREATE TABLE IF NOT EXISTS runs (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id       TEXT,
  expe         TEXT,
  mode         TEXT,
  dir          TEXT,
  command      TEXT,
  settings     TEXT,
  status       TEXT,
  exit_code    INTEGER,
  git_commit   TEXT,
  git_branch   TEXT,
  created_at   TEXT,
  completed_at TEXT
);`
	if _, err := db.Exec(createRuns); err != nil {
		return err
	}
	migrations := []string{
		`ALTER TABLE runs ADD COLUMN exit_code INTEGER`,
		`ALTER TABLE runs ADD COLUMN git_commit TEXT`,
		`ALTER TABLE runs ADD COLUMN git_branch TEXT`,
		`CREATE INDEX IF NOT EXISTS runs_run_id ON runs (run_id)`,
	}
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "duplicate column name") {
				continue
			}
			return err
		}
	}
	return nil
}

// TrackSources records the git revision of dir with every new run.
// Outside a git checkout nothing is recorded.
func (j *Journal) TrackSources(dir string) {
	j.gitCommit, j.gitBranch = gitInfo(dir)
}

func gitInfo(dir string) (commit, branch string) {
	c1 := exec.Command("git", "-C", dir, "rev-parse", "HEAD")
	if out, err := c1.Output(); err == nil {
		commit = strings.TrimSpace(string(out))
	}
	c2 := exec.Command("git", "-C", dir, "rev-parse", "--abbrev-ref", "HEAD")
	if out, err := c2.Output(); err == nil {
		branch = strings.TrimSpace(string(out))
	}
	return
}

// RunStarted inserts run with status "running".
func (j *Journal) RunStarted(run *matrix.BenchRun, mode matrix.Mode) error {
	_, err := j.db.Exec(
		`INSERT INTO runs (run_id, expe, mode, dir, command, settings, status, git_commit, git_branch, created_at, completed_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Expe, mode.String(), run.Dir, run.CommandLine(), store.FormatSettings(run.Point.All()),
		"running", j.gitCommit, j.gitBranch, run.Started.Format(time.RFC3339), "",
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RunFinished stores the outcome of run. The exit code is kept only for
// runs that actually executed.
func (j *Journal) RunFinished(run *matrix.BenchRun, outcome matrix.Outcome) error {
	var code any
	if outcome == matrix.Succeeded || outcome == matrix.Failed {
		code = run.ExitCode
	}
	_, err := j.db.Exec(`UPDATE runs SET status = ?, exit_code = ?, completed_at = ? WHERE run_id = ?`,
		outcome.String(), code, j.now().Format(time.RFC3339), run.ID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	return nil
}

const selectRuns = `SELECT id, run_id, expe, mode, dir, command, settings, status, exit_code,
                           git_commit, git_branch, created_at, completed_at FROM runs`

// List returns the most recent runs first. A limit <= 0 returns them all.
func (j *Journal) List(limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.Query(selectRuns+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns a run by journal id or by run ID.
func (j *Journal) Get(id string) (*Entry, error) {
	var row *sql.Row
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		row = j.db.QueryRow(selectRuns+` WHERE id = ?`, n)
	} else {
		row = j.db.QueryRow(selectRuns+` WHERE run_id = ? ORDER BY id DESC LIMIT 1`, id)
	}
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var e Entry
	var runID, expe, mode, dir, command, settings, status, commit, branch, created, completed sql.NullString
	var code sql.NullInt64
	if err := s.Scan(&e.ID, &runID, &expe, &mode, &dir, &command, &settings, &status, &code,
		&commit, &branch, &created, &completed); err != nil {
		return nil, err
	}
	e.RunID, e.Expe, e.Mode, e.Dir = runID.String, expe.String, mode.String, dir.String
	e.Command, e.Settings, e.Status = command.String, settings.String, status.String
	e.GitCommit, e.GitBranch = commit.String, branch.String
	if code.Valid {
		c := int(code.Int64)
		e.ExitCode = &c
	}
	if created.Valid && created.String != "" {
		if t, err := time.Parse(time.RFC3339, created.String); err == nil {
			e.CreatedAt = t
		}
	}
	if completed.Valid && completed.String != "" {
		if t, err := time.Parse(time.RFC3339, completed.String); err == nil {
			e.CompletedAt = t
		}
	}
	return &e, nil
}
