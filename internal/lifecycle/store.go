// Package lifecycle persists deployment lifecycle records in SQLite. A record
// is written when a deployment starts and updated in place when it stops or
// dies; every status change is appended to the record's transitions column.
package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ttstudio/internal/common/apierr"
	"ttstudio/internal/common/fsutil"
	"ttstudio/pkg/types"
)

// Status is the final or current state of a deployment.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusDead    Status = "dead"
	StatusStopped Status = "stopped"
)

// Transition is one status change.
type Transition struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

// Record is one deployment's life story.
type Record struct {
	ID              int64
	ContainerID     string
	ContainerName   string
	ModelName       string
	Device          string
	DeployedAt      time.Time
	StoppedAt       *time.Time
	Status          Status
	StoppedByUser   bool
	Port            int
	WorkflowLogPath string
	Transitions     []Transition
}

// View converts the record for API responses.
func (r Record) View() types.LifecycleRecordView {
	return types.LifecycleRecordView{
		ContainerID:     r.ContainerID,
		ContainerName:   r.ContainerName,
		ModelName:       r.ModelName,
		Device:          r.Device,
		DeployedAt:      r.DeployedAt,
		StoppedAt:       r.StoppedAt,
		Status:          string(r.Status),
		StoppedByUser:   r.StoppedByUser,
		Port:            r.Port,
		WorkflowLogPath: r.WorkflowLogPath,
	}
}

// Store is a SQLite-backed lifecycle record store.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	if p != ":memory:" {
		if err := fsutil.EnsureParentDir(p); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", p)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database is usable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deployments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		container_id TEXT NOT NULL,
		container_name TEXT NOT NULL,
		model_name TEXT NOT NULL,
		device TEXT NOT NULL DEFAULT '',
		deployed_at INTEGER NOT NULL,
		stopped_at INTEGER,
		status TEXT NOT NULL,
		stopped_by_user BOOLEAN NOT NULL DEFAULT 0,
		port INTEGER NOT NULL DEFAULT 0,
		workflow_log_path TEXT,
		transitions TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_deployments_container ON deployments(container_id);
	CREATE INDEX IF NOT EXISTS idx_deployments_status ON deployments(status, stopped_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

const selectCols = `id, container_id, container_name, model_name, device, deployed_at, stopped_at,
	status, stopped_by_user, port, workflow_log_path, transitions`

type rowScanner interface{ Scan(dest ...any) error }

func scanRecord(row rowScanner) (Record, error) {
	var (
		r           Record
		deployedAt  int64
		stoppedAt   sql.NullInt64
		logPath     sql.NullString
		transitions string
		status      string
	)
	if err := row.Scan(&r.ID, &r.ContainerID, &r.ContainerName, &r.ModelName, &r.Device, &deployedAt,
		&stoppedAt, &status, &r.StoppedByUser, &r.Port, &logPath, &transitions); err != nil {
		return r, err
	}
	r.Status = Status(status)
	r.DeployedAt = time.Unix(0, deployedAt).UTC()
	if stoppedAt.Valid {
		t := time.Unix(0, stoppedAt.Int64).UTC()
		r.StoppedAt = &t
	}
	r.WorkflowLogPath = logPath.String
	if err := json.Unmarshal([]byte(transitions), &r.Transitions); err != nil {
		return r, fmt.Errorf("decode transitions for %d: %w", r.ID, err)
	}
	return r, nil
}

// RecordStart writes a running record for a new deployment. Any running row
// for the same container id is closed first, so at most one row per
// container is running.
func (s *Store) RecordStart(ctx context.Context, rec Record) (Record, error) {
	if rec.ContainerID == "" {
		return rec, apierr.Validation("container_id is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	if rec.DeployedAt.IsZero() {
		rec.DeployedAt = now
	}
	rec.Status = StatusRunning
	rec.StoppedAt = nil
	rec.StoppedByUser = false
	rec.Transitions = []Transition{{Status: StatusRunning, At: rec.DeployedAt.UTC()}}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `SELECT `+selectCols+` FROM deployments WHERE container_id = ? AND status = ?`, rec.ContainerID, StatusRunning)
	if err != nil {
		return rec, err
	}
	var stale []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return rec, err
		}
		stale = append(stale, r)
	}
	rows.Close()
	for _, r := range stale {
		if err := updateStatus(ctx, tx, r, StatusStopped, now, false); err != nil {
			return rec, err
		}
	}

	trans, _ := json.Marshal(rec.Transitions)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO deployments (container_id, container_name, model_name, device, deployed_at, status,
			stopped_by_user, port, workflow_log_path, transitions)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		rec.ContainerID, rec.ContainerName, rec.ModelName, rec.Device, rec.DeployedAt.UnixNano(),
		StatusRunning, rec.Port, nullString(rec.WorkflowLogPath), string(trans))
	if err != nil {
		return rec, err
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return rec, err
	}
	return rec, tx.Commit()
}

func updateStatus(ctx context.Context, tx *sql.Tx, r Record, status Status, at time.Time, byUser bool) error {
	r.Transitions = append(r.Transitions, Transition{Status: status, At: at})
	trans, _ := json.Marshal(r.Transitions)
	_, err := tx.ExecContext(ctx, `
		UPDATE deployments SET status = ?, stopped_at = ?, stopped_by_user = ?, transitions = ?
		WHERE id = ?`, status, at.UnixNano(), byUser || r.StoppedByUser, string(trans), r.ID)
	return err
}

// MarkStopped records an explicit user stop on the running record for
// containerID. It reports false, leaving history untouched, when the latest
// record is already terminal or none exists.
func (s *Store) MarkStopped(ctx context.Context, containerID string) (bool, error) {
	return s.transition(ctx, containerID, StatusStopped, true)
}

// MarkTerminated records an unexpected exit or death. Only running records
// not stopped by the user are touched; stopped_by_user is never written here.
func (s *Store) MarkTerminated(ctx context.Context, containerID string, status Status) (bool, error) {
	if status != StatusExited && status != StatusDead {
		return false, fmt.Errorf("invalid terminal status %q", status)
	}
	return s.transition(ctx, containerID, status, false)
}

func (s *Store) transition(ctx context.Context, containerID string, status Status, byUser bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback() //nolint:errcheck

	r, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+selectCols+` FROM deployments
		WHERE container_id = ? AND status = 'running' AND stopped_by_user = 0
		ORDER BY id DESC LIMIT 1`, containerID))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := updateStatus(ctx, tx, r, status, s.now().UTC(), byUser); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Latest returns the newest record for containerID.
func (s *Store) Latest(ctx context.Context, containerID string) (Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM deployments WHERE container_id = ? ORDER BY id DESC LIMIT 1`, containerID))
	if errors.Is(err, sql.ErrNoRows) {
		return r, apierr.NotFound("no deployment record for container %s", containerID)
	}
	return r, err
}

// Running returns every record currently marked running.
func (s *Store) Running(ctx context.Context) ([]Record, error) {
	return s.query(ctx, `SELECT `+selectCols+` FROM deployments WHERE status = 'running' ORDER BY id`)
}

// List returns up to limit records, newest first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	q := `SELECT ` + selectCols + ` FROM deployments ORDER BY deployed_at DESC, id DESC`
	if limit > 0 {
		return s.query(ctx, q+` LIMIT ?`, limit)
	}
	return s.query(ctx, q)
}

// DiedSince returns unexpected terminations with stopped_at after since,
// oldest first.
func (s *Store) DiedSince(ctx context.Context, since time.Time) ([]Record, error) {
	return s.query(ctx, `SELECT `+selectCols+` FROM deployments
		WHERE status IN ('exited', 'dead') AND stopped_by_user = 0 AND stopped_at > ?
		ORDER BY stopped_at, id`, since.UnixNano())
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
