package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Store persists runs, transcript lines and alerts in SQLite so past
// extractions stay queryable.
type Store struct {
	db *sql.DB
}

// Line is one recognized chat line tied to its source frame.
type Line struct {
	RunID      int64
	FrameIndex int
	Timestamp  time.Duration
	RawText    string
	Verified   string
}

// Open creates (or opens) the database with WAL mode enabled.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			video_path TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			frames INTEGER NOT NULL DEFAULT 0,
			lines INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS lines (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL REFERENCES runs(id),
			frame_index INTEGER NOT NULL,
			ts_ms INTEGER NOT NULL,
			raw_text TEXT NOT NULL,
			verified_text TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL REFERENCES runs(id),
			ts INTEGER NOT NULL,
			metric TEXT NOT NULL,
			value REAL NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// BeginRun records the start of a processing run and returns its id.
func (s *Store) BeginRun(ctx context.Context, videoPath string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO runs (video_path, started_at) VALUES (?, ?)",
		videoPath, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert run: %w", err)
	}
	return res.LastInsertId()
}

// FinishRun stamps the run with its end time and totals.
func (s *Store) FinishRun(ctx context.Context, runID int64, frames, lines int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE runs SET finished_at = ?, frames = ?, lines = ? WHERE id = ?",
		time.Now().UnixMilli(), frames, lines, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// AppendLine stores one transcript line.
func (s *Store) AppendLine(ctx context.Context, line Line) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO lines (run_id, frame_index, ts_ms, raw_text, verified_text) VALUES (?, ?, ?, ?, ?)",
		line.RunID, line.FrameIndex, line.Timestamp.Milliseconds(), line.RawText, line.Verified,
	)
	if err != nil {
		return fmt.Errorf("failed to insert line: %w", err)
	}
	return nil
}

// RecordAlert stores a resource alert against the run.
func (s *Store) RecordAlert(ctx context.Context, runID int64, metric string, value float64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO alerts (run_id, ts, metric, value) VALUES (?, ?, ?, ?)",
		runID, time.Now().UnixMilli(), metric, value,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// LinesForRun returns the transcript for a run in frame order.
func (s *Store) LinesForRun(ctx context.Context, runID int64) ([]Line, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id, frame_index, ts_ms, raw_text, verified_text FROM lines WHERE run_id = ? ORDER BY frame_index",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query lines: %w", err)
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var line Line
		var tsMS int64
		if err := rows.Scan(&line.RunID, &line.FrameIndex, &tsMS, &line.RawText, &line.Verified); err != nil {
			return nil, fmt.Errorf("failed to scan line: %w", err)
		}
		line.Timestamp = time.Duration(tsMS) * time.Millisecond
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// AlertCountForRun returns the number of alerts recorded for a run.
func (s *Store) AlertCountForRun(ctx context.Context, runID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM alerts WHERE run_id = ?", runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
