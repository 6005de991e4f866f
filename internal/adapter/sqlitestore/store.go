package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS test_results (
	test_id          TEXT PRIMARY KEY,
	test_name        TEXT NOT NULL,
	status           TEXT NOT NULL,
	winner           TEXT NOT NULL,
	start_time       TIMESTAMP NOT NULL,
	end_time         TIMESTAMP NOT NULL,
	duration_seconds REAL NOT NULL,
	document         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_test_results_start ON test_results(start_time);
`

// Store keeps the history of test results in SQLite
type Store struct {
	conn *sql.DB
	path string
}

// Summary is one row of the history listing
type Summary struct {
	TestID          string    `json:"test_id"`
	TestName        string    `json:"test_name"`
	Status          string    `json:"status"`
	Winner          string    `json:"winner"`
	StartTime       time.Time `json:"start_time"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// Open opens or creates the database at path and applies the schema
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d", path, 5000)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{conn: conn, path: path}, nil
}

func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *Store) Path() string { return s.path }

// Save inserts res, replacing an earlier row with the same test id
func (s *Store) Save(res *domain.TestResult) error {
	doc, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	_, err = s.conn.Exec(`
		INSERT INTO test_results (test_id, test_name, status, winner, start_time, end_time, duration_seconds, document)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(test_id) DO UPDATE SET
			test_name = excluded.test_name,
			status = excluded.status,
			winner = excluded.winner,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			duration_seconds = excluded.duration_seconds,
			document = excluded.document`,
		res.TestID, res.TestName, res.Status, res.Winner.Label,
		res.StartTime.UTC(), res.EndTime.UTC(), res.DurationSeconds, string(doc))
	if err != nil {
		return fmt.Errorf("save result %s: %w", res.TestID, err)
	}
	return nil
}

func (s *Store) Load(testID string) (*domain.TestResult, error) {
	var doc string
	err := s.conn.QueryRow(`SELECT document FROM test_results WHERE test_id = ?`, testID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load result %s: %w", testID, err)
	}

	var res domain.TestResult
	if err := json.Unmarshal([]byte(doc), &res); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", testID, err)
	}
	return &res, nil
}

// Recent lists up to limit results, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT test_id, test_name, status, winner, start_time, duration_seconds
		FROM test_results ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sm Summary
		if err := rows.Scan(&sm.TestID, &sm.TestName, &sm.Status, &sm.Winner, &sm.StartTime, &sm.DurationSeconds); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}
