// Package store keeps the summaries of analysed test cases in SQLite so
// runs can be compared without re-reading their inputs.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"
	_ "modernc.org/sqlite"

	"github.com/mengelbart/mrtp-plots/pkg/testcase"
)

const DefaultFile = "results.db"

type Store struct {
	db        *sql.DB
	closeOnce sync.Once
}

// Average aggregates the summaries of one test type within a run.
type Average struct {
	TestType  string  `json:"test_type"`
	Cases     int     `json:"cases"`
	LatencyMs float64 `json:"latency_ms"`
	LossRate  float64 `json:"loss_rate"`
	TxRate    float64 `json:"tx_rate"`
	RxRate    float64 `json:"rx_rate"`
}

type Run struct {
	ID        string
	Input     string
	Cases     int
	CreatedAt time.Time
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// workers share the handle, sqlite serialises writers anyway
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if err := s.db.Close(); err != nil {
			klog.Warningf("results store: close failed: %v", err)
		}
	})
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		input TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS summaries (
		run_id TEXT NOT NULL REFERENCES runs(id),
		name TEXT NOT NULL,
		test_type TEXT NOT NULL,
		case_time TIMESTAMP NOT NULL,
		packets INTEGER NOT NULL DEFAULT 0,
		latency_ms REAL,
		loss_rate REAL NOT NULL DEFAULT 0,
		tx_rate REAL NOT NULL DEFAULT 0,
		rx_rate REAL NOT NULL DEFAULT 0,
		summary TEXT NOT NULL,
		PRIMARY KEY (run_id, name)
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_summaries_test_type ON summaries(run_id, test_type)`)
	return err
}

// BeginRun registers a batch run. Calling it again for the same id only
// updates the input path.
func (s *Store) BeginRun(id, input string) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, input, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET input = excluded.input`,
		id, input, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Save stores the summary of one test case, replacing an earlier summary
// of the same case within the run.
func (s *Store) Save(runID string, sum testcase.Summary) error {
	b, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	var latency sql.NullFloat64
	if sum.Latency != nil {
		latency = sql.NullFloat64{Float64: sum.Latency.P50 * 1000, Valid: true}
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO summaries (run_id, name, test_type, case_time, packets,
			latency_ms, loss_rate, tx_rate, rx_rate, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, sum.Name, testcase.TestType(sum.Name), sum.Time.UTC(), sum.Packets,
		latency, sum.Loss.Rate, sum.TxRate, sum.RxRate, string(b),
	)
	if err != nil {
		return fmt.Errorf("insert summary %s: %w", sum.Name, err)
	}
	return nil
}

// Summaries lists the summaries of a run ordered by case name.
func (s *Store) Summaries(runID string) ([]testcase.Summary, error) {
	rows, err := s.db.Query(`SELECT summary FROM summaries WHERE run_id = ? ORDER BY name`, runID)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()
	var out []testcase.Summary
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var sum testcase.Summary
		if err := json.Unmarshal([]byte(raw), &sum); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Averages groups the summaries of a run by test type. Cases without
// latency samples do not count towards the mean latency.
func (s *Store) Averages(runID string) ([]Average, error) {
	rows, err := s.db.Query(
		`SELECT test_type, COUNT(*), COALESCE(AVG(latency_ms), 0), AVG(loss_rate), AVG(tx_rate), AVG(rx_rate)
		FROM summaries WHERE run_id = ? GROUP BY test_type ORDER BY test_type`, runID)
	if err != nil {
		return nil, fmt.Errorf("query averages: %w", err)
	}
	defer rows.Close()
	var out []Average
	for rows.Next() {
		var a Average
		if err := rows.Scan(&a.TestType, &a.Cases, &a.LatencyMs, &a.LossRate, &a.TxRate, &a.RxRate); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Runs lists the recorded runs, newest first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT r.id, r.input, r.created_at, COUNT(s.name)
		FROM runs r LEFT JOIN summaries s ON s.run_id = r.id
		GROUP BY r.id ORDER BY r.created_at DESC, r.id`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Input, &r.CreatedAt, &r.Cases); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
