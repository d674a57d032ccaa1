package server

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// HistoryRecord is one finished job in the outcome history.
type HistoryRecord struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Outcome    string `json:"outcome"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at,omitempty"`
	Duration   int64  `json:"duration_seconds"`
}

// HistoryStats aggregates outcomes for the health endpoint.
type HistoryStats struct {
	Total           int `json:"total"`
	Streaming       int `json:"streaming"`
	DirectLinks     int `json:"direct_links"`
	ServerDownloads int `json:"server_downloads"`
	Degraded        int `json:"degraded"`
	Errors          int `json:"errors"`
}

// HistoryDB persists job outcomes in SQLite.
type HistoryDB struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
	log *logrus.Entry
}

// OpenHistory opens (creating if needed) the outcome database at dbPath.
func OpenHistory(dbPath string) (*HistoryDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating history dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS job_history (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			outcome TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER DEFAULT 0,
			duration_seconds INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_finished_at ON job_history(finished_at DESC);
		CREATE INDEX IF NOT EXISTS idx_outcome ON job_history(outcome);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history table: %w", err)
	}

	return &HistoryDB{db: db, now: time.Now, log: logrus.WithField("component", "history")}, nil
}

func (h *HistoryDB) Close() error {
	if h.db != nil {
		return h.db.Close()
	}
	return nil
}

// RecordStart registers a job the moment it is accepted. The outcome column
// starts as "started" and is replaced when the job finishes.
func (h *HistoryDB) RecordStart(jobID, url string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.db.Exec(`
		INSERT OR REPLACE INTO job_history (id, url, outcome, started_at)
		VALUES (?, ?, 'started', ?)
	`, jobID, url, h.now().Unix())
	if err != nil {
		h.log.WithField("job_id", jobID).WithError(err).Error("recording job start failed")
	}
}

// RecordOutcome marks the job finished with the given outcome kind.
func (h *HistoryDB) RecordOutcome(jobID, outcome string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	finished := h.now().Unix()
	_, err := h.db.Exec(`
		UPDATE job_history
		SET outcome = ?, finished_at = ?, duration_seconds = ? - started_at
		WHERE id = ?
	`, outcome, finished, finished, jobID)
	if err != nil {
		h.log.WithField("job_id", jobID).WithError(err).Error("recording job outcome failed")
	}
}

// Recent returns finished jobs newest-first with pagination, plus the total
// row count.
func (h *HistoryDB) Recent(limit, offset int) ([]HistoryRecord, int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var total int
	if err := h.db.QueryRow("SELECT COUNT(*) FROM job_history").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting history: %w", err)
	}

	rows, err := h.db.Query(`
		SELECT id, url, outcome, started_at, finished_at, duration_seconds
		FROM job_history
		ORDER BY finished_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	records := make([]HistoryRecord, 0)
	for rows.Next() {
		var r HistoryRecord
		if err := rows.Scan(&r.ID, &r.URL, &r.Outcome, &r.StartedAt, &r.FinishedAt, &r.Duration); err != nil {
			return nil, 0, fmt.Errorf("scanning history row: %w", err)
		}
		records = append(records, r)
	}
	return records, total, rows.Err()
}

// Stats aggregates outcome counts across the whole history.
func (h *HistoryDB) Stats() (HistoryStats, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var s HistoryStats
	err := h.db.QueryRow(`
		SELECT
			COUNT(*),
			COUNT(CASE WHEN outcome = 'streaming' THEN 1 END),
			COUNT(CASE WHEN outcome = 'direct_link' THEN 1 END),
			COUNT(CASE WHEN outcome = 'server_download' THEN 1 END),
			COUNT(CASE WHEN outcome = 'degraded' THEN 1 END),
			COUNT(CASE WHEN outcome = 'error' THEN 1 END)
		FROM job_history
	`).Scan(&s.Total, &s.Streaming, &s.DirectLinks, &s.ServerDownloads, &s.Degraded, &s.Errors)
	if err != nil {
		return HistoryStats{}, fmt.Errorf("aggregating history stats: %w", err)
	}
	return s, nil
}
