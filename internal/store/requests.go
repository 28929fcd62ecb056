package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Request is one journaled proxy request.
type Request struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	Timestamp    time.Time `json:"timestamp"`
	Method       string    `json:"method"`
	Host         string    `json:"host"`
	Path         string    `json:"path"`
	RemoteAddr   string    `json:"remote_addr"`
	StatusCode   int       `json:"status_code"`
	Outcome      string    `json:"outcome"`
	LatencyMs    int64     `json:"latency_ms"`
	CacheStatus  string    `json:"cache_status,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// RequestStats holds aggregate statistics for a range of requests.
type RequestStats struct {
	TotalRequests int64            `json:"total_requests"`
	ByOutcome     map[string]int64 `json:"by_outcome"`
	ServerErrors  int64            `json:"server_errors"`
	AvgLatencyMs  float64          `json:"avg_latency_ms"`
}

const requestColumns = `id, request_id, timestamp, method, host, path, remote_addr,
		status_code, outcome, latency_ms, cache_status, error_message`

// InsertRequest stores a new request record. The caller provides a unique ID.
func (s *Store) InsertRequest(ctx context.Context, r *Request) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RequestID, formatTime(r.Timestamp), r.Method, r.Host, r.Path, r.RemoteAddr,
		r.StatusCode, r.Outcome, r.LatencyMs, r.CacheStatus, r.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("store: insert request: %w", err)
	}
	return nil
}

// GetRequest retrieves a single request by its ID.
// Returns an error wrapping sql.ErrNoRows if the request does not exist.
func (s *Store) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.reader.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if err != nil {
		return nil, fmt.Errorf("store: get request %s: %w", id, err)
	}
	return r, nil
}

// ListRequests returns a page of requests, newest first.
func (s *Store) ListRequests(ctx context.Context, limit, offset int) ([]*Request, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list requests: %w", err)
	}
	defer rows.Close()

	var results []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan request row: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list requests iteration: %w", err)
	}
	return results, nil
}

// GetRequestStats computes aggregate statistics for requests recorded at or
// after since.
func (s *Store) GetRequestStats(ctx context.Context, since time.Time) (*RequestStats, error) {
	stats := &RequestStats{ByOutcome: make(map[string]int64)}
	cutoff := formatTime(since)

	var avg sql.NullFloat64
	err := s.reader.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status_code >= 500 THEN 1 ELSE 0 END), 0),
		       AVG(latency_ms)
		FROM requests WHERE timestamp >= ?`, cutoff,
	).Scan(&stats.TotalRequests, &stats.ServerErrors, &avg)
	if err != nil {
		return nil, fmt.Errorf("store: request stats: %w", err)
	}
	stats.AvgLatencyMs = avg.Float64

	rows, err := s.reader.QueryContext(ctx, `
		SELECT outcome, COUNT(*) FROM requests
		WHERE timestamp >= ? GROUP BY outcome`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("store: outcome stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("store: scan outcome stats: %w", err)
		}
		stats.ByOutcome[outcome] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: outcome stats iteration: %w", err)
	}
	return stats, nil
}

// CountRequests returns the number of journaled requests.
func (s *Store) CountRequests(ctx context.Context) (int64, error) {
	var n int64
	if err := s.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM requests").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count requests: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	r := &Request{}
	var ts string
	if err := row.Scan(
		&r.ID, &r.RequestID, &ts, &r.Method, &r.Host, &r.Path, &r.RemoteAddr,
		&r.StatusCode, &r.Outcome, &r.LatencyMs, &r.CacheStatus, &r.ErrorMessage,
	); err != nil {
		return nil, err
	}
	t, err := parseTime(ts)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	r.Timestamp = t
	return r, nil
}
