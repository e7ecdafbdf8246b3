package store

import (
	"database/sql"
	"fmt"
	"time"

	"hivemind/internal/worker"
)

// ===== WORKER STATS =====

// UpsertWorkerStats writes a worker's rolling stats snapshot.
func (s *LocalStore) UpsertWorkerStats(stats *worker.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO worker_stats
			(worker_name, cycles_completed, experiments_run, errors, avg_cycle_ms, last_cycle_at, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_name) DO UPDATE SET
			cycles_completed = excluded.cycles_completed,
			experiments_run = excluded.experiments_run,
			errors = excluded.errors,
			avg_cycle_ms = excluded.avg_cycle_ms,
			last_cycle_at = excluded.last_cycle_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		stats.WorkerName, stats.CyclesCompleted, stats.ExperimentsRun, stats.Errors,
		float64(stats.AvgCycleTime)/float64(time.Millisecond),
		formatTime(stats.LastCycleAt), stats.LastError, formatTime(stats.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert worker stats: %w", err)
	}
	return nil
}

// GetWorkerStats returns a worker's persisted stats, or nil when absent.
func (s *LocalStore) GetWorkerStats(workerName string) (*worker.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT worker_name, cycles_completed, experiments_run, errors, avg_cycle_ms, last_cycle_at, last_error, updated_at
		FROM worker_stats WHERE worker_name = ?`,
		workerName)
	stats, err := scanWorkerStats(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return stats, err
}

// ListWorkerStats returns stats for all workers that have persisted any.
func (s *LocalStore) ListWorkerStats() ([]*worker.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT worker_name, cycles_completed, experiments_run, errors, avg_cycle_ms, last_cycle_at, last_error, updated_at
		FROM worker_stats ORDER BY worker_name`)
	if err != nil {
		return nil, fmt.Errorf("worker stats query failed: %w", err)
	}
	defer rows.Close()

	var out []*worker.Stats
	for rows.Next() {
		stats, err := scanWorkerStats(rows)
		if err != nil {
			continue
		}
		out = append(out, stats)
	}
	return out, rows.Err()
}

func scanWorkerStats(row rowScanner) (*worker.Stats, error) {
	var (
		stats                 worker.Stats
		avgMs                 float64
		lastCycleAt, updatedAt string
	)
	err := row.Scan(&stats.WorkerName, &stats.CyclesCompleted, &stats.ExperimentsRun,
		&stats.Errors, &avgMs, &lastCycleAt, &stats.LastError, &updatedAt)
	if err != nil {
		return nil, err
	}
	stats.AvgCycleTime = time.Duration(avgMs * float64(time.Millisecond))
	stats.LastCycleAt = parseTime(lastCycleAt)
	stats.UpdatedAt = parseTime(updatedAt)
	return &stats, nil
}
