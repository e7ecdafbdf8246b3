package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"hivemind/internal/experiment"
	"hivemind/internal/logging"
)

// ===== EXPERIMENTS =====

const experimentColumns = `id, worker_name, name, hypothesis, approach, metric_names,
	risk_level, rollback_plan, confidence, status, success, improvement_ratio,
	promoted, created_at, started_at, completed_at, promoted_at`

// InsertExperiment persists a new experiment record.
func (s *LocalStore) InsertExperiment(exp *experiment.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metricsJSON, err := json.Marshal(exp.MetricNames)
	if err != nil {
		metricsJSON = []byte("[]")
	}

	_, err = s.db.Exec(`
		INSERT INTO experiments (`+experimentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exp.ID, exp.WorkerName, exp.Name, exp.Hypothesis, exp.Approach,
		string(metricsJSON), exp.RiskLevel, exp.RollbackPlan, exp.Confidence,
		string(exp.Status), boolToInt(exp.Success), exp.ImprovementRatio,
		boolToInt(exp.PromotedToProduction), formatTime(exp.CreatedAt),
		formatTime(exp.StartedAt), formatTime(exp.CompletedAt), formatTime(exp.PromotedAt),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("failed to insert experiment %s: %v", exp.ID, err)
		return fmt.Errorf("failed to insert experiment: %w", err)
	}
	return nil
}

// GetExperiment returns one experiment by id.
func (s *LocalStore) GetExperiment(id string) (*experiment.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id)
	exp, err := scanExperiment(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("experiment %s not found", id)
	}
	return exp, err
}

// UpdateExperimentOutcome writes an experiment's final state.
func (s *LocalStore) UpdateExperimentOutcome(exp *experiment.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE experiments SET
			status = ?, success = ?, improvement_ratio = ?, promoted = ?,
			completed_at = ?, promoted_at = ?
		WHERE id = ?`,
		string(exp.Status), boolToInt(exp.Success), exp.ImprovementRatio,
		boolToInt(exp.PromotedToProduction), formatTime(exp.CompletedAt),
		formatTime(exp.PromotedAt), exp.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update experiment outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("experiment %s not found", exp.ID)
	}
	return nil
}

// ListPromotedExperiments returns a worker's promoted experiments, most
// recently promoted first.
func (s *LocalStore) ListPromotedExperiments(workerName string) ([]*experiment.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT `+experimentColumns+` FROM experiments
		WHERE worker_name = ? AND promoted = 1
		ORDER BY promoted_at DESC`,
		workerName)
	if err != nil {
		return nil, fmt.Errorf("experiment query failed: %w", err)
	}
	defer rows.Close()

	var out []*experiment.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			continue
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

// ListExperiments returns all experiments, newest first. Used by the CLI.
func (s *LocalStore) ListExperiments(limit int) ([]*experiment.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + experimentColumns + ` FROM experiments ORDER BY created_at DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("experiment query failed: %w", err)
	}
	defer rows.Close()

	var out []*experiment.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			continue
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

func scanExperiment(row rowScanner) (*experiment.Experiment, error) {
	var (
		exp                 experiment.Experiment
		metricsJSON, status string
		success, promoted   int

		createdAt, startedAt, completedAt, promotedAt string
	)
	err := row.Scan(&exp.ID, &exp.WorkerName, &exp.Name, &exp.Hypothesis, &exp.Approach,
		&metricsJSON, &exp.RiskLevel, &exp.RollbackPlan, &exp.Confidence,
		&status, &success, &exp.ImprovementRatio, &promoted,
		&createdAt, &startedAt, &completedAt, &promotedAt)
	if err != nil {
		return nil, err
	}

	exp.Status = experiment.Status(status)
	exp.Success = success != 0
	exp.PromotedToProduction = promoted != 0
	exp.CreatedAt = parseTime(createdAt)
	exp.StartedAt = parseTime(startedAt)
	exp.CompletedAt = parseTime(completedAt)
	exp.PromotedAt = parseTime(promotedAt)
	_ = json.Unmarshal([]byte(metricsJSON), &exp.MetricNames)
	return &exp, nil
}
