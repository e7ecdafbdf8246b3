package store

import (
	"database/sql"
	"fmt"
	"strings"

	"hivemind/internal/conflict"
	"hivemind/internal/logging"
)

// ===== CONFLICT ANALYSES =====

// SaveConflictAnalysis persists an analysis. The conflict id is the
// deterministic pair hash, so re-analysis of the same pair is a no-op.
// Returns whether the row was newly inserted.
func (s *LocalStore) SaveConflictAnalysis(a *conflict.Analysis) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO conflict_analyses
			(conflict_id, knowledge_a_id, knowledge_b_id, conflict_type,
			 similarity_score, contradiction_score, overlap_score,
			 severity, recommended_strategy, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ConflictID, a.KnowledgeAID, a.KnowledgeBID, string(a.ConflictType),
		a.SimilarityScore, a.ContradictionScore, a.OverlapScore,
		string(a.Severity), string(a.RecommendedStrategy), a.Confidence,
		formatTime(a.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to save conflict analysis: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ===== RESOLUTIONS =====

// GetResolutionByConflictID returns the existing resolution for a conflict
// id, or nil when none exists. The merged item, when present, is reloaded by
// reference.
func (s *LocalStore) GetResolutionByConflictID(conflictID string) (*conflict.Resolution, error) {
	s.mu.RLock()

	var (
		res               conflict.Resolution
		strategy          string
		mergedKnowledgeID string
		resolvedAt        string
	)
	err := s.db.QueryRow(`
		SELECT resolution_id, conflict_id, strategy, selected_knowledge_id,
		       merged_knowledge_id, notes, confidence, resolved_at
		FROM resolutions WHERE conflict_id = ?`,
		conflictID,
	).Scan(&res.ResolutionID, &res.ConflictID, &strategy, &res.SelectedKnowledgeID,
		&mergedKnowledgeID, &res.Notes, &res.Confidence, &resolvedAt)
	s.mu.RUnlock()

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load resolution: %w", err)
	}

	res.Strategy = conflict.Strategy(strategy)
	res.ResolvedAt = parseTime(resolvedAt)
	if mergedKnowledgeID != "" {
		merged, err := s.GetKnowledgeItem(mergedKnowledgeID)
		if err != nil {
			return nil, err
		}
		res.MergedKnowledge = merged
	}
	return &res, nil
}

// ApplyResolution atomically inserts the resolution, persists the merged
// item when present and marks the conflicting items resolved. Returns
// conflict.ErrAlreadyResolved when another resolution for the same conflict
// id already landed.
func (s *LocalStore) ApplyResolution(res *conflict.Resolution, itemIDs []string) error {
	timer := logging.StartTimer(logging.CategoryStore, "ApplyResolution")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin resolution transaction: %w", err)
	}
	defer tx.Rollback()

	mergedID := ""
	if res.MergedKnowledge != nil {
		mergedID = res.MergedKnowledge.ID
	}

	_, err = tx.Exec(`
		INSERT INTO resolutions
			(resolution_id, conflict_id, strategy, selected_knowledge_id,
			 merged_knowledge_id, notes, confidence, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ResolutionID, res.ConflictID, string(res.Strategy), res.SelectedKnowledgeID,
		mergedID, res.Notes, res.Confidence, formatTime(res.ResolvedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return conflict.ErrAlreadyResolved
		}
		return fmt.Errorf("failed to insert resolution: %w", err)
	}

	if item := res.MergedKnowledge; item != nil {
		payloadJSON, topicsJSON := encodeItemJSON(item)
		_, err = tx.Exec(`
			INSERT INTO knowledge_items (`+knowledgeColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, string(item.Type), item.SourceWorker, item.TargetWorker,
			payloadJSON, topicsJSON, formatTime(item.CreatedAt),
			item.FreshnessAtWrite, string(item.ValidationStatus), string(item.Urgency),
			0, "",
		)
		if err != nil {
			return fmt.Errorf("failed to persist merged item: %w", err)
		}
	}

	for _, id := range itemIDs {
		if _, err := tx.Exec(`
			UPDATE knowledge_items SET resolved = 1, resolution_id = ? WHERE id = ?`,
			res.ResolutionID, id,
		); err != nil {
			return fmt.Errorf("failed to mark item %s resolved: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit resolution: %w", err)
	}

	logging.StoreDebug("applied resolution %s for conflict %s", res.ResolutionID, res.ConflictID)
	return nil
}

// ConflictCounts aggregates persisted analyses by severity and type, plus
// the resolution total.
func (s *LocalStore) ConflictCounts() (map[string]int, map[string]int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bySeverity := make(map[string]int)
	byType := make(map[string]int)

	rows, err := s.db.Query(`SELECT severity, conflict_type, COUNT(*) FROM conflict_analyses GROUP BY severity, conflict_type`)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to count analyses: %w", err)
	}
	for rows.Next() {
		var severity, conflictType string
		var n int
		if err := rows.Scan(&severity, &conflictType, &n); err != nil {
			continue
		}
		bySeverity[severity] += n
		byType[conflictType] += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, 0, err
	}

	var resolutions int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM resolutions`).Scan(&resolutions); err != nil {
		return nil, nil, 0, fmt.Errorf("failed to count resolutions: %w", err)
	}
	return bySeverity, byType, resolutions, nil
}

// isUniqueViolation reports whether err is a SQLite uniqueness failure.
// modernc.org/sqlite surfaces constraint violations in the error text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
