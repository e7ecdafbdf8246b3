package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"hivemind/internal/bus"
	"hivemind/internal/logging"
)

// ===== KNOWLEDGE ITEMS =====

const knowledgeColumns = `id, type, source_worker, target_worker, payload, topics,
	created_at, freshness_at_write, validation_status, urgency, resolved, resolution_id`

// InsertKnowledgeItem persists a knowledge item.
func (s *LocalStore) InsertKnowledgeItem(item *bus.KnowledgeItem) error {
	timer := logging.StartTimer(logging.CategoryStore, "InsertKnowledgeItem")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	payloadJSON, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	topicsJSON, err := json.Marshal(item.Topics)
	if err != nil {
		topicsJSON = []byte("[]")
	}

	_, err = s.db.Exec(`
		INSERT INTO knowledge_items (`+knowledgeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(item.Type), item.SourceWorker, item.TargetWorker,
		string(payloadJSON), string(topicsJSON), formatTime(item.CreatedAt),
		item.FreshnessAtWrite, string(item.ValidationStatus), string(item.Urgency),
		boolToInt(item.Resolved), item.ResolutionID,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("failed to insert knowledge item %s: %v", item.ID, err)
		return fmt.Errorf("failed to insert knowledge item: %w", err)
	}

	logging.StoreDebug("stored %s item %s from %s", item.Type, item.ID, item.SourceWorker)
	return nil
}

// GetKnowledgeItem returns one item by id, or nil when absent.
func (s *LocalStore) GetKnowledgeItem(id string) (*bus.KnowledgeItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+knowledgeColumns+` FROM knowledge_items WHERE id = ?`, id)
	item, err := scanKnowledgeItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

// QueryKnowledgeItems selects items by type and source, newest first.
// Freshness filtering and ranking happen in the bus, which recomputes decay
// on read; the store only serves the raw rows.
func (s *LocalStore) QueryKnowledgeItems(filter bus.QueryFilter) ([]*bus.KnowledgeItem, error) {
	timer := logging.StartTimer(logging.CategoryStore, "QueryKnowledgeItems")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + knowledgeColumns + ` FROM knowledge_items`
	var conds []string
	var args []interface{}
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.SourceWorker != "" {
		conds = append(conds, "source_worker = ?")
		args = append(args, filter.SourceWorker)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.queryKnowledgeItems(query, args...)
}

// RecentKnowledgeByWorker returns the worker's newest unresolved items.
func (s *LocalStore) RecentKnowledgeByWorker(workerName string, limit int) ([]*bus.KnowledgeItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryKnowledgeItems(`
		SELECT `+knowledgeColumns+` FROM knowledge_items
		WHERE source_worker = ? AND resolved = 0
		ORDER BY created_at DESC LIMIT ?`,
		workerName, limit)
}

// RecentUnresolvedKnowledge returns the newest unresolved items system-wide.
func (s *LocalStore) RecentUnresolvedKnowledge(limit int) ([]*bus.KnowledgeItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryKnowledgeItems(`
		SELECT `+knowledgeColumns+` FROM knowledge_items
		WHERE resolved = 0
		ORDER BY created_at DESC LIMIT ?`,
		limit)
}

// SampleKnowledgeForComparison returns unresolved items of the given type
// from workers other than excludeWorker.
func (s *LocalStore) SampleKnowledgeForComparison(t bus.KnowledgeType, excludeWorker string, limit int) ([]*bus.KnowledgeItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryKnowledgeItems(`
		SELECT `+knowledgeColumns+` FROM knowledge_items
		WHERE type = ? AND source_worker != ? AND resolved = 0
		ORDER BY created_at DESC LIMIT ?`,
		string(t), excludeWorker, limit)
}

func (s *LocalStore) queryKnowledgeItems(query string, args ...interface{}) ([]*bus.KnowledgeItem, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("knowledge query failed: %v", err)
		return nil, fmt.Errorf("knowledge query failed: %w", err)
	}
	defer rows.Close()

	var items []*bus.KnowledgeItem
	for rows.Next() {
		item, err := scanKnowledgeItem(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("failed to scan knowledge row: %v", err)
			continue
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanKnowledgeItem(row rowScanner) (*bus.KnowledgeItem, error) {
	var (
		item                                    bus.KnowledgeItem
		typ, payloadJSON, topicsJSON            string
		createdAt, validationStatus, urgency    string
		resolved                                int
	)
	err := row.Scan(&item.ID, &typ, &item.SourceWorker, &item.TargetWorker,
		&payloadJSON, &topicsJSON, &createdAt, &item.FreshnessAtWrite,
		&validationStatus, &urgency, &resolved, &item.ResolutionID)
	if err != nil {
		return nil, err
	}

	item.Type = bus.KnowledgeType(typ)
	item.CreatedAt = parseTime(createdAt)
	item.ValidationStatus = bus.ValidationStatus(validationStatus)
	item.Urgency = bus.Urgency(urgency)
	item.Resolved = resolved != 0
	if err := json.Unmarshal([]byte(payloadJSON), &item.Payload); err != nil {
		item.Payload = map[string]interface{}{}
	}
	if err := json.Unmarshal([]byte(topicsJSON), &item.Topics); err != nil {
		item.Topics = nil
	}
	return &item, nil
}

// ===== VALIDATION AUDIT =====

// AppendValidation records one validation audit entry.
func (s *LocalStore) AppendValidation(rec *bus.ValidationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO knowledge_validations (knowledge_id, validator, is_valid, score, feedback, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.KnowledgeID, rec.Validator, boolToInt(rec.IsValid), rec.Score, rec.Feedback, formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append validation: %w", err)
	}
	return nil
}

// ListValidations returns an item's validation audit trail, oldest first.
func (s *LocalStore) ListValidations(knowledgeID string) ([]*bus.ValidationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT knowledge_id, validator, is_valid, score, feedback, created_at
		FROM knowledge_validations WHERE knowledge_id = ? ORDER BY id`,
		knowledgeID)
	if err != nil {
		return nil, fmt.Errorf("validation query failed: %w", err)
	}
	defer rows.Close()

	var recs []*bus.ValidationRecord
	for rows.Next() {
		var rec bus.ValidationRecord
		var isValid int
		var createdAt string
		if err := rows.Scan(&rec.KnowledgeID, &rec.Validator, &isValid, &rec.Score, &rec.Feedback, &createdAt); err != nil {
			continue
		}
		rec.IsValid = isValid != 0
		rec.CreatedAt = parseTime(createdAt)
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// SetValidationStatus updates an item's validation status.
func (s *LocalStore) SetValidationStatus(knowledgeID string, status bus.ValidationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE knowledge_items SET validation_status = ? WHERE id = ?`,
		string(status), knowledgeID)
	if err != nil {
		return fmt.Errorf("failed to update validation status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("knowledge item %s not found", knowledgeID)
	}
	return nil
}

// ===== WORKER KNOWLEDGE STATE =====

// GetWorkerKnowledgeState returns a worker's exchange state, or nil when the
// worker has never exchanged.
func (s *LocalStore) GetWorkerKnowledgeState(workerName string) (*bus.WorkerKnowledgeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		state                      bus.WorkerKnowledgeState
		lastExchange               string
		receivedJSON, broadcastJSON string
	)
	err := s.db.QueryRow(`
		SELECT worker_name, last_exchange_at, exchange_count, recent_received, recent_broadcast
		FROM worker_knowledge_state WHERE worker_name = ?`,
		workerName,
	).Scan(&state.WorkerName, &lastExchange, &state.ExchangeCount, &receivedJSON, &broadcastJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load worker state: %w", err)
	}

	state.LastExchangeAt = parseTime(lastExchange)
	_ = json.Unmarshal([]byte(receivedJSON), &state.RecentReceived)
	_ = json.Unmarshal([]byte(broadcastJSON), &state.RecentBroadcast)
	return &state, nil
}

// UpsertWorkerKnowledgeState writes a worker's exchange state.
func (s *LocalStore) UpsertWorkerKnowledgeState(state *bus.WorkerKnowledgeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	receivedJSON, _ := json.Marshal(state.RecentReceived)
	broadcastJSON, _ := json.Marshal(state.RecentBroadcast)

	_, err := s.db.Exec(`
		INSERT INTO worker_knowledge_state (worker_name, last_exchange_at, exchange_count, recent_received, recent_broadcast)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(worker_name) DO UPDATE SET
			last_exchange_at = excluded.last_exchange_at,
			exchange_count = excluded.exchange_count,
			recent_received = excluded.recent_received,
			recent_broadcast = excluded.recent_broadcast`,
		state.WorkerName, formatTime(state.LastExchangeAt), state.ExchangeCount,
		string(receivedJSON), string(broadcastJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert worker state: %w", err)
	}
	return nil
}

// encodeItemJSON marshals an item's payload and topics for storage.
func encodeItemJSON(item *bus.KnowledgeItem) (payloadJSON, topicsJSON string) {
	p, err := json.Marshal(item.Payload)
	if err != nil {
		p = []byte("{}")
	}
	t, err := json.Marshal(item.Topics)
	if err != nil {
		t = []byte("[]")
	}
	return string(p), string(t)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
