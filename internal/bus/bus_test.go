package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"hivemind/internal/clock"
	"hivemind/internal/config"
)

// memStore is an in-memory Store for bus tests.
type memStore struct {
	mu          sync.Mutex
	items       map[string]*KnowledgeItem
	order       []string
	validations []*ValidationRecord
	states      map[string]*WorkerKnowledgeState
}

func newMemStore() *memStore {
	return &memStore{
		items:  make(map[string]*KnowledgeItem),
		states: make(map[string]*WorkerKnowledgeState),
	}
}

func (m *memStore) InsertKnowledgeItem(item *KnowledgeItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *item
	m.items[item.ID] = &cp
	m.order = append(m.order, item.ID)
	return nil
}

func (m *memStore) QueryKnowledgeItems(filter QueryFilter) ([]*KnowledgeItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*KnowledgeItem
	for i := len(m.order) - 1; i >= 0; i-- {
		it := m.items[m.order[i]]
		if filter.Type != "" && it.Type != filter.Type {
			continue
		}
		if filter.SourceWorker != "" && it.SourceWorker != filter.SourceWorker {
			continue
		}
		cp := *it
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) AppendValidation(rec *ValidationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validations = append(m.validations, rec)
	return nil
}

func (m *memStore) SetValidationStatus(id string, status ValidationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[id]; ok {
		it.ValidationStatus = status
	}
	return nil
}

func (m *memStore) GetWorkerKnowledgeState(worker string) (*WorkerKnowledgeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[worker]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) UpsertWorkerKnowledgeState(state *WorkerKnowledgeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *state
	m.states[state.WorkerName] = &cp
	return nil
}

func newTestBus(t *testing.T) (*KnowledgeBus, *memStore, *clock.Fake) {
	t.Helper()
	st := newMemStore()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := New(config.DefaultConfig(), st, clk)
	return b, st, clk
}

func TestBroadcastRoutesToInterestedExceptSource(t *testing.T) {
	b, _, _ := newTestBus(t)
	b.Subscribe("alpha", TypeRiskPattern)
	b.Subscribe("beta", TypeRiskPattern)
	b.Subscribe("gamma", TypeRiskPattern)

	payload := map[string]interface{}{"pattern": "unvalidated input reaches exec", "confidence": 0.9}
	item, err := b.Broadcast("alpha", TypeRiskPattern, payload, []string{"exec"}, UrgencyHigh)
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if item.ValidationStatus != ValidationValid {
		t.Errorf("status = %s, want valid", item.ValidationStatus)
	}

	if depth := b.QueueDepth("alpha"); depth != 0 {
		t.Errorf("source queue depth = %d, want 0", depth)
	}
	for _, w := range []string{"beta", "gamma"} {
		if depth := b.QueueDepth(w); depth != 1 {
			t.Errorf("%s queue depth = %d, want 1", w, depth)
		}
	}
}

func TestBroadcastInvalidPayloadStillPersistedAndRouted(t *testing.T) {
	b, st, _ := newTestBus(t)
	b.Subscribe("alpha", TypeRiskPattern)
	b.Subscribe("beta", TypeRiskPattern)

	// risk_pattern requires a confidence field; omit it.
	payload := map[string]interface{}{"pattern": "open redirect"}
	item, err := b.Broadcast("alpha", TypeRiskPattern, payload, []string{"http"}, UrgencyNormal)
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if item.ValidationStatus != ValidationInvalid {
		t.Fatalf("status = %s, want invalid", item.ValidationStatus)
	}
	if _, ok := st.items[item.ID]; !ok {
		t.Error("invalid item should still be persisted")
	}
	if depth := b.QueueDepth("beta"); depth != 1 {
		t.Errorf("invalid item should still be routed, queue depth = %d", depth)
	}

	// And it remains queryable.
	results, err := b.Query(QueryFilter{Type: TypeRiskPattern, Limit: 10})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	found := false
	for _, r := range results {
		if r.ID == item.ID {
			found = true
		}
	}
	if !found {
		t.Error("invalid item should be queryable")
	}
}

func TestReceiveFIFOWithinWorker(t *testing.T) {
	b, _, _ := newTestBus(t)
	b.Subscribe("alpha", TypeDecision)
	b.Subscribe("beta", TypeDecision)

	first, _ := b.Broadcast("alpha", TypeDecision, map[string]interface{}{"decision": "use sqlite", "topic": "storage"}, []string{"storage"}, UrgencyNormal)
	second, _ := b.Broadcast("alpha", TypeDecision, map[string]interface{}{"decision": "use yaml", "topic": "config"}, []string{"config"}, UrgencyNormal)

	items, err := b.Receive(context.Background(), "beta", 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("received %d items, want 2", len(items))
	}
	if items[0].ID != first.ID || items[1].ID != second.ID {
		t.Error("receive order should be FIFO within one worker's queue")
	}
}

func TestReceiveRequeuesItemsForOtherWorkers(t *testing.T) {
	b, _, _ := newTestBus(t)
	b.Subscribe("beta", TypeDecision)

	// Simulate a targeted item for gamma landing in beta's queue.
	stray := &KnowledgeItem{ID: "stray", Type: TypeDecision, TargetWorker: "gamma"}
	mine := &KnowledgeItem{ID: "mine", Type: TypeDecision}
	q := b.queueFor("beta")
	q.push(stray)
	q.push(mine)

	items, err := b.Receive(context.Background(), "beta", 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(items) != 1 || items[0].ID != "mine" {
		t.Fatalf("expected only beta's item, got %v", items)
	}
	// The stray item is requeued, not dropped.
	if depth := b.QueueDepth("beta"); depth != 1 {
		t.Errorf("stray item should remain queued, depth = %d", depth)
	}
}

func TestSendTargetsSingleWorker(t *testing.T) {
	b, _, _ := newTestBus(t)
	b.Subscribe("alpha", TypeFixPattern)
	b.Subscribe("beta", TypeFixPattern)
	b.Subscribe("gamma", TypeFixPattern)

	_, err := b.Send("alpha", "beta", TypeFixPattern, map[string]interface{}{"pattern": "retry with backoff", "confidence": 0.7}, nil, UrgencyNormal)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if depth := b.QueueDepth("beta"); depth != 1 {
		t.Errorf("beta depth = %d, want 1", depth)
	}
	if depth := b.QueueDepth("gamma"); depth != 0 {
		t.Errorf("gamma depth = %d, want 0", depth)
	}
}

func TestQueryRanksByCurrentFreshness(t *testing.T) {
	b, _, clk := newTestBus(t)
	b.Subscribe("alpha", TypeRiskPattern, TypeContextEnrichment)

	// Durable item written first, ephemeral item written at the same time.
	durable, _ := b.Broadcast("alpha", TypeRiskPattern, map[string]interface{}{"pattern": "sql injection", "confidence": 0.9}, []string{"sql"}, UrgencyHigh)
	ephemeral, _ := b.Broadcast("alpha", TypeContextEnrichment, map[string]interface{}{"content": "deploy window open", "relevance": 0.9}, nil, UrgencyLow)

	// After 12 hours the 6h-half-life item has decayed far below the
	// 336h-half-life item.
	clk.Advance(12 * time.Hour)

	results, err := b.Query(QueryFilter{Limit: 10})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ID != durable.ID || results[1].ID != ephemeral.ID {
		t.Error("durable item should outrank decayed ephemeral item")
	}

	// MinFreshness filters the decayed item out entirely.
	results, err = b.Query(QueryFilter{MinFreshness: 0.5, Limit: 10})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].ID != durable.ID {
		t.Errorf("expected only the durable item above 0.5 freshness, got %d items", len(results))
	}
}

func TestQueryFillsPagePastStaleLeaders(t *testing.T) {
	b, _, clk := newTestBus(t)

	// One durable item, then enough ephemeral ones to crowd out the initial
	// over-fetch window for a small page.
	durable, _ := b.Broadcast("alpha", TypeRiskPattern, map[string]interface{}{"pattern": "hardcoded credentials", "confidence": 0.9}, nil, UrgencyNormal)
	clk.Advance(time.Hour)
	for i := 0; i < 8; i++ {
		if _, err := b.Broadcast("alpha", TypeContextEnrichment, map[string]interface{}{"content": "deploy window", "relevance": 0.9}, nil, UrgencyLow); err != nil {
			t.Fatalf("Broadcast: %v", err)
		}
	}

	// A day later the 6h-half-life items are all below 0.3; the durable
	// item is still well above it but older than every stale one.
	clk.Advance(24 * time.Hour)

	results, err := b.Query(QueryFilter{MinFreshness: 0.3, Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].ID != durable.ID {
		t.Fatalf("got %d results, want only the durable item", len(results))
	}
}

func TestValidateAppendsAuditAndUpdatesStatus(t *testing.T) {
	b, st, _ := newTestBus(t)
	b.Subscribe("alpha", TypeRiskPattern)

	item, _ := b.Broadcast("alpha", TypeRiskPattern, map[string]interface{}{"pattern": "weak hash", "confidence": 0.8}, nil, UrgencyNormal)

	if err := b.Validate(item.ID, "beta", true, 0.92, "confirmed in repo scan"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(st.validations) != 1 {
		t.Fatalf("validations = %d, want 1", len(st.validations))
	}
	if st.items[item.ID].ValidationStatus != ValidationValidated {
		t.Errorf("status = %s, want validated", st.items[item.ID].ValidationStatus)
	}

	if err := b.Validate(item.ID, "gamma", false, 0.2, "could not reproduce"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if st.items[item.ID].ValidationStatus != ValidationInvalid {
		t.Errorf("status = %s, want invalid after negative validation", st.items[item.ID].ValidationStatus)
	}
}

func TestExchangeCountMonotonic(t *testing.T) {
	b, _, _ := newTestBus(t)
	b.Subscribe("alpha", TypeDecision)
	b.Subscribe("beta", TypeDecision)

	var last int64
	for i := 0; i < 5; i++ {
		if _, err := b.Broadcast("alpha", TypeDecision, map[string]interface{}{"decision": "d", "topic": "t"}, nil, UrgencyNormal); err != nil {
			t.Fatalf("Broadcast: %v", err)
		}
		state, err := b.State("alpha")
		if err != nil {
			t.Fatalf("State: %v", err)
		}
		if state.ExchangeCount <= last {
			t.Fatalf("exchange count not monotonic: %d then %d", last, state.ExchangeCount)
		}
		last = state.ExchangeCount
	}

	// Recent broadcast window stays bounded.
	for i := 0; i < 20; i++ {
		_, _ = b.Broadcast("alpha", TypeDecision, map[string]interface{}{"decision": "d", "topic": "t"}, nil, UrgencyNormal)
	}
	state, _ := b.State("alpha")
	if len(state.RecentBroadcast) > 10 {
		t.Errorf("recent broadcast window = %d, want <= 10", len(state.RecentBroadcast))
	}
}

func TestUnknownTypeRegisteredOnDemand(t *testing.T) {
	b, st, _ := newTestBus(t)

	item, err := b.Broadcast("alpha", KnowledgeType("novel_signal"), map[string]interface{}{"anything": "goes"}, nil, UrgencyLow)
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	// No schema registered: admission without validation.
	if item.ValidationStatus != ValidationPending {
		t.Errorf("status = %s, want pending", item.ValidationStatus)
	}
	if _, ok := st.items[item.ID]; !ok {
		t.Error("item should be persisted")
	}
}
