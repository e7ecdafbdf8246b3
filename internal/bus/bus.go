package bus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"hivemind/internal/clock"
	"hivemind/internal/config"
	"hivemind/internal/logging"

	"github.com/google/uuid"
)

// Store is the persistence surface the bus needs. Implemented by
// internal/store.
type Store interface {
	InsertKnowledgeItem(item *KnowledgeItem) error
	QueryKnowledgeItems(filter QueryFilter) ([]*KnowledgeItem, error)
	AppendValidation(rec *ValidationRecord) error
	SetValidationStatus(knowledgeID string, status ValidationStatus) error
	GetWorkerKnowledgeState(workerName string) (*WorkerKnowledgeState, error)
	UpsertWorkerKnowledgeState(state *WorkerKnowledgeState) error
}

// KnowledgeBus stores, routes, decays and validates knowledge items
// exchanged between workers. Validation filters consumption, not admission:
// invalid payloads are persisted and routed with status=invalid.
type KnowledgeBus struct {
	store    Store
	registry *Registry
	clock    clock.Clock

	slack        float64
	receiveRetry time.Duration
	recentWindow int
	queueCap     int

	mu     sync.RWMutex
	queues map[string]*mailbox
}

// New creates a knowledge bus over the given store.
func New(cfg *config.Config, st Store, clk clock.Clock) *KnowledgeBus {
	return &KnowledgeBus{
		store:        st,
		registry:     NewRegistry(cfg),
		clock:        clk,
		slack:        cfg.Bus.DefaultFreshnessSlack,
		receiveRetry: cfg.ReceiveRetry(),
		recentWindow: cfg.Bus.RecentWindow,
		queueCap:     cfg.Bus.QueueCapacity,
		queues:       make(map[string]*mailbox),
	}
}

// Registry exposes the type registry (read-mostly; used by the CLI).
func (b *KnowledgeBus) Registry() *Registry { return b.registry }

// Subscribe registers a worker's interest in knowledge types and creates its
// inbound queue.
func (b *KnowledgeBus) Subscribe(workerName string, types ...KnowledgeType) {
	b.registry.Subscribe(workerName, types...)
	b.queueFor(workerName)
}

func (b *KnowledgeBus) queueFor(workerName string) *mailbox {
	b.mu.RLock()
	q, ok := b.queues[workerName]
	b.mu.RUnlock()
	if ok {
		return q
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[workerName]; ok {
		return q
	}
	q = newMailbox(workerName, b.queueCap)
	b.queues[workerName] = q
	return q
}

// Broadcast publishes a knowledge item to every interested worker except the
// source. Returns the persisted item.
func (b *KnowledgeBus) Broadcast(sourceWorker string, t KnowledgeType, payload map[string]interface{}, topics []string, urgency Urgency) (*KnowledgeItem, error) {
	return b.publish(sourceWorker, "", t, payload, topics, urgency)
}

// Send publishes a knowledge item addressed to a single worker.
func (b *KnowledgeBus) Send(sourceWorker, targetWorker string, t KnowledgeType, payload map[string]interface{}, topics []string, urgency Urgency) (*KnowledgeItem, error) {
	if targetWorker == "" {
		return nil, fmt.Errorf("send requires a target worker")
	}
	return b.publish(sourceWorker, targetWorker, t, payload, topics, urgency)
}

func (b *KnowledgeBus) publish(sourceWorker, targetWorker string, t KnowledgeType, payload map[string]interface{}, topics []string, urgency Urgency) (*KnowledgeItem, error) {
	timer := logging.StartTimer(logging.CategoryBus, "publish")
	defer timer.Stop()

	if sourceWorker == "" {
		return nil, fmt.Errorf("source worker is required")
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	if urgency == "" {
		urgency = UrgencyNormal
	}

	status := ValidationPending
	if b.registry.ValidationRequired(t) {
		problems := b.registry.Schema(t).Validate(payload)
		if len(problems) == 0 {
			status = ValidationValid
		} else {
			// Invalid payloads are persisted and routed anyway; consumers
			// filter on validity.
			status = ValidationInvalid
			logging.Get(logging.CategoryBus).Warn("invalid %s payload from %s: %s", t, sourceWorker, strings.Join(problems, "; "))
		}
	}

	now := b.clock.Now()
	item := &KnowledgeItem{
		ID:               uuid.New().String(),
		Type:             t,
		SourceWorker:     sourceWorker,
		TargetWorker:     targetWorker,
		Payload:          payload,
		Topics:           append([]string(nil), topics...),
		CreatedAt:        now,
		FreshnessAtWrite: writeFreshness(payload, b.slack),
		ValidationStatus: status,
		Urgency:          urgency,
	}

	if err := b.store.InsertKnowledgeItem(item); err != nil {
		return nil, fmt.Errorf("failed to persist knowledge item: %w", err)
	}

	delivered := 0
	if targetWorker != "" {
		if targetWorker != sourceWorker {
			b.queueFor(targetWorker).push(item)
			delivered = 1
		}
	} else {
		for _, w := range b.registry.Interested(t) {
			if w == sourceWorker {
				continue
			}
			b.queueFor(w).push(item)
			delivered++
		}
	}

	b.recordExchange(sourceWorker, item.ID, false)
	logging.BusDebug("published %s item %s from %s to %d workers (status=%s)", t, item.ID, sourceWorker, delivered, status)
	return item, nil
}

// Receive pops up to max items from the worker's own queue. It is
// non-blocking apart from one short retry; items addressed to other workers
// are requeued, never dropped.
func (b *KnowledgeBus) Receive(ctx context.Context, workerName string, max int) ([]*KnowledgeItem, error) {
	if max <= 0 {
		max = 10
	}
	q := b.queueFor(workerName)

	drain := func() []*KnowledgeItem {
		var out []*KnowledgeItem
		for len(out) < max {
			item, ok := q.pop(workerName)
			if !ok {
				break
			}
			out = append(out, item)
		}
		return out
	}

	items := drain()
	if len(items) == 0 {
		// Short timeout semantics: one retry after a brief wait.
		if err := b.clock.Sleep(ctx, b.receiveRetry); err != nil {
			return nil, err
		}
		items = drain()
	}

	if len(items) > 0 {
		ids := make([]string, len(items))
		for i, it := range items {
			ids[i] = it.ID
		}
		b.recordExchange(workerName, strings.Join(ids, ","), true)
		logging.BusDebug("%s received %d items", workerName, len(items))
	}
	return items, nil
}

// Query returns persisted items ranked by current freshness (descending),
// then createdAt (descending). Freshness is recomputed lazily; storage is
// never mutated on read.
func (b *KnowledgeBus) Query(filter QueryFilter) ([]*KnowledgeItem, error) {
	now := b.clock.Now()

	fetch := filter
	if filter.Limit > 0 {
		// Over-fetch so the freshness filter still fills the page.
		fetch.Limit = filter.Limit * 4
	}
	fetch.MinFreshness = 0

	var items []*KnowledgeItem
	for {
		batch, err := b.store.QueryKnowledgeItems(fetch)
		if err != nil {
			return nil, fmt.Errorf("knowledge query failed: %w", err)
		}
		items = batch
		// Widening only matters when a bounded page is being filtered. A
		// short batch means storage is exhausted.
		if filter.Limit <= 0 || filter.MinFreshness <= 0 || len(batch) < fetch.Limit {
			break
		}
		kept := 0
		for _, it := range batch {
			if b.Freshness(it, now) >= filter.MinFreshness {
				kept++
			}
		}
		if kept >= filter.Limit {
			break
		}
		// Stale leaders crowded the page out; refetch wider.
		fetch.Limit *= 4
	}
	type scored struct {
		item      *KnowledgeItem
		freshness float64
	}
	ranked := make([]scored, 0, len(items))
	for _, it := range items {
		f := b.Freshness(it, now)
		if filter.MinFreshness > 0 && f < filter.MinFreshness {
			continue
		}
		ranked = append(ranked, scored{item: it, freshness: f})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].freshness != ranked[j].freshness {
			return ranked[i].freshness > ranked[j].freshness
		}
		return ranked[i].item.CreatedAt.After(ranked[j].item.CreatedAt)
	})

	out := make([]*KnowledgeItem, 0, len(ranked))
	for _, s := range ranked {
		out = append(out, s.item)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Freshness returns the item's current freshness at the given time.
func (b *KnowledgeBus) Freshness(item *KnowledgeItem, now time.Time) float64 {
	age := now.Sub(item.CreatedAt)
	return CurrentFreshness(item.FreshnessAtWrite, age, b.registry.HalfLife(item.Type))
}

// Validate appends an audit validation record and updates the item's
// validation status.
func (b *KnowledgeBus) Validate(knowledgeID, validatorWorker string, isValid bool, score float64, feedback string) error {
	rec := &ValidationRecord{
		KnowledgeID: knowledgeID,
		Validator:   validatorWorker,
		IsValid:     isValid,
		Score:       score,
		Feedback:    feedback,
		CreatedAt:   b.clock.Now(),
	}
	if err := b.store.AppendValidation(rec); err != nil {
		return fmt.Errorf("failed to append validation: %w", err)
	}

	status := ValidationValidated
	if !isValid {
		status = ValidationInvalid
	}
	if err := b.store.SetValidationStatus(knowledgeID, status); err != nil {
		return fmt.Errorf("failed to update validation status: %w", err)
	}
	logging.BusDebug("item %s validated by %s: valid=%v score=%.2f", knowledgeID, validatorWorker, isValid, score)
	return nil
}

// QueueDepth returns the worker's current inbound queue length.
func (b *KnowledgeBus) QueueDepth(workerName string) int {
	return b.queueFor(workerName).len()
}

// State returns the worker's knowledge exchange state.
func (b *KnowledgeBus) State(workerName string) (*WorkerKnowledgeState, error) {
	return b.store.GetWorkerKnowledgeState(workerName)
}

// recordExchange bumps the worker's monotonic exchange count and bounded
// recent windows. Persistence failures are logged, never fatal.
func (b *KnowledgeBus) recordExchange(workerName, ref string, received bool) {
	state, err := b.store.GetWorkerKnowledgeState(workerName)
	if err != nil {
		logging.Get(logging.CategoryBus).Warn("failed to load state for %s: %v", workerName, err)
		return
	}
	if state == nil {
		state = &WorkerKnowledgeState{WorkerName: workerName}
	}
	state.ExchangeCount++
	state.LastExchangeAt = b.clock.Now()

	window := b.recentWindow
	if window <= 0 {
		window = 10
	}
	appendBounded := func(list []string, v string) []string {
		list = append(list, v)
		if len(list) > window {
			list = list[len(list)-window:]
		}
		return list
	}
	if received {
		for _, id := range strings.Split(ref, ",") {
			state.RecentReceived = appendBounded(state.RecentReceived, id)
		}
	} else {
		state.RecentBroadcast = appendBounded(state.RecentBroadcast, ref)
	}

	if err := b.store.UpsertWorkerKnowledgeState(state); err != nil {
		logging.Get(logging.CategoryBus).Warn("failed to persist state for %s: %v", workerName, err)
	}
}
