package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"hivemind/internal/advisor"
	"hivemind/internal/bus"
	"hivemind/internal/clock"
	"hivemind/internal/experiment"
	"hivemind/internal/logging"
)

// ===== CYCLE METER =====

// cycleMeter keeps a rolling average of production cycle durations so
// experimental cycles have a baseline to measure improvement against.
type cycleMeter struct {
	mu  sync.Mutex
	avg time.Duration
	n   int64
}

func (m *cycleMeter) observe(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	m.avg += (d - m.avg) / time.Duration(m.n)
}

func (m *cycleMeter) baseline() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avg
}

// improvementOver computes the relative speedup of measured against the
// baseline. No baseline means no claimed improvement.
func improvementOver(baseline, measured time.Duration) float64 {
	if baseline <= 0 {
		return 0
	}
	return float64(baseline-measured) / float64(baseline)
}

// consumable reports whether a delivered item should be acted on.
// Invalid items are routed but never consumed.
func consumable(item *bus.KnowledgeItem) bool {
	return item.ValidationStatus != bus.ValidationInvalid
}

// ===== RISK SCAN =====

// RiskScan watches cross-worker activity for recurring trouble topics and
// broadcasts durable risk patterns once a topic recurs often enough.
type RiskScan struct {
	bus   *bus.KnowledgeBus
	clock clock.Clock
	meter cycleMeter

	mu        sync.Mutex
	topicHits map[string]int
	reported  map[string]bool
	threshold int
}

// NewRiskScan creates the risk scan worker.
func NewRiskScan(b *bus.KnowledgeBus, clk clock.Clock) *RiskScan {
	return &RiskScan{
		bus:       b,
		clock:     clk,
		topicHits: make(map[string]int),
		reported:  make(map[string]bool),
		threshold: 3,
	}
}

func (w *RiskScan) Name() string { return "risk_scan" }

func (w *RiskScan) Interval() time.Duration { return 30 * time.Second }

func (w *RiskScan) Subscriptions() []bus.KnowledgeType {
	return []bus.KnowledgeType{bus.TypeFixPattern, bus.TypeContextEnrichment, bus.TypeExperimentInsight}
}

func (w *RiskScan) HandleKnowledge(_ context.Context, items []*bus.KnowledgeItem) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, item := range items {
		if !consumable(item) {
			continue
		}
		for _, topic := range item.Topics {
			w.topicHits[topic]++
		}
	}
	return nil
}

func (w *RiskScan) RunProductionCycle(ctx context.Context) error {
	start := w.clock.Now()
	err := w.scan(w.threshold)
	w.meter.observe(w.clock.Now().Sub(start))
	return err
}

// scan emits a risk pattern for every topic at or past the hit threshold
// that has not been reported yet.
func (w *RiskScan) scan(threshold int) error {
	w.mu.Lock()
	type finding struct {
		topic string
		hits  int
	}
	var findings []finding
	for topic, hits := range w.topicHits {
		if hits >= threshold && !w.reported[topic] {
			findings = append(findings, finding{topic, hits})
			w.reported[topic] = true
		}
	}
	w.mu.Unlock()

	sort.Slice(findings, func(i, j int) bool { return findings[i].topic < findings[j].topic })
	for _, f := range findings {
		confidence := 0.5 + 0.1*float64(f.hits)
		if confidence > 0.9 {
			confidence = 0.9
		}
		urgency := bus.UrgencyNormal
		if f.hits >= threshold*2 {
			urgency = bus.UrgencyHigh
		}
		_, err := w.bus.Broadcast(w.Name(), bus.TypeRiskPattern, map[string]interface{}{
			"pattern":    fmt.Sprintf("recurring issues around %s (%d sightings)", f.topic, f.hits),
			"confidence": confidence,
		}, []string{f.topic}, urgency)
		if err != nil {
			return fmt.Errorf("failed to broadcast risk pattern for %s: %w", f.topic, err)
		}
		logging.Worker("risk_scan flagged %s after %d sightings", f.topic, f.hits)
	}
	return nil
}

func (w *RiskScan) RunExperimentalCycle(_ context.Context, spec *advisor.Spec) (experiment.Outcome, error) {
	// Variation: a more eager detection threshold for one cycle.
	start := w.clock.Now()
	err := w.scan(w.threshold - 1)
	measured := w.clock.Now().Sub(start)
	if err != nil {
		return experiment.Outcome{Success: false, Notes: err.Error()}, err
	}
	return experiment.Outcome{
		Success:          true,
		ImprovementRatio: improvementOver(w.meter.baseline(), measured),
		Notes:            fmt.Sprintf("ran %q with eager threshold", spec.Name),
	}, nil
}

func (w *RiskScan) ExperimentContext() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return map[string]interface{}{
		"tracked_topics":      len(w.topicHits),
		"reported_patterns":   len(w.reported),
		"detection_threshold": w.threshold,
	}
}

// ===== DECISION TRACKER =====

// decisionRecord is one tracked decision per topic.
type decisionRecord struct {
	decision    string
	confidence  float64
	recordedAt  time.Time
	refreshedAt time.Time
}

// DecisionTracker records decisions by topic, validates risk patterns it can
// corroborate, and re-broadcasts decisions before decay makes them
// invisible.
type DecisionTracker struct {
	bus   *bus.KnowledgeBus
	clock clock.Clock
	meter cycleMeter

	mu        sync.Mutex
	decisions map[string]*decisionRecord

	// refreshAfter is how long a decision may age before it is re-broadcast.
	refreshAfter time.Duration
}

// NewDecisionTracker creates the decision tracker worker.
func NewDecisionTracker(b *bus.KnowledgeBus, clk clock.Clock) *DecisionTracker {
	return &DecisionTracker{
		bus:          b,
		clock:        clk,
		decisions:    make(map[string]*decisionRecord),
		refreshAfter: 48 * time.Hour,
	}
}

func (w *DecisionTracker) Name() string { return "decision_tracker" }

func (w *DecisionTracker) Interval() time.Duration { return time.Minute }

func (w *DecisionTracker) Subscriptions() []bus.KnowledgeType {
	return []bus.KnowledgeType{bus.TypeDecision, bus.TypeRiskPattern}
}

func (w *DecisionTracker) HandleKnowledge(_ context.Context, items []*bus.KnowledgeItem) error {
	now := w.clock.Now()
	for _, item := range items {
		if !consumable(item) {
			continue
		}
		switch item.Type {
		case bus.TypeDecision:
			topic, _ := item.Payload["topic"].(string)
			decision, _ := item.Payload["decision"].(string)
			if topic == "" || decision == "" {
				continue
			}
			w.mu.Lock()
			w.decisions[topic] = &decisionRecord{
				decision:    decision,
				confidence:  item.Confidence(),
				recordedAt:  item.CreatedAt,
				refreshedAt: now,
			}
			w.mu.Unlock()

		case bus.TypeRiskPattern:
			// Corroborate risk patterns that touch a topic we hold a
			// decision on.
			for _, topic := range item.Topics {
				w.mu.Lock()
				_, known := w.decisions[topic]
				w.mu.Unlock()
				if known {
					if err := w.bus.Validate(item.ID, w.Name(), true, 0.8,
						"consistent with recorded decision on "+topic); err != nil {
						logging.Get(logging.CategoryWorker).Warn("decision_tracker validation failed: %v", err)
					}
					break
				}
			}
		}
	}
	return nil
}

func (w *DecisionTracker) RunProductionCycle(_ context.Context) error {
	start := w.clock.Now()
	err := w.refresh(w.refreshAfter)
	w.meter.observe(w.clock.Now().Sub(start))
	return err
}

// refresh re-broadcasts decisions whose last broadcast is older than maxAge,
// countering freshness decay for decisions that still hold.
func (w *DecisionTracker) refresh(maxAge time.Duration) error {
	now := w.clock.Now()

	w.mu.Lock()
	type stale struct {
		topic string
		rec   *decisionRecord
	}
	var due []stale
	for topic, rec := range w.decisions {
		if now.Sub(rec.refreshedAt) >= maxAge {
			due = append(due, stale{topic, rec})
		}
	}
	w.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].topic < due[j].topic })
	for _, s := range due {
		confidence := s.rec.confidence
		if confidence == 0 {
			confidence = 0.7
		}
		_, err := w.bus.Broadcast(w.Name(), bus.TypeDecision, map[string]interface{}{
			"decision":   s.rec.decision,
			"topic":      s.topic,
			"confidence": confidence,
		}, []string{s.topic}, bus.UrgencyLow)
		if err != nil {
			return fmt.Errorf("failed to refresh decision on %s: %w", s.topic, err)
		}
		w.mu.Lock()
		s.rec.refreshedAt = now
		w.mu.Unlock()
	}
	return nil
}

func (w *DecisionTracker) RunExperimentalCycle(_ context.Context, spec *advisor.Spec) (experiment.Outcome, error) {
	// Variation: refresh more aggressively for one cycle.
	start := w.clock.Now()
	err := w.refresh(w.refreshAfter / 2)
	measured := w.clock.Now().Sub(start)
	if err != nil {
		return experiment.Outcome{Success: false, Notes: err.Error()}, err
	}
	return experiment.Outcome{
		Success:          true,
		ImprovementRatio: improvementOver(w.meter.baseline(), measured),
		Notes:            fmt.Sprintf("ran %q with halved refresh age", spec.Name),
	}, nil
}

func (w *DecisionTracker) ExperimentContext() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return map[string]interface{}{
		"tracked_decisions": len(w.decisions),
		"refresh_after":     w.refreshAfter.String(),
	}
}

// ===== PATTERN MINER =====

// PatternMiner queries fresh risk patterns and mines topic pairs that recur
// across different workers into fix patterns.
type PatternMiner struct {
	bus   *bus.KnowledgeBus
	clock clock.Clock
	meter cycleMeter

	mu      sync.Mutex
	sources map[string]int
	mined   map[string]bool

	minFreshness float64
	queryLimit   int
}

// NewPatternMiner creates the pattern miner worker.
func NewPatternMiner(b *bus.KnowledgeBus, clk clock.Clock) *PatternMiner {
	return &PatternMiner{
		bus:          b,
		clock:        clk,
		sources:      make(map[string]int),
		mined:        make(map[string]bool),
		minFreshness: 0.3,
		queryLimit:   25,
	}
}

func (w *PatternMiner) Name() string { return "pattern_miner" }

// Mining walks recent storage, so it runs at the coarsest cadence.
func (w *PatternMiner) Interval() time.Duration { return 2 * time.Minute }

func (w *PatternMiner) Subscriptions() []bus.KnowledgeType {
	return []bus.KnowledgeType{bus.TypeRiskPattern}
}

func (w *PatternMiner) HandleKnowledge(_ context.Context, items []*bus.KnowledgeItem) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, item := range items {
		if consumable(item) {
			w.sources[item.SourceWorker]++
		}
	}
	return nil
}

func (w *PatternMiner) RunProductionCycle(_ context.Context) error {
	start := w.clock.Now()
	err := w.mine(w.minFreshness)
	w.meter.observe(w.clock.Now().Sub(start))
	return err
}

// mine finds topic pairs reported by at least two distinct workers among
// fresh risk patterns and broadcasts one fix pattern per new pair.
func (w *PatternMiner) mine(minFreshness float64) error {
	items, err := w.bus.Query(bus.QueryFilter{
		Type:         bus.TypeRiskPattern,
		MinFreshness: minFreshness,
		Limit:        w.queryLimit,
	})
	if err != nil {
		return fmt.Errorf("risk pattern query failed: %w", err)
	}

	// pairKey -> set of source workers
	pairSources := make(map[string]map[string]bool)
	for _, item := range items {
		if !consumable(item) || item.SourceWorker == w.Name() {
			continue
		}
		topics := append([]string(nil), item.Topics...)
		sort.Strings(topics)
		for i := 0; i < len(topics); i++ {
			for j := i + 1; j < len(topics); j++ {
				key := topics[i] + "+" + topics[j]
				if pairSources[key] == nil {
					pairSources[key] = make(map[string]bool)
				}
				pairSources[key][item.SourceWorker] = true
			}
		}
	}

	var keys []string
	for key, srcs := range pairSources {
		if len(srcs) >= 2 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		w.mu.Lock()
		already := w.mined[key]
		w.mined[key] = true
		w.mu.Unlock()
		if already {
			continue
		}
		topics := strings.SplitN(key, "+", 2)
		_, err := w.bus.Broadcast(w.Name(), bus.TypeFixPattern, map[string]interface{}{
			"pattern":    fmt.Sprintf("shared mitigation candidate for %s and %s reported by multiple workers", topics[0], topics[1]),
			"confidence": 0.65,
		}, topics, bus.UrgencyNormal)
		if err != nil {
			return fmt.Errorf("failed to broadcast fix pattern %s: %w", key, err)
		}
		logging.Worker("pattern_miner linked %s and %s", topics[0], topics[1])
	}
	return nil
}

func (w *PatternMiner) RunExperimentalCycle(_ context.Context, spec *advisor.Spec) (experiment.Outcome, error) {
	// Variation: dig into staler patterns for one cycle.
	start := w.clock.Now()
	err := w.mine(w.minFreshness / 2)
	measured := w.clock.Now().Sub(start)
	if err != nil {
		return experiment.Outcome{Success: false, Notes: err.Error()}, err
	}
	return experiment.Outcome{
		Success:          true,
		ImprovementRatio: improvementOver(w.meter.baseline(), measured),
		Notes:            fmt.Sprintf("ran %q with relaxed freshness floor", spec.Name),
	}, nil
}

func (w *PatternMiner) ExperimentContext() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return map[string]interface{}{
		"known_sources": len(w.sources),
		"mined_pairs":   len(w.mined),
		"min_freshness": w.minFreshness,
	}
}

// ===== CONTEXT ENRICHER =====

// ContextEnricher observes everything and periodically broadcasts an
// ephemeral activity summary. Its output decays within hours by design.
type ContextEnricher struct {
	bus   *bus.KnowledgeBus
	clock clock.Clock
	meter cycleMeter

	mu            sync.Mutex
	countsByType  map[bus.KnowledgeType]int
	recentTopics  []string
	seenSinceLast int
}

// NewContextEnricher creates the context enricher worker.
func NewContextEnricher(b *bus.KnowledgeBus, clk clock.Clock) *ContextEnricher {
	return &ContextEnricher{
		bus:          b,
		clock:        clk,
		countsByType: make(map[bus.KnowledgeType]int),
	}
}

func (w *ContextEnricher) Name() string { return "context_enricher" }

func (w *ContextEnricher) Interval() time.Duration { return time.Minute }

func (w *ContextEnricher) Subscriptions() []bus.KnowledgeType {
	return []bus.KnowledgeType{
		bus.TypeRiskPattern, bus.TypeFixPattern, bus.TypeDecision, bus.TypeExperimentInsight,
	}
}

func (w *ContextEnricher) HandleKnowledge(_ context.Context, items []*bus.KnowledgeItem) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, item := range items {
		if !consumable(item) {
			continue
		}
		w.countsByType[item.Type]++
		w.seenSinceLast++
		w.recentTopics = append(w.recentTopics, item.Topics...)
		if len(w.recentTopics) > 20 {
			w.recentTopics = w.recentTopics[len(w.recentTopics)-20:]
		}
	}
	return nil
}

func (w *ContextEnricher) RunProductionCycle(_ context.Context) error {
	start := w.clock.Now()
	err := w.summarize(1)
	w.meter.observe(w.clock.Now().Sub(start))
	return err
}

// summarize broadcasts an activity digest when at least minNew items arrived
// since the previous digest. Quiet periods broadcast nothing.
func (w *ContextEnricher) summarize(minNew int) error {
	w.mu.Lock()
	if w.seenSinceLast < minNew {
		w.mu.Unlock()
		return nil
	}
	seen := w.seenSinceLast
	w.seenSinceLast = 0

	var parts []string
	for _, t := range []bus.KnowledgeType{bus.TypeRiskPattern, bus.TypeFixPattern, bus.TypeDecision, bus.TypeExperimentInsight} {
		if n := w.countsByType[t]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, t))
		}
	}
	topics := dedupeTopics(w.recentTopics)
	w.mu.Unlock()

	relevance := 0.4 + 0.05*float64(seen)
	if relevance > 0.9 {
		relevance = 0.9
	}
	_, err := w.bus.Broadcast(w.Name(), bus.TypeContextEnrichment, map[string]interface{}{
		"content":   "recent activity: " + strings.Join(parts, ", "),
		"relevance": relevance,
	}, topics, bus.UrgencyLow)
	if err != nil {
		return fmt.Errorf("failed to broadcast activity summary: %w", err)
	}
	return nil
}

func (w *ContextEnricher) RunExperimentalCycle(_ context.Context, spec *advisor.Spec) (experiment.Outcome, error) {
	// Variation: summarize even quiet periods for one cycle.
	start := w.clock.Now()
	err := w.summarize(0)
	measured := w.clock.Now().Sub(start)
	if err != nil {
		return experiment.Outcome{Success: false, Notes: err.Error()}, err
	}
	return experiment.Outcome{
		Success:          true,
		ImprovementRatio: improvementOver(w.meter.baseline(), measured),
		Notes:            fmt.Sprintf("ran %q summarizing unconditionally", spec.Name),
	}, nil
}

func (w *ContextEnricher) ExperimentContext() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := 0
	for _, n := range w.countsByType {
		total += n
	}
	return map[string]interface{}{
		"items_observed": total,
		"pending_items":  w.seenSinceLast,
	}
}

// dedupeTopics returns the unique topics in first-seen order, capped at 8.
func dedupeTopics(topics []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range topics {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == 8 {
			break
		}
	}
	return out
}
