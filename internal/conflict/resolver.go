package conflict

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"hivemind/internal/bus"
	"hivemind/internal/logging"

	"github.com/google/uuid"
)

// ErrAlreadyResolved is returned by the store when a resolution for the same
// conflict id already exists. Concurrent resolution attempts on one pair
// dedup here instead of serializing.
var ErrAlreadyResolved = errors.New("conflict already resolved")

// Resolve applies a resolution strategy to an analyzed conflict, always
// marking both source items resolved and recording provenance. Pass
// analysis.RecommendedStrategy to follow the engine's recommendation.
func (e *Engine) Resolve(analysis *Analysis, strategy Strategy) (*Resolution, error) {
	if analysis == nil {
		return nil, fmt.Errorf("nil analysis")
	}
	if strategy == "" {
		strategy = analysis.RecommendedStrategy
	}

	a, err := e.store.GetKnowledgeItem(analysis.KnowledgeAID)
	if err != nil {
		return nil, fmt.Errorf("failed to load item %s: %w", analysis.KnowledgeAID, err)
	}
	b, err := e.store.GetKnowledgeItem(analysis.KnowledgeBID)
	if err != nil {
		return nil, fmt.Errorf("failed to load item %s: %w", analysis.KnowledgeBID, err)
	}
	if a == nil || b == nil {
		return nil, fmt.Errorf("conflict %s references missing knowledge", analysis.ConflictID)
	}

	if _, err := e.store.SaveConflictAnalysis(analysis); err != nil {
		return nil, fmt.Errorf("failed to persist analysis: %w", err)
	}

	now := e.clock.Now()
	res := &Resolution{
		ResolutionID: uuid.New().String(),
		ConflictID:   analysis.ConflictID,
		Strategy:     strategy,
		Confidence:   analysis.Confidence,
		ResolvedAt:   now,
	}

	switch strategy {
	case StrategyMerge:
		res.MergedKnowledge = e.mergeItems(analysis, a, b)
		res.Notes = fmt.Sprintf("merged %s and %s", a.ID, b.ID)

	case StrategySelectNewer:
		selected := a
		if b.CreatedAt.After(a.CreatedAt) {
			selected = b
		}
		res.SelectedKnowledgeID = selected.ID
		res.Notes = fmt.Sprintf("selected newer item %s (created %s)", selected.ID, selected.CreatedAt.Format("2006-01-02T15:04:05Z"))

	case StrategySelectHigherQuality:
		selected := a
		if b.Confidence() > a.Confidence() {
			selected = b
		}
		res.SelectedKnowledgeID = selected.ID
		res.Notes = fmt.Sprintf("selected higher-quality item %s (confidence %.2f vs %.2f)", selected.ID, selected.Confidence(), other(selected, a, b).Confidence())

	case StrategyKeepBoth:
		res.Notes = fmt.Sprintf("kept both; %s and %s cross-referenced as related", a.ID, b.ID)

	case StrategyMarkAsResolved:
		res.Notes = fmt.Sprintf("marked resolved without action: %s, %s", a.ID, b.ID)

	default:
		return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}

	err = e.store.ApplyResolution(res, []string{a.ID, b.ID})
	if errors.Is(err, ErrAlreadyResolved) {
		existing, lookupErr := e.store.GetResolutionByConflictID(analysis.ConflictID)
		if lookupErr != nil {
			return nil, fmt.Errorf("conflict %s already resolved but lookup failed: %w", analysis.ConflictID, lookupErr)
		}
		logging.ConflictDebug("conflict %s already resolved by %s", analysis.ConflictID, existing.ResolutionID)
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply resolution: %w", err)
	}

	logging.Conflict("resolved %s conflict %s via %s", analysis.ConflictType, analysis.ConflictID, strategy)
	return res, nil
}

// other returns whichever of a, b is not selected.
func other(selected, a, b *bus.KnowledgeItem) *bus.KnowledgeItem {
	if selected == a {
		return b
	}
	return a
}

// mergeItems builds the merged knowledge item: for duplicates the longer
// content wins; for overlaps contents are concatenated; topics are unioned
// and confidence averaged.
func (e *Engine) mergeItems(analysis *Analysis, a, b *bus.KnowledgeItem) *bus.KnowledgeItem {
	aText := a.ContentText()
	bText := b.ContentText()

	var content string
	if analysis.ConflictType == TypeDuplicate {
		content = aText
		if len(bText) > len(aText) {
			content = bText
		}
	} else {
		content = aText + "\n---\n" + bText
	}

	topicSet := make(map[string]struct{})
	for _, t := range append(append([]string(nil), a.Topics...), b.Topics...) {
		topicSet[t] = struct{}{}
	}
	topics := make([]string, 0, len(topicSet))
	for t := range topicSet {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	avgConfidence := (a.Confidence() + b.Confidence()) / 2

	return &bus.KnowledgeItem{
		ID:           uuid.New().String(),
		Type:         a.Type,
		SourceWorker: "conflict_engine",
		Payload: map[string]interface{}{
			"content":     content,
			"confidence":  avgConfidence,
			"merged_from": strings.Join([]string{a.ID, b.ID}, ","),
		},
		Topics:           topics,
		CreatedAt:        e.clock.Now(),
		FreshnessAtWrite: (a.FreshnessAtWrite + b.FreshnessAtWrite) / 2,
		ValidationStatus: bus.ValidationPending,
		Urgency:          bus.UrgencyNormal,
	}
}
