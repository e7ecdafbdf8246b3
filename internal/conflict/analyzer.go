package conflict

import (
	"strings"

	"hivemind/internal/bus"
	"hivemind/internal/clock"
)

// antonymPairs is the hand-curated opposite-term table used by the
// contradiction heuristic. It is approximate by design: a replaceable
// strategy, not a guaranteed-correct classifier.
var antonymPairs = [][2]string{
	{"always", "never"},
	{"use", "avoid"},
	{"should", "should not"},
	{"enable", "disable"},
	{"allow", "deny"},
	{"increase", "decrease"},
	{"add", "remove"},
	{"microservices", "monolith"},
	{"synchronous", "asynchronous"},
	{"optimistic", "pessimistic"},
	{"centralized", "decentralized"},
}

// Store is the persistence surface the conflict engine needs.
type Store interface {
	GetKnowledgeItem(id string) (*bus.KnowledgeItem, error)
	// RecentKnowledgeByWorker returns the worker's newest unresolved items.
	RecentKnowledgeByWorker(workerName string, limit int) ([]*bus.KnowledgeItem, error)
	// RecentUnresolvedKnowledge returns the newest unresolved items
	// system-wide.
	RecentUnresolvedKnowledge(limit int) ([]*bus.KnowledgeItem, error)
	// SampleKnowledgeForComparison returns unresolved items of the given
	// type from workers other than excludeWorker.
	SampleKnowledgeForComparison(t bus.KnowledgeType, excludeWorker string, limit int) ([]*bus.KnowledgeItem, error)
	// SaveConflictAnalysis persists an analysis; inserts are idempotent on
	// ConflictID and report whether the row was new.
	SaveConflictAnalysis(a *Analysis) (bool, error)
	// GetResolutionByConflictID returns the existing resolution, or nil.
	GetResolutionByConflictID(conflictID string) (*Resolution, error)
	// ApplyResolution atomically inserts the resolution, marks both items
	// resolved and persists the merged item when present. Returns
	// ErrAlreadyResolved when the conflict id was already resolved.
	ApplyResolution(res *Resolution, itemIDs []string) error
	// ConflictCounts aggregates persisted analyses and resolutions.
	ConflictCounts() (bySeverity map[string]int, byType map[string]int, resolutions int, err error)
}

// Engine compares knowledge items pairwise and applies resolution
// strategies.
type Engine struct {
	store Store
	clock clock.Clock
}

// NewEngine creates a conflict engine over the given store.
func NewEngine(st Store, clk clock.Clock) *Engine {
	return &Engine{store: st, clock: clk}
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			out[b.String()] = struct{}{}
			b.Reset()
		}
	}
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return out
}

// jaccard is |A∩B| / |A∪B|; 0 when both sets are empty.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// topicSet returns the lowercase topic set of an item.
func topicSet(item *bus.KnowledgeItem) map[string]struct{} {
	out := make(map[string]struct{}, len(item.Topics))
	for _, t := range item.Topics {
		out[strings.ToLower(t)] = struct{}{}
	}
	return out
}

// normalizeText strips punctuation to spaces for phrase matching.
func normalizeText(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return " " + strings.Join(strings.Fields(b.String()), " ") + " "
}

// hasTerm reports a word-boundary match of term (possibly multi-word) in
// normalized text.
func hasTerm(normalized, term string) bool {
	return strings.Contains(normalized, " "+term+" ")
}

// pairAcross reports whether one item carries term x while the other carries
// its opposite y. When x is a prefix of y (should / should not), a match on
// x only counts if the same text does not also carry y.
func pairAcross(aText, bText, x, y string) bool {
	bare := func(text string) bool {
		if !hasTerm(text, x) {
			return false
		}
		if strings.HasPrefix(y, x+" ") && hasTerm(text, y) {
			return false
		}
		return true
	}
	if bare(aText) && hasTerm(bText, y) {
		return true
	}
	if bare(bText) && hasTerm(aText, y) {
		return true
	}
	return false
}

// sharedTopic reports whether the two items share at least one topic.
func sharedTopic(a, b *bus.KnowledgeItem) bool {
	bt := topicSet(b)
	for t := range topicSet(a) {
		if _, ok := bt[t]; ok {
			return true
		}
	}
	return false
}

// duplicateScore is the Jaccard similarity over tokenized comparison text;
// 0 when knowledge types differ.
func duplicateScore(a, b *bus.KnowledgeItem) float64 {
	if a.Type != b.Type {
		return 0
	}
	return jaccard(tokenize(a.ContentText()), tokenize(b.ContentText()))
}

// contradictionScore: 0.9 when an explicit antonym pair appears across the
// two items on a shared topic; 0.6 when both are decisions with differing
// decision values on the same topic key; else 0.
func contradictionScore(a, b *bus.KnowledgeItem) float64 {
	if sharedTopic(a, b) {
		aText := normalizeText(a.ContentText())
		bText := normalizeText(b.ContentText())
		for _, pair := range antonymPairs {
			if pairAcross(aText, bText, pair[0], pair[1]) {
				return 0.9
			}
		}
	}
	if a.Type == bus.TypeDecision && b.Type == bus.TypeDecision {
		aTopic, _ := a.Payload["topic"].(string)
		bTopic, _ := b.Payload["topic"].(string)
		aDecision, _ := a.Payload["decision"].(string)
		bDecision, _ := b.Payload["decision"].(string)
		if aTopic != "" && strings.EqualFold(aTopic, bTopic) &&
			aDecision != "" && bDecision != "" &&
			!strings.EqualFold(strings.TrimSpace(aDecision), strings.TrimSpace(bDecision)) {
			return 0.6
		}
	}
	return 0
}

// overlapScore averages topic-set Jaccard and content-token Jaccard.
func overlapScore(a, b *bus.KnowledgeItem) float64 {
	topicJ := jaccard(topicSet(a), topicSet(b))
	contentJ := jaccard(tokenize(a.ContentText()), tokenize(b.ContentText()))
	return (topicJ + contentJ) / 2
}

// Analyze compares two knowledge items. Returns nil when no conflict is
// detected. Type selection is priority-ordered: contradiction first, then
// duplicate, then overlap.
func (e *Engine) Analyze(a, b *bus.KnowledgeItem) *Analysis {
	dup := duplicateScore(a, b)
	contra := contradictionScore(a, b)
	overlap := overlapScore(a, b)

	var conflictType Type
	switch {
	case contra > 0.5:
		conflictType = TypeContradictory
	case dup > 0.85:
		conflictType = TypeDuplicate
	case overlap > 0.3:
		conflictType = TypeOverlapping
	default:
		return nil
	}

	var severity Severity
	switch conflictType {
	case TypeContradictory:
		if contra > 0.7 {
			severity = SeverityHigh
		} else {
			severity = SeverityMedium
		}
	case TypeDuplicate:
		if dup > 0.95 {
			severity = SeverityHigh
		} else {
			severity = SeverityMedium
		}
	case TypeOverlapping:
		if overlap > 0.5 {
			severity = SeverityMedium
		} else {
			severity = SeverityLow
		}
	}

	var strategy Strategy
	switch conflictType {
	case TypeContradictory:
		if contra > 0.8 {
			strategy = StrategySelectHigherQuality
		} else {
			strategy = StrategyMerge
		}
	case TypeDuplicate:
		confDelta := a.Confidence() - b.Confidence()
		if confDelta < 0 {
			confDelta = -confDelta
		}
		if confDelta > 0.1 {
			strategy = StrategySelectHigherQuality
		} else if dup > 0.95 {
			strategy = StrategyKeepBoth
		} else {
			strategy = StrategyMerge
		}
	case TypeOverlapping:
		strategy = StrategyMerge
	}

	top := dup
	if contra > top {
		top = contra
	}
	if overlap > top {
		top = overlap
	}
	confidence := top * 0.9
	if confidence > 0.95 {
		confidence = 0.95
	}

	return &Analysis{
		ConflictID:          ConflictID(a.ID, b.ID),
		KnowledgeAID:        a.ID,
		KnowledgeBID:        b.ID,
		ConflictType:        conflictType,
		SimilarityScore:     dup,
		ContradictionScore:  contra,
		OverlapScore:        overlap,
		Severity:            severity,
		RecommendedStrategy: strategy,
		Confidence:          confidence,
		CreatedAt:           e.clock.Now(),
	}
}

// DetectConflictsForWorker compares the worker's recent unresolved items
// against a bounded sample of other-worker items of the same knowledge type
// and returns conflicts of severity medium or above, sorted by severity
// descending.
func (e *Engine) DetectConflictsForWorker(workerName string, limit int) ([]*Analysis, error) {
	if limit <= 0 {
		limit = 10
	}
	mine, err := e.store.RecentKnowledgeByWorker(workerName, limit)
	if err != nil {
		return nil, err
	}

	var found []*Analysis
	seen := make(map[string]bool)
	for _, item := range mine {
		if item.Resolved {
			continue
		}
		others, err := e.store.SampleKnowledgeForComparison(item.Type, workerName, limit)
		if err != nil {
			return nil, err
		}
		for _, other := range others {
			if other.Resolved {
				continue
			}
			analysis := e.Analyze(item, other)
			if analysis == nil || seen[analysis.ConflictID] {
				continue
			}
			if analysis.Severity.Rank() < SeverityMedium.Rank() {
				continue
			}
			seen[analysis.ConflictID] = true
			found = append(found, analysis)
		}
	}

	sortAnalysesBySeverity(found)
	return found, nil
}

// sortAnalysesBySeverity orders analyses by severity descending, confidence
// descending as tiebreak.
func sortAnalysesBySeverity(list []*Analysis) {
	for i := 1; i < len(list); i++ {
		for j := i; j > 0; j-- {
			a, b := list[j-1], list[j]
			if a.Severity.Rank() > b.Severity.Rank() {
				break
			}
			if a.Severity.Rank() == b.Severity.Rank() && a.Confidence >= b.Confidence {
				break
			}
			list[j-1], list[j] = b, a
		}
	}
}
