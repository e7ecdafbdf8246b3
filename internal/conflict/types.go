// Package conflict implements pairwise conflict detection between knowledge
// items and deterministic resolution strategies. Contradiction detection is
// a best-effort token heuristic, not a proof system.
package conflict

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"hivemind/internal/bus"
)

// Type classifies the relationship between two knowledge items.
type Type string

const (
	TypeDuplicate     Type = "duplicate"
	TypeContradictory Type = "contradictory"
	TypeOverlapping   Type = "overlapping"
)

// Severity grades a detected conflict.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for sorting and threshold checks.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the numeric order of a severity.
func (s Severity) Rank() int { return severityRank[s] }

// Strategy is a deterministic rule for reconciling a conflict.
type Strategy string

const (
	StrategyMerge               Strategy = "merge"
	StrategySelectNewer         Strategy = "select_newer"
	StrategySelectHigherQuality Strategy = "select_higher_quality"
	StrategyKeepBoth            Strategy = "keep_both"
	StrategyMarkAsResolved      Strategy = "mark_as_resolved"
)

// Analysis is the derived comparison of two knowledge items.
type Analysis struct {
	ConflictID          string
	KnowledgeAID        string
	KnowledgeBID        string
	ConflictType        Type
	SimilarityScore     float64
	ContradictionScore  float64
	OverlapScore        float64
	Severity            Severity
	RecommendedStrategy Strategy
	Confidence          float64
	CreatedAt           time.Time
}

// Resolution records how a conflict was reconciled.
type Resolution struct {
	ResolutionID        string
	ConflictID          string
	Strategy            Strategy
	SelectedKnowledgeID string
	MergedKnowledge     *bus.KnowledgeItem
	Notes               string
	Confidence          float64
	ResolvedAt          time.Time
}

// CycleSummary reports one batch conflict cycle for health reporting.
type CycleSummary struct {
	Checked   int
	Detected  int
	Resolved  int
	Timestamp time.Time
}

// Summary aggregates persisted conflict activity.
type Summary struct {
	TotalAnalyses    int
	TotalResolutions int
	BySeverity       map[Severity]int
	ByType           map[Type]int
	LastCycle        *CycleSummary
}

// ConflictID derives a deterministic id for an item pair, independent of
// argument order. Concurrent resolution attempts on the same pair collide on
// this id and dedup via the store's uniqueness constraint.
func ConflictID(aID, bID string) string {
	if bID < aID {
		aID, bID = bID, aID
	}
	sum := sha256.Sum256([]byte(aID + "|" + bID))
	return "cfl_" + hex.EncodeToString(sum[:8])
}
