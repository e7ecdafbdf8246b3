// Package bus implements the cross-worker knowledge exchange: typed
// knowledge items, a per-type registry with validation schemas and decay
// half-lives, per-worker FIFO inbound queues, and lazy freshness scoring.
package bus

import (
	"sort"
	"strings"
	"time"
)

// KnowledgeType tags the payload variant of a knowledge item.
type KnowledgeType string

const (
	TypeRiskPattern       KnowledgeType = "risk_pattern"
	TypeFixPattern        KnowledgeType = "fix_pattern"
	TypeDecision          KnowledgeType = "decision"
	TypeContextEnrichment KnowledgeType = "context_enrichment"
	TypeExperimentInsight KnowledgeType = "experiment_insight"
)

// Urgency indicates how quickly consumers should act on an item.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// ValidationStatus tracks schema validation of an item's payload.
type ValidationStatus string

const (
	ValidationPending   ValidationStatus = "pending"
	ValidationValid     ValidationStatus = "valid"
	ValidationInvalid   ValidationStatus = "invalid"
	ValidationValidated ValidationStatus = "validated"
)

// KnowledgeItem is a typed, timestamped unit of information broadcast by one
// worker for consumption by others. Immutable after write except for
// Resolved, ResolutionID and ValidationStatus.
type KnowledgeItem struct {
	ID           string
	Type         KnowledgeType
	SourceWorker string
	// TargetWorker restricts delivery to one worker; empty means broadcast.
	TargetWorker string
	// Payload is the tagged-union body keyed by Type. Fields beyond the
	// type's schema are carried as a raw extension for forward compatibility.
	Payload map[string]interface{}
	Topics  []string
	CreatedAt time.Time
	// FreshnessAtWrite is a write-time snapshot; current freshness is always
	// recomputed on read.
	FreshnessAtWrite float64
	ValidationStatus ValidationStatus
	Urgency          Urgency
	Resolved         bool
	ResolutionID     string
}

// numericField returns a numeric payload field and whether it was present.
func (i *KnowledgeItem) numericField(name string) (float64, bool) {
	if i.Payload == nil {
		return 0, false
	}
	return asNumber(i.Payload[name])
}

// Confidence returns the payload confidence field, or 0 when absent.
func (i *KnowledgeItem) Confidence() float64 {
	v, _ := i.numericField("confidence")
	return v
}

// textPayloadKeys are the payload fields treated as the item's prose
// content, in priority order.
var textPayloadKeys = []string{"content", "pattern", "decision", "description", "recommendation", "summary"}

// ContentText assembles the textual content of the payload deterministically:
// known text fields in priority order, then any remaining string fields in
// key order, then topics.
func (i *KnowledgeItem) ContentText() string {
	var parts []string
	seen := make(map[string]bool)
	for _, k := range textPayloadKeys {
		if v, ok := i.Payload[k].(string); ok && v != "" {
			parts = append(parts, v)
			seen[k] = true
		}
	}
	var rest []string
	for k, raw := range i.Payload {
		if seen[k] {
			continue
		}
		if v, ok := raw.(string); ok && v != "" {
			rest = append(rest, k+" "+v)
		}
	}
	sort.Strings(rest)
	parts = append(parts, rest...)
	parts = append(parts, i.Topics...)
	return strings.Join(parts, " ")
}

// HasTopic reports whether the item carries the given topic.
func (i *KnowledgeItem) HasTopic(topic string) bool {
	for _, t := range i.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// asNumber coerces JSON-ish numeric types.
func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// ValidationRecord is one audit entry from a validate() call.
type ValidationRecord struct {
	KnowledgeID string
	Validator   string
	IsValid     bool
	Score       float64
	Feedback    string
	CreatedAt   time.Time
}

// WorkerKnowledgeState tracks one worker's exchange activity.
// ExchangeCount is monotonic; the recent windows are bounded.
type WorkerKnowledgeState struct {
	WorkerName      string
	LastExchangeAt  time.Time
	ExchangeCount   int64
	RecentReceived  []string // item ids, newest last
	RecentBroadcast []string // item ids, newest last
}

// QueryFilter selects persisted knowledge items. Zero values mean "any".
type QueryFilter struct {
	Type         KnowledgeType
	SourceWorker string
	MinFreshness float64
	Limit        int
}
