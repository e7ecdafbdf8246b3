package bus

import (
	"testing"
	"time"
)

func TestFreshnessAtAgeZeroEqualsWriteScore(t *testing.T) {
	for _, score := range []float64{0.0, 0.3, 0.7, 1.0} {
		got := CurrentFreshness(score, 0, 24*time.Hour)
		if got != score {
			t.Errorf("freshness(age=0, score=%v) = %v, want %v", score, got, score)
		}
	}
}

func TestFreshnessStrictlyDecreasing(t *testing.T) {
	halfLife := 24 * time.Hour
	prev := CurrentFreshness(1.0, 0, halfLife)
	for age := time.Hour; age <= 96*time.Hour; age += time.Hour {
		cur := CurrentFreshness(1.0, age, halfLife)
		if cur >= prev {
			t.Fatalf("freshness not strictly decreasing at age %v: %v >= %v", age, cur, prev)
		}
		prev = cur
	}
}

func TestFreshnessTendsToZero(t *testing.T) {
	got := CurrentFreshness(1.0, 10000*time.Hour, time.Hour)
	if got > 1e-9 {
		t.Errorf("freshness at extreme age = %v, want ~0", got)
	}
}

func TestFreshnessBounded(t *testing.T) {
	for _, score := range []float64{-0.5, 0.5, 1.5} {
		for _, age := range []time.Duration{0, time.Hour, 100 * time.Hour} {
			got := CurrentFreshness(score, age, 24*time.Hour)
			if got < 0 || got > 1 {
				t.Errorf("freshness(%v, %v) = %v out of [0,1]", score, age, got)
			}
		}
	}
}

func TestFasterHalfLifeDecaysFaster(t *testing.T) {
	age := 12 * time.Hour
	ephemeral := CurrentFreshness(1.0, age, 6*time.Hour)
	durable := CurrentFreshness(1.0, age, 336*time.Hour)
	if ephemeral >= durable {
		t.Errorf("ephemeral (%v) should decay below durable (%v)", ephemeral, durable)
	}
}

func TestWriteFreshnessUsesConfidenceRelevanceOrFloor(t *testing.T) {
	// Floor when neither field is present: 1 - slack.
	if got := writeFreshness(map[string]interface{}{}, 0.3); got != 0.7 {
		t.Errorf("floor = %v, want 0.7", got)
	}
	// Confidence wins when above the floor.
	if got := writeFreshness(map[string]interface{}{"confidence": 0.95}, 0.3); got != 0.95 {
		t.Errorf("confidence score = %v, want 0.95", got)
	}
	// Low confidence does not pull the score below the floor (max semantics).
	if got := writeFreshness(map[string]interface{}{"confidence": 0.1}, 0.3); got != 0.7 {
		t.Errorf("low confidence score = %v, want floor 0.7", got)
	}
	// Relevance participates too.
	if got := writeFreshness(map[string]interface{}{"relevance": 0.9}, 0.3); got != 0.9 {
		t.Errorf("relevance score = %v, want 0.9", got)
	}
}

func TestPayloadSchemaValidation(t *testing.T) {
	schema := defaultSchemaFor(TypeRiskPattern)

	if problems := schema.Validate(map[string]interface{}{"pattern": "x", "confidence": 0.5}); len(problems) != 0 {
		t.Errorf("valid payload rejected: %v", problems)
	}
	if problems := schema.Validate(map[string]interface{}{"pattern": "x"}); len(problems) == 0 {
		t.Error("missing confidence should be a problem")
	}
	if problems := schema.Validate(map[string]interface{}{"pattern": "x", "confidence": 1.5}); len(problems) == 0 {
		t.Error("confidence out of [0,1] should be a problem")
	}
	if problems := schema.Validate(map[string]interface{}{"pattern": "x", "confidence": "high"}); len(problems) == 0 {
		t.Error("non-numeric confidence should be a problem")
	}
	// Unknown fields are raw extensions, not errors.
	if problems := schema.Validate(map[string]interface{}{"pattern": "x", "confidence": 0.5, "extra": true}); len(problems) != 0 {
		t.Errorf("raw extension fields should be allowed: %v", problems)
	}
}
