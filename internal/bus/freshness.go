package bus

import (
	"math"
	"time"
)

// CurrentFreshness recomputes an item's freshness at read time:
// writeScore * exp(-ageSeconds / halfLifeSeconds). The stored write-time
// score is never mutated. At age 0 this equals the write-time score and it
// tends to 0 as age grows.
func CurrentFreshness(writeScore float64, age, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		halfLife = time.Hour
	}
	if age < 0 {
		age = 0
	}
	f := writeScore * math.Exp(-age.Seconds()/halfLife.Seconds())
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// writeFreshness computes the initial freshness snapshot for a payload:
// max(confidence, relevance, 1 - slack), clamped to [0,1].
func writeFreshness(payload map[string]interface{}, slack float64) float64 {
	floor := 1.0 - slack
	score := floor
	if v, ok := asNumber(payload["confidence"]); ok && v > score {
		score = v
	}
	if v, ok := asNumber(payload["relevance"]); ok && v > score {
		score = v
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
