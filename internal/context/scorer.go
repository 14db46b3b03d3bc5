package context

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"
)

// Score composition: 40% item-type weight, 40% exponential age decay,
// 20% log-scaled access frequency, plus an optional manual boost carried
// in the importance_reasoning string.
const (
	typeWeightShare  = 0.4
	ageDecayShare    = 0.4
	accessBoostShare = 0.2

	// decayRate is the exponent applied per day of age: e^(-0.5 * days)
	// halves importance roughly every 1.4 days.
	decayRate = 0.5
)

// itemTypeWeights orders errors and tasks above ambient code and
// reference material.
var itemTypeWeights = map[ItemType]float64{
	ItemTypeTask:         1.0,
	ItemTypeError:        0.9,
	ItemTypeCode:         0.7,
	ItemTypeRequirements: 0.6,
	ItemTypeOther:        0.5,
}

// boostRe matches the manual boost token embedded in importance_reasoning,
// e.g. "boost=+0.15".
var boostRe = regexp.MustCompile(`boost=([+-]?[0-9]*\.?[0-9]+)`)

// Scorer computes normalized importance scores. It carries its own clock so
// scoring passes are deterministic under test and no process-wide state is
// involved.
type Scorer struct {
	now func() time.Time
}

// NewScorer creates a Scorer. A nil clock defaults to time.Now.
func NewScorer(now func() time.Time) *Scorer {
	if now == nil {
		now = time.Now
	}
	return &Scorer{now: now}
}

// Rescore computes the importance score for an item and returns it together
// with a regenerated reasoning string. The manual boost token, if present in
// the existing reasoning, is preserved. The item itself is not mutated.
func (sc *Scorer) Rescore(item *Item) (float64, string) {
	now := sc.now()

	tw := typeWeight(item.ItemType)
	decay := AgeDecay(item.CreatedAt, now)
	access := AccessBoost(item.AccessCount)
	boost := ManualBoost(item.ImportanceReasoning)

	score := typeWeightShare*tw + ageDecayShare*decay + accessBoostShare*access + boost
	score = clamp01(score)

	reasoning := fmt.Sprintf("type=%s(%.2f) decay=%.3f access=%d(%.3f)",
		item.ItemType, tw, decay, item.AccessCount, access)
	if boost != 0 {
		reasoning += fmt.Sprintf(" boost=%+.2f", boost)
	}
	return score, reasoning
}

// InitialScore scores a freshly created item: zero age, zero accesses. The
// fresh recency bonus guarantees new items land HOT or WARM, never COLD.
func (sc *Scorer) InitialScore(itemType ItemType) float64 {
	return clamp01(typeWeightShare*typeWeight(itemType) + ageDecayShare*1.0)
}

// AgeDecay returns e^(-0.5 * age_days), 1.0 for a brand-new item, never
// exactly zero.
func AgeDecay(createdAt, now time.Time) float64 {
	days := now.Sub(createdAt).Hours() / 24
	if days <= 0 {
		return 1.0
	}
	return math.Exp(-decayRate * days)
}

// AccessBoost returns log(count+1)/10 capped at 1.0. An item never read
// contributes nothing.
func AccessBoost(count int) float64 {
	if count <= 0 {
		return 0
	}
	b := math.Log(float64(count)+1) / 10
	if b > 1 {
		return 1
	}
	return b
}

// ManualBoost extracts the boost token from a reasoning string. Absent or
// unparsable reasoning is treated as neutral.
func ManualBoost(reasoning string) float64 {
	m := boostRe.FindStringSubmatch(reasoning)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return v
}

func typeWeight(t ItemType) float64 {
	if w, ok := itemTypeWeights[t]; ok {
		return w
	}
	return itemTypeWeights[ItemTypeOther]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
