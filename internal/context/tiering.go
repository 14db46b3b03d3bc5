package context

// Tier thresholds are fixed: scores at or above hotThreshold stay HOT,
// anything below warmThreshold goes COLD.
const (
	hotThreshold  = 0.8
	warmThreshold = 0.4
)

// AssignTier maps a score and pin state to a tier. A manual pin always
// yields HOT regardless of score.
func AssignTier(score float64, manualPin bool) Tier {
	if manualPin {
		return TierHot
	}
	switch {
	case score >= hotThreshold:
		return TierHot
	case score >= warmThreshold:
		return TierWarm
	default:
		return TierCold
	}
}
