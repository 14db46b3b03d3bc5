package context

// TokenEstimator approximates the token mass of a content blob. The real
// estimator is supplied by the LLM integration layer; HeuristicEstimator is
// the default when none is wired.
type TokenEstimator interface {
	EstimateTokens(s string) int
}

// HeuristicEstimator counts roughly 4 bytes per token, which tracks mixed
// code and prose closely enough for capacity accounting.
type HeuristicEstimator struct{}

func (HeuristicEstimator) EstimateTokens(s string) int {
	n := len(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
