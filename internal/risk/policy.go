package risk

// Scoring policy: the single source of truth for how much each severity adds
// to an accumulated score. Deltas are computed once at ingestion time and
// recorded on the signal; they are never recomputed from this table later.

// severityDeltas maps severity to score delta.
var severityDeltas = map[Severity]int{
	SeverityLow:    5,
	SeverityMedium: 20,
	SeverityHigh:   50,
}

// DefaultThreshold is the merchant score above which (strictly greater than)
// automatic enforcement kicks in.
const DefaultThreshold = 100

// ScoreForSeverity returns the score delta for a severity.
// Unknown severities fail with ErrInvalidSeverity.
func ScoreForSeverity(s Severity) (int, error) {
	delta, ok := severityDeltas[s]
	if !ok {
		return 0, ErrInvalidSeverity
	}
	return delta, nil
}
