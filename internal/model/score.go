package model

// Violation severities assigned by the scoring engine.
const (
	SeverityZeroTolerance = "zero_tolerance"
	SeverityWarning       = "warning"
	SeverityFormulaic     = "formulaic"
)

// PatternEmptyInput is the synthetic violation recorded when a candidate
// has no scoreable text. The report carries a zero total instead of an error.
const PatternEmptyInput = "empty_input"

// Violation records one detected pattern instance. Every instance is
// recorded, whether or not it affected the score.
type Violation struct {
	PatternID string `json:"pattern_id"`
	Severity  string `json:"severity"`
	Location  int    `json:"location"` // byte offset of the match
}

// ScoreReport is the structured result of scoring one candidate.
//
// CategoryScores holds raw sub-scores on a 0-100 scale per category;
// TotalScore is the weighted sum (weights are percentages summing to 100).
// All values are fixed-point with two decimal places so comparisons are
// deterministic. Immutable once produced.
type ScoreReport struct {
	CandidateRef   PairRef            `json:"candidate_ref"`
	CategoryScores map[string]float64 `json:"category_scores"`
	TotalScore     float64            `json:"total_score"`
	Violations     []Violation        `json:"violations,omitempty"`
}
