package model

// PairRef identifies one provider/strategy pair within a tournament.
// Pairs are unique within a job spec; their input order is the canonical
// ordering for candidates, score reports, and tie-breaking.
type PairRef struct {
	ProviderID  string `json:"provider_id"`
	StrategyTag string `json:"strategy_tag"`
}

// Candidate failure reasons recorded by the scheduler.
const (
	FailureTimeout          = "timeout"
	FailureDeadlineExceeded = "deadline_exceeded"
	FailureCancelled        = "cancelled"
)

// TournamentCandidate is one provider/strategy pair's output within a
// tournament run. Append-only: never mutated after the scheduler records it.
type TournamentCandidate struct {
	ProviderID    string `json:"provider_id"`
	StrategyTag   string `json:"strategy_tag"`
	RawText       string `json:"raw_text,omitempty"`
	LatencyMS     int64  `json:"latency_ms"`
	Succeeded     bool   `json:"succeeded"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// TournamentResult is the full outcome of one tournament run.
//
// Candidates preserve job-spec pair order regardless of completion order.
// Reports is parallel to Candidates; entries for failed candidates are nil.
// Partial is true iff at least one candidate failed and at least one succeeded.
type TournamentResult struct {
	Candidates  []TournamentCandidate `json:"candidates"`
	Reports     []*ScoreReport        `json:"reports,omitempty"`
	WinnerIndex *int                  `json:"winner_index,omitempty"`
	Partial     bool                  `json:"partial"`
}

// Succeeded counts candidates that produced text.
func (r TournamentResult) Succeeded() int {
	n := 0
	for _, c := range r.Candidates {
		if c.Succeeded {
			n++
		}
	}
	return n
}

// FailureDetail collects per-candidate failure descriptions for the
// aggregated work-order error when a tournament fails outright.
func (r TournamentResult) FailureDetail() []string {
	var detail []string
	for _, c := range r.Candidates {
		if !c.Succeeded {
			detail = append(detail, c.ProviderID+"/"+c.StrategyTag+": "+c.FailureReason)
		}
	}
	return detail
}
