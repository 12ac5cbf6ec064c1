// Package scoring implements the deterministic rubric scorer for tournament
// candidates. Scoring is a pure function of (text, rubric): no I/O, no
// randomness, and fixed-point results so identical inputs always produce
// bit-identical reports.
package scoring

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/shiai-ai/shiai/internal/model"
	"github.com/shiai-ai/shiai/internal/rubric"
)

// formulaicPenalty is deducted from the formulaic category per match.
const formulaicPenalty = 10.0

// Score evaluates candidate text against a validated rubric and produces an
// immutable report. An empty or blank candidate yields a zero total with a
// single empty_input violation rather than an error.
func Score(ref model.PairRef, text string, cfg *rubric.Config) model.ScoreReport {
	report := model.ScoreReport{
		CandidateRef:   ref,
		CategoryScores: make(map[string]float64, len(cfg.Categories)),
	}

	if strings.TrimSpace(text) == "" {
		for _, cat := range cfg.Categories {
			report.CategoryScores[cat.Name] = 0
		}
		report.Violations = []model.Violation{
			{PatternID: model.PatternEmptyInput, Severity: model.SeverityZeroTolerance},
		}
		return report
	}

	var total float64
	var violations []model.Violation
	for _, cat := range cfg.Categories {
		raw, vs := detect(cat.Detector, text, cfg)
		raw = round2(raw)
		report.CategoryScores[cat.Name] = raw
		total += raw * cat.Weight / 100
		violations = append(violations, vs...)
	}

	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].Location < violations[j].Location
	})
	report.Violations = violations
	report.TotalScore = round2(total)
	return report
}

// Winner returns the index of the highest-scoring report, breaking ties by
// earliest input position. Nil entries (failed candidates) are skipped.
// Returns -1 when no report exists.
func Winner(reports []*model.ScoreReport) int {
	winner := -1
	for i, r := range reports {
		if r == nil {
			continue
		}
		if winner == -1 || r.TotalScore > reports[winner].TotalScore {
			winner = i
		}
	}
	return winner
}

func detect(d rubric.Detector, text string, cfg *rubric.Config) (float64, []model.Violation) {
	switch d {
	case rubric.DetectorAntipattern:
		return antipatternScore(text, cfg)
	case rubric.DetectorFormulaic:
		return formulaicScore(text, cfg)
	case rubric.DetectorSentenceVariety:
		return sentenceVarietyScore(text), nil
	case rubric.DetectorDialoguePresence:
		return dialoguePresenceScore(text), nil
	case rubric.DetectorFigurative:
		return figurativeDensityScore(text), nil
	case rubric.DetectorPhaseDiscipline:
		return phaseDisciplineScore(text), nil
	}
	// Unknown detectors are rejected at rubric load; this is unreachable
	// for validated configs.
	return 0, nil
}

// antipatternScore scans the zero-tolerance pattern list. Any instance of a
// pattern floors the category at 0 unless the rubric downgrades it with a
// severity override whose tolerated_count covers the observed count, in
// which case the configured penalty applies per instance. Every instance is
// recorded as a violation either way.
func antipatternScore(text string, cfg *rubric.Config) (float64, []model.Violation) {
	score := 100.0
	floored := false
	var violations []model.Violation

	for i := range cfg.ZeroTolerancePatterns {
		p := &cfg.ZeroTolerancePatterns[i]
		offsets := p.Find(text)
		if len(offsets) == 0 {
			continue
		}

		ov, overridden := cfg.SeverityOverrides[p.ID]
		tolerated := overridden && ov.ToleratedCount >= len(offsets)
		severity := model.SeverityZeroTolerance
		if tolerated {
			severity = model.SeverityWarning
		}
		for _, off := range offsets {
			violations = append(violations, model.Violation{
				PatternID: p.ID,
				Severity:  severity,
				Location:  off,
			})
		}

		if tolerated {
			score -= ov.Penalty * float64(len(offsets))
		} else {
			floored = true
		}
	}

	if floored {
		return 0, violations
	}
	return math.Max(score, 0), violations
}

// formulaicScore deducts a fixed penalty per formulaic-pattern match.
func formulaicScore(text string, cfg *rubric.Config) (float64, []model.Violation) {
	score := 100.0
	var violations []model.Violation
	for i := range cfg.FormulaicPatterns {
		p := &cfg.FormulaicPatterns[i]
		for _, off := range p.Find(text) {
			violations = append(violations, model.Violation{
				PatternID: p.ID,
				Severity:  model.SeverityFormulaic,
				Location:  off,
			})
			score -= formulaicPenalty
		}
	}
	return math.Max(score, 0), violations
}

// sentenceVarietyScore rewards variation in sentence length. Prose where
// every sentence runs the same length reads metronomic; a coefficient of
// variation around 0.5 scores full marks.
func sentenceVarietyScore(text string) float64 {
	lengths := sentenceLengths(text)
	if len(lengths) < 2 {
		return 50 // too short to judge, neutral
	}

	var sum float64
	for _, l := range lengths {
		sum += float64(l)
	}
	mean := sum / float64(len(lengths))
	if mean == 0 {
		return 0
	}

	var variance float64
	for _, l := range lengths {
		d := float64(l) - mean
		variance += d * d
	}
	variance /= float64(len(lengths))
	cv := math.Sqrt(variance) / mean

	// Peak at cv=0.5, falling off linearly on both sides.
	score := 100 - math.Abs(cv-0.5)*200
	return math.Max(score, 0)
}

// dialoguePresenceScore measures what share of paragraphs carry quoted
// speech. Full marks from one third of paragraphs upward.
func dialoguePresenceScore(text string) float64 {
	paras := paragraphs(text)
	if len(paras) == 0 {
		return 0
	}
	with := 0
	for _, p := range paras {
		if strings.ContainsAny(p, `"“”`) {
			with++
		}
	}
	ratio := float64(with) / float64(len(paras))
	return math.Min(ratio*300, 100)
}

// figurativeComparators are the surface markers counted by the figurative
// density heuristic. The rubric's pattern lists handle everything richer.
var figurativeComparators = []string{" like ", " as if ", " as though ", " the way "}

// figurativeDensityScore counts explicit comparisons per hundred words.
// Around one comparison per hundred words scores full marks; both barren
// and overwrought prose lose points.
func figurativeDensityScore(text string) float64 {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	count := 0
	for _, m := range figurativeComparators {
		count += strings.Count(lower, m)
	}
	per100 := float64(count) / float64(words) * 100

	score := 100 - math.Abs(per100-1.0)*50
	return math.Max(score, 0)
}

// phaseDisciplineScore penalizes wall-of-text paragraphs and one-line
// fragments, rewarding scene pacing that stays in the 20-150 word band.
func phaseDisciplineScore(text string) float64 {
	paras := paragraphs(text)
	if len(paras) == 0 {
		return 0
	}
	disciplined := 0
	for _, p := range paras {
		n := len(strings.Fields(p))
		if n >= 20 && n <= 150 {
			disciplined++
		}
	}
	return float64(disciplined) / float64(len(paras)) * 100
}

func paragraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// sentenceLengths returns word counts per sentence, splitting on
// terminal punctuation.
func sentenceLengths(text string) []int {
	var lengths []int
	words := 0
	inWord := false
	for _, r := range text {
		switch {
		case r == '.' || r == '!' || r == '?':
			if inWord {
				words++
				inWord = false
			}
			if words > 0 {
				lengths = append(lengths, words)
				words = 0
			}
		case unicode.IsSpace(r):
			if inWord {
				words++
				inWord = false
			}
		default:
			inWord = true
		}
	}
	if inWord {
		words++
	}
	if words > 0 {
		lengths = append(lengths, words)
	}
	return lengths
}

// round2 rounds to two decimal places, the engine's fixed-point unit.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
