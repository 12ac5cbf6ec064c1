package scoring

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiai-ai/shiai/internal/model"
	"github.com/shiai-ai/shiai/internal/rubric"
)

func mustParse(t *testing.T, yaml string) *rubric.Config {
	t.Helper()
	cfg, err := rubric.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

var ref = model.PairRef{ProviderID: "p", StrategyTag: "s"}

func TestScoreIsDeterministic(t *testing.T) {
	cfg := mustParse(t, `
categories:
  - name: voice
    weight: 30
    detector: sentence_variety
  - name: character
    weight: 20
    detector: dialogue_presence
  - name: metaphor
    weight: 20
    detector: figurative_density
  - name: antipattern
    weight: 15
    detector: antipattern
  - name: phase
    weight: 15
    detector: phase_discipline
zero_tolerance_patterns:
  - id: meta
    pattern: '(?i)as an ai'
formulaic_patterns:
  - id: cliche
    pattern: 'at the end of the day'
`)
	text := `"Keep rowing," she said, like the sea owed her something. The oars bit deep. Nobody answered her for a long while, and the fog did not lift until the channel markers appeared.

The second boat followed at a distance. Its lantern swung the way a pendulum counts out bad news, and the crew watched it without a word between them, each privately settling the arithmetic of the tide.`

	first := Score(ref, text, cfg)
	for range 50 {
		again := Score(ref, text, cfg)
		assert.Equal(t, first, again)
	}
}

func TestScoreEmptyInput(t *testing.T) {
	cfg := mustParse(t, `
categories:
  - name: voice
    weight: 100
    detector: sentence_variety
`)
	for _, text := range []string{"", "   ", "\n\t\n"} {
		report := Score(ref, text, cfg)
		assert.Zero(t, report.TotalScore)
		assert.Equal(t, 0.0, report.CategoryScores["voice"])
		require.Len(t, report.Violations, 1)
		assert.Equal(t, model.PatternEmptyInput, report.Violations[0].PatternID)
		assert.Equal(t, model.SeverityZeroTolerance, report.Violations[0].Severity)
	}
}

func TestAntipatternFloorsCategory(t *testing.T) {
	cfg := mustParse(t, `
categories:
  - name: antipattern
    weight: 100
    detector: antipattern
zero_tolerance_patterns:
  - id: meta
    pattern: '(?i)as an ai'
`)
	report := Score(ref, "As an AI, I find this difficult. As an AI, truly.", cfg)
	assert.Equal(t, 0.0, report.CategoryScores["antipattern"])
	assert.Equal(t, 0.0, report.TotalScore)
	require.Len(t, report.Violations, 2)
	for _, v := range report.Violations {
		assert.Equal(t, model.SeverityZeroTolerance, v.Severity)
	}
}

func TestAntipatternOverrideTolerates(t *testing.T) {
	cfg := mustParse(t, `
categories:
  - name: antipattern
    weight: 100
    detector: antipattern
zero_tolerance_patterns:
  - id: placeholder
    pattern: '\[TODO[^\]]*\]'
severity_overrides:
  placeholder:
    tolerated_count: 2
    penalty: 15
`)
	report := Score(ref, "Draft scene [TODO name] with the [TODO place] festival.", cfg)

	// Two instances within tolerated_count: penalty per instance, no floor.
	assert.Equal(t, 70.0, report.CategoryScores["antipattern"])
	require.Len(t, report.Violations, 2)
	for _, v := range report.Violations {
		assert.Equal(t, model.SeverityWarning, v.Severity)
	}

	// A third instance exceeds the tolerance and floors the category.
	report = Score(ref, "[TODO a] [TODO b] [TODO c]", cfg)
	assert.Equal(t, 0.0, report.CategoryScores["antipattern"])
	require.Len(t, report.Violations, 3)
	for _, v := range report.Violations {
		assert.Equal(t, model.SeverityZeroTolerance, v.Severity)
	}
}

func TestFormulaicPenaltyPerMatch(t *testing.T) {
	cfg := mustParse(t, `
categories:
  - name: formulaic
    weight: 100
    detector: formulaic
formulaic_patterns:
  - id: cliche
    pattern: 'at the end of the day'
`)
	report := Score(ref, "At dawn we left. But at the end of the day, and again at the end of the day, we returned.", cfg)
	assert.Equal(t, 80.0, report.CategoryScores["formulaic"])
	require.Len(t, report.Violations, 2)
	for _, v := range report.Violations {
		assert.Equal(t, model.SeverityFormulaic, v.Severity)
	}
}

func TestViolationsSortedByLocation(t *testing.T) {
	cfg := mustParse(t, `
categories:
  - name: antipattern
    weight: 50
    detector: antipattern
  - name: formulaic
    weight: 50
    detector: formulaic
zero_tolerance_patterns:
  - id: late_marker
    pattern: 'zzz'
formulaic_patterns:
  - id: early_marker
    pattern: 'aaa'
`)
	report := Score(ref, "aaa something in between zzz", cfg)
	require.Len(t, report.Violations, 2)
	assert.Equal(t, "early_marker", report.Violations[0].PatternID)
	assert.Equal(t, "late_marker", report.Violations[1].PatternID)
	assert.Less(t, report.Violations[0].Location, report.Violations[1].Location)
}

func TestTotalIsWeightedSumRoundedTwoPlaces(t *testing.T) {
	cfg := mustParse(t, `
categories:
  - name: antipattern
    weight: 60
    detector: antipattern
  - name: formulaic
    weight: 40
    detector: formulaic
formulaic_patterns:
  - id: cliche
    pattern: 'at the end of the day'
`)
	// antipattern: 100, formulaic: 90 -> 100*0.6 + 90*0.4 = 96.
	report := Score(ref, "We all knew, at the end of the day, what it meant.", cfg)
	assert.Equal(t, 100.0, report.CategoryScores["antipattern"])
	assert.Equal(t, 90.0, report.CategoryScores["formulaic"])
	assert.Equal(t, 96.0, report.TotalScore)
}

func TestWinnerTieBreaksEarliest(t *testing.T) {
	a := &model.ScoreReport{TotalScore: 80}
	b := &model.ScoreReport{TotalScore: 80}
	c := &model.ScoreReport{TotalScore: 75}
	assert.Equal(t, 0, Winner([]*model.ScoreReport{a, b, c}))
	assert.Equal(t, 1, Winner([]*model.ScoreReport{nil, b, c}))
	assert.Equal(t, -1, Winner([]*model.ScoreReport{nil, nil}))
	assert.Equal(t, -1, Winner(nil))
}

func TestSentenceVarietyNeutralWhenTooShort(t *testing.T) {
	assert.Equal(t, 50.0, sentenceVarietyScore("One sentence only."))
}

func TestPhaseDisciplineBand(t *testing.T) {
	good := strings.Repeat("word ", 60)
	frag := "tiny"
	text := good + "\n\n" + frag
	// One of two paragraphs inside the 20-150 word band.
	assert.Equal(t, 50.0, phaseDisciplineScore(text))
}

func TestDialoguePresence(t *testing.T) {
	text := "\"Hello,\" she said.\n\nNothing moved.\n\nStill nothing."
	// 1/3 paragraphs carry dialogue: ratio*300 caps at exactly 100.
	assert.Equal(t, 100.0, dialoguePresenceScore(text))
	assert.Equal(t, 0.0, dialoguePresenceScore("No speech here.\n\nNone here either."))
}
