// Package rubric loads and validates scoring rubric configuration.
//
// A rubric is external configuration consumed, not owned, by the scoring
// engine: weighted categories, zero-tolerance and formulaic pattern lists,
// and per-pattern severity overrides. All validation happens at load time
// so a malformed rubric can never reach the scorer.
package rubric

import (
	"fmt"
	"math"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Detector names a category's sub-score algorithm in the scoring engine.
type Detector string

const (
	DetectorAntipattern      Detector = "antipattern"
	DetectorFormulaic        Detector = "formulaic"
	DetectorSentenceVariety  Detector = "sentence_variety"
	DetectorDialoguePresence Detector = "dialogue_presence"
	DetectorFigurative       Detector = "figurative_density"
	DetectorPhaseDiscipline  Detector = "phase_discipline"
)

var knownDetectors = map[Detector]bool{
	DetectorAntipattern:      true,
	DetectorFormulaic:        true,
	DetectorSentenceVariety:  true,
	DetectorDialoguePresence: true,
	DetectorFigurative:       true,
	DetectorPhaseDiscipline:  true,
}

// Category is one weighted scoring dimension. Weights are percentages and
// must sum to exactly 100 across the rubric.
type Category struct {
	Name     string   `yaml:"name"`
	Weight   float64  `yaml:"weight"`
	Detector Detector `yaml:"detector"`
}

// Pattern is a named regular expression scanned against candidate text.
type Pattern struct {
	ID      string `yaml:"id"`
	Pattern string `yaml:"pattern"`

	re *regexp.Regexp
}

// Find returns the byte offsets of all matches in text, in order.
func (p *Pattern) Find(text string) []int {
	locs := p.re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	offsets := make([]int, len(locs))
	for i, l := range locs {
		offsets[i] = l[0]
	}
	return offsets
}

// Override downgrades a zero-tolerance pattern to a per-instance penalty,
// as long as the observed count stays within ToleratedCount.
type Override struct {
	ToleratedCount int     `yaml:"tolerated_count"`
	Penalty        float64 `yaml:"penalty"`
}

// Config is a fully validated rubric.
type Config struct {
	Categories            []Category          `yaml:"categories"`
	ZeroTolerancePatterns []Pattern           `yaml:"zero_tolerance_patterns"`
	FormulaicPatterns     []Pattern           `yaml:"formulaic_patterns"`
	SeverityOverrides     map[string]Override `yaml:"severity_overrides"`
}

// Load reads and validates a rubric YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rubric: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("rubric: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates rubric YAML. Validation is fail-fast:
// weights that do not sum to 100 are rejected here, never renormalized.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// weightSumTolerance absorbs float representation error in YAML weights.
const weightSumTolerance = 1e-9

func (c *Config) validate() error {
	if len(c.Categories) == 0 {
		return fmt.Errorf("at least one category is required")
	}

	var sum float64
	seen := make(map[string]bool, len(c.Categories))
	for i, cat := range c.Categories {
		if cat.Name == "" {
			return fmt.Errorf("categories[%d]: name is required", i)
		}
		if seen[cat.Name] {
			return fmt.Errorf("categories[%d]: duplicate category %q", i, cat.Name)
		}
		seen[cat.Name] = true
		if cat.Weight <= 0 {
			return fmt.Errorf("category %q: weight must be positive", cat.Name)
		}
		if !knownDetectors[cat.Detector] {
			return fmt.Errorf("category %q: unknown detector %q", cat.Name, cat.Detector)
		}
		sum += cat.Weight
	}
	if math.Abs(sum-100) > weightSumTolerance {
		return fmt.Errorf("category weights sum to %g, must sum to 100", sum)
	}

	patternIDs := make(map[string]bool)
	compile := func(kind string, patterns []Pattern) error {
		for i := range patterns {
			p := &patterns[i]
			if p.ID == "" {
				return fmt.Errorf("%s[%d]: id is required", kind, i)
			}
			if patternIDs[p.ID] {
				return fmt.Errorf("%s[%d]: duplicate pattern id %q", kind, i, p.ID)
			}
			patternIDs[p.ID] = true
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return fmt.Errorf("%s %q: %w", kind, p.ID, err)
			}
			p.re = re
		}
		return nil
	}
	if err := compile("zero_tolerance_patterns", c.ZeroTolerancePatterns); err != nil {
		return err
	}
	if err := compile("formulaic_patterns", c.FormulaicPatterns); err != nil {
		return err
	}

	for id, ov := range c.SeverityOverrides {
		if !patternIDs[id] {
			return fmt.Errorf("severity_overrides: unknown pattern id %q", id)
		}
		if ov.ToleratedCount < 0 {
			return fmt.Errorf("severity_overrides %q: tolerated_count must not be negative", id)
		}
		if ov.Penalty < 0 {
			return fmt.Errorf("severity_overrides %q: penalty must not be negative", id)
		}
	}
	return nil
}
