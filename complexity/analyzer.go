// Package complexity scores a task description on five dimensions and picks
// a processing strategy. Scoring is a pure function of the description and
// the configured keyword sets: identical input and configuration always yield
// an identical score, so routing decisions stay auditable and testable.
package complexity

import (
	"sort"
	"strings"

	"github.com/stagekeeper/stagekeeper/config"
)

// Level is the coarse complexity classification used for routing.
type Level string

const (
	LevelSimple   Level = "simple"
	LevelModerate Level = "moderate"
	LevelComplex  Level = "complex"
)

// MentalModel names a reasoning approach the executor is steered toward.
type MentalModel string

const (
	FirstPrinciples     MentalModel = "first_principles"
	Inversion           MentalModel = "inversion"
	SecondOrderThinking MentalModel = "second_order_thinking"
	OODALoop            MentalModel = "ooda_loop"
	OccamsRazor         MentalModel = "occams_razor"
	SixThinkingHats     MentalModel = "six_thinking_hats"
	TreeOfThoughts      MentalModel = "tree_of_thoughts"
)

// ChainStrategy names how executor passes are chained.
type ChainStrategy string

const (
	Sequential          ChainStrategy = "sequential"
	Collision           ChainStrategy = "collision"
	DraftCritiqueRefine ChainStrategy = "draft_critique_refine"
	ParallelSynthesis   ChainStrategy = "parallel_synthesis"
	StrategicDiamond    ChainStrategy = "strategic_diamond"
)

// Strategy is the routing hint produced by the analyzer. It is never
// persisted as authoritative state; it is recomputed on every invocation.
type Strategy struct {
	MentalModel   MentalModel   `json:"mental_model"`
	ChainStrategy ChainStrategy `json:"chain_strategy"`
}

// Score is the full result of analyzing one task description.
type Score struct {
	Dimensions          map[string]float64 `json:"dimensions"`
	Total               float64            `json:"total"`
	Level               Level              `json:"level"`
	Dominant            string             `json:"dominant_dimension"`
	RequiresHumanReview bool               `json:"requires_human_review"`
	Strategy            Strategy           `json:"strategy"`
}

// maxDimensionScore caps each dimension.
const maxDimensionScore = 5.0

// dimensionPriority is the fixed tie-break order for the dominant dimension.
// Risk outranks everything so borderline ties route conservatively. This
// order is part of the routing contract and never varies at runtime.
var dimensionPriority = []string{
	"risk",
	"ambiguity",
	"dependencies",
	"technical_depth",
	"novelty",
}

// Analyzer scores task descriptions using externally supplied tuning data.
type Analyzer struct {
	cfg config.ComplexityConfig
}

// NewAnalyzer creates an analyzer from configuration.
func NewAnalyzer(cfg config.ComplexityConfig) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// Score analyzes a task description. Each dimension is scored independently
// as base + matches*multiplier (capped), then the total, level, veto, and
// strategy are derived.
func (a *Analyzer) Score(taskDescription string) Score {
	lowered := strings.ToLower(taskDescription)

	dimensions := make(map[string]float64, len(a.cfg.Dimensions))
	for name, dim := range a.cfg.Dimensions {
		matches := 0
		for _, keyword := range dim.Keywords {
			if strings.Contains(lowered, strings.ToLower(keyword)) {
				matches++
			}
		}
		score := dim.Base + float64(matches)*dim.Multiplier
		if score > maxDimensionScore {
			score = maxDimensionScore
		}
		dimensions[name] = score
	}

	return a.Evaluate(dimensions)
}

// Evaluate derives total, level, dominant dimension, veto, and strategy from
// already-computed dimension scores.
func (a *Analyzer) Evaluate(dimensions map[string]float64) Score {
	var total float64
	for name, score := range dimensions {
		weight := a.cfg.Dimensions[name].Weight
		total += score * weight
	}

	level := LevelSimple
	switch {
	case total < a.cfg.SimpleThreshold:
		level = LevelSimple
	case total < a.cfg.ComplexThreshold:
		level = LevelModerate
	default:
		level = LevelComplex
	}

	// Risk is a veto dimension, not merely additive: above the threshold it
	// forces complex handling and human review regardless of total.
	requiresReview := false
	if dimensions["risk"] > a.cfg.HighRiskThreshold {
		level = LevelComplex
		requiresReview = true
	}

	dominant := dominantDimension(dimensions)

	return Score{
		Dimensions:          dimensions,
		Total:               total,
		Level:               level,
		Dominant:            dominant,
		RequiresHumanReview: requiresReview,
		Strategy:            strategyFor(level, dominant),
	}
}

// dominantDimension returns the highest-scoring dimension, breaking ties by
// the fixed priority order. Dimensions outside the known five sort after
// them, alphabetically.
func dominantDimension(dimensions map[string]float64) string {
	if len(dimensions) == 0 {
		return ""
	}

	rank := make(map[string]int, len(dimensionPriority))
	for i, name := range dimensionPriority {
		rank[name] = i
	}

	names := make([]string, 0, len(dimensions))
	for name := range dimensions {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, iKnown := rank[names[i]]
		rj, jKnown := rank[names[j]]
		switch {
		case iKnown && jKnown:
			return ri < rj
		case iKnown:
			return true
		case jKnown:
			return false
		default:
			return names[i] < names[j]
		}
	})

	dominant := names[0]
	for _, name := range names[1:] {
		if dimensions[name] > dimensions[dominant] {
			dominant = name
		}
	}
	return dominant
}

// strategyFor is the deterministic routing table keyed on
// (level, dominant dimension).
func strategyFor(level Level, dominant string) Strategy {
	switch level {
	case LevelSimple:
		if dominant == "risk" {
			return Strategy{Inversion, Sequential}
		}
		return Strategy{OccamsRazor, Sequential}

	case LevelModerate:
		switch dominant {
		case "risk":
			return Strategy{Inversion, Sequential}
		case "ambiguity":
			return Strategy{SixThinkingHats, Sequential}
		default:
			return Strategy{OODALoop, Sequential}
		}

	default: // LevelComplex
		switch dominant {
		case "risk":
			return Strategy{Inversion, DraftCritiqueRefine}
		case "ambiguity":
			return Strategy{SixThinkingHats, ParallelSynthesis}
		case "novelty":
			return Strategy{TreeOfThoughts, Collision}
		case "dependencies":
			return Strategy{SecondOrderThinking, StrategicDiamond}
		default:
			return Strategy{FirstPrinciples, DraftCritiqueRefine}
		}
	}
}
