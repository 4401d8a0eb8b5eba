// internal/clarify/clarify.go

// Package clarify scores how completely a parsed intent covers the question
// and, when coverage is too low, produces the single clarification question
// the pipeline is allowed to ask.
package clarify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"clinquery/internal/common/logger"
	"clinquery/internal/common/metrics"
	"clinquery/internal/conditions"
	"clinquery/internal/intent"
	"clinquery/internal/registry"
)

// SlotType names the specific gap a clarification question targets.
type SlotType string

const (
	SlotAnalysisUnclear  SlotType = "ANALYSIS_UNCLEAR"
	SlotMetricUnclear    SlotType = "METRIC_UNCLEAR"
	SlotConditionUnclear SlotType = "CONDITION_UNCLEAR"
	SlotMissingFilter    SlotType = "MISSING_FILTER"
	SlotDateRangeUnclear SlotType = "DATE_RANGE_UNCLEAR"
)

// Scoring weights. An intent missing either core slot (analysis or target)
// cannot reach the default 0.75 threshold; missing only a contextual slot
// still passes.
const (
	weightAnalysis = 0.3
	weightTarget   = 0.3
	weightFilters  = 0.2
	weightTime     = 0.2
)

// Question is one clarification prompt shown to the user.
type Question struct {
	Slot    SlotType `json:"slot"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
}

// Clarifier evaluates intents against the confidence threshold and folds
// clarification answers back in. At most one round per request; the caller
// enforces that bound.
type Clarifier struct {
	parser    *intent.Parser
	reg       *registry.Registry
	threshold float64
	logger    logger.Logger
}

func New(parser *intent.Parser, reg *registry.Registry, threshold float64, log logger.Logger) *Clarifier {
	return &Clarifier{
		parser:    parser,
		reg:       reg,
		threshold: threshold,
		logger:    log.WithFields(map[string]interface{}{"component": "clarifier"}),
	}
}

func (c *Clarifier) Threshold() float64 { return c.threshold }

// Score rates slot coverage in [0,1]. Each component is independent, so
// filling any slot can only raise the score, never lower it. Contextual
// components (filters, time range) are only demanded when the question's own
// wording implies them.
func (c *Clarifier) Score(qi *intent.QueryIntent) float64 {
	text := " " + strings.ToLower(qi.RawQuery) + " "
	score := 0.0

	if qi.AnalysisType != intent.AnalysisUnknown {
		score += weightAnalysis
	}
	if qi.TargetField != "unknown" {
		score += weightTarget
	}
	if !impliesFilters(text) || hasAnyConstraint(qi) {
		score += weightFilters
	}
	if !timeRelative(text) || qi.TimeRange != nil {
		score += weightTime
	}
	return score
}

// Evaluate scores the intent and decides whether to ask. A low score alone
// never triggers a question: there must also be a concrete slot to ask about.
// The returned intent carries the computed confidence.
func (c *Clarifier) Evaluate(qi *intent.QueryIntent) (float64, *Question) {
	score := c.Score(qi)
	qi.Confidence = score

	// Structural ambiguity outranks the score: two detected conditions always
	// need a choice, no matter how complete the rest of the intent is.
	if len(qi.MatchedConditions) > 1 {
		return score, c.record(conditionQuestion(qi), score)
	}

	// A condition term the mapper matched only weakly is the same kind of
	// ambiguity: confirm it rather than filtering on a guessed code list.
	if q := c.weakConditionQuestion(qi); q != nil {
		return score, c.record(q, score)
	}

	if score >= c.threshold {
		return score, nil
	}

	return score, c.record(c.question(qi), score)
}

func (c *Clarifier) record(q *Question, score float64) *Question {
	if q == nil {
		return nil
	}
	metrics.ClarificationsTotal.WithLabelValues(string(q.Slot)).Inc()
	c.logger.Info("clarification required", map[string]interface{}{
		"slot":       string(q.Slot),
		"confidence": score,
	})
	return q
}

func conditionQuestion(qi *intent.QueryIntent) *Question {
	opts := make([]string, len(qi.MatchedConditions))
	for i, m := range qi.MatchedConditions {
		opts[i] = m.CanonicalID
	}
	return &Question{
		Slot:    SlotConditionUnclear,
		Prompt:  fmt.Sprintf("The question mentions %s. Which condition should the analysis focus on?", strings.Join(opts, " and ")),
		Options: opts,
	}
}

// weakConditionQuestion asks about any matched condition whose mapper
// confidence falls under the clarification threshold.
func (c *Clarifier) weakConditionQuestion(qi *intent.QueryIntent) *Question {
	for _, m := range qi.MatchedConditions {
		if m.Confidence >= c.threshold {
			continue
		}
		return &Question{
			Slot: SlotConditionUnclear,
			Prompt: fmt.Sprintf(
				"The question seems to mention %s, but the match is uncertain. Should the analysis focus on %s?",
				m.CanonicalID, m.CanonicalID),
			Options: []string{m.CanonicalID},
		}
	}
	return nil
}

// question picks the most consequential gap. Precedence: core slots first
// (analysis, then metric), then contextual slots. Condition ambiguity is
// handled earlier in Evaluate.
func (c *Clarifier) question(qi *intent.QueryIntent) *Question {
	text := " " + strings.ToLower(qi.RawQuery) + " "

	switch {
	case qi.AnalysisType == intent.AnalysisUnknown:
		return &Question{
			Slot:   SlotAnalysisUnclear,
			Prompt: "What kind of analysis would you like? For example: count, average, median, trend, or a comparison.",
			Options: []string{
				"count", "average", "median", "trend", "comparison", "distribution",
			},
		}
	case qi.TargetField == "unknown":
		return &Question{
			Slot:    SlotMetricUnclear,
			Prompt:  "Which measurement should the analysis use?",
			Options: c.metricOptions(),
		}
	case impliesFilters(text) && !hasAnyConstraint(qi):
		return &Question{
			Slot:   SlotMissingFilter,
			Prompt: "Which patients should be included? For example: active patients, female patients, or patients with a specific diagnosis.",
		}
	case timeRelative(text) && qi.TimeRange == nil:
		return &Question{
			Slot:   SlotDateRangeUnclear,
			Prompt: "Which time period should the analysis cover? For example: the last 6 months, or since 2024.",
		}
	}
	return nil
}

func (c *Clarifier) metricOptions() []string {
	var opts []string
	for _, name := range c.reg.FieldNames() {
		f, _ := c.reg.FieldByName(name)
		if f.Kind == registry.KindNumeric {
			opts = append(opts, name)
		}
	}
	sort.Strings(opts)
	return opts
}

// Apply folds a clarification answer into the intent and returns the updated
// copy with its confidence recomputed. The original intent is never mutated.
func (c *Clarifier) Apply(ctx context.Context, qi *intent.QueryIntent, q *Question, answer string) *intent.QueryIntent {
	answer = strings.TrimSpace(answer)
	lower := " " + strings.ToLower(answer) + " "

	var out *intent.QueryIntent

	switch q.Slot {
	case SlotConditionUnclear:
		out = qi.Clone()
		pick := out.MatchedConditions[0]
		for _, m := range out.MatchedConditions {
			if strings.Contains(lower, m.CanonicalID) {
				pick = m
				break
			}
		}
		// No recognizable choice keeps the first-mentioned condition.
		out.MatchedConditions = []conditions.Mapping{pick}

	case SlotMissingFilter:
		if patch, ok := filterPatch(lower); ok {
			out = qi.Clone()
			out.Filters = append(out.Filters, patch)
			break
		}
		out = c.reparse(ctx, qi, answer)

	default:
		out = c.reparse(ctx, qi, answer)
	}

	out.Confidence = c.Score(out)
	return out
}

// reparse runs the full parser over the question plus the answer, then
// backfills any slot the combined text lost relative to the original. An
// answer can only ever add information.
func (c *Clarifier) reparse(ctx context.Context, qi *intent.QueryIntent, answer string) *intent.QueryIntent {
	combined := qi.RawQuery + "\nAdditional context: " + answer
	out := c.parser.Parse(ctx, combined)

	if out.AnalysisType == intent.AnalysisUnknown {
		out.AnalysisType = qi.AnalysisType
	}
	if out.TargetField == "unknown" {
		out.TargetField = qi.TargetField
	}
	if len(out.Filters) == 0 {
		out.Filters = append([]intent.Filter(nil), qi.Filters...)
	}
	if len(out.Conditions) == 0 {
		out.Conditions = append([]intent.Condition(nil), qi.Conditions...)
	}
	if len(out.MatchedConditions) == 0 {
		out.MatchedConditions = append([]conditions.Mapping(nil), qi.MatchedConditions...)
	}
	if out.TimeRange == nil && qi.TimeRange != nil {
		tr := *qi.TimeRange
		out.TimeRange = &tr
	}
	if len(out.GroupBy) == 0 {
		out.GroupBy = append([]string(nil), qi.GroupBy...)
	}
	out.RawQuery = qi.RawQuery
	return out
}

// filterPatch recognizes the handful of structured answers that map straight
// to a demographic filter without another parser pass.
func filterPatch(lower string) (intent.Filter, bool) {
	switch {
	case strings.Contains(lower, "inactive"):
		return intent.Filter{Field: "active", Value: "0"}, true
	case strings.Contains(lower, "active"):
		return intent.Filter{Field: "active", Value: "1"}, true
	case strings.Contains(lower, "female") || strings.Contains(lower, "women"):
		return intent.Filter{Field: "gender", Value: "female"}, true
	case strings.Contains(lower, " male") || strings.Contains(lower, " men "):
		return intent.Filter{Field: "gender", Value: "male"}, true
	}
	return intent.Filter{}, false
}

func hasAnyConstraint(qi *intent.QueryIntent) bool {
	return len(qi.Filters) > 0 || len(qi.Conditions) > 0 || len(qi.MatchedConditions) > 0
}

// impliesFilters reports whether the question's wording promises a cohort
// restriction. Only then is the filters component demanded.
func impliesFilters(text string) bool {
	for _, cue := range []string{
		" who ", " with ", " having ", " diagnosed ", " only ",
		" certain ", " specific ", " these ",
	} {
		if strings.Contains(text, cue) {
			return true
		}
	}
	return false
}

// timeRelative reports whether the question references a time window that the
// intent should have pinned down.
func timeRelative(text string) bool {
	for _, cue := range []string{
		" recent", " last ", " past ", " since ", " this year", " this month",
	} {
		if strings.Contains(text, cue) {
			return true
		}
	}
	return false
}
