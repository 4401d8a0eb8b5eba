// internal/intent/heuristic.go
package intent

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"clinquery/internal/registry"
)

// Heuristic is the deterministic fallback parser used when the extraction
// service errors, times out, or returns an invalid payload. It only extracts
// what it can prove from the text; everything else stays "unknown".
type Heuristic struct {
	reg *registry.Registry
	now func() time.Time
}

func NewHeuristic(reg *registry.Registry) *Heuristic {
	return &Heuristic{reg: reg, now: time.Now}
}

// verbTable maps aggregate phrasing to an analysis type. Checked in order so
// more specific phrases win over their substrings.
var verbTable = []struct {
	phrase   string
	analysis AnalysisType
}{
	{"standard deviation", AnalysisStdDev},
	{"std dev", AnalysisStdDev},
	{"percent change", AnalysisPercentChange},
	{"percentage change", AnalysisPercentChange},
	{"change in", AnalysisPercentChange},
	{"correlation", AnalysisCorrelation},
	{"correlate", AnalysisCorrelation},
	{"relationship between", AnalysisCorrelation},
	{"distribution", AnalysisDistribution},
	{"histogram", AnalysisDistribution},
	{"breakdown", AnalysisDistribution},
	{"over time", AnalysisTrend},
	{"trend", AnalysisTrend},
	{"monthly", AnalysisTrend},
	{"compare", AnalysisComparison},
	{"comparison", AnalysisComparison},
	{"versus", AnalysisComparison},
	{" vs ", AnalysisComparison},
	{"variance", AnalysisVariance},
	{"median", AnalysisMedian},
	{"how many", AnalysisCount},
	{"number of", AnalysisCount},
	{"count", AnalysisCount},
	{"average", AnalysisAverage},
	{"mean ", AnalysisAverage},
	{"total", AnalysisSum},
	{"sum of", AnalysisSum},
	{"minimum", AnalysisMin},
	{"lowest", AnalysisMin},
	{"maximum", AnalysisMax},
	{"highest", AnalysisMax},
}

var (
	topNRe      = regexp.MustCompile(`\btop\s+(\d+)\b`)
	thresholdRe = regexp.MustCompile(`([a-z][a-z _-]*?)\s+(?:is\s+)?(over|above|greater than|more than|at least|under|below|less than|at most)\s+(\d+(?:\.\d+)?)`)
	betweenRe   = regexp.MustCompile(`([a-z][a-z _-]*?)\s+between\s+(\d+(?:\.\d+)?)\s+and\s+(\d+(?:\.\d+)?)`)
	lastNRe     = regexp.MustCompile(`\blast\s+(\d+)\s+(day|week|month|year)s?\b`)
	sinceRe     = regexp.MustCompile(`\bsince\s+(\d{4})\b`)
	groupByRe   = regexp.MustCompile(`\b(?:by|per|grouped by|for each)\s+([a-z][a-z _-]*)`)
)

// Parse extracts an intent from raw text alone. It never errors: the worst
// case is an intent with unknown analysis and target, which the clarifier
// then surfaces.
func (h *Heuristic) Parse(rawQuery string) *QueryIntent {
	text := " " + strings.ToLower(rawQuery) + " "

	qi := &QueryIntent{
		AnalysisType: AnalysisUnknown,
		TargetField:  "unknown",
		RawQuery:     rawQuery,
	}

	for _, v := range verbTable {
		if strings.Contains(text, v.phrase) {
			qi.AnalysisType = v.analysis
			break
		}
	}

	if m := topNRe.FindStringSubmatch(text); m != nil {
		qi.AnalysisType = AnalysisTopN
		if n, err := strconv.Atoi(m[1]); err == nil {
			qi.Parameters = map[string]interface{}{"n": n}
		}
	}

	h.extractTarget(text, qi)
	h.extractUnit(text, qi)
	h.extractConditions(text, qi)
	h.extractFilters(text, qi)
	h.extractTimeRange(text, qi)
	h.extractGroupBy(text, qi)

	return qi
}

// metricTerms is scanned longest/most-specific first; hits are then ordered
// by text position so the first-mentioned metric becomes the target.
var metricTerms = []string{
	"body mass index", "blood pressure", "heart rate", "body weight",
	"systolic", "diastolic", "weight", "bmi", "pulse", "age",
}

// extractTarget scans the text for resolvable metric nouns. Counting
// questions about patients target the patient identifier; everything else
// takes the first-mentioned resolvable metric.
func (h *Heuristic) extractTarget(text string, qi *QueryIntent) {
	type hit struct {
		pos  int
		name string
	}
	var hits []hit
	seen := map[string]bool{}
	for _, term := range metricTerms {
		pos := indexWord(text, term)
		if pos < 0 {
			continue
		}
		f, ok := h.reg.Resolve(term)
		if !ok || seen[f.Name] {
			continue
		}
		seen[f.Name] = true
		hits = append(hits, hit{pos: pos, name: f.Name})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	metrics := make([]string, len(hits))
	for i, ht := range hits {
		metrics[i] = ht.name
	}

	countsPatients := qi.AnalysisType == AnalysisCount &&
		(strings.Contains(text, "patient") || strings.Contains(text, "people"))

	switch {
	case countsPatients:
		qi.TargetField = h.reg.PatientKey().Name
	case len(metrics) > 0:
		qi.TargetField = metrics[0]
		if len(metrics) > 1 {
			if qi.AnalysisType == AnalysisCorrelation || qi.AnalysisType == AnalysisComparison {
				qi.AdditionalFields = metrics[1:2]
			} else {
				qi.AdditionalFields = metrics[1:]
			}
		}
	}
}

// extractUnit records a requested display unit when the question asks for one
// that differs from the storage unit.
func (h *Heuristic) extractUnit(text string, qi *QueryIntent) {
	if strings.Contains(text, " pounds") || strings.Contains(text, " lbs") || strings.Contains(text, " lb ") {
		if qi.Parameters == nil {
			qi.Parameters = map[string]interface{}{}
		}
		qi.Parameters["unit"] = "lb"
	}
}

// extractConditions pulls "X over N", "X between A and B" style thresholds.
// Only numeric columns qualify: a phrase like "patients over 30" resolves to
// the patient identifier, and a threshold against an identifier or text
// column is a guess, not an extraction. Terms that do not resolve are dropped
// here; if they are condition phrases the parser's injection step picks them
// up instead.
func (h *Heuristic) extractConditions(text string, qi *QueryIntent) {
	for _, m := range betweenRe.FindAllStringSubmatch(text, -1) {
		field, ok := h.resolveNumericTail(m[1])
		if !ok {
			continue
		}
		lo, _ := strconv.ParseFloat(m[2], 64)
		hi, _ := strconv.ParseFloat(m[3], 64)
		qi.Conditions = append(qi.Conditions, Condition{Field: field, Operator: "between", Value: lo, Value2: hi})
	}

	for _, m := range thresholdRe.FindAllStringSubmatch(text, -1) {
		field, ok := h.resolveNumericTail(m[1])
		if !ok {
			continue
		}
		val, _ := strconv.ParseFloat(m[3], 64)
		var op string
		switch m[2] {
		case "over", "above", "greater than", "more than":
			op = ">"
		case "at least":
			op = ">="
		case "under", "below", "less than":
			op = "<"
		case "at most":
			op = "<="
		}
		qi.Conditions = append(qi.Conditions, Condition{Field: field, Operator: op, Value: val})
	}
}

// resolveTail tries progressively shorter suffixes of a captured phrase, so
// "patients with bmi" resolves to bmi.
func (h *Heuristic) resolveTail(phrase string) (string, bool) {
	words := strings.Fields(strings.TrimSpace(phrase))
	for i := 0; i < len(words); i++ {
		candidate := strings.Join(words[i:], " ")
		if f, ok := h.reg.Resolve(candidate); ok {
			return f.Name, true
		}
	}
	return "", false
}

// resolveNumericTail is resolveTail restricted to numeric columns. A suffix
// that resolves to a non-numeric field is skipped, so "patients with bmi"
// still lands on bmi while a bare "patients" never binds a threshold.
func (h *Heuristic) resolveNumericTail(phrase string) (string, bool) {
	words := strings.Fields(strings.TrimSpace(phrase))
	for i := 0; i < len(words); i++ {
		candidate := strings.Join(words[i:], " ")
		if f, ok := h.reg.Resolve(candidate); ok && f.Kind == registry.KindNumeric {
			return f.Name, true
		}
	}
	return "", false
}

func (h *Heuristic) extractFilters(text string, qi *QueryIntent) {
	// "inactive" contains "active"; check it first.
	if strings.Contains(text, "inactive") {
		qi.Filters = append(qi.Filters, Filter{Field: "active", Value: "0"})
	} else if strings.Contains(text, "active") {
		qi.Filters = append(qi.Filters, Filter{Field: "active", Value: "1"})
	}

	// "female"/"women" contain "male"/"men"; same ordering concern.
	if strings.Contains(text, "female") || strings.Contains(text, "women") {
		qi.Filters = append(qi.Filters, Filter{Field: "gender", Value: "female"})
	} else if strings.Contains(text, " male") || strings.Contains(text, " men ") {
		qi.Filters = append(qi.Filters, Filter{Field: "gender", Value: "male"})
	}
}

func (h *Heuristic) extractTimeRange(text string, qi *QueryIntent) {
	now := h.now().UTC()

	if m := lastNRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		var start time.Time
		switch m[2] {
		case "day":
			start = now.AddDate(0, 0, -n)
		case "week":
			start = now.AddDate(0, 0, -7*n)
		case "month":
			start = now.AddDate(0, -n, 0)
		case "year":
			start = now.AddDate(-n, 0, 0)
		}
		qi.TimeRange = &TimeRange{
			StartDate: start.Format("2006-01-02"),
			EndDate:   now.Format("2006-01-02"),
		}
		return
	}

	if m := sinceRe.FindStringSubmatch(text); m != nil {
		qi.TimeRange = &TimeRange{
			StartDate: fmt.Sprintf("%s-01-01", m[1]),
			EndDate:   now.Format("2006-01-02"),
		}
	}
}

func (h *Heuristic) extractGroupBy(text string, qi *QueryIntent) {
	for _, m := range groupByRe.FindAllStringSubmatch(text, -1) {
		field, ok := h.resolveTail(m[1])
		if !ok {
			continue
		}
		// Grouping by the metric itself is a regex artifact, not a grouping.
		if field == qi.TargetField || contains(qi.GroupBy, field) {
			continue
		}
		qi.GroupBy = append(qi.GroupBy, field)
	}
}

// indexWord finds term at a word boundary, so "age" never matches inside
// "average".
func indexWord(text, term string) int {
	for from := 0; ; {
		i := strings.Index(text[from:], term)
		if i < 0 {
			return -1
		}
		pos := from + i
		end := pos + len(term)
		before := pos == 0 || !isWordChar(text[pos-1])
		after := end >= len(text) || !isWordChar(text[end])
		if before && after {
			return pos
		}
		from = pos + 1
	}
}

func isWordChar(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || b == '_'
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
