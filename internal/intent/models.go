// internal/intent/models.go
package intent

import "clinquery/internal/conditions"

// AnalysisType enumerates the supported analysis strategies.
type AnalysisType string

const (
	AnalysisCount         AnalysisType = "count"
	AnalysisAverage       AnalysisType = "average"
	AnalysisSum           AnalysisType = "sum"
	AnalysisMin           AnalysisType = "min"
	AnalysisMax           AnalysisType = "max"
	AnalysisMedian        AnalysisType = "median"
	AnalysisVariance      AnalysisType = "variance"
	AnalysisStdDev        AnalysisType = "std_dev"
	AnalysisPercentChange AnalysisType = "percent_change"
	AnalysisTrend         AnalysisType = "trend"
	AnalysisCorrelation   AnalysisType = "correlation"
	AnalysisComparison    AnalysisType = "comparison"
	AnalysisTopN          AnalysisType = "top_n"
	AnalysisDistribution  AnalysisType = "distribution"
	AnalysisUnknown       AnalysisType = "unknown"
)

// ValidAnalysisTypes is the closed set accepted from the extraction service.
var ValidAnalysisTypes = map[AnalysisType]bool{
	AnalysisCount: true, AnalysisAverage: true, AnalysisSum: true,
	AnalysisMin: true, AnalysisMax: true, AnalysisMedian: true,
	AnalysisVariance: true, AnalysisStdDev: true, AnalysisPercentChange: true,
	AnalysisTrend: true, AnalysisCorrelation: true, AnalysisComparison: true,
	AnalysisTopN: true, AnalysisDistribution: true,
}

// Filter is an equality constraint on a canonical field.
type Filter struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// Condition is a range/boolean constraint on a canonical field.
type Condition struct {
	Field    string  `json:"field"`
	Operator string  `json:"operator"` // ">", ">=", "<", "<=", "=", "between"
	Value    float64 `json:"value"`
	Value2   float64 `json:"value2,omitempty"` // upper bound for "between"
}

// TimeRange bounds the analysis window. StartDate <= EndDate, both
// "2006-01-02".
type TimeRange struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// QueryIntent is the structured representation of one user question. Created
// fresh per request by the parser, mutated only by the clarifier when folding
// in an answer, read-only afterwards.
type QueryIntent struct {
	AnalysisType      AnalysisType           `json:"analysis_type"`
	TargetField       string                 `json:"target_field"`
	AdditionalFields  []string               `json:"additional_fields,omitempty"`
	Filters           []Filter               `json:"filters,omitempty"`
	Conditions        []Condition            `json:"conditions,omitempty"`
	GroupBy           []string               `json:"group_by,omitempty"`
	TimeRange         *TimeRange             `json:"time_range,omitempty"`
	Parameters        map[string]interface{} `json:"parameters,omitempty"`
	MatchedConditions []conditions.Mapping   `json:"matched_conditions,omitempty"`
	RawQuery          string                 `json:"raw_query"`
	Confidence        float64                `json:"confidence"`
}

// Clone returns a deep copy, used by the clarifier so a failed patch never
// corrupts the original intent.
func (q *QueryIntent) Clone() *QueryIntent {
	out := *q
	out.AdditionalFields = append([]string(nil), q.AdditionalFields...)
	out.Filters = append([]Filter(nil), q.Filters...)
	out.Conditions = append([]Condition(nil), q.Conditions...)
	out.GroupBy = append([]string(nil), q.GroupBy...)
	if q.TimeRange != nil {
		tr := *q.TimeRange
		out.TimeRange = &tr
	}
	if q.Parameters != nil {
		out.Parameters = make(map[string]interface{}, len(q.Parameters))
		for k, v := range q.Parameters {
			out.Parameters[k] = v
		}
	}
	out.MatchedConditions = make([]conditions.Mapping, len(q.MatchedConditions))
	for i, m := range q.MatchedConditions {
		m.Codes = append([]string(nil), m.Codes...)
		out.MatchedConditions[i] = m
	}
	return &out
}

// HasFilter reports whether any filter targets the given canonical field.
func (q *QueryIntent) HasFilter(field string) bool {
	for _, f := range q.Filters {
		if f.Field == field {
			return true
		}
	}
	return false
}

// TopN returns the "n" parameter, defaulting when absent or malformed.
func (q *QueryIntent) TopN(def int) int {
	if q.Parameters == nil {
		return def
	}
	switch v := q.Parameters["n"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}
