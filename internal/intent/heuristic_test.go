// internal/intent/heuristic_test.go
package intent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinquery/internal/registry"
)

func newFixedHeuristic() *Heuristic {
	h := NewHeuristic(registry.Default())
	h.now = func() time.Time {
		return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	}
	return h
}

func TestHeuristic_AnalysisType(t *testing.T) {
	h := newFixedHeuristic()

	tests := []struct {
		name     string
		query    string
		analysis AnalysisType
	}{
		{"count", "How many active patients are there?", AnalysisCount},
		{"average", "What is the average weight?", AnalysisAverage},
		{"median", "median bmi of female patients", AnalysisMedian},
		{"std dev beats count phrasing", "standard deviation of heart rate, how many ever", AnalysisStdDev},
		{"trend", "show the weight trend over time", AnalysisTrend},
		{"correlation", "correlation between bmi and systolic blood pressure", AnalysisCorrelation},
		{"comparison", "compare heart rate for male versus female patients", AnalysisComparison},
		{"distribution", "age distribution of patients", AnalysisDistribution},
		{"percent change", "percent change in weight since 2024", AnalysisPercentChange},
		{"unparseable", "tell me something interesting", AnalysisUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qi := h.Parse(tt.query)
			assert.Equal(t, tt.analysis, qi.AnalysisType)
			assert.Equal(t, tt.query, qi.RawQuery)
		})
	}
}

func TestHeuristic_TopN(t *testing.T) {
	h := newFixedHeuristic()

	qi := h.Parse("top 5 patients by bmi")
	assert.Equal(t, AnalysisTopN, qi.AnalysisType)
	assert.Equal(t, 5, qi.TopN(10))
}

func TestHeuristic_Target(t *testing.T) {
	h := newFixedHeuristic()

	t.Run("counting patients targets the identifier", func(t *testing.T) {
		qi := h.Parse("How many active patients are there?")
		assert.Equal(t, "patient_id", qi.TargetField)
	})

	t.Run("metric noun resolves through synonyms", func(t *testing.T) {
		qi := h.Parse("average body weight of female patients")
		assert.Equal(t, "weight", qi.TargetField)
	})

	t.Run("correlation keeps exactly two metrics", func(t *testing.T) {
		qi := h.Parse("correlation between bmi and heart rate")
		assert.Equal(t, "bmi", qi.TargetField)
		assert.Equal(t, []string{"heart_rate"}, qi.AdditionalFields)
	})

	t.Run("no resolvable noun stays unknown", func(t *testing.T) {
		qi := h.Parse("average shoe size")
		assert.Equal(t, "unknown", qi.TargetField)
	})
}

func TestHeuristic_Conditions(t *testing.T) {
	h := newFixedHeuristic()

	t.Run("threshold", func(t *testing.T) {
		qi := h.Parse("how many patients have bmi over 30")
		require.Len(t, qi.Conditions, 1)
		assert.Equal(t, Condition{Field: "bmi", Operator: ">", Value: 30}, qi.Conditions[0])
	})

	t.Run("at least", func(t *testing.T) {
		qi := h.Parse("count patients with heart rate at least 100")
		require.Len(t, qi.Conditions, 1)
		assert.Equal(t, ">=", qi.Conditions[0].Operator)
		assert.Equal(t, "heart_rate", qi.Conditions[0].Field)
	})

	t.Run("between", func(t *testing.T) {
		qi := h.Parse("patients with age between 40 and 65")
		require.Len(t, qi.Conditions, 1)
		assert.Equal(t, Condition{Field: "age", Operator: "between", Value: 40, Value2: 65}, qi.Conditions[0])
	})

	t.Run("unresolvable threshold field dropped", func(t *testing.T) {
		qi := h.Parse("patients with cholesterol over 200")
		assert.Empty(t, qi.Conditions)
	})

	t.Run("bare patients never binds a threshold", func(t *testing.T) {
		qi := h.Parse("How many patients over 30 are active?")
		assert.Empty(t, qi.Conditions)
		assert.Equal(t, AnalysisCount, qi.AnalysisType)
		assert.Contains(t, qi.Filters, Filter{Field: "active", Value: "1"})
	})

	t.Run("numeric suffix still wins past patients", func(t *testing.T) {
		qi := h.Parse("patients with bmi over 30")
		require.Len(t, qi.Conditions, 1)
		assert.Equal(t, "bmi", qi.Conditions[0].Field)
	})
}

func TestHeuristic_Filters(t *testing.T) {
	h := newFixedHeuristic()

	t.Run("inactive beats the active substring", func(t *testing.T) {
		qi := h.Parse("how many inactive patients")
		require.Len(t, qi.Filters, 1)
		assert.Equal(t, Filter{Field: "active", Value: "0"}, qi.Filters[0])
	})

	t.Run("female beats the male substring", func(t *testing.T) {
		qi := h.Parse("average weight of female patients")
		assert.Contains(t, qi.Filters, Filter{Field: "gender", Value: "female"})
		assert.NotContains(t, qi.Filters, Filter{Field: "gender", Value: "male"})
	})

	t.Run("active and male together", func(t *testing.T) {
		qi := h.Parse("count active male patients")
		assert.Contains(t, qi.Filters, Filter{Field: "active", Value: "1"})
		assert.Contains(t, qi.Filters, Filter{Field: "gender", Value: "male"})
	})
}

func TestHeuristic_TimeRange(t *testing.T) {
	h := newFixedHeuristic()

	t.Run("last n months anchored to the injected clock", func(t *testing.T) {
		qi := h.Parse("average weight over the last 6 months")
		require.NotNil(t, qi.TimeRange)
		assert.Equal(t, "2026-02-24", qi.TimeRange.StartDate)
		assert.Equal(t, "2026-08-24", qi.TimeRange.EndDate)
	})

	t.Run("since year", func(t *testing.T) {
		qi := h.Parse("how many patients enrolled since 2023")
		require.NotNil(t, qi.TimeRange)
		assert.Equal(t, "2023-01-01", qi.TimeRange.StartDate)
		assert.Equal(t, "2026-08-24", qi.TimeRange.EndDate)
	})

	t.Run("no time phrasing", func(t *testing.T) {
		qi := h.Parse("average weight of patients")
		assert.Nil(t, qi.TimeRange)
	})
}

func TestHeuristic_GroupBy(t *testing.T) {
	h := newFixedHeuristic()

	qi := h.Parse("average bmi by gender")
	assert.Equal(t, []string{"gender"}, qi.GroupBy)

	// "by <target>" is a regex artifact, not a grouping.
	qi = h.Parse("top 3 patients by bmi")
	assert.Empty(t, qi.GroupBy)
}

func TestHeuristic_Deterministic(t *testing.T) {
	h := newFixedHeuristic()

	first := h.Parse("average weight of female patients over the last 6 months by gender")
	second := h.Parse("average weight of female patients over the last 6 months by gender")
	assert.Equal(t, first, second)
}
