// internal/pipeline/pipeline_test.go
package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinquery/internal/audit"
	"clinquery/internal/clarify"
	"clinquery/internal/codegen"
	stderrors "clinquery/internal/common/errors"
	"clinquery/internal/common/logger"
	"clinquery/internal/conditions"
	"clinquery/internal/intent"
	"clinquery/internal/registry"
	"clinquery/internal/sandbox"
)

// fakeRetriever answers each query through a caller-supplied function and
// keeps the SQL it saw.
type fakeRetriever struct {
	fn     func(query string) ([]map[string]interface{}, error)
	gotSQL []string
}

func (f *fakeRetriever) Retrieve(_ context.Context, query string) ([]map[string]interface{}, error) {
	f.gotSQL = append(f.gotSQL, query)
	return f.fn(query)
}

func scalarValue(v interface{}) func(string) ([]map[string]interface{}, error) {
	return func(string) ([]map[string]interface{}, error) {
		return []map[string]interface{}{{"value": v}}, nil
	}
}

type captureRecorder struct {
	recs []*audit.Record
}

func (c *captureRecorder) Record(_ context.Context, rec *audit.Record) {
	c.recs = append(c.recs, rec)
}

func newTestPipeline(t *testing.T, r sandbox.Retriever, rec audit.Recorder) *Pipeline {
	t.Helper()
	log := logger.NewTestLogger(t)
	reg := registry.Default()
	parser := intent.NewParser(nil, reg, conditions.NewStaticMapper(), log)
	clarifier := clarify.New(parser, reg, 0.75, log)
	generator := codegen.New(reg, log)
	executor := sandbox.New(sandbox.Config{
		Timeout:        time.Second,
		AllowedModules: []string{"table", "string", "math"},
		MaxResultRows:  1000,
	}, r, log)
	if rec == nil {
		rec = audit.NoopRecorder{}
	}
	return New(parser, clarifier, generator, executor, rec, log)
}

// The canonical join fan-out fixture: 8 anxious patients with 48 diagnosis
// rows between them. The answer is 8 because counting goes over distinct
// patient identifiers, never joined rows.
func TestRun_JoinSafeConditionCount(t *testing.T) {
	r := &fakeRetriever{fn: func(query string) ([]map[string]interface{}, error) {
		if strings.Contains(query, "COUNT(DISTINCT patients.patient_id)") {
			return []map[string]interface{}{{"value": int64(8)}}, nil
		}
		// Row counting over the join would see every diagnosis row.
		return []map[string]interface{}{{"value": int64(48)}}, nil
	}}
	p := newTestPipeline(t, r, nil)

	out := p.Run(context.Background(), "How many active patients have anxiety?", Options{})

	require.Equal(t, StateCompleted, out.State)
	result := out.Result.(map[string]interface{})
	assert.Equal(t, 8.0, result["value"])

	require.Len(t, r.gotSQL, 1)
	sql := r.gotSQL[0]
	assert.Contains(t, sql, "COUNT(DISTINCT patients.patient_id)")
	assert.Contains(t, sql, "JOIN diagnoses")
	assert.Contains(t, sql, "patients.active = TRUE")
	// The condition phrase never leaks into SQL as a column or a literal.
	assert.NotContains(t, sql, "anxiety")
}

func TestRun_AverageWeight(t *testing.T) {
	r := &fakeRetriever{fn: scalarValue(76.5)}
	p := newTestPipeline(t, r, nil)

	out := p.Run(context.Background(), "What is the average weight of female patients?", Options{})

	require.Equal(t, StateCompleted, out.State)
	result := out.Result.(map[string]interface{})
	assert.InDelta(t, 76.5, result["value"].(float64), 1e-5)
	assert.Equal(t, "average", result["analysis"])

	require.Len(t, r.gotSQL, 1)
	assert.Contains(t, r.gotSQL[0], "AVG(vitals.weight_kg)")
	assert.Contains(t, r.gotSQL[0], "patients.gender = 'female'")
}

func TestRun_ClarificationRoundTrip(t *testing.T) {
	r := &fakeRetriever{fn: scalarValue(76.5)}
	p := newTestPipeline(t, r, nil)

	suspended := p.Run(context.Background(), "What is the average for patients who smoke?", Options{})
	require.Equal(t, StateClarifying, suspended.State)
	require.NotNil(t, suspended.Question)
	assert.Equal(t, clarify.SlotMetricUnclear, suspended.Question.Slot)
	assert.Less(t, suspended.Confidence, 0.75)
	// Nothing executed while suspended.
	assert.Empty(t, r.gotSQL)

	out := p.Resume(context.Background(), suspended, "body weight")
	require.Equal(t, StateCompleted, out.State)
	assert.True(t, out.Clarified)
	assert.Equal(t, suspended.RequestID, out.RequestID)
	assert.GreaterOrEqual(t, out.Confidence, 0.75)
	assert.Contains(t, r.gotSQL[0], "AVG(vitals.weight_kg)")
}

func TestRun_TwoConditionsAskThenHonorChoice(t *testing.T) {
	r := &fakeRetriever{fn: scalarValue(int64(5))}
	p := newTestPipeline(t, r, nil)

	suspended := p.Run(context.Background(), "How many patients have depression and anxiety?", Options{})
	require.Equal(t, StateClarifying, suspended.State)
	assert.Equal(t, clarify.SlotConditionUnclear, suspended.Question.Slot)

	out := p.Resume(context.Background(), suspended, "anxiety")
	require.Equal(t, StateCompleted, out.State)
	require.Len(t, r.gotSQL, 1)
	assert.Contains(t, r.gotSQL[0], "'F41.0'")
	assert.NotContains(t, r.gotSQL[0], "'F32.0'")
}

func TestRun_ForceProceedKeepsFirstCondition(t *testing.T) {
	r := &fakeRetriever{fn: scalarValue(int64(5))}
	p := newTestPipeline(t, r, nil)

	out := p.Run(context.Background(), "How many patients have depression and anxiety?", Options{ForceProceed: true})
	require.Equal(t, StateCompleted, out.State)
	require.Len(t, r.gotSQL, 1)
	// Depression is mentioned first, so it wins without a round.
	assert.Contains(t, r.gotSQL[0], "'F32.0'")
	assert.NotContains(t, r.gotSQL[0], "'F41.0'")
}

func TestRun_ResumeNeverSuspendsAgain(t *testing.T) {
	r := &fakeRetriever{fn: scalarValue(int64(1))}
	p := newTestPipeline(t, r, nil)

	suspended := p.Run(context.Background(), "What is the average for patients who smoke?", Options{})
	require.Equal(t, StateClarifying, suspended.State)

	// An unhelpful answer leaves the metric unresolved; the run still
	// terminates instead of asking again.
	out := p.Resume(context.Background(), suspended, "whatever you think")
	assert.NotEqual(t, StateClarifying, out.State)
}

func TestRun_RetrievalFailureIsUniform(t *testing.T) {
	r := &fakeRetriever{fn: func(string) ([]map[string]interface{}, error) {
		return nil, stderrors.NewRetrievalError(assert.AnError)
	}}
	rec := &captureRecorder{}
	p := newTestPipeline(t, r, rec)

	out := p.Run(context.Background(), "How many active patients are there?", Options{})

	require.Equal(t, StateFailed, out.State)
	assert.Equal(t, "analysis could not be completed", out.Message)
	// The generated source still rides along for auditing.
	assert.NotEmpty(t, out.Code)

	require.Len(t, rec.recs, 1)
	assert.Equal(t, "failed", rec.recs[0].Outcome)
	assert.NotEmpty(t, rec.recs[0].Error)
	assert.Equal(t, out.Code, rec.recs[0].Code)
}

func TestRun_UnsupportedQuestionFailsClosed(t *testing.T) {
	r := &fakeRetriever{fn: scalarValue(int64(0))}
	p := newTestPipeline(t, r, nil)

	out := p.Run(context.Background(), "tell me something interesting", Options{ForceProceed: true})

	require.Equal(t, StateFailed, out.State)
	assert.Equal(t, "analysis could not be completed", out.Message)
	assert.Empty(t, r.gotSQL)
}

func TestRun_CodegenDegradesToCount(t *testing.T) {
	r := &fakeRetriever{fn: scalarValue(int64(12))}
	p := newTestPipeline(t, r, nil)

	// Averaging a text column has no template; the run degrades to the
	// generic patient count instead of failing. Only the extraction service
	// produces intents shaped like this, so the stage is driven directly.
	qi := &intent.QueryIntent{
		AnalysisType: intent.AnalysisAverage,
		TargetField:  "gender",
		Filters:      []intent.Filter{{Field: "active", Value: "1"}},
		RawQuery:     "average gender of active patients",
	}
	out := p.finish(context.Background(), audit.NewRequestID(), time.Now(), qi, false)

	require.Equal(t, StateCompleted, out.State)
	result := out.Result.(map[string]interface{})
	assert.Equal(t, "count", result["analysis"])
	assert.Equal(t, 12.0, result["value"])
	assert.Contains(t, r.gotSQL[0], "patients.active = TRUE")
}

func TestRun_AuditSnapshotOnSuccess(t *testing.T) {
	r := &fakeRetriever{fn: scalarValue(76.5)}
	rec := &captureRecorder{}
	p := newTestPipeline(t, r, rec)

	out := p.Run(context.Background(), "What is the average weight of female patients?", Options{})
	require.Equal(t, StateCompleted, out.State)

	require.Len(t, rec.recs, 1)
	snap := rec.recs[0]
	assert.Equal(t, out.RequestID, snap.RequestID)
	assert.NotEmpty(t, snap.RequestID)
	assert.Equal(t, "What is the average weight of female patients?", snap.Question)
	assert.Equal(t, "average", snap.AnalysisType)
	assert.Equal(t, "weight", snap.TargetField)
	assert.Equal(t, "completed", snap.Outcome)
	assert.NotEmpty(t, snap.Code)
	assert.Len(t, snap.SQL, 1)
}
