// internal/audit/recorder_test.go
package audit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinquery/internal/common/logger"
)

type capturedWrite struct {
	method string
	path   string
	body   []byte
}

func setupFakeES(t *testing.T) (*elasticsearch.Client, *capturedWrite) {
	t.Helper()
	captured := &capturedWrite{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.method = r.Method
		captured.path = r.URL.Path
		captured.body, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return client, captured
}

func TestElasticRecorder_IndexesRecord(t *testing.T) {
	client, captured := setupFakeES(t)
	rec := NewElasticRecorder(client, "audit-test", logger.NewTestLogger(t))

	record := &Record{
		RequestID:    "req-1",
		Question:     "How many active patients have anxiety?",
		AnalysisType: "count",
		TargetField:  "patient_id",
		Confidence:   0.9,
		Outcome:      "completed",
		DurationMS:   42,
	}
	rec.Record(context.Background(), record)

	assert.Equal(t, http.MethodPut, captured.method)
	assert.Equal(t, "/audit-test/_doc/req-1", captured.path)

	var indexed Record
	require.NoError(t, json.Unmarshal(captured.body, &indexed))
	assert.Equal(t, "req-1", indexed.RequestID)
	assert.Equal(t, "count", indexed.AnalysisType)
	assert.Equal(t, "completed", indexed.Outcome)
	// A zero timestamp is stamped at write time.
	assert.False(t, indexed.Timestamp.IsZero())
}

func TestElasticRecorder_KeepsCallerTimestamp(t *testing.T) {
	client, captured := setupFakeES(t)
	rec := NewElasticRecorder(client, "audit-test", logger.NewTestLogger(t))

	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	rec.Record(context.Background(), &Record{RequestID: "req-2", Outcome: "failed", Timestamp: ts})

	var indexed Record
	require.NoError(t, json.Unmarshal(captured.body, &indexed))
	assert.True(t, ts.Equal(indexed.Timestamp))
}

// Recording is best-effort: an unreachable sink must not surface anywhere.
func TestElasticRecorder_UnreachableSinkIsSilent(t *testing.T) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{"http://localhost:1"}})
	require.NoError(t, err)
	rec := NewElasticRecorder(client, "audit-test", logger.NewTestLogger(t))

	rec.Record(context.Background(), &Record{RequestID: "req-3", Outcome: "completed"})
}

func TestNewRequestID_Unique(t *testing.T) {
	a := NewRequestID()
	b := NewRequestID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestRecord_Summary(t *testing.T) {
	rec := &Record{
		RequestID:    "req-4",
		AnalysisType: "average",
		TargetField:  "weight",
		Outcome:      "completed",
		Confidence:   0.8,
	}
	assert.Equal(t, "req-4 average/weight outcome=completed confidence=0.80", rec.Summary())
}
