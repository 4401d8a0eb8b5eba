// internal/server/server_test.go
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinquery/internal/audit"
	"clinquery/internal/clarify"
	"clinquery/internal/codegen"
	"clinquery/internal/common/logger"
	"clinquery/internal/conditions"
	"clinquery/internal/intent"
	"clinquery/internal/pipeline"
	"clinquery/internal/registry"
	"clinquery/internal/sandbox"
)

type stubRetriever struct {
	rows []map[string]interface{}
}

func (s *stubRetriever) Retrieve(context.Context, string) ([]map[string]interface{}, error) {
	return s.rows, nil
}

func newTestServer(t *testing.T) *Server {
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
	}, &stubRetriever{rows: []map[string]interface{}{{"value": 76.5}}}, log)
	pipe := pipeline.New(parser, clarifier, generator, executor, audit.NoopRecorder{}, log)
	return New(pipe, log)
}

func post(t *testing.T, s *Server, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	w := httptest.NewRecorder()
	mux := http.NewServeMux()
	s.Routes(mux)
	mux.ServeHTTP(w, req)
	return w
}

func TestHandleQuery_Completed(t *testing.T) {
	s := newTestServer(t)

	w := post(t, s, "/api/query", queryRequest{Question: "What is the average weight of female patients?"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp queryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "completed", resp.Status)
	assert.NotEmpty(t, resp.RequestID)
	assert.Nil(t, resp.Question)
	assert.NotNil(t, resp.Result)
	// Successful runs still return the generated source for display.
	assert.NotEmpty(t, resp.Code)
	assert.Contains(t, resp.Code, "retrieve(")
}

func TestHandleQuery_ClarifyThenAnswer(t *testing.T) {
	s := newTestServer(t)

	w := post(t, s, "/api/query", queryRequest{Question: "What is the average for patients who smoke?"})
	require.Equal(t, http.StatusOK, w.Code)

	var first queryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	require.Equal(t, "clarifying", first.Status)
	require.NotNil(t, first.Question)
	assert.Equal(t, clarify.SlotMetricUnclear, first.Question.Slot)

	w = post(t, s, "/api/answer", answerRequest{RequestID: first.RequestID, Answer: "body weight"})
	require.Equal(t, http.StatusOK, w.Code)

	var second queryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, "completed", second.Status)
	assert.Equal(t, first.RequestID, second.RequestID)

	// The pending entry is consumed; a second answer finds nothing.
	w = post(t, s, "/api/answer", answerRequest{RequestID: first.RequestID, Answer: "body weight"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleQuery_EmptyQuestion(t *testing.T) {
	s := newTestServer(t)
	w := post(t, s, "/api/query", queryRequest{Question: "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAnswer_UnknownRequest(t *testing.T) {
	s := newTestServer(t)
	w := post(t, s, "/api/answer", answerRequest{RequestID: "nope", Answer: "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleAnswer_ExpiredEntry(t *testing.T) {
	s := newTestServer(t)

	w := post(t, s, "/api/query", queryRequest{Question: "What is the average for patients who smoke?"})
	var first queryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	require.Equal(t, "clarifying", first.Status)

	s.now = func() time.Time { return time.Now().Add(pendingTTL + time.Minute) }
	w = post(t, s, "/api/answer", answerRequest{RequestID: first.RequestID, Answer: "body weight"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t)
	mux := http.NewServeMux()
	s.Routes(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/query", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
