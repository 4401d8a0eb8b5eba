// internal/audit/recorder.go

// Package audit records every pipeline run: the question as asked, the intent
// it parsed to, the code that ran, and how it ended. Records are indexed in
// Elasticsearch so analysts can replay or dispute any answer.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/google/uuid"

	"clinquery/internal/common/logger"
)

// Record is one pipeline run.
type Record struct {
	RequestID    string      `json:"request_id"`
	Question     string      `json:"question"`
	AnalysisType string      `json:"analysis_type"`
	TargetField  string      `json:"target_field"`
	Confidence   float64     `json:"confidence"`
	Clarified    bool        `json:"clarified"`
	Code         string      `json:"code,omitempty"`
	SQL          []string    `json:"sql,omitempty"`
	Outcome      string      `json:"outcome"`
	Error        string      `json:"error,omitempty"`
	DurationMS   int64       `json:"duration_ms"`
	Result       interface{} `json:"result,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

// Recorder persists run records. Recording is best-effort: a failed write is
// logged and dropped, never surfaced to the caller.
type Recorder interface {
	Record(ctx context.Context, rec *Record)
}

// NewRequestID returns the correlation id stamped on a run.
func NewRequestID() string {
	return uuid.New().String()
}

// ElasticRecorder indexes records into a single audit index.
type ElasticRecorder struct {
	client *elasticsearch.Client
	index  string
	logger logger.Logger
}

func NewElasticRecorder(client *elasticsearch.Client, index string, log logger.Logger) *ElasticRecorder {
	return &ElasticRecorder{
		client: client,
		index:  index,
		logger: log.WithFields(map[string]interface{}{"component": "audit"}),
	}
}

func (r *ElasticRecorder) Record(ctx context.Context, rec *Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(rec)
	if err != nil {
		r.logger.WithError(err).Error("audit record not serializable", map[string]interface{}{
			"requestId": rec.RequestID,
		})
		return
	}

	res, err := r.client.Index(
		r.index,
		bytes.NewReader(body),
		r.client.Index.WithContext(ctx),
		r.client.Index.WithDocumentID(rec.RequestID),
	)
	if err != nil {
		r.logger.WithError(err).Warn("audit write failed", map[string]interface{}{
			"requestId": rec.RequestID,
		})
		return
	}
	defer res.Body.Close()
	if res.IsError() {
		r.logger.Warn("audit write rejected", map[string]interface{}{
			"requestId": rec.RequestID,
			"status":    res.Status(),
		})
	}
}

// NoopRecorder is used when auditing is disabled.
type NoopRecorder struct{}

func (NoopRecorder) Record(context.Context, *Record) {}

var _ Recorder = (*ElasticRecorder)(nil)
var _ Recorder = NoopRecorder{}

// Summary renders the one-line log form of a record.
func (rec *Record) Summary() string {
	return fmt.Sprintf("%s %s/%s outcome=%s confidence=%.2f", rec.RequestID, rec.AnalysisType, rec.TargetField, rec.Outcome, rec.Confidence)
}
