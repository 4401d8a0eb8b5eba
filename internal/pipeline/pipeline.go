// internal/pipeline/pipeline.go

// Package pipeline joins the stages into the synchronous request flow:
// parse -> score -> (one clarification round) -> generate -> execute. Every
// terminal failure folds into a uniform outcome; nothing a snippet or an
// upstream service does can panic the host.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"clinquery/internal/audit"
	"clinquery/internal/clarify"
	"clinquery/internal/codegen"
	stderrors "clinquery/internal/common/errors"
	"clinquery/internal/common/logger"
	"clinquery/internal/common/metrics"
	"clinquery/internal/intent"
	"clinquery/internal/sandbox"
)

// State is the request lifecycle position an outcome reports.
type State string

const (
	StateCompleted  State = "COMPLETED"
	StateClarifying State = "CLARIFYING"
	StateFailed     State = "FAILED"
)

// failureMessage is the single user-facing failure text. Internal error
// detail goes to logs and the audit trail, never to the user.
const failureMessage = "analysis could not be completed"

// Options tune one run.
type Options struct {
	// ForceProceed skips the clarification round and answers with whatever
	// the parser produced.
	ForceProceed bool
}

// Outcome is the pipeline's answer to one question.
type Outcome struct {
	RequestID  string
	State      State
	Question   *clarify.Question
	Intent     *intent.QueryIntent
	Confidence float64
	Code       string
	SQL        []string
	Result     interface{}
	Message    string
	Clarified  bool
}

// Pipeline wires the stages. Construct once, share across requests.
type Pipeline struct {
	parser    *intent.Parser
	clarifier *clarify.Clarifier
	generator *codegen.Generator
	executor  *sandbox.Executor
	recorder  audit.Recorder
	tracer    trace.Tracer
	logger    logger.Logger
}

func New(parser *intent.Parser, clarifier *clarify.Clarifier, generator *codegen.Generator,
	executor *sandbox.Executor, recorder audit.Recorder, log logger.Logger) *Pipeline {
	return &Pipeline{
		parser:    parser,
		clarifier: clarifier,
		generator: generator,
		executor:  executor,
		recorder:  recorder,
		tracer:    otel.Tracer("clinquery/pipeline"),
		logger:    log.WithFields(map[string]interface{}{"component": "pipeline"}),
	}
}

// Run answers one question, suspending with a CLARIFYING outcome when exactly
// one clarification question is warranted. Resume continues a suspended run.
func (p *Pipeline) Run(ctx context.Context, rawQuery string, opts Options) *Outcome {
	requestID := audit.NewRequestID()
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.Run")
	defer span.End()

	qi := p.parse(ctx, rawQuery)
	score, question := p.evaluate(ctx, qi)

	if question != nil && !opts.ForceProceed {
		metrics.QueriesTotal.WithLabelValues("clarifying").Inc()
		p.logger.Info("run suspended for clarification", map[string]interface{}{
			"requestId": requestID,
			"slot":      string(question.Slot),
		})
		return &Outcome{
			RequestID:  requestID,
			State:      StateClarifying,
			Question:   question,
			Intent:     qi,
			Confidence: score,
		}
	}

	return p.finish(ctx, requestID, start, qi, false)
}

// Resume folds the user's answer into a suspended run and completes it. The
// clarification protocol is bounded to one round: the resumed run never
// suspends again.
func (p *Pipeline) Resume(ctx context.Context, suspended *Outcome, answer string) *Outcome {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.Resume")
	defer span.End()

	if suspended == nil || suspended.State != StateClarifying || suspended.Question == nil {
		return &Outcome{
			RequestID: audit.NewRequestID(),
			State:     StateFailed,
			Message:   failureMessage,
		}
	}

	qi := p.clarifier.Apply(ctx, suspended.Intent, suspended.Question, answer)
	return p.finish(ctx, suspended.RequestID, start, qi, true)
}

func (p *Pipeline) parse(ctx context.Context, rawQuery string) *intent.QueryIntent {
	ctx, span := p.tracer.Start(ctx, "pipeline.parse")
	defer span.End()
	defer observe("parse", time.Now())
	return p.parser.Parse(ctx, rawQuery)
}

func (p *Pipeline) evaluate(ctx context.Context, qi *intent.QueryIntent) (float64, *clarify.Question) {
	_, span := p.tracer.Start(ctx, "pipeline.clarify")
	defer span.End()
	defer observe("clarify", time.Now())
	return p.clarifier.Evaluate(qi)
}

// finish runs codegen and the sandbox, then records the audit snapshot.
func (p *Pipeline) finish(ctx context.Context, requestID string, start time.Time, qi *intent.QueryIntent, clarified bool) *Outcome {
	// A forced or resumed run can still carry multiple detected conditions;
	// the first-mentioned one wins after the single round is spent.
	if len(qi.MatchedConditions) > 1 {
		qi.MatchedConditions = qi.MatchedConditions[:1]
	}

	out := &Outcome{
		RequestID:  requestID,
		Intent:     qi,
		Confidence: qi.Confidence,
		Clarified:  clarified,
	}

	snip, err := p.generate(ctx, qi)
	if err != nil {
		return p.fail(ctx, out, start, err)
	}
	out.Code = snip.Source
	out.SQL = snip.SQL

	result, err := p.execute(ctx, snip)
	if err != nil {
		return p.fail(ctx, out, start, err)
	}

	out.State = StateCompleted
	out.Result = result
	metrics.QueriesTotal.WithLabelValues("completed").Inc()
	p.record(ctx, out, start, "completed", "")
	return out
}

func (p *Pipeline) generate(ctx context.Context, qi *intent.QueryIntent) (*codegen.Snippet, error) {
	_, span := p.tracer.Start(ctx, "pipeline.codegen")
	defer span.End()
	defer observe("codegen", time.Now())

	snip, err := p.generator.Generate(qi)
	if err == nil {
		return snip, nil
	}

	// A shape with no template degrades to the generic patient count when the
	// rest of the intent still supports one.
	if errors.Is(err, stderrors.NewCodeGenError("")) && qi.AnalysisType != intent.AnalysisCount {
		fallback := qi.Clone()
		fallback.AnalysisType = intent.AnalysisCount
		fallback.TargetField = "patient_id"
		if snip, fbErr := p.generator.Generate(fallback); fbErr == nil {
			p.logger.Warn("degrading to generic count template", map[string]interface{}{
				"analysisType": string(qi.AnalysisType),
			})
			return snip, nil
		}
	}
	return nil, err
}

func (p *Pipeline) execute(ctx context.Context, snip *codegen.Snippet) (interface{}, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.sandbox")
	defer span.End()
	defer observe("sandbox", time.Now())
	return p.executor.Execute(ctx, snip.Source)
}

// fail folds any stage error into the uniform failure outcome. The generated
// source, when one exists, rides along for the audit trail and for debugging.
func (p *Pipeline) fail(ctx context.Context, out *Outcome, start time.Time, err error) *Outcome {
	out.State = StateFailed
	out.Message = failureMessage
	metrics.QueriesTotal.WithLabelValues("failed").Inc()
	p.logger.WithError(err).Warn("run failed", map[string]interface{}{
		"requestId":    out.RequestID,
		"analysisType": string(out.Intent.AnalysisType),
	})
	p.record(ctx, out, start, "failed", err.Error())
	return out
}

func (p *Pipeline) record(ctx context.Context, out *Outcome, start time.Time, outcome, errDetail string) {
	rec := &audit.Record{
		RequestID:    out.RequestID,
		Question:     out.Intent.RawQuery,
		AnalysisType: string(out.Intent.AnalysisType),
		TargetField:  out.Intent.TargetField,
		Confidence:   out.Confidence,
		Clarified:    out.Clarified,
		Code:         out.Code,
		SQL:          out.SQL,
		Outcome:      outcome,
		Error:        errDetail,
		DurationMS:   time.Since(start).Milliseconds(),
		Result:       out.Result,
		Timestamp:    time.Now().UTC(),
	}
	p.recorder.Record(ctx, rec)
}

func observe(stage string, start time.Time) {
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
