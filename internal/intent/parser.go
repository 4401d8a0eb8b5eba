// internal/intent/parser.go

// Package intent converts raw query text into a structured QueryIntent. The
// primary path delegates to the semantic-extraction service; a deterministic
// heuristic takes over whenever that path fails. Neither failure mode is ever
// surfaced to the user.
package intent

import (
	"context"
	"time"

	"clinquery/internal/common/logger"
	"clinquery/internal/common/metrics"
	"clinquery/internal/conditions"
	"clinquery/internal/registry"
)

// Extractor is the semantic-extraction boundary. A nil Extractor makes the
// parser heuristic-only, which offline tooling relies on.
type Extractor interface {
	Extract(ctx context.Context, query string, schemaHint []string) (*QueryIntent, error)
}

type Parser struct {
	extractor Extractor
	heuristic *Heuristic
	reg       *registry.Registry
	mapper    conditions.Mapper
	logger    logger.Logger
}

func NewParser(extractor Extractor, reg *registry.Registry, mapper conditions.Mapper, log logger.Logger) *Parser {
	return &Parser{
		extractor: extractor,
		heuristic: NewHeuristic(reg),
		reg:       reg,
		mapper:    mapper,
		logger:    log.WithFields(map[string]interface{}{"component": "intent-parser"}),
	}
}

// Parse builds a QueryIntent for one request. Extraction failures degrade
// silently to the heuristic path, so Parse itself never fails.
func (p *Parser) Parse(ctx context.Context, rawQuery string) *QueryIntent {
	var qi *QueryIntent

	if p.extractor != nil {
		extracted, err := p.extractor.Extract(ctx, rawQuery, p.reg.FieldNames())
		if err != nil {
			metrics.ExtractionFallbacks.Inc()
			p.logger.Warn("extraction failed, using heuristic parser", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			qi = p.sanitize(extracted, rawQuery)
		}
	}

	if qi == nil {
		qi = p.heuristic.Parse(rawQuery)
	}

	p.injectConditions(ctx, qi)
	return qi
}

// sanitize validates every extracted field against the registry. Unresolved
// terms become "unknown" or are dropped rather than guessed; filters on
// unresolvable fields survive until the condition scan, which is their only
// legitimate interpretation.
func (p *Parser) sanitize(raw *QueryIntent, rawQuery string) *QueryIntent {
	qi := &QueryIntent{
		AnalysisType: AnalysisUnknown,
		TargetField:  "unknown",
		RawQuery:     rawQuery,
	}

	if ValidAnalysisTypes[raw.AnalysisType] {
		qi.AnalysisType = raw.AnalysisType
	}

	if f, ok := p.reg.Resolve(raw.TargetField); ok {
		qi.TargetField = f.Name
	}

	for _, term := range raw.AdditionalFields {
		if f, ok := p.reg.Resolve(term); ok && !contains(qi.AdditionalFields, f.Name) {
			qi.AdditionalFields = append(qi.AdditionalFields, f.Name)
		}
	}

	for _, flt := range raw.Filters {
		if f, ok := p.reg.Resolve(flt.Field); ok {
			qi.Filters = append(qi.Filters, Filter{Field: f.Name, Value: flt.Value})
		} else {
			// Kept verbatim: the condition scan decides whether the value
			// names a diagnosis; otherwise it is dropped there.
			qi.Filters = append(qi.Filters, flt)
		}
	}

	for _, cond := range raw.Conditions {
		f, ok := p.reg.Resolve(cond.Field)
		if !ok {
			p.logger.Warn("dropping condition on unresolvable field", map[string]interface{}{
				"field": cond.Field,
			})
			continue
		}
		cond.Field = f.Name
		qi.Conditions = append(qi.Conditions, cond)
	}

	for _, term := range raw.GroupBy {
		if f, ok := p.reg.Resolve(term); ok && !contains(qi.GroupBy, f.Name) {
			qi.GroupBy = append(qi.GroupBy, f.Name)
		}
	}

	if raw.TimeRange != nil {
		if validTimeRange(raw.TimeRange) {
			tr := *raw.TimeRange
			qi.TimeRange = &tr
		} else {
			p.logger.Warn("dropping invalid time range", map[string]interface{}{
				"start": raw.TimeRange.StartDate,
				"end":   raw.TimeRange.EndDate,
			})
		}
	}

	if raw.Parameters != nil {
		qi.Parameters = raw.Parameters
	}

	if raw.Confidence > 0 && raw.Confidence <= 1 {
		qi.Confidence = raw.Confidence
	}

	return qi
}

// injectConditions scans the free text and every filter value for condition
// synonyms. Hits rewrite the intent to carry the canonical condition and its
// code list; the originating filter is removed so no SQL is ever emitted
// against a column that does not exist.
func (p *Parser) injectConditions(ctx context.Context, qi *QueryIntent) {
	seen := make(map[string]bool)
	add := func(m conditions.Mapping) {
		if seen[m.CanonicalID] {
			return
		}
		seen[m.CanonicalID] = true
		qi.MatchedConditions = append(qi.MatchedConditions, m)
	}

	for _, m := range p.mapper.Detect(ctx, qi.RawQuery) {
		add(m)
	}

	kept := qi.Filters[:0]
	for _, flt := range qi.Filters {
		if m, ok := p.mapper.Resolve(ctx, flt.Value); ok {
			add(m)
			continue
		}
		if _, ok := p.reg.Resolve(flt.Field); !ok {
			// Neither a real column nor a condition phrase: fail closed.
			p.logger.Warn("dropping filter on unresolvable field", map[string]interface{}{
				"field": flt.Field,
				"value": flt.Value,
			})
			continue
		}
		kept = append(kept, flt)
	}
	qi.Filters = kept

	// Counting questions that only matched a condition still target the
	// patient identifier.
	if len(qi.MatchedConditions) > 0 && qi.TargetField == "unknown" && qi.AnalysisType == AnalysisCount {
		qi.TargetField = p.reg.PatientKey().Name
	}
}

func validTimeRange(tr *TimeRange) bool {
	start, err := time.Parse("2006-01-02", tr.StartDate)
	if err != nil {
		return false
	}
	end, err := time.Parse("2006-01-02", tr.EndDate)
	if err != nil {
		return false
	}
	return !start.After(end)
}
