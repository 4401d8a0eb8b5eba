// internal/codegen/codegen.go

// Package codegen deterministically renders an executable analysis snippet
// from a structured intent. No generative model is involved: the same intent
// always yields byte-identical source, and every column reference has already
// been resolved through the schema registry.
package codegen

import (
	"fmt"
	"strings"

	stderrors "clinquery/internal/common/errors"
	"clinquery/internal/common/logger"
	"clinquery/internal/intent"
	"clinquery/internal/registry"
)

// kgToLb converts the stored kilogram values when the question asks for
// pounds.
const kgToLb = "2.2046226218"

// Snippet is one generated analysis program plus the SQL it embeds, kept
// separately for auditing.
type Snippet struct {
	Source   string
	SQL      []string
	Analysis intent.AnalysisType
}

type genFunc func(*intent.QueryIntent) (*Snippet, error)

// Generator renders snippets through a fixed dispatch table keyed by analysis
// type.
type Generator struct {
	reg     *registry.Registry
	builder *sqlBuilder
	logger  logger.Logger
	table   map[intent.AnalysisType]genFunc
}

func New(reg *registry.Registry, log logger.Logger) *Generator {
	g := &Generator{
		reg:     reg,
		builder: &sqlBuilder{reg: reg},
		logger:  log.WithFields(map[string]interface{}{"component": "codegen"}),
	}
	g.table = map[intent.AnalysisType]genFunc{
		intent.AnalysisCount:         g.genCount,
		intent.AnalysisAverage:       g.genScalar("average", "AVG"),
		intent.AnalysisSum:           g.genScalar("sum", "SUM"),
		intent.AnalysisMin:           g.genScalar("min", "MIN"),
		intent.AnalysisMax:           g.genScalar("max", "MAX"),
		intent.AnalysisMedian:        g.genMedian,
		intent.AnalysisVariance:      g.genSpread("variance", "variance"),
		intent.AnalysisStdDev:        g.genSpread("std_dev", "math.sqrt(variance)"),
		intent.AnalysisPercentChange: g.genPercentChange,
		intent.AnalysisTrend:         g.genTrend,
		intent.AnalysisCorrelation:   g.genCorrelation,
		intent.AnalysisComparison:    g.genComparison,
		intent.AnalysisTopN:          g.genTopN,
		intent.AnalysisDistribution:  g.genDistribution,
	}
	return g
}

// Generate renders the snippet for one intent. Unknown analysis types fail
// with UNSUPPORTED_QUERY before any code exists.
func (g *Generator) Generate(qi *intent.QueryIntent) (*Snippet, error) {
	fn, ok := g.table[qi.AnalysisType]
	if !ok {
		return nil, stderrors.NewUnsupportedQueryError(string(qi.AnalysisType))
	}
	snip, err := fn(qi)
	if err != nil {
		return nil, err
	}
	snip.Analysis = qi.AnalysisType
	g.logger.Debug("snippet generated", map[string]interface{}{
		"analysisType": string(qi.AnalysisType),
		"sqlCount":     len(snip.SQL),
	})
	return snip, nil
}

// numericTarget resolves the intent's target field and demands a numeric
// column.
func (g *Generator) numericTarget(qi *intent.QueryIntent) (registry.Field, error) {
	fld, ok := g.reg.FieldByName(qi.TargetField)
	if !ok {
		return registry.Field{}, stderrors.NewUnresolvableFieldError(qi.TargetField)
	}
	if fld.Kind != registry.KindNumeric {
		return registry.Field{}, stderrors.NewCodeGenError(
			fmt.Sprintf("%s analysis needs a numeric field, %s is %s", qi.AnalysisType, fld.Name, fld.Kind))
	}
	return fld, nil
}

// conversion returns the multiplier and display unit for a field, honoring a
// requested pounds conversion on kilogram-stored columns.
func (g *Generator) conversion(qi *intent.QueryIntent, fld registry.Field) (string, string) {
	if fld.Unit == "kg" && qi.Parameters != nil {
		if unit, _ := qi.Parameters["unit"].(string); unit == "lb" {
			return kgToLb, "lb"
		}
	}
	return "1", fld.Unit
}

func nonPatients(table string) []string {
	if table == "patients" {
		return nil
	}
	return []string{table}
}

// groupField picks the grouping column: the intent's first group-by, falling
// back to gender for comparisons.
func (g *Generator) groupField(qi *intent.QueryIntent, fallback string) (registry.Field, error) {
	name := fallback
	if len(qi.GroupBy) > 0 {
		name = qi.GroupBy[0]
	}
	fld, ok := g.reg.FieldByName(name)
	if !ok {
		return registry.Field{}, stderrors.NewUnresolvableFieldError(name)
	}
	return fld, nil
}

// genCount counts patients. As soon as any other table joins in, the count
// switches to DISTINCT patient identifiers so join fan-out can never inflate
// the answer.
func (g *Generator) genCount(qi *intent.QueryIntent) (*Snippet, error) {
	var needTables []string
	target := "patient_id"
	if fld, ok := g.reg.FieldByName(qi.TargetField); ok {
		target = fld.Name
		needTables = nonPatients(fld.Table)
	}

	expr := "COUNT(*) AS value"
	if g.builder.joinedTables(qi, needTables) > 0 {
		expr = "COUNT(DISTINCT patients.patient_id) AS value"
	}

	if len(qi.GroupBy) > 0 {
		return g.renderGrouped(qi, "count", target, expr, needTables, "1", "")
	}

	sql, err := g.builder.Build(qi, sqlSpec{
		SelectExprs: []string{expr},
		NeedTables:  needTables,
	})
	if err != nil {
		return nil, err
	}
	return &Snippet{
		Source: render(tplScalar, map[string]string{
			"SQL": sql, "ANALYSIS": "count", "TARGET": target, "CONV": "1", "UNIT": "",
		}),
		SQL: []string{sql},
	}, nil
}

// genScalar builds the shared generator for aggregates SQL can compute
// directly. A grouped intent takes the grouped template even when additional
// metrics are present: there is no grouped multi-metric template, so the
// grouping wins and only the primary metric is aggregated per group.
func (g *Generator) genScalar(name, agg string) genFunc {
	return func(qi *intent.QueryIntent) (*Snippet, error) {
		fld, err := g.numericTarget(qi)
		if err != nil {
			return nil, err
		}
		conv, unit := g.conversion(qi, fld)
		expr := fmt.Sprintf("%s(%s) AS value", agg, fld.Qualified())

		if len(qi.AdditionalFields) > 0 && len(qi.GroupBy) == 0 {
			return g.genMultiMetric(qi, name, agg, fld)
		}
		if len(qi.GroupBy) > 0 {
			return g.renderGrouped(qi, name, fld.Name, expr, nonPatients(fld.Table), conv, unit)
		}

		sql, err := g.builder.Build(qi, sqlSpec{
			SelectExprs: []string{expr},
			NeedTables:  nonPatients(fld.Table),
		})
		if err != nil {
			return nil, err
		}
		return &Snippet{
			Source: render(tplScalar, map[string]string{
				"SQL": sql, "ANALYSIS": name, "TARGET": fld.Name, "CONV": conv, "UNIT": unit,
			}),
			SQL: []string{sql},
		}, nil
	}
}

// genMultiMetric aggregates every requested metric in one SELECT, one aliased
// column per metric.
func (g *Generator) genMultiMetric(qi *intent.QueryIntent, name, agg string, first registry.Field) (*Snippet, error) {
	fields := []registry.Field{first}
	for _, term := range qi.AdditionalFields {
		fld, ok := g.reg.FieldByName(term)
		if !ok {
			return nil, stderrors.NewUnresolvableFieldError(term)
		}
		if fld.Kind != registry.KindNumeric {
			return nil, stderrors.NewCodeGenError(
				fmt.Sprintf("%s analysis needs numeric fields, %s is %s", name, fld.Name, fld.Kind))
		}
		fields = append(fields, fld)
	}

	var exprs, needTables []string
	var descriptors []string
	for i, fld := range fields {
		key := fmt.Sprintf("v%d", i+1)
		exprs = append(exprs, fmt.Sprintf("%s(%s) AS %s", agg, fld.Qualified(), key))
		needTables = append(needTables, nonPatients(fld.Table)...)
		conv, unit := g.conversion(qi, fld)
		descriptors = append(descriptors, fmt.Sprintf(
			`{ metric = "%s", key = "%s", conv = %s, unit = "%s" }`, fld.Name, key, conv, unit))
	}

	sql, err := g.builder.Build(qi, sqlSpec{
		SelectExprs: exprs,
		NeedTables:  needTables,
	})
	if err != nil {
		return nil, err
	}
	return &Snippet{
		Source: render(tplMultiMetric, map[string]string{
			"SQL": sql, "ANALYSIS": name,
			"METRICS": "{ " + strings.Join(descriptors, ", ") + " }",
		}),
		SQL: []string{sql},
	}, nil
}

func (g *Generator) renderGrouped(qi *intent.QueryIntent, name, target, expr string, needTables []string, conv, unit string) (*Snippet, error) {
	grp, err := g.groupField(qi, "gender")
	if err != nil {
		return nil, err
	}
	sql, err := g.builder.Build(qi, sqlSpec{
		SelectExprs: []string{grp.Qualified() + " AS grp", expr},
		NeedTables:  append(needTables, nonPatients(grp.Table)...),
		GroupBy:     []string{grp.Qualified()},
		OrderBy:     []string{"grp"},
	})
	if err != nil {
		return nil, err
	}
	return &Snippet{
		Source: render(tplGroupedScalar, map[string]string{
			"SQL": sql, "ANALYSIS": name, "TARGET": target, "GROUPBY": grp.Name, "CONV": conv, "UNIT": unit,
		}),
		SQL: []string{sql},
	}, nil
}

// valueFetch builds the plain ordered value SELECT used by the analyses that
// aggregate inside the snippet.
func (g *Generator) valueFetch(qi *intent.QueryIntent, fld registry.Field, ordered bool) (string, error) {
	spec := sqlSpec{
		SelectExprs: []string{fld.Qualified() + " AS value"},
		NeedTables:  nonPatients(fld.Table),
		NotNull:     []string{fld.Qualified()},
	}
	if ordered {
		spec.OrderBy = []string{"value"}
	}
	return g.builder.Build(qi, spec)
}

func (g *Generator) genMedian(qi *intent.QueryIntent) (*Snippet, error) {
	fld, err := g.numericTarget(qi)
	if err != nil {
		return nil, err
	}
	conv, unit := g.conversion(qi, fld)
	sql, err := g.valueFetch(qi, fld, true)
	if err != nil {
		return nil, err
	}
	return &Snippet{
		Source: render(tplMedian, map[string]string{
			"SQL": sql, "TARGET": fld.Name, "CONV": conv, "UNIT": unit,
		}),
		SQL: []string{sql},
	}, nil
}

// genSpread covers variance and standard deviation; both share the sample
// variance computation and differ only in the reported expression. Variance
// carries no unit label: its dimension is the field's unit squared, and
// labeling it with the linear unit would misstate the result.
func (g *Generator) genSpread(name, final string) genFunc {
	return func(qi *intent.QueryIntent) (*Snippet, error) {
		fld, err := g.numericTarget(qi)
		if err != nil {
			return nil, err
		}
		unit := fld.Unit
		if name == "variance" {
			unit = ""
		}
		sql, err := g.valueFetch(qi, fld, false)
		if err != nil {
			return nil, err
		}
		return &Snippet{
			Source: render(tplSpread, map[string]string{
				"SQL": sql, "ANALYSIS": name, "TARGET": fld.Name, "FINAL": final, "UNIT": unit,
			}),
			SQL: []string{sql},
		}, nil
	}
}

// timedFetch selects (timestamp, value) pairs ordered by time for the
// period-based analyses.
func (g *Generator) timedFetch(qi *intent.QueryIntent, fld registry.Field) (string, error) {
	t, ok := g.reg.TableByName(fld.Table)
	if !ok {
		return "", stderrors.NewCodeGenError("unknown table " + fld.Table)
	}
	dateCol := fld.Table + "." + t.DateCol
	if t.DateCol == "" {
		dateCol = "patients.enrollment_date"
	}
	return g.builder.Build(qi, sqlSpec{
		SelectExprs: []string{dateCol + " AS ts", fld.Qualified() + " AS value"},
		NeedTables:  nonPatients(fld.Table),
		NotNull:     []string{fld.Qualified()},
		OrderBy:     []string{"ts"},
	})
}

func (g *Generator) genPercentChange(qi *intent.QueryIntent) (*Snippet, error) {
	fld, err := g.numericTarget(qi)
	if err != nil {
		return nil, err
	}
	sql, err := g.timedFetch(qi, fld)
	if err != nil {
		return nil, err
	}
	return &Snippet{
		Source: render(tplPercentChange, map[string]string{"SQL": sql, "TARGET": fld.Name}),
		SQL:    []string{sql},
	}, nil
}

func (g *Generator) genTrend(qi *intent.QueryIntent) (*Snippet, error) {
	fld, err := g.numericTarget(qi)
	if err != nil {
		return nil, err
	}
	// Mass series always display in pounds, the canonical unit for deltas
	// over time.
	conv, unit := g.conversion(qi, fld)
	if fld.Unit == "kg" {
		conv, unit = kgToLb, "lb"
	}
	sql, err := g.timedFetch(qi, fld)
	if err != nil {
		return nil, err
	}
	return &Snippet{
		Source: render(tplTrend, map[string]string{
			"SQL": sql, "TARGET": fld.Name, "CONV": conv, "UNIT": unit,
		}),
		SQL: []string{sql},
	}, nil
}

func (g *Generator) genCorrelation(qi *intent.QueryIntent) (*Snippet, error) {
	fld, err := g.numericTarget(qi)
	if err != nil {
		return nil, err
	}
	if len(qi.AdditionalFields) == 0 {
		return nil, stderrors.NewCodeGenError("correlation needs two metrics")
	}
	second, ok := g.reg.FieldByName(qi.AdditionalFields[0])
	if !ok {
		return nil, stderrors.NewUnresolvableFieldError(qi.AdditionalFields[0])
	}
	if second.Kind != registry.KindNumeric {
		return nil, stderrors.NewCodeGenError("correlation needs numeric fields")
	}

	sql, err := g.builder.Build(qi, sqlSpec{
		SelectExprs: []string{fld.Qualified() + " AS x", second.Qualified() + " AS y"},
		NeedTables:  append(nonPatients(fld.Table), nonPatients(second.Table)...),
		NotNull:     []string{fld.Qualified(), second.Qualified()},
	})
	if err != nil {
		return nil, err
	}
	return &Snippet{
		Source: render(tplCorrelation, map[string]string{
			"SQL": sql, "TARGET": fld.Name, "SECOND": second.Name,
		}),
		SQL: []string{sql},
	}, nil
}

// genComparison compares the metric's mean across groups; counting intents
// compare distinct patient counts instead.
func (g *Generator) genComparison(qi *intent.QueryIntent) (*Snippet, error) {
	grp, err := g.groupField(qi, "gender")
	if err != nil {
		return nil, err
	}

	expr := "COUNT(DISTINCT patients.patient_id) AS value"
	target := "patient_id"
	conv, unit := "1", ""
	var needTables []string

	if fld, ok := g.reg.FieldByName(qi.TargetField); ok && fld.Kind == registry.KindNumeric {
		expr = fmt.Sprintf("AVG(%s) AS value", fld.Qualified())
		target = fld.Name
		conv, unit = g.conversion(qi, fld)
		needTables = nonPatients(fld.Table)
	}

	sql, err := g.builder.Build(qi, sqlSpec{
		SelectExprs: []string{grp.Qualified() + " AS grp", expr},
		NeedTables:  append(needTables, nonPatients(grp.Table)...),
		GroupBy:     []string{grp.Qualified()},
		OrderBy:     []string{"grp"},
	})
	if err != nil {
		return nil, err
	}
	return &Snippet{
		Source: render(tplComparison, map[string]string{
			"SQL": sql, "TARGET": target, "GROUPBY": grp.Name, "CONV": conv, "UNIT": unit,
		}),
		SQL: []string{sql},
	}, nil
}

// genTopN ranks patients by their highest reading of the metric.
func (g *Generator) genTopN(qi *intent.QueryIntent) (*Snippet, error) {
	fld, err := g.numericTarget(qi)
	if err != nil {
		return nil, err
	}
	conv, unit := g.conversion(qi, fld)
	n := qi.TopN(10)

	sql, err := g.builder.Build(qi, sqlSpec{
		SelectExprs: []string{
			"patients.patient_id AS id",
			fmt.Sprintf("MAX(%s) AS value", fld.Qualified()),
		},
		NeedTables: nonPatients(fld.Table),
		NotNull:    []string{fld.Qualified()},
		GroupBy:    []string{"patients.patient_id"},
		OrderBy:    []string{"value DESC", "id"},
		Limit:      n,
	})
	if err != nil {
		return nil, err
	}
	return &Snippet{
		Source: render(tplTopN, map[string]string{
			"SQL": sql, "TARGET": fld.Name, "N": fmt.Sprintf("%d", n), "CONV": conv, "UNIT": unit,
		}),
		SQL: []string{sql},
	}, nil
}

// genDistribution renders a histogram for numeric targets and per-value
// patient counts for categorical ones.
func (g *Generator) genDistribution(qi *intent.QueryIntent) (*Snippet, error) {
	fld, ok := g.reg.FieldByName(qi.TargetField)
	if !ok {
		return nil, stderrors.NewUnresolvableFieldError(qi.TargetField)
	}

	if fld.Kind == registry.KindNumeric {
		conv, _ := g.conversion(qi, fld)
		sql, err := g.valueFetch(qi, fld, false)
		if err != nil {
			return nil, err
		}
		return &Snippet{
			Source: render(tplHistogram, map[string]string{
				"SQL": sql, "TARGET": fld.Name, "CONV": conv,
			}),
			SQL: []string{sql},
		}, nil
	}

	sql, err := g.builder.Build(qi, sqlSpec{
		SelectExprs: []string{
			fld.Qualified() + " AS grp",
			"COUNT(DISTINCT patients.patient_id) AS value",
		},
		NeedTables: nonPatients(fld.Table),
		GroupBy:    []string{fld.Qualified()},
		OrderBy:    []string{"grp"},
	})
	if err != nil {
		return nil, err
	}
	return &Snippet{
		Source: render(tplCategorical, map[string]string{"SQL": sql, "TARGET": fld.Name}),
		SQL:    []string{sql},
	}, nil
}
