// internal/codegen/sqlbuilder.go
package codegen

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	stderrors "clinquery/internal/common/errors"
	"clinquery/internal/conditions"
	"clinquery/internal/intent"
	"clinquery/internal/registry"
)

// joinOrder fixes the join sequence so equal intents always render the same
// SQL text.
var joinOrder = []string{"vitals", "diagnoses"}

// sqlSpec describes one SELECT the generator wants rendered.
type sqlSpec struct {
	// SelectExprs are fully qualified, aliased expressions, e.g.
	// "AVG(vitals.weight_kg) AS value".
	SelectExprs []string
	// NeedTables lists non-patients tables the select expressions touch.
	NeedTables []string
	GroupBy    []string
	OrderBy    []string
	Limit      int
	// NotNull adds IS NOT NULL guards on these qualified columns.
	NotNull []string
}

// sqlBuilder renders one SELECT over the clinical schema. All queries anchor
// on patients; other tables join in only when a select, filter, condition, or
// grouping needs them.
type sqlBuilder struct {
	reg *registry.Registry
}

func (b *sqlBuilder) Build(qi *intent.QueryIntent, spec sqlSpec) (string, error) {
	tables := map[string]bool{"patients": true}
	for _, t := range spec.NeedTables {
		tables[t] = true
	}

	filters := dedupeFilters(qi)
	for _, f := range filters {
		fld, ok := b.reg.FieldByName(f.Field)
		if !ok {
			return "", stderrors.NewUnresolvableFieldError(f.Field)
		}
		tables[fld.Table] = true
	}
	for _, c := range qi.Conditions {
		fld, ok := b.reg.FieldByName(c.Field)
		if !ok {
			return "", stderrors.NewUnresolvableFieldError(c.Field)
		}
		tables[fld.Table] = true
	}
	if len(qi.MatchedConditions) > 0 {
		tables["diagnoses"] = true
	}
	for _, g := range qi.GroupBy {
		fld, ok := b.reg.FieldByName(g)
		if !ok {
			return "", stderrors.NewUnresolvableFieldError(g)
		}
		tables[fld.Table] = true
	}

	var wheres []string
	for _, f := range filters {
		clause, err := b.filterClause(f)
		if err != nil {
			return "", err
		}
		wheres = append(wheres, clause)
	}
	for _, c := range qi.Conditions {
		clause, err := b.conditionClause(c)
		if err != nil {
			return "", err
		}
		wheres = append(wheres, clause)
	}
	if clause := conditionCodesClause(qi.MatchedConditions); clause != "" {
		wheres = append(wheres, clause)
	}
	if qi.TimeRange != nil {
		wheres = append(wheres, b.timeClause(qi.TimeRange, spec.NeedTables, tables))
	}
	for _, col := range spec.NotNull {
		wheres = append(wheres, col+" IS NOT NULL")
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(spec.SelectExprs, ", "))
	sb.WriteString(" FROM patients")
	for _, name := range joinOrder {
		if !tables[name] {
			continue
		}
		t, _ := b.reg.TableByName(name)
		sb.WriteString(" JOIN ")
		sb.WriteString(name)
		sb.WriteString(" ON ")
		sb.WriteString(t.JoinOn)
	}
	if len(wheres) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(wheres, " AND "))
	}
	if len(spec.GroupBy) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(spec.GroupBy, ", "))
	}
	if len(spec.OrderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(spec.OrderBy, ", "))
	}
	if spec.Limit > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(spec.Limit))
	}
	return sb.String(), nil
}

// joinedTables reports which non-patients tables a spec plus the intent's
// constraints pull in. The count template uses this to decide between
// COUNT(*) and COUNT(DISTINCT patients.patient_id).
func (b *sqlBuilder) joinedTables(qi *intent.QueryIntent, needTables []string) int {
	tables := map[string]bool{}
	for _, t := range needTables {
		if t != "patients" {
			tables[t] = true
		}
	}
	for _, f := range dedupeFilters(qi) {
		if fld, ok := b.reg.FieldByName(f.Field); ok && fld.Table != "patients" {
			tables[fld.Table] = true
		}
	}
	for _, c := range qi.Conditions {
		if fld, ok := b.reg.FieldByName(c.Field); ok && fld.Table != "patients" {
			tables[fld.Table] = true
		}
	}
	if len(qi.MatchedConditions) > 0 {
		tables["diagnoses"] = true
	}
	for _, g := range qi.GroupBy {
		if fld, ok := b.reg.FieldByName(g); ok && fld.Table != "patients" {
			tables[fld.Table] = true
		}
	}
	return len(tables)
}

func (b *sqlBuilder) filterClause(f intent.Filter) (string, error) {
	fld, ok := b.reg.FieldByName(f.Field)
	if !ok {
		return "", stderrors.NewUnresolvableFieldError(f.Field)
	}
	switch fld.Kind {
	case registry.KindBool:
		return fmt.Sprintf("%s = %s", fld.Qualified(), boolLiteral(f.Value)), nil
	case registry.KindNumeric:
		v, err := strconv.ParseFloat(strings.TrimSpace(f.Value), 64)
		if err != nil {
			return "", stderrors.NewCodeGenError(fmt.Sprintf("non-numeric filter value %q for %s", f.Value, f.Field))
		}
		return fmt.Sprintf("%s = %s", fld.Qualified(), numLiteral(v)), nil
	default:
		return fmt.Sprintf("%s = '%s'", fld.Qualified(), escapeString(f.Value)), nil
	}
}

// conditionClause renders one numeric range constraint. Conditions against
// non-numeric columns fail closed: a threshold on an identifier or text
// column compares apples to row keys.
func (b *sqlBuilder) conditionClause(c intent.Condition) (string, error) {
	fld, ok := b.reg.FieldByName(c.Field)
	if !ok {
		return "", stderrors.NewUnresolvableFieldError(c.Field)
	}
	if fld.Kind != registry.KindNumeric {
		return "", stderrors.NewCodeGenError(
			fmt.Sprintf("condition on non-numeric field %s (%s)", fld.Name, fld.Kind))
	}
	if c.Operator == "between" {
		return fmt.Sprintf("%s BETWEEN %s AND %s", fld.Qualified(), numLiteral(c.Value), numLiteral(c.Value2)), nil
	}
	return fmt.Sprintf("%s %s %s", fld.Qualified(), c.Operator, numLiteral(c.Value)), nil
}

// conditionCodesClause constrains diagnoses to the union of matched code
// lists. Codes are sorted so equal intents render identical SQL.
func conditionCodesClause(matched []conditions.Mapping) string {
	if len(matched) == 0 {
		return ""
	}
	set := map[string]bool{}
	for _, m := range matched {
		for _, c := range m.Codes {
			set[c] = true
		}
	}
	codes := make([]string, 0, len(set))
	for c := range set {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	quoted := make([]string, len(codes))
	for i, c := range codes {
		quoted[i] = "'" + escapeString(c) + "'"
	}
	return "diagnoses.code IN (" + strings.Join(quoted, ", ") + ")"
}

func (b *sqlBuilder) timeClause(tr *intent.TimeRange, needTables []string, tables map[string]bool) string {
	col := b.dateColumn(needTables, tables)
	return fmt.Sprintf("%s >= '%s' AND %s <= '%s'", col, escapeString(tr.StartDate), col, escapeString(tr.EndDate))
}

// dateColumn picks the column a time range constrains: the date column of the
// first needed table that has one, otherwise enrollment_date.
func (b *sqlBuilder) dateColumn(needTables []string, tables map[string]bool) string {
	for _, name := range needTables {
		if t, ok := b.reg.TableByName(name); ok && t.DateCol != "" {
			return name + "." + t.DateCol
		}
	}
	for _, name := range joinOrder {
		if !tables[name] {
			continue
		}
		if t, ok := b.reg.TableByName(name); ok && t.DateCol != "" {
			return name + "." + t.DateCol
		}
	}
	return "patients.enrollment_date"
}

// dedupeFilters drops exact duplicates and filters already subsumed by a
// matched condition, so the same restriction is never rendered twice.
func dedupeFilters(qi *intent.QueryIntent) []intent.Filter {
	codes := map[string]bool{}
	for _, m := range qi.MatchedConditions {
		for _, c := range m.Codes {
			codes[strings.ToUpper(c)] = true
		}
	}

	seen := map[intent.Filter]bool{}
	var out []intent.Filter
	for _, f := range qi.Filters {
		if seen[f] {
			continue
		}
		seen[f] = true
		if f.Field == "diagnosis_code" && codes[strings.ToUpper(strings.TrimSpace(f.Value))] {
			continue
		}
		out = append(out, f)
	}
	return out
}

func boolLiteral(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "false", "no", "inactive":
		return "FALSE"
	default:
		return "TRUE"
	}
}

func numLiteral(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func escapeString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
