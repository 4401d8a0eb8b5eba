// internal/registry/registry.go

// Package registry holds the static schema/synonym registry: the process-wide,
// read-only mapping from natural-language terms to canonical field names and
// table locations. Loaded once at startup and injected as a dependency, never
// read through package globals.
package registry

import "strings"

// Kind classifies what a column holds, which decides how filters and
// conditions against it are rendered.
type Kind string

const (
	KindNumeric    Kind = "numeric"
	KindText       Kind = "text"
	KindBool       Kind = "bool"
	KindDate       Kind = "date"
	KindIdentifier Kind = "identifier"
)

// Field is one canonical column with its table location.
type Field struct {
	Name   string // canonical name, e.g. "weight"
	Table  string
	Column string
	Kind   Kind
	Unit   string // storage unit for numeric fields, e.g. "kg"
}

// Qualified returns the table-qualified column reference.
func (f Field) Qualified() string {
	return f.Table + "." + f.Column
}

// Table describes one physical table and how it joins to patients.
type Table struct {
	Name     string
	JoinOn   string // join predicate against patients; empty for patients itself
	DateCol  string // column used for time-range constraints, if any
}

// Registry is the immutable term -> field mapping.
type Registry struct {
	tables   map[string]Table
	fields   map[string]Field
	synonyms map[string]string
}

// New builds a Registry from explicit parts. Callers hand over ownership of
// the maps; the Registry never mutates them afterwards.
func New(tables []Table, fields []Field, synonyms map[string]string) *Registry {
	r := &Registry{
		tables:   make(map[string]Table, len(tables)),
		fields:   make(map[string]Field, len(fields)),
		synonyms: make(map[string]string, len(synonyms)),
	}
	for _, t := range tables {
		r.tables[t.Name] = t
	}
	for _, f := range fields {
		r.fields[f.Name] = f
		r.synonyms[normalize(f.Name)] = f.Name
	}
	for term, canonical := range synonyms {
		r.synonyms[normalize(term)] = canonical
	}
	return r
}

// Resolve maps an arbitrary natural-language term to its canonical field.
// Unresolved terms return ok=false; callers must fail closed, never guess.
func (r *Registry) Resolve(term string) (Field, bool) {
	canonical, ok := r.synonyms[normalize(term)]
	if !ok {
		return Field{}, false
	}
	f, ok := r.fields[canonical]
	return f, ok
}

// FieldByName looks up an already-canonical field name.
func (r *Registry) FieldByName(name string) (Field, bool) {
	f, ok := r.fields[name]
	return f, ok
}

// TableByName looks up a table definition.
func (r *Registry) TableByName(name string) (Table, bool) {
	t, ok := r.tables[name]
	return t, ok
}

// PatientKey returns the patient identifier field. Counting across joined
// tables must always aggregate over this field, never raw rows.
func (r *Registry) PatientKey() Field {
	return r.fields["patient_id"]
}

// FieldNames returns every canonical field name, for schema hints sent to the
// extraction service. Order is not guaranteed.
func (r *Registry) FieldNames() []string {
	names := make([]string, 0, len(r.fields))
	for name := range r.fields {
		names = append(names, name)
	}
	return names
}

func normalize(term string) string {
	term = strings.ToLower(strings.TrimSpace(term))
	term = strings.ReplaceAll(term, "-", " ")
	return strings.Join(strings.Fields(term), "_")
}

// Default returns the built-in clinical schema: a patients table plus vitals
// and diagnoses keyed by patient_id.
func Default() *Registry {
	tables := []Table{
		{Name: "patients"},
		{Name: "vitals", JoinOn: "vitals.patient_id = patients.patient_id", DateCol: "recorded_at"},
		{Name: "diagnoses", JoinOn: "diagnoses.patient_id = patients.patient_id", DateCol: "diagnosed_at"},
	}

	fields := []Field{
		{Name: "patient_id", Table: "patients", Column: "patient_id", Kind: KindIdentifier},
		{Name: "gender", Table: "patients", Column: "gender", Kind: KindText},
		{Name: "active", Table: "patients", Column: "active", Kind: KindBool},
		{Name: "age", Table: "patients", Column: "age", Kind: KindNumeric, Unit: "years"},
		{Name: "enrollment_date", Table: "patients", Column: "enrollment_date", Kind: KindDate},

		{Name: "weight", Table: "vitals", Column: "weight_kg", Kind: KindNumeric, Unit: "kg"},
		{Name: "bmi", Table: "vitals", Column: "bmi", Kind: KindNumeric},
		{Name: "heart_rate", Table: "vitals", Column: "heart_rate", Kind: KindNumeric, Unit: "bpm"},
		{Name: "systolic_bp", Table: "vitals", Column: "systolic_bp", Kind: KindNumeric, Unit: "mmHg"},
		{Name: "diastolic_bp", Table: "vitals", Column: "diastolic_bp", Kind: KindNumeric, Unit: "mmHg"},
		{Name: "recorded_at", Table: "vitals", Column: "recorded_at", Kind: KindDate},

		{Name: "diagnosis_code", Table: "diagnoses", Column: "code", Kind: KindText},
		{Name: "diagnosed_at", Table: "diagnoses", Column: "diagnosed_at", Kind: KindDate},
	}

	synonyms := map[string]string{
		"patients":        "patient_id",
		"patient":         "patient_id",
		"people":          "patient_id",
		"members":         "patient_id",
		"sex":             "gender",
		"status":          "active",
		"years old":       "age",
		"body weight":     "weight",
		"weight kg":       "weight",
		"mass":            "weight",
		"body mass index": "bmi",
		"pulse":           "heart_rate",
		"heart rate":      "heart_rate",
		"blood pressure":  "systolic_bp",
		"bp":              "systolic_bp",
		"systolic":        "systolic_bp",
		"diastolic":       "diastolic_bp",
		"enrolled":        "enrollment_date",
		"enrollment":      "enrollment_date",
		"diagnosis":       "diagnosis_code",
		"diagnosed":       "diagnosed_at",
	}

	return New(tables, fields, synonyms)
}
