// internal/conditions/mapper.go

// Package conditions translates free-text diagnosis phrases into canonical
// condition identifiers and their standardized diagnostic codes. The mapper is
// consumed as a black box by the intent parser and the code generator.
package conditions

import (
	"context"
	"sort"
	"strings"
)

// Mapping is one resolved condition phrase.
type Mapping struct {
	CanonicalID string   `json:"canonicalId"`
	Codes       []string `json:"codes"`
	Confidence  float64  `json:"confidence"`
}

// Mapper resolves condition phrases. Implementations must be safe for
// concurrent use; tables are loaded once and never mutated.
type Mapper interface {
	// Resolve maps a single phrase to a canonical condition.
	Resolve(ctx context.Context, phrase string) (Mapping, bool)
	// Detect scans free text for condition terms, ordered by first match
	// position so multi-condition handling stays deterministic.
	Detect(ctx context.Context, text string) []Mapping
}

// StaticMapper is the built-in synonym table.
type StaticMapper struct {
	byTerm map[string]Mapping
	terms  []string
}

// NewStaticMapper returns a mapper over the built-in condition table.
func NewStaticMapper() *StaticMapper {
	entries := map[string]Mapping{
		"anxiety":           {CanonicalID: "anxiety", Codes: []string{"F41.0", "F41.1", "F41.9"}, Confidence: 0.95},
		"anxious":           {CanonicalID: "anxiety", Codes: []string{"F41.0", "F41.1", "F41.9"}, Confidence: 0.85},
		"panic disorder":    {CanonicalID: "anxiety", Codes: []string{"F41.0"}, Confidence: 0.9},
		"depression":        {CanonicalID: "depression", Codes: []string{"F32.0", "F32.1", "F32.9", "F33.0", "F33.1"}, Confidence: 0.95},
		"depressed":         {CanonicalID: "depression", Codes: []string{"F32.0", "F32.1", "F32.9", "F33.0", "F33.1"}, Confidence: 0.85},
		"major depressive":  {CanonicalID: "depression", Codes: []string{"F32.9", "F33.9"}, Confidence: 0.9},
		"diabetes":          {CanonicalID: "diabetes", Codes: []string{"E11.9", "E11.65", "E10.9"}, Confidence: 0.95},
		"diabetic":          {CanonicalID: "diabetes", Codes: []string{"E11.9", "E11.65", "E10.9"}, Confidence: 0.85},
		"type 2 diabetes":   {CanonicalID: "diabetes", Codes: []string{"E11.9", "E11.65"}, Confidence: 0.95},
		"hypertension":      {CanonicalID: "hypertension", Codes: []string{"I10"}, Confidence: 0.95},
		"high blood pressure": {CanonicalID: "hypertension", Codes: []string{"I10"}, Confidence: 0.9},
		"hypertensive":      {CanonicalID: "hypertension", Codes: []string{"I10"}, Confidence: 0.85},
		"asthma":            {CanonicalID: "asthma", Codes: []string{"J45.20", "J45.40", "J45.909"}, Confidence: 0.95},
		"copd":              {CanonicalID: "copd", Codes: []string{"J44.0", "J44.1", "J44.9"}, Confidence: 0.95},
		"obesity":           {CanonicalID: "obesity", Codes: []string{"E66.9", "E66.01"}, Confidence: 0.95},
		"obese":             {CanonicalID: "obesity", Codes: []string{"E66.9", "E66.01"}, Confidence: 0.85},
	}

	m := &StaticMapper{byTerm: entries}
	for term := range entries {
		m.terms = append(m.terms, term)
	}
	// Longer terms first so "type 2 diabetes" wins over "diabetes" at the
	// same position.
	sort.Slice(m.terms, func(i, j int) bool {
		if len(m.terms[i]) != len(m.terms[j]) {
			return len(m.terms[i]) > len(m.terms[j])
		}
		return m.terms[i] < m.terms[j]
	})
	return m
}

func (m *StaticMapper) Resolve(_ context.Context, phrase string) (Mapping, bool) {
	mapping, ok := m.byTerm[strings.ToLower(strings.TrimSpace(phrase))]
	return mapping, ok
}

func (m *StaticMapper) Detect(_ context.Context, text string) []Mapping {
	lower := strings.ToLower(text)

	type hit struct {
		pos     int
		mapping Mapping
	}
	var hits []hit
	seen := make(map[string]bool)

	for _, term := range m.terms {
		pos := strings.Index(lower, term)
		if pos < 0 {
			continue
		}
		mapping := m.byTerm[term]
		if seen[mapping.CanonicalID] {
			continue
		}
		seen[mapping.CanonicalID] = true
		hits = append(hits, hit{pos: pos, mapping: mapping})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	out := make([]Mapping, len(hits))
	for i, h := range hits {
		out[i] = h.mapping
	}
	return out
}
