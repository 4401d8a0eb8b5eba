// internal/registry/registry_test.go
package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_Resolve(t *testing.T) {
	reg := Default()

	tests := []struct {
		name     string
		term     string
		expected string
		table    string
		found    bool
	}{
		{"canonical name", "weight", "weight", "vitals", true},
		{"synonym", "body weight", "weight", "vitals", true},
		{"case insensitive", "Blood Pressure", "systolic_bp", "vitals", true},
		{"hyphenated", "heart-rate", "heart_rate", "vitals", true},
		{"extra whitespace", "  bmi  ", "bmi", "vitals", true},
		{"patient noun", "patients", "patient_id", "patients", true},
		{"demographic", "sex", "gender", "patients", true},
		{"unknown term", "cholesterol", "", "", false},
		{"empty term", "", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			field, ok := reg.Resolve(tt.term)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.expected, field.Name)
				assert.Equal(t, tt.table, field.Table)
			}
		})
	}
}

func TestRegistry_Qualified(t *testing.T) {
	reg := Default()

	field, ok := reg.Resolve("weight")
	assert.True(t, ok)
	assert.Equal(t, "vitals.weight_kg", field.Qualified())

	field, ok = reg.Resolve("gender")
	assert.True(t, ok)
	assert.Equal(t, "patients.gender", field.Qualified())
}

func TestRegistry_PatientKey(t *testing.T) {
	reg := Default()

	key := reg.PatientKey()
	assert.Equal(t, "patients", key.Table)
	assert.Equal(t, "patient_id", key.Column)
	assert.Equal(t, KindIdentifier, key.Kind)
}

func TestRegistry_JoinMetadata(t *testing.T) {
	reg := Default()

	vitals, ok := reg.TableByName("vitals")
	assert.True(t, ok)
	assert.Equal(t, "vitals.patient_id = patients.patient_id", vitals.JoinOn)
	assert.Equal(t, "recorded_at", vitals.DateCol)

	patients, ok := reg.TableByName("patients")
	assert.True(t, ok)
	assert.Empty(t, patients.JoinOn)
}

func TestRegistry_StorageUnits(t *testing.T) {
	reg := Default()

	weight, _ := reg.Resolve("weight")
	assert.Equal(t, "kg", weight.Unit)

	bmi, _ := reg.Resolve("bmi")
	assert.Empty(t, bmi.Unit)
}
