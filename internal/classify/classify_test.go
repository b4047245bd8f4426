package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jlchulilla/libreborme/internal/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		input string
		name  string
		kind  model.Kind
		form  string
	}{
		{"ACME, S.L.", "ACME, S.L.", model.KindCompany, "SL"},
		{"ACME SL", "ACME SL", model.KindCompany, "SL"},
		{"  ACME   S.L.  ", "ACME S.L.", model.KindCompany, "SL"},
		{"BETA S.A.", "BETA S.A.", model.KindCompany, "SA"},
		{"GAMMA S.L.U.", "GAMMA S.L.U.", model.KindCompany, "SLU"},
		{"DELTA SOCIEDAD LIMITADA", "DELTA SOCIEDAD LIMITADA", model.KindCompany, "SL"},
		{"EPSILON SOCIEDAD ANÓNIMA UNIPERSONAL", "EPSILON SOCIEDAD ANÓNIMA UNIPERSONAL", model.KindCompany, "SAU"},
		{"HUERTA S. COOP.", "HUERTA S. COOP.", model.KindCompany, "SCOOP"},
		{"OBRAS NORTE UTE", "OBRAS NORTE UTE", model.KindCompany, "UTE"},
		{"FUNDACION LUZ", "FUNDACION LUZ", model.KindCompany, ""},
		{"BANCO DE EJEMPLO", "BANCO DE EJEMPLO", model.KindCompany, ""},
		{"Juan Pérez García", "Juan Pérez García", model.KindPerson, ""},
		{"GARCIA LOPEZ MARIA", "GARCIA LOPEZ MARIA", model.KindPerson, ""},
		{"CAJAL RUIZ PEDRO", "CAJAL RUIZ PEDRO", model.KindPerson, ""},
		{"", "", model.KindPerson, ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := Classify(tt.input)
			assert.Equal(t, tt.name, got.Name)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.form, got.LegalForm)
		})
	}
}

func TestClassify_MissingLegalForm(t *testing.T) {
	assert.True(t, Classify("FUNDACION LUZ").MissingLegalForm())
	assert.False(t, Classify("ACME SL").MissingLegalForm())
	assert.False(t, Classify("Juan Pérez").MissingLegalForm())
}

func TestClassify_SingleTokenIsNotALegalForm(t *testing.T) {
	got := Classify("SA")
	assert.Equal(t, model.KindPerson, got.Kind)
}

func TestContainsWord(t *testing.T) {
	assert.True(t, containsWord("GRUPO BANCO NORTE", "BANCO"))
	assert.True(t, containsWord("BANCO", "BANCO"))
	assert.False(t, containsWord("BANCOS NORTE", "BANCO"))
	assert.False(t, containsWord("BANCO2 NORTE", "BANCO"), "digits are part of the word")
	assert.False(t, containsWord("3CAJA", "CAJA"))
	assert.True(t, isWordByte('7'))
	assert.False(t, isWordByte('-'))
}

func TestIsCompany(t *testing.T) {
	assert.True(t, IsCompany("ACME SL"))
	assert.False(t, IsCompany("Ana Ruiz"))
}

func TestFold(t *testing.T) {
	assert.Equal(t, "PEREZ NUNEZ", Fold("PÉREZ NÚÑEZ"))
	assert.Equal(t, "Muller", Fold("Müller"))
}
