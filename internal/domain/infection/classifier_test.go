package infection

import (
	"path/filepath"
	"testing"

	"github.com/abx/abx/internal/domain/patient"
	"github.com/abx/abx/internal/kb"
	"github.com/abx/abx/pkg/clinerr"
)

func loadCorpus(t *testing.T) *kb.KB {
	t.Helper()
	k, err := kb.Load(filepath.Join("..", "..", "..", "guidelines"))
	if err != nil {
		t.Fatalf("load guidelines: %v", err)
	}
	return k
}

func TestClassify(t *testing.T) {
	k := loadCorpus(t)

	tests := []struct {
		name string
		c    patient.Case
		want string
	}{
		{"uti with fever", patient.Case{InfectionType: "uti", Fever: true}, "pyelonephritis"},
		{"uti flank pain", patient.Case{InfectionType: "uti", SymptomsText: "left flank pain x2 days"}, "pyelonephritis"},
		{"uti febrile text", patient.Case{InfectionType: "uti", SymptomsText: "febrile this morning"}, "pyelonephritis"},
		{"uti no fever", patient.Case{InfectionType: "uti"}, "cystitis"},
		{"uti synonym", patient.Case{InfectionType: "Urinary Tract Infection"}, "cystitis"},
		{"pyelonephritis verbatim", patient.Case{InfectionType: "pyelonephritis"}, "pyelonephritis"},
		{"bacteremia plain", patient.Case{InfectionType: "bacteremia"}, "bacteremia"},
		{"bacteremia colonized", patient.Case{InfectionType: "bacteremia", RiskFactors: []string{"mrsa_colonization"}}, "bacteremia_mrsa"},
		{"bacteremia central line icu", patient.Case{InfectionType: "bacteremia", Location: "icu", RiskFactors: []string{"central_line"}}, "bacteremia_mrsa"},
		{"sepsis synonym", patient.Case{InfectionType: "sepsis"}, "bacteremia"},
		{"pneumonia community", patient.Case{InfectionType: "pneumonia", Location: "community"}, "cap"},
		{"pneumonia hospital onset", patient.Case{InfectionType: "pneumonia", HospitalOnsetHours: 72}, "hap"},
		{"pneumonia ventilated", patient.Case{InfectionType: "pneumonia", MechanicalVentilation: true}, "vap"},
		{"pneumonia aspiration", patient.Case{InfectionType: "pneumonia", SymptomsText: "witnessed aspiration event"}, "aspiration"},
		{"meningitis verbatim", patient.Case{InfectionType: "meningitis"}, "meningitis"},
		{"cellulitis synonym", patient.Case{InfectionType: "cellulitis"}, "ssti"},
		{"punctuation", patient.Case{InfectionType: "  Intra-Abdominal  "}, "intra_abdominal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify(k, &tt.c)
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if got != tt.want {
				t.Errorf("Classify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyUnknown(t *testing.T) {
	k := loadCorpus(t)

	_, err := Classify(k, &patient.Case{InfectionType: "mysterious ailment"})
	if clinerr.CodeOf(err) != clinerr.CodeUnclassifiedInfection {
		t.Fatalf("expected ERR_UNCLASSIFIED_INFECTION, got %v", err)
	}
	ce, _ := clinerr.AsError(err)
	if ce.Details["normalized_value"] != "mysterious ailment" {
		t.Errorf("details missing normalized value: %v", ce.Details)
	}
}

func TestClassifyEmpty(t *testing.T) {
	k := loadCorpus(t)
	if _, err := Classify(k, &patient.Case{}); clinerr.CodeOf(err) != clinerr.CodeUnclassifiedInfection {
		t.Fatalf("expected ERR_UNCLASSIFIED_INFECTION for empty type, got %v", err)
	}
}
