package allergy

import (
	"strings"
	"testing"

	"github.com/abx/abx/internal/kb/kbtest"
)

func TestClassify(t *testing.T) {
	k := kbtest.Default().Load(t)
	c := NewClassifier(k.AllergyRules(), true)

	tests := []struct {
		name         string
		text         string
		wantSeverity string
		wantForbids  []string
		wantMatched  bool
	}{
		{"empty", "", SeverityNone, nil, true},
		{"nkda token", "NKDA", SeverityNone, nil, true},
		{"none token", "None", SeverityNone, nil, true},
		{"anaphylaxis", "Penicillin (anaphylaxis)", SeveritySeverePCN, []string{"penicillin", "cephalosporin", "carbapenem"}, true},
		{"sjs", "PCN - SJS", SeveritySeverePCN, []string{"cephalosporin"}, true},
		{"mild rash", "Penicillin (rash)", SeverityMildPCN, []string{"penicillin"}, true},
		{"sulfa", "Bactrim allergy", SeveritySulfa, []string{"sulfonamide"}, true},
		{"unmatched conservative", "Penicillin", SeveritySeverePCN, []string{"penicillin"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.text)
			if got.Severity != tt.wantSeverity {
				t.Errorf("severity = %q, want %q", got.Severity, tt.wantSeverity)
			}
			if got.Matched != tt.wantMatched {
				t.Errorf("matched = %v, want %v", got.Matched, tt.wantMatched)
			}
			for _, fc := range tt.wantForbids {
				if !got.Forbids(fc) {
					t.Errorf("expected %q forbidden, got %v", fc, got.ForbiddenClasses)
				}
			}
		})
	}
}

func TestClassifyConservativeDefaultNote(t *testing.T) {
	k := kbtest.Default().Load(t)
	c := NewClassifier(k.AllergyRules(), true)

	got := c.Classify("some unrecognized reaction to amoxicillin")
	if got.Matched {
		t.Fatal("unmatched text must not report matched")
	}
	if got.Severity != SeveritySeverePCN {
		t.Errorf("conservative default severity = %q", got.Severity)
	}
	found := false
	for _, n := range got.Notes {
		if strings.Contains(n, "treated conservatively") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected conservative-default note, got %v", got.Notes)
	}
}

func TestClassifyNonConservativeDefault(t *testing.T) {
	k := kbtest.Default().Load(t)
	c := NewClassifier(k.AllergyRules(), false)

	got := c.Classify("unclear historical reaction")
	if got.Severity != SeverityMildPCN {
		t.Errorf("non-conservative default severity = %q, want mild_pcn", got.Severity)
	}
}

func TestClassifyMultipleFamilies(t *testing.T) {
	k := kbtest.Default().Load(t)
	c := NewClassifier(k.AllergyRules(), true)

	got := c.Classify("penicillin anaphylaxis, also sulfa rash")
	if got.Severity != SeverityMultiple {
		t.Fatalf("severity = %q, want multiple", got.Severity)
	}
	for _, fc := range []string{"penicillin", "cephalosporin", "sulfonamide"} {
		if !got.Forbids(fc) {
			t.Errorf("expected %q in merged forbidden classes, got %v", fc, got.ForbiddenClasses)
		}
	}
}

func TestClassifySevereWinsOverMildSameFamily(t *testing.T) {
	k := kbtest.Default().Load(t)
	c := NewClassifier(k.AllergyRules(), true)

	// Both a severe and a mild keyword from the same PCN family: the
	// severe rule is listed first and governs.
	got := c.Classify("penicillin: rash progressing to angioedema")
	if got.Severity != SeveritySeverePCN {
		t.Errorf("severity = %q, want severe_pcn", got.Severity)
	}
}

func TestRegimenStatuses(t *testing.T) {
	none := Classification{Severity: SeverityNone}
	if got := none.RegimenStatuses(); got[0] != "no_allergy" || got[1] != "any" {
		t.Errorf("none statuses = %v", got)
	}
	severe := Classification{Severity: SeveritySeverePCN}
	if got := severe.RegimenStatuses(); got[0] != "severe_pcn" || got[1] != "any" {
		t.Errorf("severe statuses = %v", got)
	}
}
