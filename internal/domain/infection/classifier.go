// Package infection maps a patient case to a canonical infection category
// understood by the knowledge base.
package infection

import (
	"strings"

	"github.com/abx/abx/internal/domain/patient"
	"github.com/abx/abx/internal/kb"
	"github.com/abx/abx/pkg/clinerr"
)

// synonyms normalizes free-text infection types to canonical ids before the
// promotion rules run.
var synonyms = map[string]string{
	"urinary tract infection":   "uti",
	"urinary":                   "uti",
	"urosepsis":                 "uti",
	"kidney infection":          "pyelonephritis",
	"pna":                       "pneumonia",
	"lung infection":            "pneumonia",
	"community acquired pneumonia": "cap",
	"hospital acquired pneumonia":  "hap",
	"ventilator associated pneumonia": "vap",
	"sepsis":                    "bacteremia",
	"bloodstream infection":     "bacteremia",
	"bsi":                       "bacteremia",
	"abdominal":                 "intra_abdominal",
	"intra-abdominal":           "intra_abdominal",
	"peritonitis":               "intra_abdominal",
	"cellulitis":                "ssti",
	"skin and soft tissue":      "ssti",
	"skin infection":            "ssti",
}

// pyeloKeywords promote a UTI to pyelonephritis when found in symptoms text.
var pyeloKeywords = []string{"fever", "febrile", "flank pain", "costovertebral", "cvat", "rigors"}

// aspirationKeywords promote pneumonia to aspiration.
var aspirationKeywords = []string{"aspiration", "witnessed aspiration", "aspirated"}

// Classify normalizes the infection type, applies the promotion rules in
// order (first match wins) and returns the canonical category. Pregnancy is
// carried separately by the engine, never encoded in the category. When no
// known category matches, the normalized value is returned inside
// ERR_UNCLASSIFIED_INFECTION: the engine surfaces it, it never guesses.
func Classify(k *kb.KB, c *patient.Case) (string, error) {
	norm := normalize(c.InfectionType)
	if norm == "" {
		return "", clinerr.New(clinerr.CodeUnclassifiedInfection, "empty infection type")
	}
	if mapped, ok := synonyms[norm]; ok {
		norm = mapped
	}

	symptoms := strings.ToLower(c.SymptomsText)

	switch norm {
	case "uti":
		if c.Fever || containsAny(symptoms, pyeloKeywords) {
			return known(k, "pyelonephritis", norm)
		}
		return known(k, "cystitis", norm)

	case "bacteremia":
		if c.MRSARisk() {
			return known(k, "bacteremia_mrsa", norm)
		}
		return known(k, "bacteremia", norm)

	case "pneumonia":
		switch {
		case c.MechanicalVentilation:
			return known(k, "vap", norm)
		case c.HospitalOnsetHours >= 48 || isHospitalLocation(c.Location):
			return known(k, "hap", norm)
		case containsAny(symptoms, aspirationKeywords) || c.HasRiskFactor("aspiration"):
			return known(k, "aspiration", norm)
		default:
			return known(k, "cap", norm)
		}
	}

	// The normalized value is taken verbatim when it is a known id.
	if k.HasInfection(norm) {
		return norm, nil
	}
	return "", clinerr.New(clinerr.CodeUnclassifiedInfection,
		"no infection category matches %q", norm).
		WithDetail("normalized_value", norm)
}

// known double-checks that a promoted category actually exists in the loaded
// corpus; a promotion to an unloaded file is a corpus gap, not a guess.
func known(k *kb.KB, id, from string) (string, error) {
	if k.HasInfection(id) {
		return id, nil
	}
	return "", clinerr.New(clinerr.CodeUnclassifiedInfection,
		"category %q (promoted from %q) is not in the knowledge base", id, from).
		WithDetail("normalized_value", from).
		WithDetail("promoted_to", id)
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == ' ', r == '-':
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func isHospitalLocation(loc string) bool {
	switch strings.ToLower(strings.TrimSpace(loc)) {
	case "hospital", "ward", "nursing_home":
		return true
	}
	return false
}
