// Package kbtest builds small guideline corpora on disk for tests. The
// default corpus mirrors the shape of the shipped guidelines tree but stays
// compact enough that a test can reason about every record.
package kbtest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/abx/abx/internal/kb"
)

// Corpus is an in-memory corpus that Write serializes into a guidelines
// directory layout.
type Corpus struct {
	Index      kb.Index
	Infections []kb.InfectionRecord
	Drugs      []kb.DrugRecord
	Allergy    kb.AllergyRules
	Pregnancy  kb.PregnancyRules
	Renal      kb.RenalRules
}

// Default returns a compact corpus: pyelonephritis and cystitis, four drugs,
// and the three modifier tables.
func Default() *Corpus {
	return &Corpus{
		Index: kb.Index{Version: "test-1", LastUpdated: "2025-01-01"},
		Infections: []kb.InfectionRecord{
			{
				ID: "pyelonephritis", DisplayName: "Acute pyelonephritis",
				Version: "1.0", LastUpdated: "2025-01-01",
				IndicationTag: "pyelonephritis",
				ClassificationRules: kb.ClassificationRules{RouteRequired: "IV"},
				Regimens: []kb.Regimen{
					{AllergyStatus: "no_allergy", DrugIDs: []string{"ceftriaxone"}, Rationale: "first line"},
					{AllergyStatus: "severe_pcn", DrugIDs: []string{"ciprofloxacin"}, Rationale: "beta-lactam free"},
					{AllergyStatus: "severe_pcn", PregnancyStatus: "preferred", DrugIDs: []string{"aztreonam"}, Rationale: "pregnancy safe"},
				},
				DefaultDuration: "7-14 days",
			},
			{
				ID: "cystitis", DisplayName: "Uncomplicated cystitis",
				Version: "1.0", LastUpdated: "2025-01-01",
				IndicationTag: "cystitis",
				ClassificationRules: kb.ClassificationRules{RouteRequired: "PO"},
				Regimens: []kb.Regimen{
					{AllergyStatus: "any", DrugIDs: []string{"nitrofurantoin"}, Rationale: "first line"},
				},
				DefaultDuration: "5 days",
			},
		},
		Drugs: []kb.DrugRecord{
			{
				ID: "ceftriaxone", DisplayName: "Ceftriaxone", Version: "1.0", LastUpdated: "2025-01-01",
				DrugClass: "cephalosporin", Routes: []string{"IV"},
				Dosing: kb.Dosing{ByIndication: map[string]kb.DoseSpec{
					"pyelonephritis": {Dose: "1 g", Frequency: "q24h", Route: "IV"},
				}},
			},
			{
				ID: "ciprofloxacin", DisplayName: "Ciprofloxacin", Version: "1.0", LastUpdated: "2025-01-01",
				DrugClass: "fluoroquinolone", Routes: []string{"IV", "PO"},
				Dosing: kb.Dosing{ByIndication: map[string]kb.DoseSpec{
					"pyelonephritis": {Dose: "400 mg", Frequency: "q12h", Route: "IV"},
				}},
				RenalAdjustment: kb.RenalAdjustment{Required: true},
			},
			{
				ID: "aztreonam", DisplayName: "Aztreonam", Version: "1.0", LastUpdated: "2025-01-01",
				DrugClass: "monobactam", Routes: []string{"IV"},
				Dosing: kb.Dosing{
					ByIndication: map[string]kb.DoseSpec{
						"pyelonephritis": {Dose: "1 g", Frequency: "q8h", Route: "IV"},
					},
				},
				RenalAdjustment: kb.RenalAdjustment{Required: true},
			},
			{
				ID: "nitrofurantoin", DisplayName: "Nitrofurantoin", Version: "1.0", LastUpdated: "2025-01-01",
				DrugClass: "nitrofuran", Routes: []string{"PO"},
				Dosing: kb.Dosing{ByIndication: map[string]kb.DoseSpec{
					"cystitis": {Dose: "100 mg", Frequency: "q12h", Route: "PO"},
				}},
			},
		},
		Allergy: kb.AllergyRules{
			Version: "1.0", LastUpdated: "2025-01-01",
			NoneTokens: []string{"none", "nkda", "no known drug allergy"},
			Rules: []kb.AllergyRule{
				{
					Severity:         "severe_pcn",
					KeywordList:      []string{"anaphylaxis", "angioedema", "sjs", "dress", "hives"},
					ForbiddenClasses: []string{"penicillin", "cephalosporin", "carbapenem"},
					AllowedClasses:   []string{"monobactam", "glycopeptide", "fluoroquinolone"},
					CrossReactivityPct: 2,
				},
				{
					Severity:         "sulfa",
					KeywordList:      []string{"sulfa", "bactrim"},
					ForbiddenClasses: []string{"sulfonamide"},
				},
				{
					Severity:         "mild_pcn",
					KeywordList:      []string{"rash", "itching", "pruritus"},
					ForbiddenClasses: []string{"penicillin"},
					AllowedClasses:   []string{"cephalosporin", "carbapenem"},
					CrossReactivityPct: 2,
				},
			},
		},
		Pregnancy: kb.PregnancyRules{
			Version: "1.0", LastUpdated: "2025-01-01",
			Contraindicated: map[string]kb.PregnancyContraindication{
				"fluoroquinolone": {Severity: "contraindicated", AllTrimesters: true, Reason: "cartilage toxicity"},
			},
			Preferred: []string{"ceftriaxone", "aztreonam", "nitrofurantoin"},
		},
		Renal: kb.RenalRules{
			Version: "1.0", LastUpdated: "2025-01-01",
			Drugs: map[string]kb.RenalDrugRule{
				"ciprofloxacin": {
					CrClBands: map[string]kb.BandOverride{
						"30_50": {NoAdjustment: true},
						"10_29": {DoseOverride: "400 mg", FrequencyOverride: "q24h"},
						"lt10":  {DoseOverride: "400 mg", FrequencyOverride: "q24h"},
						"hd":    {DoseOverride: "400 mg", FrequencyOverride: "q24h, after dialysis"},
						"cvvhdf": {DoseOverride: "400 mg", FrequencyOverride: "q12h"},
					},
				},
				"aztreonam": {
					CrClBands: map[string]kb.BandOverride{
						"30_50": {FrequencyOverride: "q12h"},
						"10_29": {DoseOverride: "1 g", FrequencyOverride: "q12h"},
						"lt10":  {DoseOverride: "500 mg", FrequencyOverride: "q12h"},
						"hd":    {DoseOverride: "500 mg", FrequencyOverride: "q12h"},
						"cvvhdf": {DoseOverride: "1 g", FrequencyOverride: "q8h"},
					},
				},
			},
		},
	}
}

// Write serializes the corpus under a temp dir and returns the directory.
// The index loading order is derived from the corpus contents unless the
// caller set one explicitly.
func (c *Corpus) Write(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{"infections", "drugs", "modifiers"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", sub, err)
		}
	}

	if len(c.Index.LoadingOrder) == 0 {
		c.Index.LoadingOrder = append(c.Index.LoadingOrder,
			"modifiers/allergy_rules.json",
			"modifiers/pregnancy_rules.json",
			"modifiers/renal_adjustment_rules.json",
		)
		for _, d := range c.Drugs {
			c.Index.LoadingOrder = append(c.Index.LoadingOrder, "drugs/"+d.ID+".json")
		}
		for _, inf := range c.Infections {
			c.Index.LoadingOrder = append(c.Index.LoadingOrder, "infections/"+inf.ID+".json")
		}
	}

	writeJSON(t, filepath.Join(dir, "index.json"), c.Index)
	writeJSON(t, filepath.Join(dir, "modifiers", "allergy_rules.json"), c.Allergy)
	writeJSON(t, filepath.Join(dir, "modifiers", "pregnancy_rules.json"), c.Pregnancy)
	writeJSON(t, filepath.Join(dir, "modifiers", "renal_adjustment_rules.json"), c.Renal)
	for _, d := range c.Drugs {
		writeJSON(t, filepath.Join(dir, "drugs", d.ID+".json"), d)
	}
	for _, inf := range c.Infections {
		writeJSON(t, filepath.Join(dir, "infections", inf.ID+".json"), inf)
	}
	return dir
}

// Load writes the corpus and loads it, failing the test on error.
func (c *Corpus) Load(t *testing.T) *kb.KB {
	t.Helper()
	k, err := kb.Load(c.Write(t))
	if err != nil {
		t.Fatalf("load test corpus: %v", err)
	}
	return k
}

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
