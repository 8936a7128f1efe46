package kb

import (
	"fmt"
	"sort"
)

var knownBands = map[string]bool{
	BandGT50: true, Band30To50: true, Band10To29: true,
	BandLT10: true, BandHD: true, BandCVVHDF: true,
}

var knownAllergyStatuses = map[string]bool{
	"no_allergy": true, "mild_pcn": true, "severe_pcn": true,
	"cephalosporin": true, "sulfa": true, "fluoroquinolone": true,
	"multiple": true, "any": true,
}

func validateInfection(rec *InfectionRecord) []string {
	var problems []string
	if rec.ID == "" {
		problems = append(problems, "id is required")
	}
	if rec.DisplayName == "" {
		problems = append(problems, "display_name is required")
	}
	if rec.Version == "" {
		problems = append(problems, "version is required")
	}
	if rec.IndicationTag == "" {
		problems = append(problems, "indication_tag is required")
	}
	if len(rec.Regimens) == 0 {
		problems = append(problems, "regimens must not be empty")
	}
	if r := rec.ClassificationRules.RouteRequired; r != "" && r != "IV" && r != "PO" {
		problems = append(problems, fmt.Sprintf("classification_rules.route_required must be IV or PO, got %q", r))
	}
	for i, reg := range rec.Regimens {
		if !knownAllergyStatuses[reg.AllergyStatus] {
			problems = append(problems, fmt.Sprintf("regimens[%d].allergy_status %q is not recognized", i, reg.AllergyStatus))
		}
		if len(reg.DrugIDs) == 0 {
			problems = append(problems, fmt.Sprintf("regimens[%d].drug_ids must not be empty", i))
		}
	}
	return problems
}

func validateDrug(rec *DrugRecord) []string {
	var problems []string
	if rec.ID == "" {
		problems = append(problems, "id is required")
	}
	if rec.DisplayName == "" {
		problems = append(problems, "display_name is required")
	}
	if rec.Version == "" {
		problems = append(problems, "version is required")
	}
	if rec.DrugClass == "" {
		problems = append(problems, "drug_class is required")
	}
	if len(rec.Routes) == 0 {
		problems = append(problems, "routes must not be empty")
	}
	if len(rec.Dosing.ByIndication) == 0 && rec.Dosing.Default == nil {
		problems = append(problems, "dosing requires by_indication or default")
	}
	for tag, spec := range rec.Dosing.ByIndication {
		if spec.Dose == "" {
			problems = append(problems, fmt.Sprintf("dosing.by_indication[%s].dose is required", tag))
		}
		if spec.Route == "" {
			problems = append(problems, fmt.Sprintf("dosing.by_indication[%s].route is required", tag))
		}
	}
	return problems
}

func validateAllergyRules(m *AllergyRules) []string {
	var problems []string
	if m.Version == "" {
		problems = append(problems, "version is required")
	}
	if len(m.Rules) == 0 {
		problems = append(problems, "rules must not be empty")
	}
	for i, r := range m.Rules {
		if r.Severity == "" {
			problems = append(problems, fmt.Sprintf("rules[%d].severity is required", i))
		}
		if len(r.KeywordList) == 0 {
			problems = append(problems, fmt.Sprintf("rules[%d].keyword_list must not be empty", i))
		}
	}
	return problems
}

func validatePregnancyRules(m *PregnancyRules) []string {
	var problems []string
	if m.Version == "" {
		problems = append(problems, "version is required")
	}
	for key, c := range m.Contraindicated {
		if c.Reason == "" {
			problems = append(problems, fmt.Sprintf("contraindicated[%s].reason is required", key))
		}
		if !c.AllTrimesters && len(c.Trimesters) == 0 {
			problems = append(problems, fmt.Sprintf("contraindicated[%s]: all_trimesters false but no trimesters listed", key))
		}
		for _, t := range c.Trimesters {
			if t < 1 || t > 3 {
				problems = append(problems, fmt.Sprintf("contraindicated[%s]: trimester %d out of range", key, t))
			}
		}
	}
	return problems
}

func validateRenalRules(m *RenalRules) []string {
	var problems []string
	if m.Version == "" {
		problems = append(problems, "version is required")
	}
	for drug, rule := range m.Drugs {
		if len(rule.CrClBands) == 0 {
			problems = append(problems, fmt.Sprintf("drugs[%s].crcl_bands must not be empty", drug))
		}
		for band := range rule.CrClBands {
			if !knownBands[band] {
				problems = append(problems, fmt.Sprintf("drugs[%s]: unknown crcl band %q", drug, band))
			}
		}
	}
	return problems
}

// validate runs the cross-reference checks once every file is in. Failures
// are fatal; the engine never serves from a corpus with dangling references.
// Orphan drugs (loaded but never referenced) only warn.
func (k *KB) validate(le *LoadError) {
	referenced := make(map[string]bool)
	indicationTags := make(map[string]bool)

	for _, inf := range k.infections {
		indicationTags[inf.IndicationTag] = true
		for i, reg := range inf.Regimens {
			for _, drugID := range reg.DrugIDs {
				referenced[drugID] = true
				if _, ok := k.drugs[drugID]; !ok {
					le.Problems = append(le.Problems, fmt.Sprintf(
						"infections/%s.json: regimens[%d] references unknown drug %q", inf.ID, i, drugID))
				}
			}
		}
	}

	// Every indication tag inside a drug's by_indication must exist in at
	// least one infection file; a dangling tag means a dose block that can
	// never be selected.
	for _, drug := range k.drugs {
		tags := make([]string, 0, len(drug.Dosing.ByIndication))
		for tag := range drug.Dosing.ByIndication {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		for _, tag := range tags {
			if !indicationTags[tag] {
				le.Problems = append(le.Problems, fmt.Sprintf(
					"drugs/%s.json: dosing.by_indication[%s] references no known infection", drug.ID, tag))
			}
		}
	}

	// A drug flagged as requiring renal adjustment must have a band table.
	for _, drug := range k.drugs {
		if drug.RenalAdjustment.Required {
			if _, ok := k.renalRules.Drugs[drug.ID]; !ok {
				le.Problems = append(le.Problems, fmt.Sprintf(
					"drugs/%s.json: renal_adjustment.required but no entry in renal_adjustment_rules", drug.ID))
			}
		}
	}

	for _, id := range k.DrugIDs() {
		if !referenced[id] {
			k.warnings = append(k.warnings, fmt.Sprintf("orphan drug %q: loaded but referenced by no regimen", id))
		}
	}
}
