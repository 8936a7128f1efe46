// Package patient defines the request-scoped case record the engine
// consumes. Cases are never persisted; only de-identified derivatives reach
// the audit log.
package patient

import "strings"

// Case is a structured patient presentation. CrCl may be supplied directly
// or computed from CreatinineMgDL + age + sex + weight (Cockcroft-Gault).
type Case struct {
	Age            int     `json:"age"`
	Sex            string  `json:"sex"`
	WeightKg       float64 `json:"weight_kg"`
	HeightCm       float64 `json:"height_cm,omitempty"`
	CrCl           float64 `json:"crcl,omitempty"`
	CreatinineMgDL float64 `json:"creatinine_mg_dl,omitempty"`

	Location      string `json:"location,omitempty"`
	InfectionType string `json:"infection_type"`
	Fever         bool   `json:"fever,omitempty"`
	SymptomsText  string `json:"symptoms_text,omitempty"`

	AllergiesText string `json:"allergies_text,omitempty"`

	PriorResistance []string `json:"prior_resistance,omitempty"`
	RiskFactors     []string `json:"risk_factors,omitempty"`

	// Pneumonia promotion inputs.
	HospitalOnsetHours    int  `json:"hospital_onset_hours,omitempty"`
	MechanicalVentilation bool `json:"mechanical_ventilation,omitempty"`

	// Dialysis is "", "hd" or "cvvhdf"; it overrides numeric CrCl banding.
	Dialysis string `json:"dialysis,omitempty"`

	CurrentOutpatientAbx []string          `json:"current_outpatient_abx,omitempty"`
	CurrentInpatientAbx  []string          `json:"current_inpatient_abx,omitempty"`
	Culture              map[string]string `json:"culture,omitempty"`
}

// HasRiskFactor reports whether the case carries the named flag
// (case-insensitive).
func (c *Case) HasRiskFactor(name string) bool {
	for _, rf := range c.RiskFactors {
		if strings.EqualFold(strings.TrimSpace(rf), name) {
			return true
		}
	}
	return false
}

// Pregnancy returns whether the case carries a pregnancy flag and, when a
// trimester-specific flag is present, which trimester (0 otherwise).
// Recognized flags: "pregnancy", "pregnant",
// "pregnancy_1st_trimester" … "pregnancy_3rd_trimester".
func (c *Case) Pregnancy() (bool, int) {
	for _, rf := range c.RiskFactors {
		f := strings.ToLower(strings.TrimSpace(rf))
		switch {
		case f == "pregnancy" || f == "pregnant":
			return true, 0
		case strings.HasPrefix(f, "pregnancy_1st") || strings.HasPrefix(f, "pregnancy_first"):
			return true, 1
		case strings.HasPrefix(f, "pregnancy_2nd") || strings.HasPrefix(f, "pregnancy_second"):
			return true, 2
		case strings.HasPrefix(f, "pregnancy_3rd") || strings.HasPrefix(f, "pregnancy_third"):
			return true, 3
		}
	}
	return false, 0
}

// MRSARisk reports whether any MRSA risk marker is present: colonization,
// prior MRSA isolate, or a central line in an ICU patient.
func (c *Case) MRSARisk() bool {
	if c.HasRiskFactor("mrsa_colonization") || c.HasRiskFactor("prior_mrsa") {
		return true
	}
	for _, r := range c.PriorResistance {
		if strings.EqualFold(strings.TrimSpace(r), "mrsa") {
			return true
		}
	}
	if c.HasRiskFactor("central_line") && strings.EqualFold(c.Location, "icu") {
		return true
	}
	return false
}

// Neutropenic reports the neutropenia risk flag.
func (c *Case) Neutropenic() bool { return c.HasRiskFactor("neutropenia") }
