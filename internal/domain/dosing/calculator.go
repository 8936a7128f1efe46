// Package dosing computes a patient-specific dose for each chosen drug:
// indication-specific base dose, renal adjustment by CrCl band, loading-dose
// policy, and weight-based numeric ranges.
package dosing

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/abx/abx/internal/kb"
	"github.com/abx/abx/pkg/clinerr"
)

// Input carries the patient factors a dose depends on.
type Input struct {
	IndicationTag string
	CrCl          float64
	Dialysis      string // "", "hd", "cvvhdf"
	Sex           string
	WeightKg      float64
	HeightCm      float64
}

// RangeMg is a weight-based dose computed to numeric endpoints, rounded to
// the nearest whole mg. Display endpoints are additionally rounded to the
// drug's round_to_mg multiple when the KB sets one.
type RangeMg struct {
	LowMg  int `json:"low_mg"`
	HighMg int `json:"high_mg"`
}

// DrugDose is the calculated dose for one drug.
type DrugDose struct {
	DrugID      string `json:"drug_id"`
	DisplayName string `json:"display_name"`
	DrugClass   string `json:"drug_class"`

	Dose         string   `json:"dose"`
	DoseVerbatim string   `json:"dose_verbatim"`
	DoseRangeMg  *RangeMg `json:"dose_range_mg,omitempty"`
	Frequency    string   `json:"frequency"`
	Route        string   `json:"route"`
	Infusion     string   `json:"infusion,omitempty"`
	MaxDose      string   `json:"max_dose,omitempty"`

	// CalculatedDose is the display form of a weight-based dose, rounded to
	// the drug's round_to_mg multiple (vancomycin rounds to 250 mg).
	CalculatedDose string `json:"calculated_dose,omitempty"`

	// LoadingDose is attached as a distinct first dose. It is computed with
	// the same weight rules but without renal adjustment.
	LoadingDose       string   `json:"loading_dose,omitempty"`
	LoadingRangeMg    *RangeMg `json:"loading_range_mg,omitempty"`
	CalculatedLoading string   `json:"calculated_loading,omitempty"`

	WeightSource  string   `json:"weight_source,omitempty"`
	RenalAdjusted bool     `json:"renal_adjusted"`
	RenalBand     string   `json:"renal_band"`
	Monitoring    []string `json:"monitoring,omitempty"`
	Notes         []string `json:"notes,omitempty"`
}

type Calculator struct {
	kb *kb.KB
}

func New(k *kb.KB) *Calculator { return &Calculator{kb: k} }

var mgPerKgRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:[-–]\s*(\d+(?:\.\d+)?))?\s*mg/kg`)

// Calculate resolves the dose for one drug. All failures are structured; no
// silent defaults.
func (c *Calculator) Calculate(drugID string, route string, in Input) (*DrugDose, error) {
	drug, err := c.kb.Drug(drugID)
	if err != nil {
		return nil, err
	}

	spec, ok := drug.Dosing.ByIndication[in.IndicationTag]
	if !ok {
		if drug.Dosing.Default == nil {
			return nil, clinerr.New(clinerr.CodeNoDose,
				"no dose for %s + %s and no default", drugID, in.IndicationTag).
				WithDetail("drug_id", drugID).
				WithDetail("indication_tag", in.IndicationTag)
		}
		spec = *drug.Dosing.Default
	}

	band := Band(in.CrCl, in.Dialysis)

	d := &DrugDose{
		DrugID:       drugID,
		DisplayName:  drug.DisplayName,
		DrugClass:    drug.DrugClass,
		Dose:         spec.Dose,
		DoseVerbatim: spec.Dose,
		Frequency:    spec.Frequency,
		Route:        route,
		Infusion:     spec.Infusion,
		MaxDose:      spec.MaxDose,
		RenalBand:    band,
		Monitoring:   append([]string(nil), drug.Monitoring...),
	}
	if d.Route == "" {
		d.Route = spec.Route
	}

	// Weight-based maintenance dose → numeric endpoints.
	if isWeightBased(spec.Dose) {
		weight, source := DoseWeight(in.Sex, in.HeightCm, in.WeightKg, drug.WeightPolicy)
		d.WeightSource = source
		rng, err := computeRange(spec.Dose, weight)
		if err != nil {
			return nil, clinerr.New(clinerr.CodeNoDose,
				"unparseable weight-based dose %q for %s", spec.Dose, drugID)
		}
		d.DoseRangeMg = rng
		d.Notes = append(d.Notes, fmt.Sprintf("computed for %.0f kg (%s)", weight, source))
	}

	// Renal adjustment. The band table lives in the renal modifier file;
	// the drug record's required flag gates whether it applies at all.
	if drug.RenalAdjustment.Required && band != kb.BandGT50 {
		rule, ok := c.kb.RenalRules().Drugs[drugID]
		if !ok {
			return nil, clinerr.New(clinerr.CodeRenalBandMissing,
				"%s requires renal adjustment but has no band table", drugID)
		}
		override, ok := rule.CrClBands[band]
		if !ok {
			return nil, clinerr.New(clinerr.CodeRenalBandMissing,
				"%s has no entry for band %s", drugID, band).
				WithDetail("drug_id", drugID).
				WithDetail("band", band)
		}
		if !override.NoAdjustment {
			if override.DoseOverride != "" {
				d.Dose = override.DoseOverride
				if isWeightBased(override.DoseOverride) {
					weight, source := DoseWeight(in.Sex, in.HeightCm, in.WeightKg, drug.WeightPolicy)
					d.WeightSource = source
					if rng, err := computeRange(override.DoseOverride, weight); err == nil {
						d.DoseRangeMg = rng
					}
				} else {
					d.DoseRangeMg = nil
				}
			}
			if override.FrequencyOverride != "" {
				d.Frequency = override.FrequencyOverride
			}
			d.RenalAdjusted = true
			note := fmt.Sprintf("dose adjusted for CrCl band %s", band)
			if override.Note != "" {
				note = override.Note
			}
			d.Notes = append(d.Notes, note)
		}
		if rule.MonitoringNote != "" {
			d.Monitoring = append(d.Monitoring, rule.MonitoringNote)
		}
	}

	// Loading dose: present whenever the KB declares one for this
	// drug × indication. Computed without renal adjustment.
	if spec.LoadingDose != "" {
		d.LoadingDose = spec.LoadingDose
		if isWeightBased(spec.LoadingDose) {
			weight, source := DoseWeight(in.Sex, in.HeightCm, in.WeightKg, drug.WeightPolicy)
			if d.WeightSource == "" {
				d.WeightSource = source
			}
			rng, err := computeRange(spec.LoadingDose, weight)
			if err != nil {
				return nil, clinerr.New(clinerr.CodeNoDose,
					"unparseable loading dose %q for %s", spec.LoadingDose, drugID)
			}
			d.LoadingRangeMg = rng
		}
	}

	if d.DoseRangeMg != nil {
		d.CalculatedDose = displayRange(d.DoseRangeMg, drug.Dosing.RoundToMg, d.Route, d.Frequency)
	}
	if d.LoadingRangeMg != nil {
		d.CalculatedLoading = displayRange(d.LoadingRangeMg, drug.Dosing.RoundToMg, d.Route, "once")
	}

	return d, nil
}

// displayRange renders a calculated range for humans, rounding to the
// drug's display multiple (e.g. "1250-1500 mg IV q8-12h").
func displayRange(r *RangeMg, roundToMg int, route, frequency string) string {
	low := roundDisplay(r.LowMg, roundToMg)
	high := roundDisplay(r.HighMg, roundToMg)
	amount := fmt.Sprintf("%d mg", low)
	if high != low {
		amount = fmt.Sprintf("%d-%d mg", low, high)
	}
	parts := []string{amount}
	if route != "" {
		parts = append(parts, route)
	}
	if frequency != "" {
		parts = append(parts, frequency)
	}
	return strings.Join(parts, " ")
}

func roundDisplay(mg, multiple int) int {
	if multiple <= 1 {
		return mg
	}
	return int(math.Round(float64(mg)/float64(multiple))) * multiple
}

func isWeightBased(dose string) bool {
	return strings.Contains(dose, "mg/kg")
}

// computeRange turns "15-20 mg/kg" into numeric endpoints for the given
// weight, rounded to the nearest whole mg. Single values ("25 mg/kg")
// collapse both endpoints.
func computeRange(dose string, weightKg float64) (*RangeMg, error) {
	m := mgPerKgRe.FindStringSubmatch(dose)
	if m == nil {
		return nil, fmt.Errorf("no mg/kg expression in %q", dose)
	}
	low, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil, err
	}
	high := low
	if m[2] != "" {
		if high, err = strconv.ParseFloat(m[2], 64); err != nil {
			return nil, err
		}
	}
	return &RangeMg{
		LowMg:  int(math.Round(low * weightKg)),
		HighMg: int(math.Round(high * weightKg)),
	}, nil
}
