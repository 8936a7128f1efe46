package dosing

import (
	"strings"

	"github.com/abx/abx/internal/kb"
)

// Band maps a creatinine clearance and dialysis modality to a KB band id.
// Dialysis wins over the numeric CrCl.
func Band(crcl float64, dialysis string) string {
	switch strings.ToLower(strings.TrimSpace(dialysis)) {
	case "hd":
		return kb.BandHD
	case "cvvhdf":
		return kb.BandCVVHDF
	}
	switch {
	case crcl > 50:
		return kb.BandGT50
	case crcl >= 30:
		return kb.Band30To50
	case crcl >= 10:
		return kb.Band10To29
	default:
		return kb.BandLT10
	}
}

// CockcroftGault estimates creatinine clearance in mL/min:
//
//	CrCl = (140 − age) × weight / (72 × Scr), ×0.85 for females
//
// When roundCreatinine is set, serum creatinine is floored at 1.0 mg/dL,
// the conservative variant for low-creatinine elderly patients. The variant
// in use is a documented configuration choice.
func CockcroftGault(age int, weightKg, serumCreatinine float64, sex string, roundCreatinine bool) float64 {
	if age <= 0 || weightKg <= 0 || serumCreatinine <= 0 {
		return 0
	}
	scr := serumCreatinine
	if roundCreatinine && scr < 1.0 {
		scr = 1.0
	}
	crcl := float64(140-age) * weightKg / (72 * scr)
	if strings.EqualFold(sex, "F") || strings.EqualFold(sex, "female") {
		crcl *= 0.85
	}
	if crcl < 0 {
		return 0
	}
	return crcl
}
