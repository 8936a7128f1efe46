package dosing

import (
	"math"
	"testing"

	"github.com/abx/abx/internal/kb"
)

func TestBand(t *testing.T) {
	tests := []struct {
		crcl     float64
		dialysis string
		want     string
	}{
		{85, "", kb.BandGT50},
		{51, "", kb.BandGT50},
		{50, "", kb.Band30To50},
		{44, "", kb.Band30To50},
		{30, "", kb.Band30To50},
		{29, "", kb.Band10To29},
		{10, "", kb.Band10To29},
		{9, "", kb.BandLT10},
		{0, "", kb.BandLT10},
		{85, "hd", kb.BandHD},
		{85, "cvvhdf", kb.BandCVVHDF},
		{12, "HD", kb.BandHD},
	}
	for _, tt := range tests {
		if got := Band(tt.crcl, tt.dialysis); got != tt.want {
			t.Errorf("Band(%.0f, %q) = %s, want %s", tt.crcl, tt.dialysis, got, tt.want)
		}
	}
}

func TestCockcroftGault(t *testing.T) {
	// 40yo male, 72 kg, Scr 1.0: (140-40)*72/(72*1.0) = 100
	if got := CockcroftGault(40, 72, 1.0, "M", false); math.Abs(got-100) > 0.1 {
		t.Errorf("CG male = %.1f, want 100", got)
	}
	// Female factor 0.85.
	if got := CockcroftGault(40, 72, 1.0, "F", false); math.Abs(got-85) > 0.1 {
		t.Errorf("CG female = %.1f, want 85", got)
	}
	// Zeroed inputs yield 0, not a division blowup.
	if got := CockcroftGault(40, 72, 0, "M", false); got != 0 {
		t.Errorf("CG with no creatinine = %.1f, want 0", got)
	}
}

func TestCockcroftGaultCreatinineFloor(t *testing.T) {
	// 85yo female, 50 kg, Scr 0.4: unrounded gives an implausibly high
	// clearance; the floor variant caps Scr at 1.0.
	unrounded := CockcroftGault(85, 50, 0.4, "F", false)
	floored := CockcroftGault(85, 50, 0.4, "F", true)

	wantUnrounded := (140.0 - 85) * 50 / (72 * 0.4) * 0.85
	wantFloored := (140.0 - 85) * 50 / (72 * 1.0) * 0.85
	if math.Abs(unrounded-wantUnrounded) > 0.1 {
		t.Errorf("unrounded = %.1f, want %.1f", unrounded, wantUnrounded)
	}
	if math.Abs(floored-wantFloored) > 0.1 {
		t.Errorf("floored = %.1f, want %.1f", floored, wantFloored)
	}
	if floored >= unrounded {
		t.Error("floored variant must be lower than unrounded for Scr < 1.0")
	}

	// At or above Scr 1.0 the variants agree.
	a := CockcroftGault(60, 70, 1.3, "M", false)
	b := CockcroftGault(60, 70, 1.3, "M", true)
	if a != b {
		t.Errorf("variants diverge above the floor: %.2f vs %.2f", a, b)
	}
}
