package engine

import (
	"fmt"
	"strings"
)

// Narrative renders a recommendation as deterministic plain text for display.
// It is a formatter only: it has no authority over drug, dose, or route.
func Narrative(r *Recommendation) string {
	var b strings.Builder
	line := strings.Repeat("=", 60)

	fmt.Fprintf(&b, "%s\nANTIBIOTIC RECOMMENDATION\n%s\n\n", line, line)
	fmt.Fprintf(&b, "Infection: %s\n", r.InfectionCategory)
	fmt.Fprintf(&b, "Allergy status: %s\n", r.AllergyClassification)
	if r.PregnancyState != "none" {
		fmt.Fprintf(&b, "Pregnancy: %s\n", r.PregnancyState)
	}
	fmt.Fprintf(&b, "Renal band: %s\n\n", r.RenalBand)

	for i, d := range r.ChosenRegimen.Drugs {
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, d.DisplayName, d.DrugClass)
		if d.LoadingDose != "" {
			if d.CalculatedLoading != "" {
				fmt.Fprintf(&b, "   Loading dose: %s (%s)\n", d.CalculatedLoading, d.LoadingDose)
			} else {
				fmt.Fprintf(&b, "   Loading dose: %s\n", d.LoadingDose)
			}
		}
		if d.CalculatedDose != "" {
			fmt.Fprintf(&b, "   Maintenance: %s (%s)\n", d.CalculatedDose, d.DoseVerbatim)
		} else {
			fmt.Fprintf(&b, "   Dose: %s %s\n", d.Dose, d.Frequency)
		}
		fmt.Fprintf(&b, "   Route: %s\n", d.Route)
		for _, m := range d.Monitoring {
			fmt.Fprintf(&b, "   Monitoring: %s\n", m)
		}
		for _, n := range d.Notes {
			fmt.Fprintf(&b, "   Note: %s\n", n)
		}
		b.WriteString("\n")
	}

	if r.ChosenRegimen.TotalDuration != "" {
		fmt.Fprintf(&b, "Duration: %s\n", r.ChosenRegimen.TotalDuration)
	}

	if len(r.Warnings) > 0 {
		b.WriteString("\nWARNINGS:\n")
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "  - %s\n", w)
		}
	}

	fmt.Fprintf(&b, "\nConfidence: %.2f\n%s\n", r.Confidence, line)
	return b.String()
}
