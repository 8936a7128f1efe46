// Package engine composes the recommendation pipeline: infection and allergy
// classification, regimen selection, dose calculation, warning assembly, and
// the audit record. The pipeline is CPU-bound over the in-memory KB; each
// request uses the KB snapshot active when it started.
package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/abx/abx/internal/domain/allergy"
	"github.com/abx/abx/internal/domain/dosing"
	"github.com/abx/abx/internal/domain/infection"
	"github.com/abx/abx/internal/domain/patient"
	"github.com/abx/abx/internal/domain/selector"
	"github.com/abx/abx/internal/kb"
	"github.com/abx/abx/internal/platform/audit"
	"github.com/abx/abx/pkg/clinerr"
)

// maxFreeTextBytes caps the free-text case fields.
const maxFreeTextBytes = 4096

// KBProvider yields the active KB snapshot. A reload swaps the snapshot
// between requests; in-flight requests keep the one they started with.
type KBProvider interface {
	Current() *kb.KB
}

// Options are the clinical configuration switches.
type Options struct {
	ConservativeAllergyDefault bool
	RefuseOnNoRegimen          bool
	CGRoundCreatinine          bool
}

type Engine struct {
	kbp   KBProvider
	opts  Options
	audit *audit.Logger
	log   zerolog.Logger
	now   func() time.Time
	newID func() string
}

func New(kbp KBProvider, opts Options, auditLog *audit.Logger, log zerolog.Logger) *Engine {
	return &Engine{
		kbp:   kbp,
		opts:  opts,
		audit: auditLog,
		log:   log,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// Recommend runs the full pipeline for one case. Request-scoped failures
// come back as *clinerr.Error values; they are surfaced, never guessed
// around. An audit entry is written for both outcomes unless the caller
// cancelled first.
func (e *Engine) Recommend(ctx context.Context, c *patient.Case) (*Recommendation, error) {
	start := e.now()
	requestID := e.newID()
	k := e.kbp.Current()

	rec, err := e.run(k, c, requestID)

	// Cancellation: abandon without a partial audit record.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	entry := audit.Entry{
		Timestamp:  e.now(),
		RequestID:  requestID,
		Status:     "ok",
		Input:      caseInput(c),
		DurationMs: float64(e.now().Sub(start)) / float64(time.Millisecond),
		Provenance: k.Provenance(),
	}
	if err != nil {
		entry.Status = "error"
		if ce, ok := clinerr.AsError(err); ok {
			entry.Error = ce
		} else {
			entry.Error = &clinerr.Error{Code: "INTERNAL", Message: err.Error()}
		}
	} else {
		entry.InfectionCategory = rec.InfectionCategory
		entry.AllergyClassification = rec.AllergyClassification
		entry.PregnancyState = rec.PregnancyState
		entry.RenalBand = rec.RenalBand
		entry.Confidence = rec.Confidence
		for _, d := range rec.ChosenRegimen.Drugs {
			entry.ChosenDrugIDs = append(entry.ChosenDrugIDs, d.DrugID)
		}
	}
	if aerr := e.audit.Record(entry); aerr != nil {
		// Transient I/O on the audit path never suppresses the response.
		e.log.Error().Err(aerr).Str("request_id", requestID).Msg("audit write failed")
	}

	if err != nil {
		// Every response carries the request id, error responses included.
		if ce, ok := clinerr.AsError(err); ok {
			ce.WithDetail("request_id", requestID)
		}
		return nil, err
	}
	rec.RequestID = requestID
	return rec, nil
}

func (e *Engine) run(k *kb.KB, c *patient.Case, requestID string) (*Recommendation, error) {
	if err := validateCase(c); err != nil {
		return nil, err
	}

	crcl := c.CrCl
	if crcl <= 0 {
		crcl = dosing.CockcroftGault(c.Age, c.WeightKg, c.CreatinineMgDL, c.Sex, e.opts.CGRoundCreatinine)
	}
	band := dosing.Band(crcl, c.Dialysis)

	category, err := infection.Classify(k, c)
	if err != nil {
		return nil, err
	}

	cls := allergy.NewClassifier(k.AllergyRules(), e.opts.ConservativeAllergyDefault).
		Classify(c.AllergiesText)

	pregnant, trimester := c.Pregnancy()

	sel, err := selector.New(k).Select(selector.Input{
		Category:  category,
		Allergy:   cls,
		Pregnant:  pregnant,
		Trimester: trimester,
		MRSARisk:  c.MRSARisk(),
	})
	if err != nil {
		if clinerr.CodeOf(err) == clinerr.CodeNoRegimen && !e.opts.RefuseOnNoRegimen {
			// Test-bench behavior only; production config pins refusal on.
			return e.emptyRecommendation(k, c, category, cls, band, err), nil
		}
		return nil, err
	}

	inf, err := k.Infection(category)
	if err != nil {
		return nil, err
	}

	calc := dosing.New(k)
	regimen := Regimen{
		TotalDuration: inf.DefaultDuration,
		IndicationTag: sel.IndicationTag,
	}
	for _, drugID := range sel.DrugIDs {
		d, err := calc.Calculate(drugID, sel.Routes[drugID], dosing.Input{
			IndicationTag: sel.IndicationTag,
			CrCl:          crcl,
			Dialysis:      c.Dialysis,
			Sex:           c.Sex,
			WeightKg:      c.WeightKg,
			HeightCm:      c.HeightCm,
		})
		if err != nil {
			return nil, err
		}
		regimen.Drugs = append(regimen.Drugs, DrugLine{DrugDose: *d, Rationale: sel.Rationale})
	}

	warnings, reducing := e.assembleWarnings(inf, c, cls, crcl, pregnant)
	softMisses := append([]string(nil), sel.SoftMisses...)
	if missesHeight(regimen.Drugs, c) {
		softMisses = append(softMisses,
			"weight-based dose computed from total body weight (no height provided)")
	}

	rec := &Recommendation{
		RequestID:             requestID,
		EngineVersion:         Version,
		InfectionCategory:     category,
		AllergyClassification: cls.Severity,
		PregnancyState:        pregnancyState(pregnant, trimester),
		RenalBand:             band,
		ChosenRegimen:         regimen,
		Warnings:              append(warnings, softMisses...),
		Confidence:            confidence(len(softMisses), reducing),
		Provenance:            k.Provenance(),
		EmittedAt:             e.now(),
	}
	return rec, nil
}

// validateCase enforces the request shape: age, infection type, and either a
// CrCl, a dialysis modality, or the Cockcroft-Gault inputs. Free-text fields
// are capped at 4 KiB.
func validateCase(c *patient.Case) error {
	if c == nil {
		return clinerr.New(clinerr.CodeBadCase, "missing patient case")
	}
	var missing []string
	if c.Age <= 0 {
		missing = append(missing, "age")
	}
	if c.InfectionType == "" {
		missing = append(missing, "infection_type")
	}
	if c.CrCl <= 0 && c.Dialysis == "" {
		if c.CreatinineMgDL <= 0 || c.WeightKg <= 0 || c.Age <= 0 || c.Sex == "" {
			missing = append(missing, "crcl (or creatinine_mg_dl+age+sex+weight_kg)")
		}
	}
	if len(missing) > 0 {
		return clinerr.New(clinerr.CodeBadCase, "required fields absent").
			WithDetail("missing", missing)
	}
	for name, text := range map[string]string{
		"symptoms_text":  c.SymptomsText,
		"allergies_text": c.AllergiesText,
	} {
		if len(text) > maxFreeTextBytes {
			return clinerr.New(clinerr.CodeBadCase, "field %s exceeds %d bytes", name, maxFreeTextBytes)
		}
	}
	return nil
}

// assembleWarnings builds the warning list and counts KB warnings flagged as
// confidence-reducing.
func (e *Engine) assembleWarnings(inf *kb.InfectionRecord, c *patient.Case, cls allergy.Classification, crcl float64, pregnant bool) ([]string, int) {
	var warnings []string
	reducing := 0

	if c.Age >= 75 {
		warnings = append(warnings, "elderly patient (age >= 75): monitor closely for adverse effects")
	}
	if crcl > 0 && crcl < 30 {
		warnings = append(warnings, fmt.Sprintf("severe renal impairment (CrCl %.0f mL/min): pharmacist review advised", crcl))
	}
	if c.Neutropenic() {
		warnings = append(warnings, "neutropenia: broaden coverage per local febrile neutropenia pathway")
	}
	if pregnant {
		warnings = append(warnings, "pregnancy: regimen filtered against pregnancy contraindications")
	}
	warnings = append(warnings, cls.Notes...)
	if len(c.PriorResistance) > 0 {
		// Escalation on resistance history is future work; the flag is
		// surfaced, never acted on.
		warnings = append(warnings, fmt.Sprintf(
			"prior resistance history (%v) noted but not used for escalation", c.PriorResistance))
	}
	for _, w := range inf.CriticalWarnings {
		warnings = append(warnings, w.Text)
		if w.ReducesConfidence {
			reducing++
		}
	}
	return warnings, reducing
}

// confidence starts at 0.9, loses 0.1 per unmatched soft preference and 0.2
// per confidence-reducing KB warning, and never drops below 0.3.
func confidence(softMisses, reducingWarnings int) float64 {
	score := 0.9 - 0.1*float64(softMisses) - 0.2*float64(reducingWarnings)
	if score < 0.3 {
		score = 0.3
	}
	return math.Round(score*100) / 100
}

func (e *Engine) emptyRecommendation(k *kb.KB, c *patient.Case, category string, cls allergy.Classification, band string, selErr error) *Recommendation {
	pregnant, trimester := c.Pregnancy()
	warnings := []string{"no regimen survived the safety filters: no recommendation made"}
	if ce, ok := clinerr.AsError(selErr); ok {
		warnings = append(warnings, ce.Message)
	}
	return &Recommendation{
		EngineVersion:         Version,
		InfectionCategory:     category,
		AllergyClassification: cls.Severity,
		PregnancyState:        pregnancyState(pregnant, trimester),
		RenalBand:             band,
		Warnings:              warnings,
		Confidence:            0.3,
		Provenance:            k.Provenance(),
		EmittedAt:             e.now(),
	}
}

func pregnancyState(pregnant bool, trimester int) string {
	if !pregnant {
		return "none"
	}
	if trimester == 0 {
		return "pregnant"
	}
	return fmt.Sprintf("pregnant_trimester_%d", trimester)
}

func missesHeight(drugs []DrugLine, c *patient.Case) bool {
	if c.HeightCm > 0 {
		return false
	}
	for _, d := range drugs {
		if d.WeightSource == dosing.WeightTBW && d.DoseRangeMg != nil {
			return true
		}
	}
	return false
}

// caseInput builds the de-identified input block for the audit record.
func caseInput(c *patient.Case) map[string]interface{} {
	if c == nil {
		return nil
	}
	in := map[string]interface{}{
		"age":            c.Age,
		"sex":            c.Sex,
		"weight_kg":      c.WeightKg,
		"infection_type": c.InfectionType,
		"location":       c.Location,
		"fever":          c.Fever,
	}
	if c.CrCl > 0 {
		in["crcl"] = c.CrCl
	}
	if c.Dialysis != "" {
		in["dialysis"] = c.Dialysis
	}
	if len(c.RiskFactors) > 0 {
		in["risk_factors"] = c.RiskFactors
	}
	return in
}
