package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/abx/abx/internal/domain/patient"
	"github.com/abx/abx/internal/kb"
	"github.com/abx/abx/internal/platform/audit"
	"github.com/abx/abx/pkg/clinerr"
)

type staticKB struct{ k *kb.KB }

func (s staticKB) Current() *kb.KB { return s.k }

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	k, err := kb.Load(filepath.Join("..", "..", "..", "guidelines"))
	if err != nil {
		t.Fatalf("load guidelines: %v", err)
	}
	auditDir := t.TempDir()
	e := New(staticKB{k}, Options{
		ConservativeAllergyDefault: true,
		RefuseOnNoRegimen:          true,
	}, audit.New(auditDir, zerolog.Nop()), zerolog.Nop())
	return e, auditDir
}

func drugIDs(r *Recommendation) []string {
	var ids []string
	for _, d := range r.ChosenRegimen.Drugs {
		ids = append(ids, d.DrugID)
	}
	return ids
}

func findDrug(t *testing.T, r *Recommendation, id string) DrugLine {
	t.Helper()
	for _, d := range r.ChosenRegimen.Drugs {
		if d.DrugID == id {
			return d
		}
	}
	t.Fatalf("drug %s not in recommendation %v", id, drugIDs(r))
	return DrugLine{}
}

func equalIDs(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// Scenario: pyelonephritis, no allergy, CrCl 85.
func TestScenarioPyelonephritis(t *testing.T) {
	e, _ := newTestEngine(t)
	rec, err := e.Recommend(context.Background(), &patient.Case{
		Age: 25, Sex: "F", WeightKg: 65, CrCl: 85, InfectionType: "pyelonephritis",
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if !equalIDs(drugIDs(rec), []string{"ceftriaxone"}) {
		t.Errorf("drugs = %v, want [ceftriaxone]", drugIDs(rec))
	}
	d := findDrug(t, rec, "ceftriaxone")
	if d.Dose != "1 g" || d.Frequency != "q24h" || d.Route != "IV" {
		t.Errorf("dose = %s %s %s, want 1 g q24h IV", d.Dose, d.Frequency, d.Route)
	}
	if d.LoadingDose != "" {
		t.Errorf("unexpected loading dose %q", d.LoadingDose)
	}
	if rec.ChosenRegimen.TotalDuration != "7-14 days" {
		t.Errorf("duration = %q", rec.ChosenRegimen.TotalDuration)
	}
}

// Scenario: febrile UTI promotes to pyelonephritis and matches scenario 1.
func TestScenarioFebrileUTI(t *testing.T) {
	e, _ := newTestEngine(t)
	rec, err := e.Recommend(context.Background(), &patient.Case{
		Age: 42, Sex: "F", WeightKg: 70, CrCl: 70, InfectionType: "uti", Fever: true,
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if rec.InfectionCategory != "pyelonephritis" {
		t.Fatalf("category = %q, want pyelonephritis", rec.InfectionCategory)
	}
	if !equalIDs(drugIDs(rec), []string{"ceftriaxone"}) {
		t.Errorf("drugs = %v", drugIDs(rec))
	}
	if d := findDrug(t, rec, "ceftriaxone"); d.Route != "IV" {
		t.Errorf("route = %q", d.Route)
	}
}

// Scenario: intra-abdominal, anaphylaxis, CrCl 66.
func TestScenarioIntraAbdominalAnaphylaxis(t *testing.T) {
	e, _ := newTestEngine(t)
	rec, err := e.Recommend(context.Background(), &patient.Case{
		Age: 55, Sex: "M", WeightKg: 80, CrCl: 66,
		InfectionType: "intra_abdominal",
		AllergiesText: "Penicillin (anaphylaxis)",
		RiskFactors:   []string{"post_surgery"},
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if rec.AllergyClassification != "severe_pcn" {
		t.Errorf("allergy = %q, want severe_pcn", rec.AllergyClassification)
	}
	if !equalIDs(drugIDs(rec), []string{"aztreonam", "metronidazole", "vancomycin"}) {
		t.Errorf("drugs = %v", drugIDs(rec))
	}
	for _, d := range rec.ChosenRegimen.Drugs {
		if d.DrugClass == "cephalosporin" || d.DrugClass == "penicillin" {
			t.Errorf("forbidden class %s present (%s)", d.DrugClass, d.DrugID)
		}
	}
	vanc := findDrug(t, rec, "vancomycin")
	if vanc.DoseRangeMg == nil {
		t.Fatal("vancomycin must carry a weight-based dose range")
	}
	trough := false
	for _, m := range vanc.Monitoring {
		if strings.Contains(m, "trough") {
			trough = true
		}
	}
	if !trough {
		t.Errorf("vancomycin monitoring missing trough entry: %v", vanc.Monitoring)
	}
}

// Scenario: bacteremia with MRSA risk and anaphylaxis, CrCl 44, age 88.
func TestScenarioBacteremiaMRSA(t *testing.T) {
	e, _ := newTestEngine(t)
	rec, err := e.Recommend(context.Background(), &patient.Case{
		Age: 88, Sex: "M", WeightKg: 70, CrCl: 44,
		InfectionType: "bacteremia",
		AllergiesText: "Penicillin (anaphylaxis)",
		RiskFactors:   []string{"mrsa_colonization"},
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if rec.InfectionCategory != "bacteremia_mrsa" {
		t.Fatalf("category = %q, want bacteremia_mrsa", rec.InfectionCategory)
	}
	if !equalIDs(drugIDs(rec), []string{"aztreonam", "vancomycin"}) {
		t.Errorf("drugs = %v", drugIDs(rec))
	}
	vanc := findDrug(t, rec, "vancomycin")
	if !vanc.RenalAdjusted || vanc.Frequency != "q12h" {
		t.Errorf("vancomycin at CrCl 44: adjusted=%v freq=%q, want q12h", vanc.RenalAdjusted, vanc.Frequency)
	}
	elderly := false
	for _, w := range rec.Warnings {
		if strings.Contains(w, "elderly") {
			elderly = true
		}
	}
	if !elderly {
		t.Errorf("warnings missing elderly flag: %v", rec.Warnings)
	}
}

// Scenario: meningitis, no allergy, CrCl 90: high-dose ceftriaxone plus
// vancomycin with a loading dose.
func TestScenarioMeningitis(t *testing.T) {
	e, _ := newTestEngine(t)
	rec, err := e.Recommend(context.Background(), &patient.Case{
		Age: 25, Sex: "M", WeightKg: 75, CrCl: 90, InfectionType: "meningitis",
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if !equalIDs(drugIDs(rec), []string{"ceftriaxone", "vancomycin"}) {
		t.Fatalf("drugs = %v", drugIDs(rec))
	}
	ctri := findDrug(t, rec, "ceftriaxone")
	if ctri.Dose != "2 g" || ctri.Frequency != "q12h" {
		t.Errorf("ceftriaxone = %s %s, want 2 g q12h", ctri.Dose, ctri.Frequency)
	}
	vanc := findDrug(t, rec, "vancomycin")
	if vanc.LoadingDose != "25-30 mg/kg" {
		t.Fatalf("loading dose = %q", vanc.LoadingDose)
	}
	if vanc.LoadingRangeMg == nil || vanc.LoadingRangeMg.LowMg != 1875 || vanc.LoadingRangeMg.HighMg != 2250 {
		t.Errorf("loading range = %+v, want 1875-2250 for 75 kg", vanc.LoadingRangeMg)
	}
}

// Scenario: pregnant pyelonephritis with anaphylaxis: fluoroquinolones are
// blocked by pregnancy, cephalosporins by allergy; aztreonam remains.
func TestScenarioPregnantPyelonephritis(t *testing.T) {
	e, _ := newTestEngine(t)
	rec, err := e.Recommend(context.Background(), &patient.Case{
		Age: 28, Sex: "F", WeightKg: 68, CrCl: 95,
		InfectionType: "pyelonephritis",
		AllergiesText: "Penicillin (anaphylaxis)",
		RiskFactors:   []string{"pregnancy_2nd_trimester"},
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if !equalIDs(drugIDs(rec), []string{"aztreonam"}) {
		t.Fatalf("drugs = %v, want [aztreonam]", drugIDs(rec))
	}
	for _, d := range rec.ChosenRegimen.Drugs {
		if d.DrugClass == "fluoroquinolone" || d.DrugClass == "cephalosporin" {
			t.Errorf("blocked class %s present", d.DrugClass)
		}
	}
	if rec.PregnancyState != "pregnant_trimester_2" {
		t.Errorf("pregnancy state = %q", rec.PregnancyState)
	}
}

func TestDeterminism(t *testing.T) {
	e, _ := newTestEngine(t)
	c := patient.Case{
		Age: 55, Sex: "M", WeightKg: 80, CrCl: 66,
		InfectionType: "intra_abdominal",
		AllergiesText: "Penicillin (anaphylaxis)",
	}
	a, err := e.Recommend(context.Background(), &c)
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Recommend(context.Background(), &c)
	if err != nil {
		t.Fatal(err)
	}

	// Byte-identical except request id and timestamps.
	a.RequestID, b.RequestID = "", ""
	a.EmittedAt, b.EmittedAt = time.Time{}, time.Time{}
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	if string(aj) != string(bj) {
		t.Errorf("recommendations differ:\n%s\n%s", aj, bj)
	}
}

func TestBadCase(t *testing.T) {
	e, _ := newTestEngine(t)

	// Missing infection type.
	_, err := e.Recommend(context.Background(), &patient.Case{Age: 40, CrCl: 80})
	if clinerr.CodeOf(err) != clinerr.CodeBadCase {
		t.Errorf("expected ERR_BAD_CASE, got %v", err)
	}

	// Missing renal inputs entirely.
	_, err = e.Recommend(context.Background(), &patient.Case{Age: 40, InfectionType: "uti"})
	if clinerr.CodeOf(err) != clinerr.CodeBadCase {
		t.Errorf("expected ERR_BAD_CASE without crcl, got %v", err)
	}

	// Oversized free-text field.
	_, err = e.Recommend(context.Background(), &patient.Case{
		Age: 40, CrCl: 80, InfectionType: "uti",
		SymptomsText: strings.Repeat("x", 5000),
	})
	if clinerr.CodeOf(err) != clinerr.CodeBadCase {
		t.Errorf("expected ERR_BAD_CASE for oversized field, got %v", err)
	}
}

func TestCockcroftGaultFallback(t *testing.T) {
	e, _ := newTestEngine(t)
	// No CrCl given: (140-40)*70/(72*1.0) = 97 → gt50 band.
	rec, err := e.Recommend(context.Background(), &patient.Case{
		Age: 40, Sex: "M", WeightKg: 70, CreatinineMgDL: 1.0,
		InfectionType: "pyelonephritis",
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if rec.RenalBand != kb.BandGT50 {
		t.Errorf("band = %q, want gt50", rec.RenalBand)
	}
}

func TestUnclassifiedInfectionSurfaces(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Recommend(context.Background(), &patient.Case{
		Age: 40, Sex: "M", WeightKg: 70, CrCl: 80, InfectionType: "space plague",
	})
	if clinerr.CodeOf(err) != clinerr.CodeUnclassifiedInfection {
		t.Fatalf("expected ERR_UNCLASSIFIED_INFECTION, got %v", err)
	}
}

func TestConservativeAllergyWarningSurfaces(t *testing.T) {
	e, _ := newTestEngine(t)
	rec, err := e.Recommend(context.Background(), &patient.Case{
		Age: 40, Sex: "M", WeightKg: 70, CrCl: 80,
		InfectionType: "pyelonephritis",
		AllergiesText: "penicillin, details unknown",
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	found := false
	for _, w := range rec.Warnings {
		if strings.Contains(w, "treated conservatively") {
			found = true
		}
	}
	if !found {
		t.Errorf("conservative-default decision must be visible in warnings: %v", rec.Warnings)
	}
	if rec.AllergyClassification != "severe_pcn" {
		t.Errorf("classification = %q", rec.AllergyClassification)
	}
}

func TestAuditEntryWritten(t *testing.T) {
	e, auditDir := newTestEngine(t)
	rec, err := e.Recommend(context.Background(), &patient.Case{
		Age: 25, Sex: "F", WeightKg: 65, CrCl: 85, InfectionType: "pyelonephritis",
	})
	if err != nil {
		t.Fatal(err)
	}

	files, err := filepath.Glob(filepath.Join(auditDir, "audit-*.log"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one audit file, got %v (%v)", files, err)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	var entry audit.Entry
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatalf("audit line is not JSON: %v", err)
	}
	if entry.RequestID != rec.RequestID {
		t.Errorf("audit request id %q != %q", entry.RequestID, rec.RequestID)
	}
	if entry.Status != "ok" || entry.InfectionCategory != "pyelonephritis" {
		t.Errorf("entry = %+v", entry)
	}
	// P9: no deny-listed field names in the audit input.
	for _, deny := range []string{"name", "mrn", "dob", "admission_date"} {
		if _, ok := entry.Input[deny]; ok {
			t.Errorf("audit input carries deny-listed key %q", deny)
		}
	}
	if entry.Provenance.IndexVersion == "" {
		t.Error("audit entry missing provenance")
	}
}

func TestAuditEntryOnError(t *testing.T) {
	e, auditDir := newTestEngine(t)
	_, err := e.Recommend(context.Background(), &patient.Case{
		Age: 40, Sex: "M", WeightKg: 70, CrCl: 80, InfectionType: "space plague",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	files, _ := filepath.Glob(filepath.Join(auditDir, "audit-*.log"))
	if len(files) != 1 {
		t.Fatalf("error path must still audit, got %v", files)
	}
	data, _ := os.ReadFile(files[0])
	var entry audit.Entry
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatal(err)
	}
	if entry.Status != "error" || entry.Error == nil {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Error.Code != clinerr.CodeUnclassifiedInfection {
		t.Errorf("error code = %q", entry.Error.Code)
	}
}

func TestCancelledRequestWritesNoAudit(t *testing.T) {
	e, auditDir := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Recommend(ctx, &patient.Case{
		Age: 25, Sex: "F", WeightKg: 65, CrCl: 85, InfectionType: "pyelonephritis",
	})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	files, _ := filepath.Glob(filepath.Join(auditDir, "audit-*.log"))
	if len(files) != 0 {
		t.Errorf("cancelled request must not write a partial audit record: %v", files)
	}
}

func TestNarrativeIsDeterministicFormatterOnly(t *testing.T) {
	e, _ := newTestEngine(t)
	rec, err := e.Recommend(context.Background(), &patient.Case{
		Age: 25, Sex: "M", WeightKg: 75, CrCl: 90, InfectionType: "meningitis",
	})
	if err != nil {
		t.Fatal(err)
	}
	n1 := Narrative(rec)
	n2 := Narrative(rec)
	if n1 != n2 {
		t.Error("narrative must be deterministic")
	}
	if !strings.Contains(n1, "Ceftriaxone") || !strings.Contains(n1, "Loading dose") {
		t.Errorf("narrative missing expected sections:\n%s", n1)
	}
}

func TestConfidenceFloorsAndSoftMisses(t *testing.T) {
	e, _ := newTestEngine(t)
	// Weight-based drug with no height: one soft miss → 0.8.
	rec, err := e.Recommend(context.Background(), &patient.Case{
		Age: 55, Sex: "M", WeightKg: 80, CrCl: 66,
		InfectionType: "intra_abdominal",
		AllergiesText: "Penicillin (anaphylaxis)",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Confidence != 0.8 {
		t.Errorf("confidence = %.2f, want 0.8 (one soft miss)", rec.Confidence)
	}

	// Fixed-dose regimen, no misses → 0.9.
	rec, err = e.Recommend(context.Background(), &patient.Case{
		Age: 25, Sex: "F", WeightKg: 65, CrCl: 85, InfectionType: "pyelonephritis",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Confidence != 0.9 {
		t.Errorf("confidence = %.2f, want 0.9", rec.Confidence)
	}

	// Five misses plus one reducing warning (0.9-0.5-0.2) hit the 0.3 floor.
	if got := confidence(5, 1); got != 0.3 {
		t.Errorf("confidence(5, 1) = %.2f, want 0.3 floor", got)
	}
}
