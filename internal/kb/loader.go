package kb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/abx/abx/pkg/clinerr"
)

// KB is an immutable, validated snapshot of the guideline corpus. It is safe
// to share across requests without locking; a reload builds a new value.
type KB struct {
	infections map[string]*InfectionRecord
	drugs      map[string]*DrugRecord

	allergyRules   *AllergyRules
	pregnancyRules *PregnancyRules
	renalRules     *RenalRules

	provenance Provenance
	warnings   []string // non-fatal findings (orphan drugs)
}

// Infection returns the infection record or ERR_UNKNOWN_INFECTION.
func (k *KB) Infection(id string) (*InfectionRecord, error) {
	rec, ok := k.infections[id]
	if !ok {
		return nil, clinerr.New(clinerr.CodeUnknownInfection, "unknown infection %q", id)
	}
	return rec, nil
}

// Drug returns the drug record or ERR_UNKNOWN_DRUG.
func (k *KB) Drug(id string) (*DrugRecord, error) {
	rec, ok := k.drugs[id]
	if !ok {
		return nil, clinerr.New(clinerr.CodeUnknownDrug, "unknown drug %q", id)
	}
	return rec, nil
}

// HasInfection reports whether id is a known infection category.
func (k *KB) HasInfection(id string) bool {
	_, ok := k.infections[id]
	return ok
}

func (k *KB) AllergyRules() *AllergyRules     { return k.allergyRules }
func (k *KB) PregnancyRules() *PregnancyRules { return k.pregnancyRules }
func (k *KB) RenalRules() *RenalRules         { return k.renalRules }
func (k *KB) Provenance() Provenance          { return k.provenance }

// Warnings returns non-fatal load findings such as orphan drugs.
func (k *KB) Warnings() []string { return k.warnings }

// InfectionIDs returns all loaded infection ids, sorted.
func (k *KB) InfectionIDs() []string {
	ids := make([]string, 0, len(k.infections))
	for id := range k.infections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DrugIDs returns all loaded drug ids, sorted.
func (k *KB) DrugIDs() []string {
	ids := make([]string, 0, len(k.drugs))
	for id := range k.drugs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadError aggregates every failing file and field from a load attempt.
// Partial loads are forbidden: any entry makes the whole load fail.
type LoadError struct {
	Problems []string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %d problem(s): %s",
		clinerr.CodeKBLoad, len(e.Problems), strings.Join(e.Problems, "; "))
}

// Code lets handlers map a LoadError to the shared taxonomy.
func (e *LoadError) Code() string { return clinerr.CodeKBLoad }

// Load reads the corpus at dir. It reads index.json first, then every file
// the index lists in order, validates each record and the cross-references,
// and returns an immutable KB. Any failure aborts the whole load.
func Load(dir string) (*KB, error) {
	le := &LoadError{}

	indexPath := filepath.Join(dir, "index.json")
	var idx Index
	if err := readJSON(indexPath, &idx); err != nil {
		le.Problems = append(le.Problems, fmt.Sprintf("index.json: %v", err))
		return nil, le
	}
	if len(idx.LoadingOrder) == 0 {
		le.Problems = append(le.Problems, "index.json: loading_order is empty")
		return nil, le
	}

	k := &KB{
		infections: make(map[string]*InfectionRecord),
		drugs:      make(map[string]*DrugRecord),
		provenance: Provenance{
			IndexVersion:          idx.Version,
			InfectionFileVersions: make(map[string]string),
			DrugFileVersions:      make(map[string]string),
			ModifierVersions:      make(map[string]string),
		},
	}

	for _, rel := range idx.LoadingOrder {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		switch {
		case strings.HasPrefix(rel, "infections/"):
			k.loadInfection(rel, path, le)
		case strings.HasPrefix(rel, "drugs/"):
			k.loadDrug(rel, path, le)
		case strings.HasPrefix(rel, "modifiers/"):
			k.loadModifier(rel, path, le)
		default:
			le.Problems = append(le.Problems, fmt.Sprintf("%s: unknown file kind in loading_order", rel))
		}
	}

	if len(le.Problems) > 0 {
		return nil, le
	}

	if k.allergyRules == nil {
		le.Problems = append(le.Problems, "modifiers/allergy_rules.json: not listed in loading_order")
	}
	if k.pregnancyRules == nil {
		le.Problems = append(le.Problems, "modifiers/pregnancy_rules.json: not listed in loading_order")
	}
	if k.renalRules == nil {
		le.Problems = append(le.Problems, "modifiers/renal_adjustment_rules.json: not listed in loading_order")
	}
	if len(le.Problems) > 0 {
		return nil, le
	}

	k.validate(le)
	if len(le.Problems) > 0 {
		return nil, le
	}
	return k, nil
}

func (k *KB) loadInfection(rel, path string, le *LoadError) {
	var rec InfectionRecord
	if err := readJSON(path, &rec); err != nil {
		le.Problems = append(le.Problems, fmt.Sprintf("%s: %v", rel, err))
		return
	}
	for _, p := range validateInfection(&rec) {
		le.Problems = append(le.Problems, fmt.Sprintf("%s: %s", rel, p))
	}
	if rec.ID == "" {
		return
	}
	if _, dup := k.infections[rec.ID]; dup {
		le.Problems = append(le.Problems, fmt.Sprintf("%s: duplicate infection id %q", rel, rec.ID))
		return
	}
	k.infections[rec.ID] = &rec
	k.provenance.InfectionFileVersions[rec.ID] = rec.Version
}

func (k *KB) loadDrug(rel, path string, le *LoadError) {
	var rec DrugRecord
	if err := readJSON(path, &rec); err != nil {
		le.Problems = append(le.Problems, fmt.Sprintf("%s: %v", rel, err))
		return
	}
	for _, p := range validateDrug(&rec) {
		le.Problems = append(le.Problems, fmt.Sprintf("%s: %s", rel, p))
	}
	if rec.ID == "" {
		return
	}
	if _, dup := k.drugs[rec.ID]; dup {
		le.Problems = append(le.Problems, fmt.Sprintf("%s: duplicate drug id %q", rel, rec.ID))
		return
	}
	k.drugs[rec.ID] = &rec
	k.provenance.DrugFileVersions[rec.ID] = rec.Version
}

func (k *KB) loadModifier(rel, path string, le *LoadError) {
	name := strings.TrimSuffix(filepath.Base(path), ".json")
	switch name {
	case "allergy_rules":
		var m AllergyRules
		if err := readJSON(path, &m); err != nil {
			le.Problems = append(le.Problems, fmt.Sprintf("%s: %v", rel, err))
			return
		}
		for _, p := range validateAllergyRules(&m) {
			le.Problems = append(le.Problems, fmt.Sprintf("%s: %s", rel, p))
		}
		k.allergyRules = &m
		k.provenance.ModifierVersions[name] = m.Version
	case "pregnancy_rules":
		var m PregnancyRules
		if err := readJSON(path, &m); err != nil {
			le.Problems = append(le.Problems, fmt.Sprintf("%s: %v", rel, err))
			return
		}
		for _, p := range validatePregnancyRules(&m) {
			le.Problems = append(le.Problems, fmt.Sprintf("%s: %s", rel, p))
		}
		k.pregnancyRules = &m
		k.provenance.ModifierVersions[name] = m.Version
	case "renal_adjustment_rules":
		var m RenalRules
		if err := readJSON(path, &m); err != nil {
			le.Problems = append(le.Problems, fmt.Sprintf("%s: %v", rel, err))
			return
		}
		for _, p := range validateRenalRules(&m) {
			le.Problems = append(le.Problems, fmt.Sprintf("%s: %s", rel, p))
		}
		k.renalRules = &m
		k.provenance.ModifierVersions[name] = m.Version
	default:
		le.Problems = append(le.Problems, fmt.Sprintf("%s: unknown modifier %q", rel, name))
	}
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		// An unknown field is reported as a schema violation; the decoder
		// message names the offending field.
		if strings.Contains(err.Error(), "unknown field") {
			return fmt.Errorf("schema violation: %v", err)
		}
		return err
	}
	return nil
}

// Store holds the current KB snapshot and supports hot reload between
// requests. In-flight requests keep the snapshot they started with.
type Store struct {
	dir string
	cur atomic.Pointer[KB]
}

// NewStore loads the corpus at dir and returns a store wrapping it.
func NewStore(dir string) (*Store, error) {
	k, err := Load(dir)
	if err != nil {
		return nil, err
	}
	s := &Store{dir: dir}
	s.cur.Store(k)
	return s, nil
}

// Current returns the active snapshot.
func (s *Store) Current() *KB { return s.cur.Load() }

// Reload builds a new snapshot from disk and swaps it in. On failure the old
// snapshot stays active and the load error is returned.
func (s *Store) Reload() (*KB, error) {
	k, err := Load(s.dir)
	if err != nil {
		return nil, err
	}
	s.cur.Store(k)
	return k, nil
}
