// Package selector chooses an empiric regimen satisfying the safety
// invariants: allergy, pregnancy and route filters run in order over the
// KB-declared candidate list, and the first survivor wins.
package selector

import (
	"fmt"
	"strings"

	"github.com/abx/abx/internal/domain/allergy"
	"github.com/abx/abx/internal/kb"
	"github.com/abx/abx/pkg/clinerr"
)

// Input is the classified case the selector works from.
type Input struct {
	Category  string
	Allergy   allergy.Classification
	Pregnant  bool
	Trimester int // 0 when unknown
	MRSARisk  bool
}

// Selection is the chosen regimen.
type Selection struct {
	DrugIDs        []string `json:"drug_ids"`
	IndicationTag  string   `json:"indication_tag"`
	PreferredRoute string   `json:"preferred_route"`
	Rationale      string   `json:"rationale"`
	// Routes maps drug id to the route chosen for it.
	Routes map[string]string `json:"routes"`
	// SoftMisses lists preferences that could not be honored; the engine
	// lowers confidence for each one.
	SoftMisses []string `json:"soft_misses,omitempty"`
}

// Removal records why a candidate regimen was dropped, for ERR_NO_REGIMEN
// debuggability.
type Removal struct {
	RegimenIndex int      `json:"regimen_index"`
	DrugIDs      []string `json:"drug_ids"`
	Filter       string   `json:"filter"`
	Reason       string   `json:"reason"`
}

type Selector struct {
	kb *kb.KB
}

func New(k *kb.KB) *Selector { return &Selector{kb: k} }

// Select walks the infection's regimens in KB preference order, applying the
// filters of the drug-selection pipeline. It never fabricates a drug: when
// nothing survives it returns ERR_NO_REGIMEN with every removal listed.
func (s *Selector) Select(in Input) (*Selection, error) {
	inf, err := s.kb.Infection(in.Category)
	if err != nil {
		return nil, err
	}

	var removals []Removal
	statuses := in.Allergy.RegimenStatuses()

	for i, reg := range inf.Regimens {
		// Regimens gated on MRSA risk only apply when the risk is present.
		if reg.MRSARisk && !in.MRSARisk {
			removals = append(removals, Removal{
				RegimenIndex: i, DrugIDs: reg.DrugIDs,
				Filter: "mrsa_gate", Reason: "regimen requires MRSA risk",
			})
			continue
		}

		if !matchesStatus(reg.AllergyStatus, statuses) {
			removals = append(removals, Removal{
				RegimenIndex: i, DrugIDs: reg.DrugIDs,
				Filter: "allergy_status",
				Reason: fmt.Sprintf("regimen allergy_status %q does not match classification %q", reg.AllergyStatus, in.Allergy.Severity),
			})
			continue
		}

		// Belt-and-braces class check. Logically redundant when the KB is
		// consistent, but it runs unconditionally (invariant 1).
		if drugID, class, hit := s.forbiddenClassHit(reg, in.Allergy); hit {
			removals = append(removals, Removal{
				RegimenIndex: i, DrugIDs: reg.DrugIDs,
				Filter: "forbidden_class",
				Reason: fmt.Sprintf("drug %q is class %q, forbidden for %s", drugID, class, in.Allergy.Severity),
			})
			continue
		}

		if in.Pregnant {
			if drugID, reason, hit := s.pregnancyHit(reg, in.Trimester); hit {
				removals = append(removals, Removal{
					RegimenIndex: i, DrugIDs: reg.DrugIDs,
					Filter: "pregnancy",
					Reason: fmt.Sprintf("drug %q: %s", drugID, reason),
				})
				continue
			}
		}

		routes, drugID, ok := s.resolveRoutes(inf, reg)
		if !ok {
			removals = append(removals, Removal{
				RegimenIndex: i, DrugIDs: reg.DrugIDs,
				Filter: "route",
				Reason: fmt.Sprintf("drug %q has no %s route but the infection requires it", drugID, inf.ClassificationRules.RouteRequired),
			})
			continue
		}

		sel := &Selection{
			DrugIDs:        append([]string(nil), reg.DrugIDs...),
			IndicationTag:  inf.IndicationTag,
			PreferredRoute: preferredRoute(inf, reg),
			Rationale:      reg.Rationale,
			Routes:         routes,
		}
		if in.Pregnant && reg.PregnancyStatus != "preferred" && hasPreferredForPregnancy(inf) {
			sel.SoftMisses = append(sel.SoftMisses,
				"patient is pregnant but the chosen regimen is not the pregnancy-preferred one")
		}
		return sel, nil
	}

	cerr := clinerr.New(clinerr.CodeNoRegimen,
		"no regimen for %s survives the safety filters", in.Category)
	cerr.WithDetail("infection_category", in.Category)
	cerr.WithDetail("allergy_classification", in.Allergy.Severity)
	cerr.WithDetail("removals", removals)
	return nil, cerr
}

func matchesStatus(regimenStatus string, accepted []string) bool {
	for _, s := range accepted {
		if regimenStatus == s {
			return true
		}
	}
	return false
}

func (s *Selector) forbiddenClassHit(reg kb.Regimen, cls allergy.Classification) (string, string, bool) {
	for _, drugID := range reg.DrugIDs {
		drug, err := s.kb.Drug(drugID)
		if err != nil {
			// Unknown drug ids are caught at load time; treat defensively
			// as a hit so a broken corpus can never recommend.
			return drugID, "unknown", true
		}
		if cls.Forbids(drug.DrugClass) {
			return drugID, drug.DrugClass, true
		}
	}
	return "", "", false
}

// pregnancyHit checks each drug (by id and by class) against the
// contraindication table, honoring trimester restrictions when one is given.
func (s *Selector) pregnancyHit(reg kb.Regimen, trimester int) (string, string, bool) {
	rules := s.kb.PregnancyRules()
	for _, drugID := range reg.DrugIDs {
		drug, err := s.kb.Drug(drugID)
		if err != nil {
			return drugID, "unknown drug", true
		}
		for _, key := range []string{drugID, drug.DrugClass} {
			c, ok := rules.Contraindicated[key]
			if !ok {
				continue
			}
			if c.AllTrimesters || trimester == 0 || containsInt(c.Trimesters, trimester) {
				return drugID, c.Reason, true
			}
		}
	}
	return "", "", false
}

// resolveRoutes picks a route per drug: the regimen's preferred route when the
// drug has it, else IV when the drug has IV, else the drug's first route. When
// the infection mandates a route, a drug that cannot take it sinks the regimen.
func (s *Selector) resolveRoutes(inf *kb.InfectionRecord, reg kb.Regimen) (map[string]string, string, bool) {
	required := inf.ClassificationRules.RouteRequired
	routes := make(map[string]string, len(reg.DrugIDs))
	for _, drugID := range reg.DrugIDs {
		drug, err := s.kb.Drug(drugID)
		if err != nil {
			return nil, drugID, false
		}
		route := chooseRoute(drug.Routes, preferredRoute(inf, reg))
		if required != "" && !strings.EqualFold(route, required) {
			if hasRoute(drug.Routes, required) {
				route = required
			} else {
				return nil, drugID, false
			}
		}
		routes[drugID] = route
	}
	return routes, "", true
}

func preferredRoute(inf *kb.InfectionRecord, reg kb.Regimen) string {
	if reg.PreferredRoute != "" {
		return reg.PreferredRoute
	}
	if inf.ClassificationRules.RouteRequired != "" {
		return inf.ClassificationRules.RouteRequired
	}
	return "IV"
}

func chooseRoute(available []string, preferred string) string {
	if hasRoute(available, preferred) {
		return preferred
	}
	if hasRoute(available, "IV") {
		return "IV"
	}
	if len(available) > 0 {
		return available[0]
	}
	return ""
}

func hasRoute(routes []string, want string) bool {
	for _, r := range routes {
		if strings.EqualFold(r, want) {
			return true
		}
	}
	return false
}

func hasPreferredForPregnancy(inf *kb.InfectionRecord) bool {
	for _, reg := range inf.Regimens {
		if reg.PregnancyStatus == "preferred" {
			return true
		}
	}
	return false
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
