// Package allergy reduces a free-text allergy description to a severity
// classification plus the exact set of drug classes the selector must
// filter against.
package allergy

import (
	"strings"

	"github.com/abx/abx/internal/kb"
)

// Severity identifiers. These match the allergy_status values used by
// regimens in the knowledge base ("none" maps to "no_allergy").
const (
	SeverityNone            = "none"
	SeverityMildPCN         = "mild_pcn"
	SeveritySeverePCN       = "severe_pcn"
	SeverityCephalosporin   = "cephalosporin"
	SeveritySulfa           = "sulfa"
	SeverityFluoroquinolone = "fluoroquinolone"
	SeverityMultiple        = "multiple"
)

// Classification is the classifier output. ForbiddenClasses is the set the
// DrugSelector filters on; CrossReactivityPct is carried into rationale text
// only.
type Classification struct {
	Severity           string   `json:"severity"`
	ForbiddenClasses   []string `json:"forbidden_classes"`
	AllowedClasses     []string `json:"allowed_classes,omitempty"`
	CrossReactivityPct float64  `json:"cross_reactivity_pct,omitempty"`
	Notes              []string `json:"notes,omitempty"`
	// Matched is false when a non-empty description hit no explicit rule
	// and the configured default (severe or mild) applied.
	Matched bool `json:"matched"`
}

// Classifier scans the ordered KB rule table. It is pure: same input and
// rule table, same output.
type Classifier struct {
	rules *kb.AllergyRules
	// conservativeDefault treats unmatched non-empty text as severe.
	conservativeDefault bool
}

func NewClassifier(rules *kb.AllergyRules, conservativeDefault bool) *Classifier {
	return &Classifier{rules: rules, conservativeDefault: conservativeDefault}
}

// Classify lowercases the description and scans rules in KB order, matching
// each keyword as a substring. Severe
// rules are listed before mild rules, so the first match governs within an
// allergen family; matches spanning more than one family escalate to
// "multiple" with the union of forbidden classes.
func (c *Classifier) Classify(description string) Classification {
	text := strings.ToLower(strings.TrimSpace(description))

	if text == "" || c.isNoneToken(text) {
		return Classification{Severity: SeverityNone, Matched: true}
	}

	var matched []kb.AllergyRule
	for _, rule := range c.rules.Rules {
		for _, kw := range rule.KeywordList {
			if strings.Contains(text, strings.ToLower(kw)) {
				matched = append(matched, rule)
				break
			}
		}
	}

	switch len(matched) {
	case 0:
		return c.unmatched(description)
	case 1:
		return fromRule(matched[0])
	}

	// Multiple rules hit. If they all belong to the same allergen family
	// (e.g. severe_pcn and mild_pcn keywords both present) the first, most
	// severe, rule governs. Distinct families escalate to multiple.
	if sameFamily(matched) {
		return fromRule(matched[0])
	}
	cls := Classification{
		Severity: SeverityMultiple,
		Matched:  true,
		Notes:    []string{"more than one allergen family matched; forbidden classes merged"},
	}
	seen := make(map[string]bool)
	for _, rule := range matched {
		for _, fc := range rule.ForbiddenClasses {
			if !seen[fc] {
				seen[fc] = true
				cls.ForbiddenClasses = append(cls.ForbiddenClasses, fc)
			}
		}
	}
	return cls
}

func (c *Classifier) isNoneToken(text string) bool {
	for _, tok := range c.rules.NoneTokens {
		if text == strings.ToLower(tok) {
			return true
		}
	}
	return false
}

// unmatched applies the conservative default: unrecognized allergy text is
// treated as a severe beta-lactam allergy unless the deployment explicitly
// opts out, in which case it is treated as mild.
func (c *Classifier) unmatched(description string) Classification {
	target := SeveritySeverePCN
	if !c.conservativeDefault {
		target = SeverityMildPCN
	}
	note := "no explicit allergy pattern matched: treated conservatively as " + target
	if !c.conservativeDefault {
		note = "no explicit allergy pattern matched: treated as " + target
	}
	for _, rule := range c.rules.Rules {
		if rule.Severity == target {
			cls := fromRule(rule)
			cls.Matched = false
			cls.Notes = append(cls.Notes, note)
			return cls
		}
	}
	// Rule table carries no entry for the target severity; forbid nothing
	// but surface the gap.
	return Classification{
		Severity: target,
		Matched:  false,
		Notes:    []string{"no explicit allergy pattern matched and no default rule found"},
	}
}

func fromRule(rule kb.AllergyRule) Classification {
	return Classification{
		Severity:           rule.Severity,
		ForbiddenClasses:   append([]string(nil), rule.ForbiddenClasses...),
		AllowedClasses:     append([]string(nil), rule.AllowedClasses...),
		CrossReactivityPct: rule.CrossReactivityPct,
		Matched:            true,
	}
}

// sameFamily groups severities into allergen families so that a severe and a
// mild penicillin keyword in the same text do not read as "multiple".
func sameFamily(rules []kb.AllergyRule) bool {
	family := func(severity string) string {
		switch severity {
		case SeverityMildPCN, SeveritySeverePCN:
			return "pcn"
		default:
			return severity
		}
	}
	first := family(rules[0].Severity)
	for _, r := range rules[1:] {
		if family(r.Severity) != first {
			return false
		}
	}
	return true
}

// Forbids reports whether the classification forbids the given drug class.
func (c Classification) Forbids(drugClass string) bool {
	for _, fc := range c.ForbiddenClasses {
		if strings.EqualFold(fc, drugClass) {
			return true
		}
	}
	return false
}

// RegimenStatuses returns the regimen allergy_status values this
// classification matches, in KB terms.
func (c Classification) RegimenStatuses() []string {
	if c.Severity == SeverityNone {
		return []string{"no_allergy", "any"}
	}
	return []string{c.Severity, "any"}
}
