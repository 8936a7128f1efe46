package kb

// InfectionRecord is one clinical syndrome loaded from infections/<id>.json.
type InfectionRecord struct {
	ID                  string              `json:"id"`
	DisplayName         string              `json:"display_name"`
	Version             string              `json:"version"`
	LastUpdated         string              `json:"last_updated"`
	IndicationTag       string              `json:"indication_tag"`
	ClassificationRules ClassificationRules `json:"classification_rules"`
	Regimens            []Regimen           `json:"regimens"`
	CriticalWarnings    []CriticalWarning   `json:"critical_warnings,omitempty"`
	DefaultDuration     string              `json:"default_duration"`
}

// ClassificationRules encodes keyword triggers and the required route for an
// infection (pyelonephritis mandates IV, cystitis is oral).
type ClassificationRules struct {
	Keywords      []string `json:"keywords,omitempty"`
	RouteRequired string   `json:"route_required,omitempty"`
}

// CriticalWarning is a KB-declared warning attached to every recommendation
// for the infection. ReducesConfidence feeds the confidence score.
type CriticalWarning struct {
	Text              string `json:"text"`
	ReducesConfidence bool   `json:"reduces_confidence,omitempty"`
}

// Regimen is one candidate drug set for an infection, in KB preference order.
type Regimen struct {
	AllergyStatus   string   `json:"allergy_status"`
	PregnancyStatus string   `json:"pregnancy_status,omitempty"`
	MRSARisk        bool     `json:"mrsa_risk,omitempty"`
	DrugIDs         []string `json:"drug_ids"`
	PreferredRoute  string   `json:"preferred_route,omitempty"`
	Rationale       string   `json:"rationale"`
}

// DrugRecord is one drug loaded from drugs/<id>.json.
type DrugRecord struct {
	ID                string          `json:"id"`
	DisplayName       string          `json:"display_name"`
	Version           string          `json:"version"`
	LastUpdated       string          `json:"last_updated"`
	DrugClass         string          `json:"drug_class"`
	Routes            []string        `json:"routes"`
	SpectrumTags      []string        `json:"spectrum_tags,omitempty"`
	Dosing            Dosing          `json:"dosing"`
	RenalAdjustment   RenalAdjustment `json:"renal_adjustment"`
	PregnancyCategory string          `json:"pregnancy_category,omitempty"`
	// WeightPolicy overrides the default IBW/TBW/AdjBW selection for
	// weight-based doses. Known value: "adjbw_if_bmi_ge_35".
	WeightPolicy string   `json:"weight_policy,omitempty"`
	Monitoring   []string `json:"monitoring,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

// Dosing holds the indication-specific dose table plus an optional default.
type Dosing struct {
	ByIndication map[string]DoseSpec `json:"by_indication"`
	Default      *DoseSpec           `json:"default,omitempty"`
	// RoundToMg rounds calculated weight-based doses to the nearest
	// multiple for display (vancomycin uses 250).
	RoundToMg int `json:"round_to_mg,omitempty"`
}

// DoseSpec is a single dose block. Dose may be absolute ("1 g") or
// weight-based ("15-20 mg/kg").
type DoseSpec struct {
	Dose        string `json:"dose"`
	Frequency   string `json:"frequency"`
	Route       string `json:"route"`
	Infusion    string `json:"infusion,omitempty"`
	LoadingDose string `json:"loading_dose,omitempty"`
	MaxDose     string `json:"max_dose,omitempty"`
}

// RenalAdjustment on the drug record flags whether the renal modifier table
// must carry a band entry for this drug.
type RenalAdjustment struct {
	Required bool `json:"required"`
}

// Band identifiers for creatinine-clearance based dose adjustment. Dialysis
// bands win over numeric CrCl.
const (
	BandGT50   = "gt50"
	Band30To50 = "30_50"
	Band10To29 = "10_29"
	BandLT10   = "lt10"
	BandHD     = "hd"
	BandCVVHDF = "cvvhdf"
)

// BandOverride replaces the dose and/or frequency within a CrCl band.
// NoAdjustment marks an explicit "no change" entry, distinct from a missing
// band (which is an error at dose-calculation time).
type BandOverride struct {
	DoseOverride      string `json:"dose_override,omitempty"`
	FrequencyOverride string `json:"frequency_override,omitempty"`
	NoAdjustment      bool   `json:"no_adjustment,omitempty"`
	Note              string `json:"note,omitempty"`
}

// AllergyRules is the ordered rule table from modifiers/allergy_rules.json.
// Ordering encodes precedence: severe rules are listed before mild ones.
type AllergyRules struct {
	Version     string        `json:"version"`
	LastUpdated string        `json:"last_updated"`
	Rules       []AllergyRule `json:"rules"`
	NoneTokens  []string      `json:"none_tokens"`
}

// AllergyRule maps reaction keywords to a severity and the drug classes it
// forbids. CrossReactivityPct is rationale text only, never a filter.
type AllergyRule struct {
	Severity           string   `json:"severity"`
	KeywordList        []string `json:"keyword_list"`
	AllowedClasses     []string `json:"allowed_classes,omitempty"`
	ForbiddenClasses   []string `json:"forbidden_classes"`
	CrossReactivityPct float64  `json:"cross_reactivity_pct,omitempty"`
}

// PregnancyRules is modifiers/pregnancy_rules.json. Contraindicated is keyed
// by drug class or drug id.
type PregnancyRules struct {
	Version         string                              `json:"version"`
	LastUpdated     string                              `json:"last_updated"`
	Contraindicated map[string]PregnancyContraindication `json:"contraindicated"`
	Preferred       []string                            `json:"preferred,omitempty"`
}

// PregnancyContraindication describes why and when a class or drug is
// blocked. When AllTrimesters is false, Trimesters lists the blocked ones.
type PregnancyContraindication struct {
	Severity      string `json:"severity"`
	AllTrimesters bool   `json:"all_trimesters"`
	Trimesters    []int  `json:"trimesters,omitempty"`
	Reason        string `json:"reason"`
}

// RenalRules is modifiers/renal_adjustment_rules.json: per-drug CrCl band
// tables.
type RenalRules struct {
	Version     string                   `json:"version"`
	LastUpdated string                   `json:"last_updated"`
	Drugs       map[string]RenalDrugRule `json:"drugs"`
}

// RenalDrugRule is the band table for one drug.
type RenalDrugRule struct {
	CrClBands      map[string]BandOverride `json:"crcl_bands"`
	MonitoringNote string                  `json:"monitoring_note,omitempty"`
}

// Index is guidelines/index.json: the registry of every file the loader must
// read, in order. Files not listed are ignored.
type Index struct {
	Version             string   `json:"version"`
	LastUpdated         string   `json:"last_updated"`
	LoadingOrder        []string `json:"loading_order"`
	CrossReferenceRules []string `json:"cross_reference_rules,omitempty"`
}

// Provenance records the exact file versions a KB instance was built from. A
// recommendation is reproducible from the same versions.
type Provenance struct {
	IndexVersion          string            `json:"index_version"`
	InfectionFileVersions map[string]string `json:"infection_file_versions"`
	DrugFileVersions      map[string]string `json:"drug_file_versions"`
	ModifierVersions      map[string]string `json:"modifier_versions"`
}
