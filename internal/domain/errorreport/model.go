package errorreport

import "time"

// Status values for the review state machine.
const (
	StatusNew           = "new"
	StatusVerified      = "verified"
	StatusInProgress    = "in_progress"
	StatusFixed         = "fixed"
	StatusClosed        = "closed"
	StatusWontFix       = "wont_fix"
	StatusNotReproduced = "not_reproduced"
)

// allowedTransitions is the explicit transition table. Terminal states have
// no outgoing edges, so a reviewer dashboard cannot un-close a report.
var allowedTransitions = map[string][]string{
	StatusNew:        {StatusVerified, StatusNotReproduced, StatusWontFix},
	StatusVerified:   {StatusInProgress, StatusWontFix},
	StatusInProgress: {StatusFixed, StatusWontFix},
	StatusFixed:      {StatusClosed},
}

var validSeverities = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

var validErrorTypes = map[string]bool{
	"contraindicated":    true,
	"wrong_drug":         true,
	"wrong_dose":         true,
	"missed_allergy":     true,
	"missed_interaction": true,
	"wrong_route":        true,
	"other":              true,
}

// phiDenyList names the patient_case keys the store refuses to persist.
var phiDenyList = []string{"name", "mrn", "dob", "admission_date"}

// Report is one reviewer-submitted error record, stored as a single JSON
// line in the day's file.
type Report struct {
	ErrorID   string `json:"error_id"`
	Status    string `json:"status"`
	Severity  string `json:"severity"`
	ErrorType string `json:"error_type"`

	Description string `json:"description"`
	Expected    string `json:"expected"`
	Reporter    string `json:"reporter,omitempty"`

	// PatientCase is de-identified; submissions containing deny-listed
	// keys are rejected.
	PatientCase         map[string]interface{} `json:"patient_case"`
	RecommendationGiven string                 `json:"recommendation_given"`

	CreatedAt       time.Time  `json:"created_at"`
	StatusUpdatedAt *time.Time `json:"status_updated_at,omitempty"`
}

// CanTransition reports whether from → to is allowed. A no-op transition
// (same status) is always permitted and leaves the file untouched.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s is a known status value.
func ValidStatus(s string) bool {
	switch s {
	case StatusNew, StatusVerified, StatusInProgress, StatusFixed,
		StatusClosed, StatusWontFix, StatusNotReproduced:
		return true
	}
	return false
}
