package clinerr

import (
	"errors"
	"fmt"
)

// Machine-readable error codes. Load-time codes are fatal for the service;
// request-time codes are surfaced to the caller as structured responses.
const (
	CodeKBLoad = "KB_LOAD_ERROR"

	CodeBadCase             = "ERR_BAD_CASE"
	CodePHIField            = "ERR_PHI_FIELD"
	CodeBadStatusTransition = "ERR_BAD_STATUS_TRANSITION"

	CodeUnclassifiedInfection = "ERR_UNCLASSIFIED_INFECTION"
	CodeNoRegimen             = "ERR_NO_REGIMEN"
	CodeNoDose                = "ERR_NO_DOSE"
	CodeRenalBandMissing      = "ERR_RENAL_BAND_MISSING"
	CodeUnknownDrug           = "ERR_UNKNOWN_DRUG"
	CodeUnknownInfection      = "ERR_UNKNOWN_INFECTION"

	CodeReportNotFound = "ERR_REPORT_NOT_FOUND"
)

// Error is a structured clinical error. Details carries enough context for a
// human reviewer to see which rule or filter produced the failure.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a detail key and returns the same error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the machine code from an error chain, or "" if the chain
// carries no *Error.
func CodeOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// AsError returns the *Error in the chain, if any.
func AsError(err error) (*Error, bool) {
	var ce *Error
	ok := errors.As(err, &ce)
	return ce, ok
}
