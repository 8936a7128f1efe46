// Package audit persists one JSON line per recommendation to a day-stamped
// log file. Audit writes never suppress a recommendation response: the
// recommendation is the safety-critical artifact, so I/O failures here are
// logged and swallowed by the caller.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/abx/abx/internal/kb"
	"github.com/abx/abx/pkg/clinerr"
)

const filePrefix = "audit"

// redactedKeys are removed from the input block before writing. API keys and
// other secrets must never reach the audit trail.
var redactedKeys = map[string]bool{
	"api_key":       true,
	"authorization": true,
	"token":         true,
	"secret":        true,
}

// phiKeys are the deny-listed direct identifiers; the audit trail carries
// only de-identified input.
var phiKeys = map[string]bool{
	"name":           true,
	"mrn":            true,
	"dob":            true,
	"admission_date": true,
}

// Entry is one audit record.
type Entry struct {
	Timestamp             time.Time              `json:"timestamp"`
	RequestID             string                 `json:"request_id"`
	Status                string                 `json:"status"`
	Input                 map[string]interface{} `json:"input"`
	InfectionCategory     string                 `json:"infection_category,omitempty"`
	AllergyClassification string                 `json:"allergy_classification,omitempty"`
	PregnancyState        string                 `json:"pregnancy_state,omitempty"`
	RenalBand             string                 `json:"renal_band,omitempty"`
	ChosenDrugIDs         []string               `json:"chosen_drug_ids,omitempty"`
	Confidence            float64                `json:"confidence,omitempty"`
	DurationMs            float64                `json:"duration_ms"`
	Provenance            kb.Provenance          `json:"provenance"`
	Error                 *clinerr.Error         `json:"error,omitempty"`
}

// Logger appends entries to <dir>/audit-YYYY-MM-DD.log. Writes are
// serialized so concurrent requests never interleave lines.
type Logger struct {
	dir string
	mu  sync.Mutex
	log zerolog.Logger
	now func() time.Time
}

func New(dir string, log zerolog.Logger) *Logger {
	return &Logger{dir: dir, log: log, now: time.Now}
}

// Record sanitizes and appends one entry.
func (l *Logger) Record(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Input = Sanitize(e.Input)

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	path := l.pathFor(e.Timestamp)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (l *Logger) pathFor(t time.Time) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s-%s.log", filePrefix, t.Format("2006-01-02")))
}

// Sanitize redacts secret-bearing keys and drops PHI deny-listed keys from
// an input map. The original map is not modified.
func Sanitize(input map[string]interface{}) map[string]interface{} {
	if input == nil {
		return nil
	}
	out := make(map[string]interface{}, len(input))
	for k, v := range input {
		if phiKeys[k] {
			continue
		}
		if redactedKeys[k] {
			out[k] = "***REDACTED***"
			continue
		}
		out[k] = v
	}
	return out
}

// Summary aggregates one day's audit file.
type Summary struct {
	Date          string         `json:"date"`
	TotalRequests int            `json:"total_requests"`
	SuccessCount  int            `json:"success_count"`
	ErrorCount    int            `json:"error_count"`
	AvgDurationMs float64        `json:"avg_duration_ms"`
	Categories    map[string]int `json:"categories"`
}

// Summarize reads the day's file and returns aggregate statistics. A missing
// file yields an empty summary, not an error.
func (l *Logger) Summarize(date time.Time) (*Summary, error) {
	s := &Summary{
		Date:       date.Format("2006-01-02"),
		Categories: make(map[string]int),
	}

	data, err := os.ReadFile(l.pathFor(date))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	var totalDuration float64
	for _, line := range splitLines(data) {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		s.TotalRequests++
		if e.Status == "ok" {
			s.SuccessCount++
		} else {
			s.ErrorCount++
		}
		totalDuration += e.DurationMs
		cat := e.InfectionCategory
		if cat == "" {
			cat = "unknown"
		}
		s.Categories[cat]++
	}
	if s.TotalRequests > 0 {
		s.AvgDurationMs = totalDuration / float64(s.TotalRequests)
	}
	return s, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
