package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRecordAndSummarize(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, zerolog.Nop())
	day := time.Date(2025, 11, 2, 10, 0, 0, 0, time.UTC)

	entries := []Entry{
		{Timestamp: day, RequestID: "r1", Status: "ok", InfectionCategory: "pyelonephritis", DurationMs: 10},
		{Timestamp: day.Add(time.Minute), RequestID: "r2", Status: "ok", InfectionCategory: "pyelonephritis", DurationMs: 30},
		{Timestamp: day.Add(2 * time.Minute), RequestID: "r3", Status: "error", DurationMs: 20},
	}
	for _, e := range entries {
		if err := l.Record(e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	path := filepath.Join(dir, "audit-2025-11-02.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("day file missing: %v", err)
	}
	if got := strings.Count(string(data), "\n"); got != 3 {
		t.Errorf("expected 3 lines, got %d", got)
	}

	s, err := l.Summarize(day)
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalRequests != 3 || s.SuccessCount != 2 || s.ErrorCount != 1 {
		t.Errorf("summary = %+v", s)
	}
	if s.AvgDurationMs != 20 {
		t.Errorf("avg duration = %.1f, want 20", s.AvgDurationMs)
	}
	if s.Categories["pyelonephritis"] != 2 || s.Categories["unknown"] != 1 {
		t.Errorf("categories = %v", s.Categories)
	}
}

func TestSummarizeMissingFile(t *testing.T) {
	l := New(t.TempDir(), zerolog.Nop())
	s, err := l.Summarize(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if s.TotalRequests != 0 {
		t.Errorf("summary = %+v", s)
	}
}

func TestSanitize(t *testing.T) {
	in := map[string]interface{}{
		"age":            55,
		"api_key":        "sk-secret",
		"authorization":  "Bearer abc",
		"name":           "John Doe",
		"mrn":            "123",
		"dob":            "1970-01-01",
		"admission_date": "2025-10-01",
		"infection_type": "uti",
	}
	out := Sanitize(in)

	for _, deny := range []string{"name", "mrn", "dob", "admission_date"} {
		if _, ok := out[deny]; ok {
			t.Errorf("deny-listed key %q survived", deny)
		}
	}
	if out["api_key"] != "***REDACTED***" || out["authorization"] != "***REDACTED***" {
		t.Errorf("secrets not redacted: %v", out)
	}
	if out["age"] != 55 || out["infection_type"] != "uti" {
		t.Errorf("clinical fields must survive: %v", out)
	}
	// Original untouched.
	if in["api_key"] != "sk-secret" {
		t.Error("Sanitize must not mutate its input")
	}
}

func TestRecordSanitizesBeforeWrite(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, zerolog.Nop())
	day := time.Date(2025, 11, 2, 10, 0, 0, 0, time.UTC)

	err := l.Record(Entry{
		Timestamp: day, RequestID: "r1", Status: "ok",
		Input: map[string]interface{}{"mrn": "123", "api_key": "sk-abc", "age": 40},
	})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "audit-2025-11-02.log"))
	if strings.Contains(string(data), "123") || strings.Contains(string(data), "sk-abc") {
		t.Error("raw PHI or secret reached the audit file")
	}
	var e Entry
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &e); err != nil {
		t.Fatal(err)
	}
	if e.Input["age"] != float64(40) {
		t.Errorf("input = %v", e.Input)
	}
}
