// Package errorreport is the append-only intake for reviewer-submitted
// errors, with a constrained status machine feeding the learning loop.
// Records live as JSON Lines in day files; new records append, status
// updates rewrite the day's file atomically.
package errorreport

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/abx/abx/pkg/clinerr"
)

// DefaultListLimit applies when a list request names no limit.
const DefaultListLimit = 50

type Store struct {
	dir string
	mu  sync.Mutex
	log zerolog.Logger
	now func() time.Time
}

func NewStore(dir string, log zerolog.Logger) *Store {
	return &Store{dir: dir, log: log, now: time.Now}
}

// Submit validates the report, assigns id/status/timestamps, and appends a
// single JSON line to the day's file. Critical reports get a distinct log
// line so they surface immediately.
func (s *Store) Submit(r *Report) error {
	if !validSeverities[r.Severity] {
		return clinerr.New(clinerr.CodeBadCase, "invalid severity %q", r.Severity)
	}
	if !validErrorTypes[r.ErrorType] {
		return clinerr.New(clinerr.CodeBadCase, "invalid error_type %q", r.ErrorType)
	}
	if r.Description == "" {
		return clinerr.New(clinerr.CodeBadCase, "description is required")
	}
	if err := checkPHI(r.PatientCase); err != nil {
		return err
	}

	now := s.now().UTC()
	r.ErrorID = fmt.Sprintf("ERR-%s-%s", now.Format("20060102"), strings.ToLower(uuid.NewString()[:8]))
	r.Status = StatusNew
	r.CreatedAt = now
	r.StatusUpdatedAt = nil

	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create error report dir: %w", err)
	}
	path := s.pathFor(now)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}

	evt := s.log.Info()
	if r.Severity == "critical" {
		evt = s.log.Warn()
	}
	evt.
		Str("error_id", r.ErrorID).
		Str("severity", r.Severity).
		Str("error_type", r.ErrorType).
		Msg("error report submitted")

	return nil
}

// Filters narrow a List call. Zero values match everything.
type Filters struct {
	Status    string
	Severity  string
	ErrorType string
	Limit     int
	// Date limits the scan to one day file; zero scans every file.
	Date time.Time
}

// List reads the day's file (or every day file) newest-first and returns
// records matching the filters, up to Limit.
func (s *Store) List(f Filters) ([]*Report, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var paths []string
	if !f.Date.IsZero() {
		paths = []string{s.pathFor(f.Date)}
	} else {
		matches, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
		if err != nil {
			return nil, err
		}
		sort.Sort(sort.Reverse(sort.StringSlice(matches)))
		paths = matches
	}

	var out []*Report
	for _, path := range paths {
		reports, err := readDayFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for i := len(reports) - 1; i >= 0; i-- {
			r := reports[i]
			if f.Status != "" && r.Status != f.Status {
				continue
			}
			if f.Severity != "" && r.Severity != f.Severity {
				continue
			}
			if f.ErrorType != "" && r.ErrorType != f.ErrorType {
				continue
			}
			out = append(out, r)
			if len(out) >= f.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// UpdateStatus finds the report by id across day files and rewrites its file
// atomically (write-temp-then-rename) with the single record updated.
// Updating to the current status is a no-op; disallowed transitions are
// rejected without touching the file.
func (s *Store) UpdateStatus(errorID, newStatus string) (*Report, error) {
	if !ValidStatus(newStatus) {
		return nil, clinerr.New(clinerr.CodeBadStatusTransition, "unknown status %q", newStatus)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))

	for _, path := range paths {
		reports, err := readDayFile(path)
		if err != nil {
			return nil, err
		}
		for _, r := range reports {
			if r.ErrorID != errorID {
				continue
			}
			if r.Status == newStatus {
				return r, nil // idempotent no-op
			}
			if !CanTransition(r.Status, newStatus) {
				return nil, clinerr.New(clinerr.CodeBadStatusTransition,
					"transition %s → %s is not allowed", r.Status, newStatus).
					WithDetail("error_id", errorID).
					WithDetail("current_status", r.Status)
			}
			updated := s.now().UTC()
			r.Status = newStatus
			r.StatusUpdatedAt = &updated
			if err := writeDayFile(path, reports); err != nil {
				return nil, err
			}
			s.log.Info().
				Str("error_id", errorID).
				Str("status", newStatus).
				Msg("error report status updated")
			return r, nil
		}
	}
	return nil, clinerr.New(clinerr.CodeReportNotFound, "no report with id %q", errorID)
}

func (s *Store) pathFor(t time.Time) string {
	return filepath.Join(s.dir, t.Format("2006-01-02")+".jsonl")
}

func readDayFile(path string) ([]*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var reports []*Report
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var r Report
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return nil, fmt.Errorf("%s: corrupt record: %w", path, err)
		}
		reports = append(reports, &r)
	}
	return reports, nil
}

// writeDayFile rewrites the whole file via a temp file in the same directory
// plus rename, so readers never observe a half-written file.
func writeDayFile(path string, reports []*Report) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	for _, r := range reports {
		line, err := json.Marshal(r)
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return err
		}
		if _, err := tmp.Write(append(line, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// checkPHI rejects patient cases carrying deny-listed direct identifiers.
func checkPHI(patientCase map[string]interface{}) error {
	for _, deny := range phiDenyList {
		for key := range patientCase {
			if strings.EqualFold(key, deny) {
				return clinerr.New(clinerr.CodePHIField,
					"patient_case contains deny-listed field %q", key).
					WithDetail("field", key)
			}
		}
	}
	return nil
}
