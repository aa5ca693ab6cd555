// Package analytics records executor usage so effectiveness of profiles and
// stages can be reviewed after the fact. Entries append to monthly JSONL
// files; nothing in the pipeline reads them on the hot path.
package analytics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// UsageEntry is a single executor invocation record.
type UsageEntry struct {
	Timestamp       time.Time `json:"timestamp"`
	ProjectID       string    `json:"project_id"`
	Stage           string    `json:"stage"`
	Profile         string    `json:"profile"`
	Model           string    `json:"model"`
	Attempts        int       `json:"attempts"`
	DurationSeconds float64   `json:"duration_seconds"`
	Success         bool      `json:"success"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

// ProfileUsage aggregates entries for one profile.
type ProfileUsage struct {
	Profile        string  `json:"profile"`
	TotalRequests  int     `json:"total_requests"`
	Succeeded      int     `json:"succeeded"`
	TotalAttempts  int     `json:"total_attempts"`
	TotalDurationS float64 `json:"total_duration_seconds"`
	SuccessRate    float64 `json:"success_rate"`
	AvgDurationS   float64 `json:"avg_duration_seconds"`
	AvgAttempts    float64 `json:"avg_attempts"`
}

// Report is a usage summary for one month.
type Report struct {
	Month    string         `json:"month"`
	Profiles []ProfileUsage `json:"profiles"`
}

// Tracker appends usage entries under a root directory, one JSONL file per
// month. Tracking failures are logged and swallowed; usage analytics must
// never fail a pipeline run.
type Tracker struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// New creates a Tracker rooted at dir.
func New(dir string, opts ...Option) *Tracker {
	t := &Tracker{
		root:   dir,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track appends one usage entry. A zero entry timestamp is filled in from the
// tracker clock.
func (t *Tracker) Track(entry UsageEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.now().UTC()
	}

	if err := t.append(entry); err != nil {
		t.logger.Warn("Failed to record usage entry",
			"project_id", entry.ProjectID,
			"stage", entry.Stage,
			"error", err)
		return
	}

	t.logger.Debug("Tracked executor usage",
		"project_id", entry.ProjectID,
		"stage", entry.Stage,
		"profile", entry.Profile,
		"attempts", entry.Attempts,
		"success", entry.Success)
}

func (t *Tracker) append(entry UsageEntry) error {
	if err := os.MkdirAll(t.root, 0755); err != nil {
		return fmt.Errorf("failed to create analytics directory: %w", err)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal usage entry: %w", err)
	}

	path := t.monthFile(entry.Timestamp)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open usage log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append usage entry: %w", err)
	}
	return nil
}

func (t *Tracker) monthFile(ts time.Time) string {
	return filepath.Join(t.root, fmt.Sprintf("usage-%s.jsonl", ts.UTC().Format("2006-01")))
}

// MonthlyReport aggregates the entries recorded for the given month
// (formatted "2006-01"). A month with no recorded usage yields an empty
// report, not an error.
func (t *Tracker) MonthlyReport(month string) (*Report, error) {
	ts, err := time.Parse("2006-01", month)
	if err != nil {
		return nil, fmt.Errorf("invalid month %q: %w", month, err)
	}

	report := &Report{Month: month}

	f, err := os.Open(t.monthFile(ts))
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return nil, fmt.Errorf("failed to open usage log: %w", err)
	}
	defer f.Close()

	byProfile := make(map[string]*ProfileUsage)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry UsageEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// A torn append must not hide the rest of the log.
			t.logger.Warn("Skipping malformed usage entry", "error", err)
			continue
		}

		usage, ok := byProfile[entry.Profile]
		if !ok {
			usage = &ProfileUsage{Profile: entry.Profile}
			byProfile[entry.Profile] = usage
		}
		usage.TotalRequests++
		usage.TotalAttempts += entry.Attempts
		usage.TotalDurationS += entry.DurationSeconds
		if entry.Success {
			usage.Succeeded++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read usage log: %w", err)
	}

	for _, usage := range byProfile {
		if usage.TotalRequests > 0 {
			usage.SuccessRate = float64(usage.Succeeded) / float64(usage.TotalRequests)
			usage.AvgDurationS = usage.TotalDurationS / float64(usage.TotalRequests)
			usage.AvgAttempts = float64(usage.TotalAttempts) / float64(usage.TotalRequests)
		}
		report.Profiles = append(report.Profiles, *usage)
	}
	sort.Slice(report.Profiles, func(i, j int) bool {
		return report.Profiles[i].Profile < report.Profiles[j].Profile
	})

	return report, nil
}
