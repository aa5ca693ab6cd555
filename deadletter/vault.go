// Package deadletter provides the append-only quarantine for work that
// failed beyond the retry policy. Entries are immutable once written and are
// never deleted automatically; requeueing is an explicit operator action that
// preserves the quarantined entry as an audit trail.
package deadletter

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// VaultFile is the per-project quarantine file name.
const VaultFile = "dead_letters.json"

// Sentinel errors for vault operations.
var (
	ErrEntryNotFound   = errors.New("dead letter entry not found")
	ErrAlreadyRequeued = errors.New("dead letter entry already requeued")
)

// Payload captures the task inputs that failed, so the work can be replayed
// or inspected later.
type Payload struct {
	TaskName        string   `json:"task_name"`
	TaskDescription string   `json:"task_description"`
	ContextFiles    []string `json:"context_files,omitempty"`
	OutputPath      string   `json:"output_path,omitempty"`
	Profile         string   `json:"profile,omitempty"`
}

// Entry is one quarantined unit of work. Write-once: requeueing flips the
// Requeued flag but never alters the captured failure.
type Entry struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	Stage         string    `json:"stage"`
	Payload       Payload   `json:"payload"`
	ErrorSummary  string    `json:"error_summary"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	RetryCount    int       `json:"retry_count"`
	QuarantinedAt time.Time `json:"quarantined_at"`
	Requeued      bool      `json:"requeued"`
	RequeuedAt    time.Time `json:"requeued_at,omitempty"`
}

// Statistics summarizes a project's quarantine. Derived from entries on every
// write so the file remains self-describing.
type Statistics struct {
	TotalEntries int            `json:"total_entries"`
	ByStage      map[string]int `json:"by_stage"`
	Requeued     int            `json:"requeued"`
	Unrecovered  int            `json:"unrecovered"`
}

// vaultRecord is the on-disk layout of one project's quarantine.
type vaultRecord struct {
	ProjectID     string     `json:"project_id"`
	SchemaVersion string     `json:"schema_version"`
	Entries       []Entry    `json:"entries"`
	Statistics    Statistics `json:"statistics"`
}

// Vault stores dead letter entries, one file per project, keyed by
// (project_id, stage, quarantined_at).
type Vault struct {
	root     string
	logger   *slog.Logger
	now      func() time.Time
	validate func(projectID string) error
}

// VaultOption configures a Vault.
type VaultOption func(*Vault)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) VaultOption {
	return func(v *Vault) {
		v.logger = logger
	}
}

// WithClock sets the time source. Used by tests.
func WithClock(now func() time.Time) VaultOption {
	return func(v *Vault) {
		v.now = now
	}
}

// NewVault creates a vault rooted at the given directory. validate guards
// project ids before they are used as path components.
func NewVault(root string, validate func(projectID string) error, opts ...VaultOption) *Vault {
	v := &Vault{
		root:     root,
		logger:   slog.Default(),
		now:      time.Now,
		validate: validate,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Vault) path(projectID string) string {
	return filepath.Join(v.root, projectID, VaultFile)
}

func (v *Vault) load(projectID string) (*vaultRecord, error) {
	data, err := os.ReadFile(v.path(projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return &vaultRecord{
				ProjectID:     projectID,
				SchemaVersion: "1.0.0",
				Entries:       []Entry{},
				Statistics:    Statistics{ByStage: map[string]int{}},
			}, nil
		}
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}

	var rec vaultRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt dead letter vault for %s: %w", projectID, err)
	}
	return &rec, nil
}

func (v *Vault) save(projectID string, rec *vaultRecord) error {
	rec.Statistics = deriveStatistics(rec.Entries)

	dir := filepath.Dir(v.path(projectID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal vault: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".vault-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write vault: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close vault: %w", err)
	}
	if err := os.Rename(tmpPath, v.path(projectID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace vault: %w", err)
	}
	return nil
}

func deriveStatistics(entries []Entry) Statistics {
	stats := Statistics{ByStage: map[string]int{}}
	for _, e := range entries {
		stats.TotalEntries++
		stats.ByStage[e.Stage]++
		if e.Requeued {
			stats.Requeued++
		} else {
			stats.Unrecovered++
		}
	}
	return stats
}

// Quarantine appends an entry to the project's vault. The entry's ID and
// QuarantinedAt are assigned here if unset.
func (v *Vault) Quarantine(entry Entry) (string, error) {
	if err := v.validate(entry.ProjectID); err != nil {
		return "", err
	}
	if entry.Stage == "" {
		return "", fmt.Errorf("dead letter entry requires a stage")
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.QuarantinedAt.IsZero() {
		entry.QuarantinedAt = v.now()
	}
	if entry.FirstFailedAt.IsZero() {
		entry.FirstFailedAt = entry.QuarantinedAt
	}

	rec, err := v.load(entry.ProjectID)
	if err != nil {
		return "", err
	}
	rec.ProjectID = entry.ProjectID
	rec.Entries = append(rec.Entries, entry)

	if err := v.save(entry.ProjectID, rec); err != nil {
		return "", err
	}

	v.logger.Warn("Quarantined failed work",
		"project_id", entry.ProjectID,
		"stage", entry.Stage,
		"entry_id", entry.ID,
		"retry_count", entry.RetryCount)
	return entry.ID, nil
}

// List returns a project's quarantined entries, oldest first. When
// unrecoveredOnly is set, requeued entries are filtered out.
func (v *Vault) List(projectID string, unrecoveredOnly bool) ([]Entry, error) {
	if err := v.validate(projectID); err != nil {
		return nil, err
	}

	rec, err := v.load(projectID)
	if err != nil {
		return nil, err
	}

	entries := rec.Entries
	if unrecoveredOnly {
		filtered := make([]Entry, 0, len(entries))
		for _, e := range entries {
			if !e.Requeued {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].QuarantinedAt.Before(entries[j].QuarantinedAt)
	})
	return entries, nil
}

// ListAll returns quarantined entries for every project under the root.
func (v *Vault) ListAll(unrecoveredOnly bool) ([]Entry, error) {
	dirs, err := os.ReadDir(v.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read vault root: %w", err)
	}

	var all []Entry
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		if v.validate(dir.Name()) != nil {
			continue
		}
		entries, err := v.List(dir.Name(), unrecoveredOnly)
		if err != nil {
			v.logger.Warn("Skipping unreadable vault", "project_id", dir.Name(), "error", err)
			continue
		}
		all = append(all, entries...)
	}
	return all, nil
}

// Get returns a single entry by id.
func (v *Vault) Get(projectID, entryID string) (*Entry, error) {
	entries, err := v.List(projectID, false)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ID == entryID {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
}

// MarkRequeued flags an entry as requeued without deleting it. The caller is
// responsible for creating the fresh retry attempt in the state store; the
// quarantined entry itself is preserved as the audit trail.
func (v *Vault) MarkRequeued(projectID, entryID string) (*Entry, error) {
	if err := v.validate(projectID); err != nil {
		return nil, err
	}

	rec, err := v.load(projectID)
	if err != nil {
		return nil, err
	}

	for i := range rec.Entries {
		if rec.Entries[i].ID != entryID {
			continue
		}
		if rec.Entries[i].Requeued {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRequeued, entryID)
		}
		rec.Entries[i].Requeued = true
		rec.Entries[i].RequeuedAt = v.now()
		if err := v.save(projectID, rec); err != nil {
			return nil, err
		}
		entry := rec.Entries[i]
		v.logger.Info("Dead letter requeued",
			"project_id", projectID,
			"entry_id", entryID,
			"stage", entry.Stage)
		return &entry, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
}

// ProjectStatistics returns the derived statistics for a project's vault.
func (v *Vault) ProjectStatistics(projectID string) (Statistics, error) {
	if err := v.validate(projectID); err != nil {
		return Statistics{}, err
	}
	rec, err := v.load(projectID)
	if err != nil {
		return Statistics{}, err
	}
	return deriveStatistics(rec.Entries), nil
}
