// Package guard prevents runaway automation: it detects repeated invocation
// without forward progress and concurrent invocations racing on the same
// stage, and halts the pipeline when either occurs.
//
// Invocations share no process memory, so the only cross-invocation signal is
// the InvocationMarker: a machine-parseable token embedded in the
// human-visible status feed and read back by the next invocation.
package guard

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

// FeedFile is the per-project human-visible status feed.
const FeedFile = "feed.md"

// Marker encodes which invocation has already run for a given stage.
type Marker struct {
	ProjectID string
	Stage     string
	Sequence  int
}

// String renders the marker as an HTML comment so it is invisible in rendered
// feeds but trivially machine-parseable.
func (m Marker) String() string {
	return fmt.Sprintf("<!-- STAGEKEEPER:%s:%s:%d -->", m.ProjectID, m.Stage, m.Sequence)
}

// markerPattern matches rendered markers.
var markerPattern = regexp.MustCompile(`<!-- STAGEKEEPER:([a-z0-9-]+):([a-z0-9_-]+):(\d+) -->`)

// ParseMarker extracts a marker from a line of feed text. ok is false when
// the line carries no marker.
func ParseMarker(line string) (Marker, bool) {
	m := markerPattern.FindStringSubmatch(line)
	if m == nil {
		return Marker{}, false
	}
	seq, err := strconv.Atoi(m[3])
	if err != nil {
		return Marker{}, false
	}
	return Marker{ProjectID: m[1], Stage: m[2], Sequence: seq}, true
}

// Channel is the external, append-only, human-and-machine-readable medium
// markers travel through. The core needs only read-latest and write; it has
// no knowledge of whatever ticketing or feed system surrounds it.
type Channel interface {
	// LatestMarker returns the highest-sequence marker visible for the
	// project and stage, or nil when none has been written.
	LatestMarker(projectID, stage string) (*Marker, error)

	// WriteMarker appends a marker with an accompanying human-readable note.
	WriteMarker(m Marker, note string) error
}

// FeedChannel is the file-backed Channel implementation: one feed.md per
// project, appended to on every invocation.
type FeedChannel struct {
	root     string
	now      func() time.Time
	validate func(projectID string) error
}

// NewFeedChannel creates a feed channel rooted at the given directory.
func NewFeedChannel(root string, validate func(projectID string) error) *FeedChannel {
	return &FeedChannel{root: root, now: time.Now, validate: validate}
}

func (c *FeedChannel) path(projectID string) string {
	return filepath.Join(c.root, projectID, FeedFile)
}

// LatestMarker implements Channel.
func (c *FeedChannel) LatestMarker(projectID, stage string) (*Marker, error) {
	if err := c.validate(projectID); err != nil {
		return nil, err
	}

	f, err := os.Open(c.path(projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open feed: %w", err)
	}
	defer f.Close()

	var latest *Marker
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		m, ok := ParseMarker(scanner.Text())
		if !ok || m.ProjectID != projectID || m.Stage != stage {
			continue
		}
		if latest == nil || m.Sequence > latest.Sequence {
			marker := m
			latest = &marker
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read feed: %w", err)
	}
	return latest, nil
}

// WriteMarker implements Channel.
func (c *FeedChannel) WriteMarker(m Marker, note string) error {
	if err := c.validate(m.ProjectID); err != nil {
		return err
	}

	path := c.path(m.ProjectID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create feed directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open feed: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s %s\n\n%s\n\n", c.now().UTC().Format(time.RFC3339), m.String(), note)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append to feed: %w", err)
	}
	return nil
}
