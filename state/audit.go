package state

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// EventType identifies what kind of event an audit entry records.
type EventType string

const (
	EventProjectInitialized EventType = "project_initialized"
	EventStageAdvanced      EventType = "stage_advanced"
	EventStageBlocked       EventType = "stage_blocked"
	EventStageDeadLettered  EventType = "stage_dead_lettered"
	EventStageReset         EventType = "stage_reset"
	EventCheckpointCreated  EventType = "checkpoint_created"
	EventInvocationRecorded EventType = "invocation_recorded"
)

// AuditEvent is one line in a project's transitions.jsonl audit log. The log
// is chronological and append-only.
type AuditEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	ProjectID string            `json:"project_id"`
	Type      EventType         `json:"event_type"`
	Stage     string            `json:"stage,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// AuditFilter narrows which audit events are returned.
type AuditFilter struct {
	// Type filters by event type when non-empty.
	Type EventType
	// Stage filters by stage when non-empty.
	Stage string
	// Limit caps the result to the most recent N events when positive.
	Limit int
}

// logEvent appends an audit event to the project's transitions log. Audit
// failures never fail the operation that produced them.
func (s *Store) logEvent(projectID string, eventType EventType, stage, actor string, detail map[string]string) {
	event := AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: s.now(),
		ProjectID: projectID,
		Type:      eventType,
		Stage:     stage,
		Actor:     actor,
		Detail:    detail,
	}
	if err := appendJSONL(s.transitionsPath(projectID), event); err != nil {
		s.logger.Warn("Failed to append audit event",
			"project_id", projectID,
			"event_type", string(eventType),
			"error", err)
	}
}

// Transitions reads the project's audit log, applying the filter.
func (s *Store) Transitions(projectID string, filter AuditFilter) ([]AuditEvent, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return nil, err
	}

	f, err := os.Open(s.transitionsPath(projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return []AuditEvent{}, nil
		}
		return nil, fmt.Errorf("failed to open transitions log: %w", err)
	}
	defer f.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event AuditEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("%w: malformed transitions log: %v", ErrCorruptState, err)
		}
		if filter.Type != "" && event.Type != filter.Type {
			continue
		}
		if filter.Stage != "" && event.Stage != filter.Stage {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transitions log: %w", err)
	}

	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[len(events)-filter.Limit:]
	}
	return events, nil
}
