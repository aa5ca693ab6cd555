package state

import "errors"

// Common state store errors.
var (
	// ErrNotFound is returned when no record exists for a project.
	ErrNotFound = errors.New("project state not found")

	// ErrAlreadyExists is returned when initializing a project that already
	// has a record.
	ErrAlreadyExists = errors.New("project state already exists")

	// ErrStaleState is returned when a commit's expected stage no longer
	// matches the stored record. The caller must abort and re-evaluate from
	// fresh state rather than retry blindly.
	ErrStaleState = errors.New("stale state: record changed since it was read")

	// ErrCorruptState is returned when a record cannot be parsed or violates
	// its own invariants. Never silently repaired.
	ErrCorruptState = errors.New("corrupt state: record unreadable")

	// ErrInvalidProjectID is returned for identifiers that fail the strict
	// pattern: lowercase alphanumeric with hyphens, no path separators.
	ErrInvalidProjectID = errors.New("invalid project id")

	// ErrUnknownStage is returned for stages not present in the configured
	// stage graph.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrBackwardTransition is returned when a transition would move against
	// the stage order.
	ErrBackwardTransition = errors.New("backward stage transition not allowed")

	// ErrArtifactRequired is returned when a transition skips an intermediate
	// stage without recording an artifact reference.
	ErrArtifactRequired = errors.New("artifact reference required to skip a stage")
)
