package version

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Operation classifies the mutation a version snapshot captured
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Record is an immutable historical snapshot of an entity. Versions for a
// given (entityType, entityId) form a gap-free sequence starting at 1.
type Record struct {
	ID         uuid.UUID      `json:"id"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Version    int64          `json:"version"`
	Operation  Operation      `json:"operation"`
	Data       map[string]any `json:"data"`
	Checksum   string         `json:"checksum"`
	AuthorID   string         `json:"authorId"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// IntegrityReport is the outcome of a checksum validation pass. Corruption is
// reported, never raised.
type IntegrityReport struct {
	IsValid           bool    `json:"isValid"`
	Checked           int     `json:"checked"`
	CorruptedVersions []int64 `json:"corruptedVersions"`
}

var (
	// ErrNotFound means the referenced version does not exist
	ErrNotFound = errors.New("version not found")

	// ErrInvalidArgument means a required field is missing or malformed
	ErrInvalidArgument = errors.New("invalid argument")

	// errVersionTaken is the repo-level signal that another writer claimed
	// the version number first; Create retries with a fresh read.
	errVersionTaken = errors.New("version number already taken")
)
