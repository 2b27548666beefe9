package conflict

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Strategy names how a conflict is (or is proposed to be) resolved
type Strategy string

const (
	LocalWins  Strategy = "local_wins"
	ServerWins Strategy = "server_wins"
	Merge      Strategy = "merge"
	Manual     Strategy = "manual"
)

// Valid reports whether s is a known strategy
func (s Strategy) Valid() bool {
	switch s {
	case LocalWins, ServerWins, Merge, Manual:
		return true
	}
	return false
}

// Type classifies the nature of the divergence
type Type string

const (
	TypeUpdate Type = "update"
	TypeDelete Type = "delete"
	TypeCreate Type = "create"
)

// Valid reports whether t is a known conflict type
func (t Type) Valid() bool {
	switch t {
	case TypeUpdate, TypeDelete, TypeCreate:
		return true
	}
	return false
}

// Record is a detected divergence between a client's locally-held version and
// the server's current version. Mutable until resolved: re-detection
// refreshes snapshots in place, resolution is terminal.
//
// At most one unresolved Record exists per (userId, entityType, entityId).
type Record struct {
	ID            uuid.UUID      `json:"id"`
	UserID        string         `json:"userId"`
	EntityType    string         `json:"entityType"`
	EntityID      string         `json:"entityId"`
	LocalVersion  int64          `json:"localVersion"`
	ServerVersion int64          `json:"serverVersion"`
	LocalData     map[string]any `json:"localData,omitempty"`
	ServerData    map[string]any `json:"serverData,omitempty"`
	ConflictType  Type           `json:"conflictType"`
	Strategy      Strategy       `json:"resolutionStrategy"`
	Resolved      bool           `json:"resolved"`
	ResolvedData  map[string]any `json:"resolvedData,omitempty"`
	ResolvedAt    *time.Time     `json:"resolvedAt,omitempty"`
	ResolvedBy    string         `json:"resolvedBy,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Stats aggregates conflict counts for observability
type Stats struct {
	Total        int64            `json:"total"`
	Resolved     int64            `json:"resolved"`
	Unresolved   int64            `json:"unresolved"`
	ByEntityType map[string]int64 `json:"byEntityType"`
	ByStrategy   map[string]int64 `json:"byStrategy"`
}

var (
	// ErrNotFound means the referenced conflict does not exist
	ErrNotFound = errors.New("conflict not found")

	// ErrAlreadyResolved means the conflict was resolved before; resolution
	// is terminal and never re-applied.
	ErrAlreadyResolved = errors.New("conflict already resolved")

	// ErrInvalidArgument means a required field is missing or malformed
	ErrInvalidArgument = errors.New("invalid argument")
)
