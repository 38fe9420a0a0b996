// Package storage defines the records and sentinel errors shared by the
// entity catalog and the twin event log.
package storage

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/synthesisproject/synthesis/internal/twin"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a uniqueness constraint rejected the write.
var ErrConflict = errors.New("conflict")

// TwinRecord is one addressable twin entity.
type TwinRecord struct {
	ID          string
	TenantID    string
	WorkspaceID string
	Type        string
	Title       string
	CreatedAt   time.Time
}

// EventRecord is one persisted twin event. Seq is assigned by the store on
// append and is gap-free per (TenantID, TwinID).
type EventRecord struct {
	TenantID      string
	TwinID        string
	Seq           uint64
	Type          string
	Envelope      twin.Envelope
	CausationID   string
	CorrelationID string
	CreatedAt     time.Time
}

// CounterpartRecord is one external reference attached to a twin.
type CounterpartRecord struct {
	ID           string
	TenantID     string
	TwinID       string
	Kind         string
	ResourceURI  string
	Role         string
	SyncPolicyID string
	CreatedAt    time.Time
}

// SyncPolicyRecord is one named, opaque synchronization policy blob.
type SyncPolicyRecord struct {
	ID        string
	TenantID  string
	Name      string
	Policy    json.RawMessage
	CreatedAt time.Time
}
