package gateway

import (
	"encoding/json"
	"strings"

	"github.com/synthesisproject/synthesis/internal/twin"
)

// Argument and result shapes for every tool operation. Each argument struct
// validates itself before the dispatcher does any work.

const (
	defaultEventLimit = 100
	maxEventLimit     = 500
)

// TwinView is the twin entity as returned to tool callers.
type TwinView struct {
	TwinID      string `json:"twinId" jsonschema:"twin identifier"`
	TenantID    string `json:"tenantId" jsonschema:"tenant identifier"`
	WorkspaceID string `json:"workspaceId" jsonschema:"workspace identifier"`
	Type        string `json:"type" jsonschema:"twin type"`
	Title       string `json:"title" jsonschema:"twin title"`
	CreatedAt   string `json:"createdAt" jsonschema:"creation timestamp, UTC ISO-8601"`
}

// EventView is one persisted event as returned to tool callers.
type EventView struct {
	TenantID      string          `json:"tenantId" jsonschema:"tenant identifier"`
	TwinID        string          `json:"twinId" jsonschema:"twin identifier"`
	Seq           uint64          `json:"seq" jsonschema:"1-based sequence number within the twin"`
	Type          string          `json:"type" jsonschema:"event type"`
	Payload       json.RawMessage `json:"payload" jsonschema:"event payload object"`
	TS            string          `json:"ts" jsonschema:"event timestamp, UTC ISO-8601"`
	CausationID   string          `json:"causationId,omitempty" jsonschema:"optional causation identifier"`
	CorrelationID string          `json:"correlationId,omitempty" jsonschema:"optional correlation identifier"`
	CreatedAt     string          `json:"createdAt" jsonschema:"persistence timestamp, UTC ISO-8601"`
}

// ListTwinsArgs selects twins by tenant with an optional workspace filter.
type ListTwinsArgs struct {
	TenantID    string `json:"tenantId" jsonschema:"tenant identifier"`
	WorkspaceID string `json:"workspaceId,omitempty" jsonschema:"optional workspace filter"`
}

func (a ListTwinsArgs) validate() *Error {
	if strings.TrimSpace(a.TenantID) == "" {
		return invalidArgs("tenantId is required")
	}
	return nil
}

// ListTwinsResult carries the matching twins, newest first.
type ListTwinsResult struct {
	Twins []TwinView `json:"twins" jsonschema:"matching twins, newest first"`
}

// CreateTwinArgs creates a twin and its twin.created event.
type CreateTwinArgs struct {
	TenantID    string `json:"tenantId" jsonschema:"tenant identifier"`
	WorkspaceID string `json:"workspaceId" jsonschema:"workspace identifier"`
	Type        string `json:"type" jsonschema:"twin type"`
	Title       string `json:"title" jsonschema:"twin title"`
}

func (a CreateTwinArgs) validate() *Error {
	if strings.TrimSpace(a.TenantID) == "" {
		return invalidArgs("tenantId is required")
	}
	if strings.TrimSpace(a.WorkspaceID) == "" {
		return invalidArgs("workspaceId is required")
	}
	if strings.TrimSpace(a.Type) == "" {
		return invalidArgs("type is required")
	}
	if strings.TrimSpace(a.Title) == "" {
		return invalidArgs("title is required")
	}
	return nil
}

// CreateTwinResult identifies the new twin and its first event.
type CreateTwinResult struct {
	TwinID   string `json:"twinId" jsonschema:"new twin identifier"`
	EventSeq uint64 `json:"eventSeq" jsonschema:"sequence of the twin.created event"`
}

// GetTwinStateArgs looks up one twin.
type GetTwinStateArgs struct {
	TenantID string `json:"tenantId" jsonschema:"tenant identifier"`
	TwinID   string `json:"twinId" jsonschema:"twin identifier"`
}

func (a GetTwinStateArgs) validate() *Error {
	if strings.TrimSpace(a.TenantID) == "" {
		return invalidArgs("tenantId is required")
	}
	if strings.TrimSpace(a.TwinID) == "" {
		return invalidArgs("twinId is required")
	}
	return nil
}

// GetTwinStateResult carries the twin entity row.
type GetTwinStateResult struct {
	Twin TwinView `json:"twin" jsonschema:"the twin entity"`
}

// GetEventsArgs reads a range of a twin's event log.
type GetEventsArgs struct {
	TenantID string `json:"tenantId" jsonschema:"tenant identifier"`
	TwinID   string `json:"twinId" jsonschema:"twin identifier"`
	FromSeq  uint64 `json:"fromSeq,omitempty" jsonschema:"first sequence to return, default 1"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum events to return, default 100, max 500"`
}

func (a GetEventsArgs) validate() *Error {
	if strings.TrimSpace(a.TenantID) == "" {
		return invalidArgs("tenantId is required")
	}
	if strings.TrimSpace(a.TwinID) == "" {
		return invalidArgs("twinId is required")
	}
	if a.Limit < 0 {
		return invalidArgs("limit must not be negative")
	}
	if a.Limit > maxEventLimit {
		return invalidArgs("limit must not exceed %d", maxEventLimit)
	}
	return nil
}

// normalized applies the fromSeq and limit defaults.
func (a GetEventsArgs) normalized() GetEventsArgs {
	if a.FromSeq == 0 {
		a.FromSeq = 1
	}
	if a.Limit == 0 {
		a.Limit = defaultEventLimit
	}
	return a
}

// GetEventsResult carries an ascending page of events and the cursor for the
// next page. NextSeq is one past the last returned seq, or FromSeq unchanged
// when the page is empty.
type GetEventsResult struct {
	Events  []EventView `json:"events" jsonschema:"events ascending by seq"`
	NextSeq uint64      `json:"nextSeq" jsonschema:"cursor for the next page"`
}

// AppendEventArgs appends one caller-built event to a twin.
type AppendEventArgs struct {
	TenantID      string          `json:"tenantId" jsonschema:"tenant identifier"`
	TwinID        string          `json:"twinId" jsonschema:"twin identifier"`
	Type          string          `json:"type" jsonschema:"event type"`
	Payload       json.RawMessage `json:"payload" jsonschema:"event payload object"`
	CausationID   string          `json:"causationId,omitempty" jsonschema:"optional causation identifier"`
	CorrelationID string          `json:"correlationId,omitempty" jsonschema:"optional correlation identifier"`
}

func (a AppendEventArgs) validate() *Error {
	if strings.TrimSpace(a.TenantID) == "" {
		return invalidArgs("tenantId is required")
	}
	if strings.TrimSpace(a.TwinID) == "" {
		return invalidArgs("twinId is required")
	}
	if strings.TrimSpace(a.Type) == "" {
		return invalidArgs("type is required")
	}
	if len(a.Payload) == 0 {
		return invalidArgs("payload is required")
	}
	return nil
}

// AppendEventResult carries the assigned sequence and the event as persisted,
// timestamp already normalized.
type AppendEventResult struct {
	Seq   uint64        `json:"seq" jsonschema:"assigned sequence number"`
	Event twin.Envelope `json:"event" jsonschema:"the persisted event envelope"`
}

// AttachCounterpartArgs attaches an external counterpart to a twin.
type AttachCounterpartArgs struct {
	TenantID     string `json:"tenantId" jsonschema:"tenant identifier"`
	TwinID       string `json:"twinId" jsonschema:"twin identifier"`
	Kind         string `json:"kind" jsonschema:"counterpart kind"`
	ResourceURI  string `json:"resourceUri" jsonschema:"external resource URI"`
	Role         string `json:"role" jsonschema:"counterpart role"`
	SyncPolicyID string `json:"syncPolicyId,omitempty" jsonschema:"optional sync policy identifier"`
}

func (a AttachCounterpartArgs) validate() *Error {
	if strings.TrimSpace(a.TenantID) == "" {
		return invalidArgs("tenantId is required")
	}
	if strings.TrimSpace(a.TwinID) == "" {
		return invalidArgs("twinId is required")
	}
	if strings.TrimSpace(a.Kind) == "" {
		return invalidArgs("kind is required")
	}
	if strings.TrimSpace(a.ResourceURI) == "" {
		return invalidArgs("resourceUri is required")
	}
	if strings.TrimSpace(a.Role) == "" {
		return invalidArgs("role is required")
	}
	return nil
}

// AttachCounterpartResult identifies the new counterpart and its event.
type AttachCounterpartResult struct {
	CounterpartID string `json:"counterpartId" jsonschema:"new counterpart identifier"`
	EventSeq      uint64 `json:"eventSeq" jsonschema:"sequence of the counterpart.attached event"`
}

// CreateSyncPolicyArgs creates a named sync policy. The policy blob is
// stored opaquely; no event is emitted.
type CreateSyncPolicyArgs struct {
	TenantID string          `json:"tenantId" jsonschema:"tenant identifier"`
	Name     string          `json:"name" jsonschema:"policy name"`
	Policy   json.RawMessage `json:"policy" jsonschema:"opaque policy configuration object"`
}

func (a CreateSyncPolicyArgs) validate() *Error {
	if strings.TrimSpace(a.TenantID) == "" {
		return invalidArgs("tenantId is required")
	}
	if strings.TrimSpace(a.Name) == "" {
		return invalidArgs("name is required")
	}
	if len(a.Policy) == 0 {
		return invalidArgs("policy is required")
	}
	return nil
}

// CreateSyncPolicyResult identifies the new sync policy.
type CreateSyncPolicyResult struct {
	SyncPolicyID string `json:"syncPolicyId" jsonschema:"new sync policy identifier"`
}
