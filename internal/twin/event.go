// Package twin defines the twin event envelope and its payload contracts.
package twin

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType identifies the type of a twin event.
type EventType string

const (
	// EventTwinCreated records the creation of a twin.
	EventTwinCreated EventType = "twin.created"
	// EventCounterpartAttached records an external counterpart being attached.
	EventCounterpartAttached EventType = "counterpart.attached"
	// EventNoteAdded records a free-form note.
	EventNoteAdded EventType = "note.added"
	// EventCharacteristicSet records a characteristic value assignment.
	EventCharacteristicSet EventType = "characteristic.set"
)

// Known reports whether the event type is one the gateway accepts.
func (t EventType) Known() bool {
	switch t {
	case EventTwinCreated, EventCounterpartAttached, EventNoteAdded, EventCharacteristicSet:
		return true
	}
	return false
}

// TSLayout is the canonical wire timestamp format: UTC ISO-8601 with
// millisecond precision and a Z suffix.
const TSLayout = "2006-01-02T15:04:05.000Z07:00"

// tsParseLayouts are accepted on input; normalization rewrites to TSLayout.
var tsParseLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTS parses a caller-supplied timestamp string.
func ParseTS(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("ts is empty")
	}
	for _, layout := range tsParseLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse ts: %s", value)
}

// FormatTS renders a timestamp in the canonical wire form.
func FormatTS(value time.Time) string {
	return value.UTC().Truncate(time.Millisecond).Format(TSLayout)
}

// Envelope is the wire shape of a twin event. Payload is kept as raw JSON so
// the envelope round-trips byte-for-byte apart from timestamp normalization.
type Envelope struct {
	TenantID      string          `json:"tenantId"`
	TwinID        string          `json:"twinId"`
	Type          EventType       `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	TS            string          `json:"ts"`
	CausationID   string          `json:"causationId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// Validate checks the structural contract of the envelope: identifiers and
// timestamp present, event type known. Payload shape is checked separately
// by ValidatePayload.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.TenantID) == "" {
		return fmt.Errorf("tenantId is required")
	}
	if strings.TrimSpace(e.TwinID) == "" {
		return fmt.Errorf("twinId is required")
	}
	if !e.Type.Known() {
		return fmt.Errorf("unknown event type: %s", e.Type)
	}
	if strings.TrimSpace(e.TS) == "" {
		return fmt.Errorf("ts is required")
	}
	return nil
}
