package twin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// CounterpartAttachedPayload is the payload contract for counterpart.attached.
type CounterpartAttachedPayload struct {
	CounterpartID string `json:"counterpartId"`
	Kind          string `json:"kind"`
	ResourceURI   string `json:"resourceUri"`
	Role          string `json:"role"`
	SyncPolicyID  string `json:"syncPolicyId,omitempty"`
}

// NoteAddedPayload is the payload contract for note.added.
type NoteAddedPayload struct {
	Note string `json:"note"`
}

// CharacteristicSetPayload is the payload contract for characteristic.set.
type CharacteristicSetPayload struct {
	Path      string          `json:"path"`
	Value     json.RawMessage `json:"value"`
	ValueType string          `json:"valueType"`
}

// characteristicValueTypes enumerates the accepted valueType discriminators.
var characteristicValueTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"boolean": true,
	"json":    true,
}

// ValidatePayload checks that the payload matches the one shape its event
// type requires. Each known event type has exactly one valid payload shape.
func ValidatePayload(eventType EventType, payload json.RawMessage) error {
	switch eventType {
	case EventTwinCreated:
		return requireObject(payload)
	case EventCounterpartAttached:
		var p CounterpartAttachedPayload
		if err := unmarshalObject(payload, &p); err != nil {
			return err
		}
		if strings.TrimSpace(p.CounterpartID) == "" {
			return fmt.Errorf("counterpartId is required")
		}
		if strings.TrimSpace(p.Kind) == "" {
			return fmt.Errorf("kind is required")
		}
		if strings.TrimSpace(p.ResourceURI) == "" {
			return fmt.Errorf("resourceUri is required")
		}
		if strings.TrimSpace(p.Role) == "" {
			return fmt.Errorf("role is required")
		}
		return nil
	case EventNoteAdded:
		var p NoteAddedPayload
		if err := unmarshalObject(payload, &p); err != nil {
			return err
		}
		if p.Note == "" {
			return fmt.Errorf("note must be a non-empty string")
		}
		return nil
	case EventCharacteristicSet:
		var p CharacteristicSetPayload
		if err := unmarshalObject(payload, &p); err != nil {
			return err
		}
		if strings.TrimSpace(p.Path) == "" {
			return fmt.Errorf("path is required")
		}
		if !characteristicValueTypes[p.ValueType] {
			return fmt.Errorf("valueType must be one of string, number, boolean, json")
		}
		return nil
	default:
		return fmt.Errorf("unknown event type: %s", eventType)
	}
}

// requireObject checks the payload is a JSON object.
func requireObject(payload json.RawMessage) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return fmt.Errorf("payload must be a JSON object")
	}
	if trimmed[0] != '{' {
		return fmt.Errorf("payload must be a JSON object")
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return nil
}

func unmarshalObject(payload json.RawMessage, target any) error {
	if err := requireObject(payload); err != nil {
		return err
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("payload does not match event type: %w", err)
	}
	return nil
}
