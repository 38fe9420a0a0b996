package rules

import (
	"strings"

	"github.com/synthesisproject/synthesis/internal/twin"
)

// TenantPresence denies events whose tenant identifier is blank. Tenant
// authorization proper lives outside this core; this stage only guards the
// identifier every later stage and the event log key on.
type TenantPresence struct{}

func (TenantPresence) Name() string { return "tenant_presence" }

func (TenantPresence) Apply(event twin.Envelope) Decision {
	if strings.TrimSpace(event.TenantID) == "" {
		return Deny(CodeTenantMissing, "tenantId is required")
	}
	return Allow(event)
}

// EventSchema denies events that fail structural validation of the envelope
// or whose payload does not match the one shape their type requires.
type EventSchema struct{}

func (EventSchema) Name() string { return "event_schema" }

func (EventSchema) Apply(event twin.Envelope) Decision {
	if err := event.Validate(); err != nil {
		return Deny(CodeEventInvalid, err.Error())
	}
	if err := twin.ValidatePayload(event.Type, event.Payload); err != nil {
		return Deny(CodePayloadInvalid, err.Error())
	}
	return Allow(event)
}

// NormalizeTimestamp parses the declared timestamp and rewrites it to the
// canonical UTC wire form. Applying it to an already-normalized event is a
// no-op.
type NormalizeTimestamp struct{}

func (NormalizeTimestamp) Name() string { return "normalize_timestamp" }

func (NormalizeTimestamp) Apply(event twin.Envelope) Decision {
	parsed, err := twin.ParseTS(event.TS)
	if err != nil {
		return Deny(CodeTSInvalid, err.Error())
	}
	event.TS = twin.FormatTS(parsed)
	return Allow(event)
}
