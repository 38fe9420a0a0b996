package rules

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/synthesisproject/synthesis/internal/twin"
)

func validEnvelope() twin.Envelope {
	return twin.Envelope{
		TenantID: "t1",
		TwinID:   "twin_1",
		Type:     twin.EventNoteAdded,
		Payload:  json.RawMessage(`{"note":"hello"}`),
		TS:       "2026-03-01T10:30:00+02:00",
	}
}

func TestDefaultPipelineAllowsAndNormalizes(t *testing.T) {
	t.Parallel()

	decision := Default().Run(validEnvelope())
	if decision.Denied() {
		t.Fatalf("unexpected denial: %+v", decision.Denial)
	}
	if decision.Event.TS != "2026-03-01T08:30:00.000Z" {
		t.Fatalf("ts not normalized: %q", decision.Event.TS)
	}
	if string(decision.Event.Payload) != `{"note":"hello"}` {
		t.Fatalf("payload rewritten: %s", decision.Event.Payload)
	}
}

func TestDefaultPipelineIsIdempotent(t *testing.T) {
	t.Parallel()

	pipeline := Default()
	first := pipeline.Run(validEnvelope())
	if first.Denied() {
		t.Fatalf("first run denied: %+v", first.Denial)
	}
	second := pipeline.Run(first.Event)
	if second.Denied() {
		t.Fatalf("second run denied: %+v", second.Denial)
	}
	if !reflect.DeepEqual(first.Event, second.Event) {
		t.Fatalf("pipeline not idempotent:\n first=%+v\nsecond=%+v", first.Event, second.Event)
	}
}

func TestDefaultPipelineDenialCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		mutate   func(*twin.Envelope)
		wantCode string
	}{
		{"blank tenant", func(e *twin.Envelope) { e.TenantID = "   " }, CodeTenantMissing},
		{"unknown type", func(e *twin.Envelope) { e.Type = "twin.exploded" }, CodeEventInvalid},
		{"missing twin id", func(e *twin.Envelope) { e.TwinID = "" }, CodeEventInvalid},
		{"empty note", func(e *twin.Envelope) { e.Payload = json.RawMessage(`{"note":""}`) }, CodePayloadInvalid},
		{"payload not object", func(e *twin.Envelope) { e.Payload = json.RawMessage(`"note"`) }, CodePayloadInvalid},
		{"bad timestamp", func(e *twin.Envelope) { e.TS = "yesterday-ish" }, CodeTSInvalid},
	}

	pipeline := Default()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := validEnvelope()
			tc.mutate(&env)
			decision := pipeline.Run(env)
			if !decision.Denied() {
				t.Fatal("expected denial")
			}
			if decision.Denial.Code != tc.wantCode {
				t.Fatalf("code = %s, want %s (%s)", decision.Denial.Code, tc.wantCode, decision.Denial.Message)
			}
		})
	}
}

// denyAll is a stage that rejects everything; used to verify ordering.
type denyAll struct{ code string }

func (d denyAll) Name() string                 { return "deny_all" }
func (d denyAll) Apply(twin.Envelope) Decision { return Deny(d.code, "denied") }

// recordingRule remembers the envelope it observed.
type recordingRule struct{ seen *twin.Envelope }

func (r recordingRule) Name() string { return "recording" }
func (r recordingRule) Apply(event twin.Envelope) Decision {
	*r.seen = event
	return Allow(event)
}

func TestPipelineShortCircuitsOnDeny(t *testing.T) {
	t.Parallel()

	var seen twin.Envelope
	pipeline := New(denyAll{code: "FIRST"}, recordingRule{seen: &seen})

	decision := pipeline.Run(validEnvelope())
	if !decision.Denied() || decision.Denial.Code != "FIRST" {
		t.Fatalf("expected FIRST denial, got %+v", decision)
	}
	if seen.TenantID != "" {
		t.Fatal("later stage ran after denial")
	}
}

func TestPipelineStagesSeeTransformedEvent(t *testing.T) {
	t.Parallel()

	var seen twin.Envelope
	pipeline := New(NormalizeTimestamp{}, recordingRule{seen: &seen})

	env := validEnvelope()
	if decision := pipeline.Run(env); decision.Denied() {
		t.Fatalf("unexpected denial: %+v", decision.Denial)
	}
	if seen.TS != "2026-03-01T08:30:00.000Z" {
		t.Fatalf("second stage saw untransformed ts %q", seen.TS)
	}
}

func TestZeroPipelineAllowsEverything(t *testing.T) {
	t.Parallel()

	var pipeline Pipeline
	env := twin.Envelope{TS: "garbage"}
	decision := pipeline.Run(env)
	if decision.Denied() {
		t.Fatal("zero pipeline should allow")
	}
	if !reflect.DeepEqual(decision.Event, env) {
		t.Fatal("zero pipeline should not rewrite")
	}
}
