// Package rules runs candidate twin events through an ordered chain of
// validate-or-transform stages before anything is persisted or published.
package rules

import "github.com/synthesisproject/synthesis/internal/twin"

// Denial codes surfaced to callers when a stage rejects an event.
const (
	CodeTenantMissing  = "TENANT_MISSING"
	CodeEventInvalid   = "EVENT_INVALID"
	CodePayloadInvalid = "PAYLOAD_INVALID"
	CodeTSInvalid      = "TS_INVALID"
)

// Denial carries the code and message of a rejected event.
type Denial struct {
	Code    string
	Message string
}

// Decision is the outcome of a rule stage or of the whole pipeline: either
// the (possibly rewritten) event, or a denial.
type Decision struct {
	Event  twin.Envelope
	Denial *Denial
}

// Allow returns an allow decision carrying the event as the stage left it.
func Allow(event twin.Envelope) Decision {
	return Decision{Event: event}
}

// Deny returns a deny decision that halts the pipeline.
func Deny(code, message string) Decision {
	return Decision{Denial: &Denial{Code: code, Message: message}}
}

// Denied reports whether the decision rejects the event.
func (d Decision) Denied() bool {
	return d.Denial != nil
}

// Rule is one pure validate-or-transform stage. Apply must be deterministic
// and free of I/O; it sees the event as transformed by all prior stages.
type Rule interface {
	Name() string
	Apply(event twin.Envelope) Decision
}

// Pipeline applies rules in a fixed order, short-circuiting on the first
// denial. The zero value allows everything; use Default for the standard
// stage set.
type Pipeline struct {
	rules []Rule
}

// New builds a pipeline from an explicit ordered stage list.
func New(rules ...Rule) Pipeline {
	return Pipeline{rules: rules}
}

// Default returns the standard stage order: tenant presence, envelope and
// payload schema, timestamp normalization.
func Default() Pipeline {
	return New(TenantPresence{}, EventSchema{}, NormalizeTimestamp{})
}

// Run applies every stage in order. On allow, the returned decision carries
// the event as rewritten by the transform stages; on deny, no later stage
// has run.
func (p Pipeline) Run(event twin.Envelope) Decision {
	current := event
	for _, rule := range p.rules {
		decision := rule.Apply(current)
		if decision.Denied() {
			return decision
		}
		current = decision.Event
	}
	return Allow(current)
}
