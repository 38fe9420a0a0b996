// Package bus publishes persisted twin events to NATS JetStream for
// downstream consumers. Delivery is at-least-once: the event log is the
// source of truth and consumers must tolerate redelivery.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/synthesisproject/synthesis/internal/twin"
)

// StreamName is the JetStream stream capturing every twin event subject.
const StreamName = "TWINEVENTS"

// subjectPrefix roots every twin event subject.
const subjectPrefix = "twin"

// connectTimeout bounds the initial NATS dial.
const connectTimeout = 5 * time.Second

// Publication is the wire form of one published twin event.
type Publication struct {
	Seq   uint64        `json:"seq"`
	Event twin.Envelope `json:"event"`
}

// Publisher delivers persisted twin events to the message bus.
type Publisher interface {
	Publish(ctx context.Context, tenantID, twinID string, seq uint64, event twin.Envelope) error
	Close() error
}

// SubjectForTwin returns the per-twin subject, twin.<tenantId>.<twinId>.
// NATS subjects are dot-delimited, so dots in either id would splinter the
// subject hierarchy.
func SubjectForTwin(tenantID, twinID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	twinID = strings.TrimSpace(twinID)
	if tenantID == "" {
		return "", errors.New("tenant id is required")
	}
	if twinID == "" {
		return "", errors.New("twin id is required")
	}
	if strings.ContainsAny(tenantID, ".*> ") {
		return "", fmt.Errorf("tenant id %q is not subject-safe", tenantID)
	}
	if strings.ContainsAny(twinID, ".*> ") {
		return "", fmt.Errorf("twin id %q is not subject-safe", twinID)
	}
	return subjectPrefix + "." + tenantID + "." + twinID, nil
}

// JetStream publishes events to a NATS JetStream stream.
type JetStream struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// Connect dials NATS, ensures the twin event stream exists, and returns a
// ready publisher. Ensuring the stream is idempotent so every service
// instance can call it at startup.
func Connect(url string) (*JetStream, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("nats url is required")
	}

	conn, err := nats.Connect(url, nats.Timeout(connectTimeout))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}
	if err := ensureStream(js); err != nil {
		conn.Close()
		return nil, err
	}
	return &JetStream{conn: conn, js: js}, nil
}

func ensureStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("inspect stream %s: %w", StreamName, err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

// Publish sends one persisted event to the twin's subject. The caller has
// already committed the event to the log; a publish failure here must not
// be treated as a failed append.
func (p *JetStream) Publish(ctx context.Context, tenantID, twinID string, seq uint64, event twin.Envelope) error {
	if p == nil || p.js == nil {
		return errors.New("publisher is not connected")
	}
	subject, err := SubjectForTwin(tenantID, twinID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(Publication{Seq: seq, Event: event})
	if err != nil {
		return fmt.Errorf("marshal publication: %w", err)
	}

	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains the NATS connection.
func (p *JetStream) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	p.conn.Close()
	return nil
}

// Noop discards publications. Used when no bus is configured and by tests
// that only exercise the log.
type Noop struct{}

func (Noop) Publish(context.Context, string, string, uint64, twin.Envelope) error { return nil }

func (Noop) Close() error { return nil }
