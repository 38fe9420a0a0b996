// Package agentrunner consumes the published twin event stream and hands
// each event to a handler. Delivery is at-least-once: handlers must be
// idempotent, and the event log remains the source of truth.
package agentrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/synthesisproject/synthesis/internal/bus"
)

const (
	// durableName identifies this consumer so redeliveries survive restarts.
	durableName = "agent-runner"

	connectTimeout = 5 * time.Second
	fetchBatch     = 16
	fetchWait      = 2 * time.Second
)

// Handler processes one published twin event. Returning an error leaves the
// message unacknowledged so JetStream redelivers it.
type Handler func(ctx context.Context, subject string, publication bus.Publication) error

// Config assembles a Runner.
type Config struct {
	// URL is the NATS server address.
	URL string
	// Subject filters the stream; defaults to every twin event.
	Subject string
	// Handler receives each decoded publication. Defaults to a logging
	// handler.
	Handler Handler
	Logger  *log.Logger
}

// Runner is a durable JetStream consumer of twin event publications.
type Runner struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	handler Handler
	logger  *log.Logger
}

// New connects to NATS and binds the durable consumer.
func New(cfg Config) (*Runner, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("nats url is required")
	}
	if cfg.Subject == "" {
		cfg.Subject = "twin.>"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Handler == nil {
		logger := cfg.Logger
		cfg.Handler = func(_ context.Context, subject string, publication bus.Publication) error {
			logger.Printf("event %s seq=%d type=%s", subject, publication.Seq, publication.Event.Type)
			return nil
		}
	}

	conn, err := nats.Connect(cfg.URL, nats.Timeout(connectTimeout))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	sub, err := js.PullSubscribe(cfg.Subject, durableName,
		nats.BindStream(bus.StreamName),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", cfg.Subject, err)
	}

	return &Runner{
		conn:    conn,
		sub:     sub,
		handler: cfg.Handler,
		logger:  cfg.Logger,
	}, nil
}

// Run consumes publications until the context is cancelled. Messages that
// fail to decode are acknowledged and dropped; handler failures leave the
// message for redelivery.
func (r *Runner) Run(ctx context.Context) error {
	if r == nil || r.sub == nil {
		return errors.New("runner is not connected")
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		msgs, err := r.sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch messages: %w", err)
		}

		for _, msg := range msgs {
			r.handleMessage(ctx, msg)
		}
	}
}

func (r *Runner) handleMessage(ctx context.Context, msg *nats.Msg) {
	publication, err := DecodePublication(msg.Data)
	if err != nil {
		r.logger.Printf("drop undecodable message on %s: %v", msg.Subject, err)
		if ackErr := msg.Ack(); ackErr != nil {
			r.logger.Printf("ack failed on %s: %v", msg.Subject, ackErr)
		}
		return
	}

	if err := r.handler(ctx, msg.Subject, publication); err != nil {
		r.logger.Printf("handler failed on %s seq=%d, leaving for redelivery: %v", msg.Subject, publication.Seq, err)
		return
	}
	if err := msg.Ack(); err != nil {
		r.logger.Printf("ack failed on %s seq=%d: %v", msg.Subject, publication.Seq, err)
	}
}

// Close drains the subscription and connection.
func (r *Runner) Close() error {
	if r == nil || r.conn == nil {
		return nil
	}
	r.conn.Close()
	return nil
}

// DecodePublication decodes one published message body.
func DecodePublication(data []byte) (bus.Publication, error) {
	var publication bus.Publication
	if err := json.Unmarshal(data, &publication); err != nil {
		return bus.Publication{}, fmt.Errorf("decode publication: %w", err)
	}
	if publication.Seq == 0 {
		return bus.Publication{}, errors.New("publication has no seq")
	}
	if err := publication.Event.Validate(); err != nil {
		return bus.Publication{}, fmt.Errorf("publication event invalid: %w", err)
	}
	return publication, nil
}
