// Package gateway dispatches named tool operations onto the entity catalog,
// the rule pipeline, the event log, and the message bus.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/synthesisproject/synthesis/internal/bus"
	"github.com/synthesisproject/synthesis/internal/platform/id"
	"github.com/synthesisproject/synthesis/internal/platform/metrics"
	"github.com/synthesisproject/synthesis/internal/rules"
	"github.com/synthesisproject/synthesis/internal/storage"
	"github.com/synthesisproject/synthesis/internal/twin"
)

// Tool operation names.
const (
	ToolTwinList          = "twin.list"
	ToolTwinCreate        = "twin.create"
	ToolTwinGetState      = "twin.getState"
	ToolTwinGetEvents     = "twin.getEvents"
	ToolTwinAppendEvent   = "twin.appendEvent"
	ToolCounterpartAttach = "counterpart.attach"
	ToolSyncPolicyCreate  = "syncPolicy.create"
)

// ToolNames lists every dispatchable operation.
func ToolNames() []string {
	return []string{
		ToolTwinList,
		ToolTwinCreate,
		ToolTwinGetState,
		ToolTwinGetEvents,
		ToolTwinAppendEvent,
		ToolCounterpartAttach,
		ToolSyncPolicyCreate,
	}
}

// Store is the persistence surface the dispatcher depends on.
type Store interface {
	EnsureTenantWorkspace(ctx context.Context, tenantID, workspaceID string) error
	PutTwin(ctx context.Context, record storage.TwinRecord) error
	GetTwin(ctx context.Context, tenantID, twinID string) (storage.TwinRecord, error)
	ListTwins(ctx context.Context, tenantID, workspaceID string) ([]storage.TwinRecord, error)
	PutCounterpart(ctx context.Context, record storage.CounterpartRecord) error
	ListCounterparts(ctx context.Context, tenantID, twinID string) ([]storage.CounterpartRecord, error)
	PutSyncPolicy(ctx context.Context, record storage.SyncPolicyRecord) error
	AppendEvent(ctx context.Context, env twin.Envelope) (storage.EventRecord, error)
	ListEvents(ctx context.Context, tenantID, twinID string, fromSeq uint64, limit int) ([]storage.EventRecord, error)
}

// Config assembles a dispatcher. Store is required; everything else has a
// working default.
type Config struct {
	Store     Store
	Pipeline  rules.Pipeline
	Publisher bus.Publisher
	Metrics   *metrics.Gateway
	Logger    *log.Logger
	Now       func() time.Time
}

// Dispatcher is the single entry point for tool operations. It serves
// concurrent callers; per-twin append ordering is enforced by the store.
type Dispatcher struct {
	store     Store
	pipeline  rules.Pipeline
	publisher bus.Publisher
	metrics   *metrics.Gateway
	logger    *log.Logger
	now       func() time.Time
	tracer    trace.Tracer
}

// New builds a dispatcher from cfg.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Publisher == nil {
		cfg.Publisher = bus.Noop{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewGateway(prometheus.NewRegistry())
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		store:     cfg.Store,
		pipeline:  cfg.Pipeline,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Now,
		tracer:    otel.Tracer("synthesis/gateway"),
	}, nil
}

// Call dispatches one named operation with a raw JSON argument object. The
// returned error is always a *Error when the failure is addressable by the
// caller.
func (d *Dispatcher) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	ctx, span := d.tracer.Start(ctx, "gateway.Call",
		trace.WithAttributes(attribute.String("tool.name", name)))
	defer span.End()

	result, err := d.dispatch(ctx, name, args)
	d.metrics.ToolCallsTotal.WithLabelValues(name, callOutcome(err)).Inc()
	return result, err
}

func (d *Dispatcher) dispatch(ctx context.Context, name string, args json.RawMessage) (any, error) {
	switch name {
	case ToolTwinList:
		return callTyped(ctx, args, d.ListTwins)
	case ToolTwinCreate:
		return callTyped(ctx, args, d.CreateTwin)
	case ToolTwinGetState:
		return callTyped(ctx, args, d.GetTwinState)
	case ToolTwinGetEvents:
		return callTyped(ctx, args, d.GetEvents)
	case ToolTwinAppendEvent:
		return callTyped(ctx, args, d.AppendEvent)
	case ToolCounterpartAttach:
		return callTyped(ctx, args, d.AttachCounterpart)
	case ToolSyncPolicyCreate:
		return callTyped(ctx, args, d.CreateSyncPolicy)
	default:
		return nil, toolNotFound(name)
	}
}

func callTyped[A, R any](ctx context.Context, args json.RawMessage, op func(context.Context, A) (R, error)) (any, error) {
	var decoded A
	if len(args) > 0 {
		if err := json.Unmarshal(args, &decoded); err != nil {
			return nil, invalidArgs("malformed arguments: %v", err)
		}
	}
	return op(ctx, decoded)
}

func callOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	var toolErr *Error
	if errors.As(err, &toolErr) {
		switch toolErr.Code {
		case rules.CodeTenantMissing, rules.CodeEventInvalid, rules.CodePayloadInvalid, rules.CodeTSInvalid:
			return "denied"
		}
	}
	return "error"
}

// ListTwins lists one tenant's twins newest-first, optionally filtered by
// workspace.
func (d *Dispatcher) ListTwins(ctx context.Context, args ListTwinsArgs) (ListTwinsResult, error) {
	if err := args.validate(); err != nil {
		return ListTwinsResult{}, err
	}

	records, err := d.store.ListTwins(ctx, args.TenantID, args.WorkspaceID)
	if err != nil {
		d.logger.Printf("list twins failed: %v", err)
		return ListTwinsResult{}, internalError("list twins failed")
	}

	views := make([]TwinView, 0, len(records))
	for _, record := range records {
		views = append(views, twinView(record))
	}
	return ListTwinsResult{Twins: views}, nil
}

// CreateTwin lazily ensures the tenant and workspace rows, mints a twin id,
// inserts the catalog row, and appends the twin.created event. The catalog
// row is written before the event; if the append is denied the row remains
// and the denial is surfaced.
func (d *Dispatcher) CreateTwin(ctx context.Context, args CreateTwinArgs) (CreateTwinResult, error) {
	if err := args.validate(); err != nil {
		return CreateTwinResult{}, err
	}

	if err := d.store.EnsureTenantWorkspace(ctx, args.TenantID, args.WorkspaceID); err != nil {
		d.logger.Printf("ensure tenant workspace failed: %v", err)
		return CreateTwinResult{}, internalError("create twin failed")
	}

	twinID, err := id.New("twin")
	if err != nil {
		return CreateTwinResult{}, internalError("create twin failed")
	}
	now := d.now().UTC()
	record := storage.TwinRecord{
		ID:          twinID,
		TenantID:    args.TenantID,
		WorkspaceID: args.WorkspaceID,
		Type:        args.Type,
		Title:       args.Title,
		CreatedAt:   now,
	}
	if err := d.store.PutTwin(ctx, record); err != nil {
		d.logger.Printf("put twin failed: %v", err)
		return CreateTwinResult{}, internalError("create twin failed")
	}

	appended, err := d.appendAndPublish(ctx, twin.Envelope{
		TenantID: args.TenantID,
		TwinID:   twinID,
		Type:     twin.EventTwinCreated,
		Payload:  json.RawMessage(`{}`),
		TS:       twin.FormatTS(now),
	})
	if err != nil {
		return CreateTwinResult{}, err
	}
	return CreateTwinResult{TwinID: twinID, EventSeq: appended.Seq}, nil
}

// GetTwinState looks up one twin entity row.
func (d *Dispatcher) GetTwinState(ctx context.Context, args GetTwinStateArgs) (GetTwinStateResult, error) {
	if err := args.validate(); err != nil {
		return GetTwinStateResult{}, err
	}

	record, err := d.store.GetTwin(ctx, args.TenantID, args.TwinID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return GetTwinStateResult{}, notFound("twin not found")
		}
		d.logger.Printf("get twin failed: %v", err)
		return GetTwinStateResult{}, internalError("get twin failed")
	}
	return GetTwinStateResult{Twin: twinView(record)}, nil
}

// GetEvents reads an ascending page of a twin's event log. NextSeq is one
// past the last returned seq, or FromSeq unchanged when the page is empty.
func (d *Dispatcher) GetEvents(ctx context.Context, args GetEventsArgs) (GetEventsResult, error) {
	if err := args.validate(); err != nil {
		return GetEventsResult{}, err
	}
	args = args.normalized()

	records, err := d.store.ListEvents(ctx, args.TenantID, args.TwinID, args.FromSeq, args.Limit)
	if err != nil {
		d.logger.Printf("list events failed: %v", err)
		return GetEventsResult{}, internalError("get events failed")
	}

	views := make([]EventView, 0, len(records))
	for _, record := range records {
		views = append(views, eventView(record))
	}
	nextSeq := args.FromSeq
	if len(records) > 0 {
		nextSeq = records[len(records)-1].Seq + 1
	}
	return GetEventsResult{Events: views, NextSeq: nextSeq}, nil
}

// AppendEvent builds a candidate envelope from the caller's fields with a
// current timestamp, then validates, appends, and publishes it.
func (d *Dispatcher) AppendEvent(ctx context.Context, args AppendEventArgs) (AppendEventResult, error) {
	if err := args.validate(); err != nil {
		return AppendEventResult{}, err
	}

	appended, err := d.appendAndPublish(ctx, twin.Envelope{
		TenantID:      args.TenantID,
		TwinID:        args.TwinID,
		Type:          twin.EventType(args.Type),
		Payload:       args.Payload,
		TS:            twin.FormatTS(d.now()),
		CausationID:   args.CausationID,
		CorrelationID: args.CorrelationID,
	})
	if err != nil {
		return AppendEventResult{}, err
	}
	return AppendEventResult{Seq: appended.Seq, Event: appended.Envelope}, nil
}

// AttachCounterpart inserts the counterpart row and appends the
// counterpart.attached event carrying the counterpart's fields as payload.
// As with CreateTwin, a denied append leaves the catalog row in place.
func (d *Dispatcher) AttachCounterpart(ctx context.Context, args AttachCounterpartArgs) (AttachCounterpartResult, error) {
	if err := args.validate(); err != nil {
		return AttachCounterpartResult{}, err
	}

	counterpartID, err := id.New("cp")
	if err != nil {
		return AttachCounterpartResult{}, internalError("attach counterpart failed")
	}
	now := d.now().UTC()
	record := storage.CounterpartRecord{
		ID:           counterpartID,
		TenantID:     args.TenantID,
		TwinID:       args.TwinID,
		Kind:         args.Kind,
		ResourceURI:  args.ResourceURI,
		Role:         args.Role,
		SyncPolicyID: args.SyncPolicyID,
		CreatedAt:    now,
	}
	if err := d.store.PutCounterpart(ctx, record); err != nil {
		d.logger.Printf("put counterpart failed: %v", err)
		return AttachCounterpartResult{}, internalError("attach counterpart failed")
	}

	payload, err := json.Marshal(twin.CounterpartAttachedPayload{
		CounterpartID: counterpartID,
		Kind:          args.Kind,
		ResourceURI:   args.ResourceURI,
		Role:          args.Role,
		SyncPolicyID:  args.SyncPolicyID,
	})
	if err != nil {
		return AttachCounterpartResult{}, internalError("attach counterpart failed")
	}

	appended, err := d.appendAndPublish(ctx, twin.Envelope{
		TenantID: args.TenantID,
		TwinID:   args.TwinID,
		Type:     twin.EventCounterpartAttached,
		Payload:  payload,
		TS:       twin.FormatTS(now),
	})
	if err != nil {
		return AttachCounterpartResult{}, err
	}
	return AttachCounterpartResult{CounterpartID: counterpartID, EventSeq: appended.Seq}, nil
}

// CreateSyncPolicy inserts a sync policy row. No event is emitted.
func (d *Dispatcher) CreateSyncPolicy(ctx context.Context, args CreateSyncPolicyArgs) (CreateSyncPolicyResult, error) {
	if err := args.validate(); err != nil {
		return CreateSyncPolicyResult{}, err
	}

	policyID, err := id.New("sp")
	if err != nil {
		return CreateSyncPolicyResult{}, internalError("create sync policy failed")
	}
	record := storage.SyncPolicyRecord{
		ID:        policyID,
		TenantID:  args.TenantID,
		Name:      args.Name,
		Policy:    args.Policy,
		CreatedAt: d.now().UTC(),
	}
	if err := d.store.PutSyncPolicy(ctx, record); err != nil {
		d.logger.Printf("put sync policy failed: %v", err)
		return CreateSyncPolicyResult{}, internalError("create sync policy failed")
	}
	return CreateSyncPolicyResult{SyncPolicyID: policyID}, nil
}

// ListCounterparts lists counterparts attached to one twin. Used by the
// resource surface rather than a tool operation.
func (d *Dispatcher) ListCounterparts(ctx context.Context, tenantID, twinID string) ([]storage.CounterpartRecord, error) {
	return d.store.ListCounterparts(ctx, tenantID, twinID)
}

// appendAndPublish runs the candidate envelope through the rule pipeline,
// appends the allowed event, and hands it to the bus. The append is the
// commit point: a publish failure is logged and counted but never retracts
// the persisted event or fails the operation.
func (d *Dispatcher) appendAndPublish(ctx context.Context, candidate twin.Envelope) (storage.EventRecord, error) {
	ctx, span := d.tracer.Start(ctx, "gateway.appendAndPublish",
		trace.WithAttributes(
			attribute.String("twin.tenant_id", candidate.TenantID),
			attribute.String("twin.id", candidate.TwinID),
			attribute.String("event.type", string(candidate.Type)),
		))
	defer span.End()

	started := time.Now()
	defer func() {
		d.metrics.AppendDurationSec.Observe(time.Since(started).Seconds())
	}()

	decision := d.pipeline.Run(candidate)
	if decision.Denied() {
		d.metrics.DenialsTotal.WithLabelValues(decision.Denial.Code).Inc()
		return storage.EventRecord{}, denialError(decision.Denial)
	}

	record, err := d.store.AppendEvent(ctx, decision.Event)
	if err != nil {
		d.logger.Printf("append event failed: %v", err)
		return storage.EventRecord{}, internalError("append event failed")
	}
	d.metrics.EventsTotal.WithLabelValues(record.Type).Inc()

	d.metrics.PublishTotal.Inc()
	if err := d.publisher.Publish(ctx, record.TenantID, record.TwinID, record.Seq, record.Envelope); err != nil {
		d.metrics.PublishErrors.Inc()
		d.logger.Printf("publish failed for %s/%s seq %d: %v", record.TenantID, record.TwinID, record.Seq, err)
	}
	return record, nil
}

func twinView(record storage.TwinRecord) TwinView {
	return TwinView{
		TwinID:      record.ID,
		TenantID:    record.TenantID,
		WorkspaceID: record.WorkspaceID,
		Type:        record.Type,
		Title:       record.Title,
		CreatedAt:   twin.FormatTS(record.CreatedAt),
	}
}

func eventView(record storage.EventRecord) EventView {
	return EventView{
		TenantID:      record.TenantID,
		TwinID:        record.TwinID,
		Seq:           record.Seq,
		Type:          record.Type,
		Payload:       record.Envelope.Payload,
		TS:            record.Envelope.TS,
		CausationID:   record.CausationID,
		CorrelationID: record.CorrelationID,
		CreatedAt:     twin.FormatTS(record.CreatedAt),
	}
}
