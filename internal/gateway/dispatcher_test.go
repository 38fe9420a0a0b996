package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/synthesisproject/synthesis/internal/bus"
	"github.com/synthesisproject/synthesis/internal/rules"
	"github.com/synthesisproject/synthesis/internal/storage/sqlite"
	"github.com/synthesisproject/synthesis/internal/twin"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []bus.Publication
	fail      bool
}

func (p *recordingPublisher) Publish(_ context.Context, _, _ string, seq uint64, event twin.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("bus unavailable")
	}
	p.published = append(p.published, bus.Publication{Seq: seq, Event: event})
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *recordingPublisher) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})

	publisher := &recordingPublisher{}
	dispatcher, err := New(Config{
		Store:     store,
		Pipeline:  rules.Default(),
		Publisher: publisher,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return dispatcher, publisher
}

func mustCreateTwin(t *testing.T, d *Dispatcher) string {
	t.Helper()
	result, err := d.CreateTwin(context.Background(), CreateTwinArgs{
		TenantID:    "t1",
		WorkspaceID: "w1",
		Type:        "demo",
		Title:       "Hello",
	})
	if err != nil {
		t.Fatalf("create twin: %v", err)
	}
	return result.TwinID
}

func TestCreateTwinYieldsCreatedEventAtSeqOne(t *testing.T) {
	dispatcher, publisher := newTestDispatcher(t)
	ctx := context.Background()

	created, err := dispatcher.CreateTwin(ctx, CreateTwinArgs{
		TenantID:    "t1",
		WorkspaceID: "w1",
		Type:        "demo",
		Title:       "Hello",
	})
	if err != nil {
		t.Fatalf("create twin: %v", err)
	}
	if created.EventSeq != 1 {
		t.Fatalf("expected eventSeq 1, got %d", created.EventSeq)
	}
	if created.TwinID == "" {
		t.Fatal("expected minted twin id")
	}

	events, err := dispatcher.GetEvents(ctx, GetEventsArgs{TenantID: "t1", TwinID: created.TwinID})
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events.Events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events.Events))
	}
	if events.Events[0].Type != string(twin.EventTwinCreated) {
		t.Fatalf("expected twin.created, got %s", events.Events[0].Type)
	}
	if events.Events[0].Seq != 1 {
		t.Fatalf("expected seq 1, got %d", events.Events[0].Seq)
	}
	if publisher.count() != 1 {
		t.Fatalf("expected 1 publication, got %d", publisher.count())
	}
}

func TestAppendEventEmptyNoteDeniedAndNotPersisted(t *testing.T) {
	dispatcher, publisher := newTestDispatcher(t)
	ctx := context.Background()
	twinID := mustCreateTwin(t, dispatcher)
	before := publisher.count()

	_, err := dispatcher.AppendEvent(ctx, AppendEventArgs{
		TenantID: "t1",
		TwinID:   twinID,
		Type:     string(twin.EventNoteAdded),
		Payload:  json.RawMessage(`{"note":""}`),
	})
	var toolErr *Error
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected tool error, got %v", err)
	}
	if toolErr.Code != rules.CodePayloadInvalid {
		t.Fatalf("expected PAYLOAD_INVALID, got %s", toolErr.Code)
	}

	events, err := dispatcher.GetEvents(ctx, GetEventsArgs{TenantID: "t1", TwinID: twinID})
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events.Events) != 1 {
		t.Fatalf("denied event leaked into the log: %d events", len(events.Events))
	}
	if publisher.count() != before {
		t.Fatal("denied event was published")
	}
}

func TestAppendEventCharacteristicSetSequencesConsecutively(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t)
	ctx := context.Background()
	twinID := mustCreateTwin(t, dispatcher)

	args := AppendEventArgs{
		TenantID: "t1",
		TwinID:   twinID,
		Type:     string(twin.EventCharacteristicSet),
		Payload:  json.RawMessage(`{"path":"x","value":1,"valueType":"number"}`),
	}
	first, err := dispatcher.AppendEvent(ctx, args)
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	second, err := dispatcher.AppendEvent(ctx, args)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if second.Seq != first.Seq+1 {
		t.Fatalf("expected consecutive seqs, got %d then %d", first.Seq, second.Seq)
	}
}

func TestAppendEventConcurrentCallsGetDistinctConsecutiveSeqs(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t)
	ctx := context.Background()
	twinID := mustCreateTwin(t, dispatcher)

	const callers = 10
	seqs := make(chan uint64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := dispatcher.AppendEvent(ctx, AppendEventArgs{
				TenantID: "t1",
				TwinID:   twinID,
				Type:     string(twin.EventNoteAdded),
				Payload:  json.RawMessage(`{"note":"concurrent"}`),
			})
			if err != nil {
				t.Errorf("concurrent append: %v", err)
				return
			}
			seqs <- result.Seq
		}()
	}
	wg.Wait()
	close(seqs)

	seen := map[uint64]bool{}
	for seq := range seqs {
		if seen[seq] {
			t.Fatalf("duplicate seq %d", seq)
		}
		seen[seq] = true
	}
	// twin.created holds seq 1, so the appends must cover 2..callers+1.
	for want := uint64(2); want <= callers+1; want++ {
		if !seen[want] {
			t.Fatalf("gap in sequence: missing seq %d", want)
		}
	}
}

func TestGetEventsPaginationAndNextSeq(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t)
	ctx := context.Background()
	twinID := mustCreateTwin(t, dispatcher)

	for i := 0; i < 5; i++ {
		if _, err := dispatcher.AppendEvent(ctx, AppendEventArgs{
			TenantID: "t1",
			TwinID:   twinID,
			Type:     string(twin.EventNoteAdded),
			Payload:  json.RawMessage(`{"note":"n"}`),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	page, err := dispatcher.GetEvents(ctx, GetEventsArgs{TenantID: "t1", TwinID: twinID, FromSeq: 2, Limit: 3})
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(page.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(page.Events))
	}
	for i, event := range page.Events {
		if event.Seq != uint64(2+i) {
			t.Fatalf("position %d: expected seq %d, got %d", i, 2+i, event.Seq)
		}
	}
	if page.NextSeq != 5 {
		t.Fatalf("expected nextSeq 5, got %d", page.NextSeq)
	}

	empty, err := dispatcher.GetEvents(ctx, GetEventsArgs{TenantID: "t1", TwinID: twinID, FromSeq: 100})
	if err != nil {
		t.Fatalf("get events past end: %v", err)
	}
	if len(empty.Events) != 0 {
		t.Fatalf("expected empty page, got %d events", len(empty.Events))
	}
	if empty.NextSeq != 100 {
		t.Fatalf("expected nextSeq unchanged at 100, got %d", empty.NextSeq)
	}
}

func TestGetEventsLimitCap(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t)

	_, err := dispatcher.GetEvents(context.Background(), GetEventsArgs{
		TenantID: "t1",
		TwinID:   "twin_any",
		Limit:    501,
	})
	var toolErr *Error
	if !errors.As(err, &toolErr) || toolErr.Code != CodeInvalidArgs {
		t.Fatalf("expected INVALID_ARGS for limit over cap, got %v", err)
	}
}

func TestGetTwinStateNotFound(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t)

	_, err := dispatcher.GetTwinState(context.Background(), GetTwinStateArgs{TenantID: "t1", TwinID: "twin_missing"})
	var toolErr *Error
	if !errors.As(err, &toolErr) || toolErr.Code != CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestAppendEventRoundTripNormalizesTimestampOnly(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t)
	ctx := context.Background()
	twinID := mustCreateTwin(t, dispatcher)

	payload := `{"note":"inspect the seal","nested":{"a":[1,2,3]}}`
	appended, err := dispatcher.AppendEvent(ctx, AppendEventArgs{
		TenantID:      "t1",
		TwinID:        twinID,
		Type:          string(twin.EventNoteAdded),
		Payload:       json.RawMessage(payload),
		CorrelationID: "flow-7",
	})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	if _, err := twin.ParseTS(appended.Event.TS); err != nil {
		t.Fatalf("returned ts is not canonical: %v", err)
	}

	events, err := dispatcher.GetEvents(ctx, GetEventsArgs{TenantID: "t1", TwinID: twinID, FromSeq: appended.Seq})
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events.Events))
	}
	got := events.Events[0]
	if string(got.Payload) != payload {
		t.Fatalf("payload altered in round trip: got %s want %s", got.Payload, payload)
	}
	if got.TS != appended.Event.TS {
		t.Fatalf("ts changed between append and read: %s vs %s", got.TS, appended.Event.TS)
	}
	if got.CorrelationID != "flow-7" {
		t.Fatalf("correlation id lost: %+v", got)
	}
}

func TestPublishFailureDoesNotFailAppend(t *testing.T) {
	dispatcher, publisher := newTestDispatcher(t)
	ctx := context.Background()
	twinID := mustCreateTwin(t, dispatcher)
	publisher.fail = true

	result, err := dispatcher.AppendEvent(ctx, AppendEventArgs{
		TenantID: "t1",
		TwinID:   twinID,
		Type:     string(twin.EventNoteAdded),
		Payload:  json.RawMessage(`{"note":"still committed"}`),
	})
	if err != nil {
		t.Fatalf("append should survive publish failure: %v", err)
	}
	if result.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", result.Seq)
	}

	events, err := dispatcher.GetEvents(ctx, GetEventsArgs{TenantID: "t1", TwinID: twinID})
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events.Events) != 2 {
		t.Fatalf("expected committed event in log, got %d events", len(events.Events))
	}
}

func TestAttachCounterpartRecordsRowAndEvent(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t)
	ctx := context.Background()
	twinID := mustCreateTwin(t, dispatcher)

	attached, err := dispatcher.AttachCounterpart(ctx, AttachCounterpartArgs{
		TenantID:    "t1",
		TwinID:      twinID,
		Kind:        "scada",
		ResourceURI: "scada://plant-1/pump-7",
		Role:        "source",
	})
	if err != nil {
		t.Fatalf("attach counterpart: %v", err)
	}
	if attached.CounterpartID == "" {
		t.Fatal("expected minted counterpart id")
	}
	if attached.EventSeq != 2 {
		t.Fatalf("expected eventSeq 2, got %d", attached.EventSeq)
	}

	counterparts, err := dispatcher.ListCounterparts(ctx, "t1", twinID)
	if err != nil {
		t.Fatalf("list counterparts: %v", err)
	}
	if len(counterparts) != 1 || counterparts[0].ID != attached.CounterpartID {
		t.Fatalf("counterpart row missing: %+v", counterparts)
	}

	events, err := dispatcher.GetEvents(ctx, GetEventsArgs{TenantID: "t1", TwinID: twinID, FromSeq: 2})
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events.Events) != 1 || events.Events[0].Type != string(twin.EventCounterpartAttached) {
		t.Fatalf("expected counterpart.attached event, got %+v", events.Events)
	}

	var payload twin.CounterpartAttachedPayload
	if err := json.Unmarshal(events.Events[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.CounterpartID != attached.CounterpartID || payload.ResourceURI != "scada://plant-1/pump-7" {
		t.Fatalf("payload does not carry counterpart fields: %+v", payload)
	}
}

func TestCreateSyncPolicyEmitsNoEvent(t *testing.T) {
	dispatcher, publisher := newTestDispatcher(t)
	ctx := context.Background()

	result, err := dispatcher.CreateSyncPolicy(ctx, CreateSyncPolicyArgs{
		TenantID: "t1",
		Name:     "hourly",
		Policy:   json.RawMessage(`{"interval":"1h"}`),
	})
	if err != nil {
		t.Fatalf("create sync policy: %v", err)
	}
	if result.SyncPolicyID == "" {
		t.Fatal("expected minted sync policy id")
	}
	if publisher.count() != 0 {
		t.Fatalf("sync policy creation published %d events", publisher.count())
	}
}

func TestListTwinsNewestFirstWithWorkspaceFilter(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t)
	ctx := context.Background()

	if _, err := dispatcher.CreateTwin(ctx, CreateTwinArgs{TenantID: "t1", WorkspaceID: "w1", Type: "demo", Title: "First"}); err != nil {
		t.Fatalf("create first twin: %v", err)
	}
	if _, err := dispatcher.CreateTwin(ctx, CreateTwinArgs{TenantID: "t1", WorkspaceID: "w2", Type: "demo", Title: "Second"}); err != nil {
		t.Fatalf("create second twin: %v", err)
	}

	all, err := dispatcher.ListTwins(ctx, ListTwinsArgs{TenantID: "t1"})
	if err != nil {
		t.Fatalf("list twins: %v", err)
	}
	if len(all.Twins) != 2 {
		t.Fatalf("expected 2 twins, got %d", len(all.Twins))
	}

	filtered, err := dispatcher.ListTwins(ctx, ListTwinsArgs{TenantID: "t1", WorkspaceID: "w2"})
	if err != nil {
		t.Fatalf("list twins filtered: %v", err)
	}
	if len(filtered.Twins) != 1 || filtered.Twins[0].Title != "Second" {
		t.Fatalf("workspace filter failed: %+v", filtered.Twins)
	}
}

func TestCallDispatchesByName(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t)
	ctx := context.Background()

	raw, err := dispatcher.Call(ctx, ToolTwinCreate, json.RawMessage(`{"tenantId":"t1","workspaceId":"w1","type":"demo","title":"Hello"}`))
	if err != nil {
		t.Fatalf("call twin.create: %v", err)
	}
	created, ok := raw.(CreateTwinResult)
	if !ok {
		t.Fatalf("unexpected result type %T", raw)
	}
	if created.EventSeq != 1 {
		t.Fatalf("expected eventSeq 1, got %d", created.EventSeq)
	}

	_, err = dispatcher.Call(ctx, "twin.destroy", json.RawMessage(`{}`))
	var toolErr *Error
	if !errors.As(err, &toolErr) || toolErr.Code != CodeToolNotFound {
		t.Fatalf("expected TOOL_NOT_FOUND, got %v", err)
	}

	_, err = dispatcher.Call(ctx, ToolTwinList, json.RawMessage(`{"tenantId":`))
	if !errors.As(err, &toolErr) || toolErr.Code != CodeInvalidArgs {
		t.Fatalf("expected INVALID_ARGS for malformed json, got %v", err)
	}
}

func TestCallValidationErrors(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t)
	ctx := context.Background()

	tests := []struct {
		name string
		tool string
		args string
	}{
		{name: "list missing tenant", tool: ToolTwinList, args: `{}`},
		{name: "create missing title", tool: ToolTwinCreate, args: `{"tenantId":"t1","workspaceId":"w1","type":"demo"}`},
		{name: "getState missing twin", tool: ToolTwinGetState, args: `{"tenantId":"t1"}`},
		{name: "append missing payload", tool: ToolTwinAppendEvent, args: `{"tenantId":"t1","twinId":"x","type":"note.added"}`},
		{name: "attach missing role", tool: ToolCounterpartAttach, args: `{"tenantId":"t1","twinId":"x","kind":"scada","resourceUri":"u"}`},
		{name: "syncPolicy missing policy", tool: ToolSyncPolicyCreate, args: `{"tenantId":"t1","name":"hourly"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dispatcher.Call(ctx, tt.tool, json.RawMessage(tt.args))
			var toolErr *Error
			if !errors.As(err, &toolErr) || toolErr.Code != CodeInvalidArgs {
				t.Fatalf("expected INVALID_ARGS, got %v", err)
			}
		})
	}
}

func TestAppendEventUnknownTypeDenied(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t)
	ctx := context.Background()
	twinID := mustCreateTwin(t, dispatcher)

	_, err := dispatcher.AppendEvent(ctx, AppendEventArgs{
		TenantID: "t1",
		TwinID:   twinID,
		Type:     "twin.exploded",
		Payload:  json.RawMessage(`{}`),
	})
	var toolErr *Error
	if !errors.As(err, &toolErr) || toolErr.Code != rules.CodeEventInvalid {
		t.Fatalf("expected EVENT_INVALID, got %v", err)
	}
}
