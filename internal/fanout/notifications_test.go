package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/loomhq/loom/internal/id"
	"github.com/loomhq/loom/internal/persistence"
)

type fakeNotifStore struct {
	saved       map[string]persistence.Notification
	processed   map[string]bool
	broadcasted map[string]bool
	transitions []string
	transErr    error
}

func newFakeNotifStore() *fakeNotifStore {
	return &fakeNotifStore{
		saved:       make(map[string]persistence.Notification),
		processed:   make(map[string]bool),
		broadcasted: make(map[string]bool),
	}
}

func (f *fakeNotifStore) SaveNotification(_ context.Context, notifID string, ctxID id.ContextID, method string, params json.RawMessage) (bool, error) {
	if _, ok := f.saved[notifID]; ok {
		return false, nil
	}
	f.saved[notifID] = persistence.Notification{ID: notifID, ContextID: ctxID, Method: method, Params: params}
	return true, nil
}

func (f *fakeNotifStore) MarkNotificationProcessed(_ context.Context, notifID string) error {
	f.processed[notifID] = true
	return nil
}

func (f *fakeNotifStore) MarkNotificationBroadcasted(_ context.Context, notifID string) error {
	f.broadcasted[notifID] = true
	return nil
}

func (f *fakeNotifStore) ListUnprocessedNotifications(_ context.Context, _ int) ([]persistence.Notification, error) {
	var out []persistence.Notification
	for nid, n := range f.saved {
		if !f.processed[nid] {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeNotifStore) TransitionTask(_ context.Context, taskID id.TaskID, to persistence.TaskStatus, _ string) (*persistence.Task, error) {
	f.transitions = append(f.transitions, string(taskID)+":"+string(to))
	if f.transErr != nil {
		return nil, f.transErr
	}
	return &persistence.Task{ID: taskID, ContextID: "ctx-1", Status: to}, nil
}

func statusUpdateEnvelope(notifID string) Envelope {
	return Envelope{
		JSONRPC: "2.0",
		Method:  methodTaskStatusUpdate,
		Params:  json.RawMessage(`{"notification_id":"` + notifID + `","task_id":"t1","status":"working"}`),
	}
}

func TestProcessor_HandleStatusUpdate(t *testing.T) {
	store := newFakeNotifStore()
	router := NewRouter()
	ch, cancel := router.Subscribe("", "ctx-1")
	defer cancel()
	p := NewProcessor(store, router, nil)

	notifID, err := p.Handle(context.Background(), "ctx-1", statusUpdateEnvelope("n-1"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if notifID != "n-1" {
		t.Fatalf("notification id = %q", notifID)
	}
	if len(store.transitions) != 1 || store.transitions[0] != "t1:working" {
		t.Fatalf("transitions = %v", store.transitions)
	}
	if !store.processed["n-1"] || !store.broadcasted["n-1"] {
		t.Fatalf("flags = processed %v, broadcasted %v", store.processed["n-1"], store.broadcasted["n-1"])
	}
	select {
	case ev := <-ch:
		if ev.EventType != "task_status_update" || ev.TaskID != "t1" {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("no event broadcast")
	}
}

func TestProcessor_DuplicateIsNoOp(t *testing.T) {
	store := newFakeNotifStore()
	p := NewProcessor(store, NewRouter(), nil)

	env := statusUpdateEnvelope("n-1")
	if _, err := p.Handle(context.Background(), "ctx-1", env); err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	notifID, err := p.Handle(context.Background(), "ctx-1", env)
	if err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if notifID != "n-1" {
		t.Fatalf("notification id = %q", notifID)
	}
	if len(store.transitions) != 1 {
		t.Fatalf("transitions = %v, want exactly one", store.transitions)
	}
	if len(store.saved) != 1 {
		t.Fatalf("rows = %d, want 1", len(store.saved))
	}
}

func TestProcessor_BadEnvelope(t *testing.T) {
	p := NewProcessor(newFakeNotifStore(), NewRouter(), nil)

	cases := []Envelope{
		{JSONRPC: "1.0", Method: "notifications/ping"},
		{JSONRPC: "2.0", Method: "tools/call"},
		{JSONRPC: "2.0", Method: methodTaskStatusUpdate, Params: json.RawMessage(`{"task_id":""}`)},
	}
	for i, env := range cases {
		if _, err := p.Handle(context.Background(), "ctx-1", env); !errors.Is(err, ErrBadEnvelope) {
			t.Fatalf("case %d: err = %v, want ErrBadEnvelope", i, err)
		}
	}
}

func TestProcessor_TerminalTransitionTolerated(t *testing.T) {
	store := newFakeNotifStore()
	store.transErr = persistence.ErrTerminalState
	p := NewProcessor(store, NewRouter(), nil)

	if _, err := p.Handle(context.Background(), "ctx-1", statusUpdateEnvelope("n-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !store.processed["n-1"] || !store.broadcasted["n-1"] {
		t.Fatal("notification not acknowledged despite terminal task")
	}
}

func TestProcessor_MintsIDWhenAbsent(t *testing.T) {
	p := NewProcessor(newFakeNotifStore(), NewRouter(), nil)
	notifID, err := p.Handle(context.Background(), "ctx-1", Envelope{
		JSONRPC: "2.0",
		Method:  "notifications/ping",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if notifID == "" {
		t.Fatal("no notification id minted")
	}
}

func TestProcessor_Recover(t *testing.T) {
	store := newFakeNotifStore()
	store.saved["n-9"] = persistence.Notification{
		ID:        "n-9",
		ContextID: "ctx-1",
		Method:    methodTaskStatusUpdate,
		Params:    json.RawMessage(`{"task_id":"t9","status":"failed"}`),
	}
	p := NewProcessor(store, NewRouter(), nil)

	if err := p.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !store.processed["n-9"] || !store.broadcasted["n-9"] {
		t.Fatal("pending notification not recovered")
	}
	if len(store.transitions) != 1 || store.transitions[0] != "t9:failed" {
		t.Fatalf("transitions = %v", store.transitions)
	}
}
