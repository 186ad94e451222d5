package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/id"
)

// testStore opens a store against LOOM_TEST_DATABASE_URL, skipping the test
// when no database is available.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LOOM_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LOOM_TEST_DATABASE_URL not set")
	}
	s, err := Open(context.Background(), dsn, bus.New(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedContextAndTask(t *testing.T, s *Store) (*Context, *Task) {
	t.Helper()
	ctx := context.Background()
	c, err := s.EnsureContext(ctx, id.NewContextID(), id.NewUserID(), id.NewSessionID())
	if err != nil {
		t.Fatalf("EnsureContext: %v", err)
	}
	task, err := s.CreateTask(ctx, CreateTaskParams{ContextID: c.ID, AgentName: "researcher"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return c, task
}

func TestTaskLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, task := seedContextAndTask(t, s)

	if task.Status != TaskStatusSubmitted {
		t.Fatalf("new task status = %s, want submitted", task.Status)
	}

	working, err := s.TransitionTask(ctx, task.ID, TaskStatusWorking, "started")
	if err != nil {
		t.Fatalf("transition to working: %v", err)
	}
	if working.StartedAt == nil {
		t.Fatal("working task has no started_at")
	}

	done, err := s.TransitionTask(ctx, task.ID, TaskStatusCompleted, "done")
	if err != nil {
		t.Fatalf("transition to completed: %v", err)
	}
	if done.CompletedAt == nil || done.ExecutionTimeMs == nil {
		t.Fatalf("completed task missing timestamps: %+v", done)
	}

	// Terminal states are sinks.
	if _, err := s.TransitionTask(ctx, task.ID, TaskStatusWorking, ""); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("transition out of completed: err = %v, want ErrTerminalState", err)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != TaskStatusCompleted {
		t.Fatalf("status after rejected transition = %s, want completed", got.Status)
	}
}

func TestTransitionTask_IllegalEdge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, task := seedContextAndTask(t, s)

	if _, err := s.TransitionTask(ctx, task.ID, TaskStatusCompleted, ""); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("submitted -> completed: err = %v, want ErrTerminalState", err)
	}
}

func TestUpdateTaskAndSaveMessages(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	c, task := seedContextAndTask(t, s)

	if _, err := s.TransitionTask(ctx, task.ID, TaskStatusWorking, ""); err != nil {
		t.Fatalf("to working: %v", err)
	}
	if _, err := s.SaveMessage(ctx, task.ID, NewMessage{
		Role:  RoleUser,
		Parts: []NewPart{{Kind: PartText, Content: "find posts about go"}},
	}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	bundle, err := s.UpdateTaskAndSaveMessages(ctx, UpdateTaskParams{
		TaskID:        task.ID,
		Status:        TaskStatusCompleted,
		StatusMessage: "done",
		Messages: []NewMessage{
			{Role: RoleAgent, Parts: []NewPart{{Kind: PartText, Content: "here are the posts"}}},
		},
		Artifacts: []NewArtifact{
			{Name: "posts", ArtifactType: "structured", Parts: []NewPart{{Kind: PartData, Data: []byte(`{"posts":[]}`)}}},
		},
	})
	if err != nil {
		t.Fatalf("UpdateTaskAndSaveMessages: %v", err)
	}
	if bundle.Task.Status != TaskStatusCompleted {
		t.Fatalf("bundle status = %s, want completed", bundle.Task.Status)
	}
	if len(bundle.Messages) != 2 {
		t.Fatalf("bundle messages = %d, want 2", len(bundle.Messages))
	}
	// Sequence numbers are dense from 0: the first message of a task is 0.
	for i, m := range bundle.Messages {
		if m.SequenceNumber != i {
			t.Fatalf("message %d sequence = %d, want %d", i, m.SequenceNumber, i)
		}
	}
	if len(bundle.Artifacts) != 1 {
		t.Fatalf("bundle artifacts = %d, want 1", len(bundle.Artifacts))
	}
	if bundle.Artifacts[0].ContextID != c.ID {
		t.Fatalf("artifact context = %s, want %s", bundle.Artifacts[0].ContextID, c.ID)
	}

	refreshed, err := s.GetContext(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if refreshed.MessageCount != 2 {
		t.Fatalf("context message_count = %d, want 2", refreshed.MessageCount)
	}
}

func TestSaveMessage_SequenceStartsAtZero(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, task := seedContextAndTask(t, s)

	first, err := s.SaveMessage(ctx, task.ID, NewMessage{
		Role:  RoleUser,
		Parts: []NewPart{{Kind: PartText, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if first.SequenceNumber != 0 {
		t.Fatalf("first message sequence = %d, want 0", first.SequenceNumber)
	}

	for _, text := range []string{"one", "two", "three"} {
		if _, err := s.SaveMessage(ctx, task.ID, NewMessage{
			Role:  RoleUser,
			Parts: []NewPart{{Kind: PartText, Content: text}},
		}); err != nil {
			t.Fatalf("SaveMessage %q: %v", text, err)
		}
	}
	msgs, err := s.ListMessagesByTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListMessagesByTask: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	for i, m := range msgs {
		if m.SequenceNumber != i {
			t.Fatalf("message %d sequence = %d, want %d", i, m.SequenceNumber, i)
		}
	}
}

func TestEnsureContext_ForeignUser(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	owner := id.NewUserID()
	c, err := s.EnsureContext(ctx, id.NewContextID(), owner, id.NewSessionID())
	if err != nil {
		t.Fatalf("EnsureContext: %v", err)
	}

	if _, err := s.EnsureContext(ctx, c.ID, id.NewUserID(), id.NewSessionID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign user EnsureContext: err = %v, want ErrNotFound", err)
	}

	// The owner's row is untouched.
	got, err := s.GetContext(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if got.UserID != owner {
		t.Fatalf("context user = %s, want %s", got.UserID, owner)
	}
	if got.SessionID != c.SessionID {
		t.Fatalf("context session = %s, want %s", got.SessionID, c.SessionID)
	}
}

func TestUpdateTaskAndSaveMessages_RollsBackOnIllegalTransition(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, task := seedContextAndTask(t, s)

	_, err := s.UpdateTaskAndSaveMessages(ctx, UpdateTaskParams{
		TaskID: task.ID,
		Status: TaskStatusCompleted, // submitted -> completed is illegal
		Messages: []NewMessage{
			{Role: RoleAgent, Parts: []NewPart{{Kind: PartText, Content: "should not persist"}}},
		},
	})
	if !errors.Is(err, ErrTerminalState) {
		t.Fatalf("err = %v, want ErrTerminalState", err)
	}
	msgs, err := s.ListMessagesByTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListMessagesByTask: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages persisted despite rollback: %d", len(msgs))
	}
}

func TestDeleteTask_Idempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, task := seedContextAndTask(t, s)

	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := s.GetTask(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTask after delete: err = %v, want ErrNotFound", err)
	}
	// Absent task is a no-op, not an error.
	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask again: %v", err)
	}
}

func TestFailAbandonedTasks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, task := seedContextAndTask(t, s)
	if _, err := s.TransitionTask(ctx, task.ID, TaskStatusWorking, ""); err != nil {
		t.Fatalf("to working: %v", err)
	}

	// Nothing is stale yet at a generous timeout.
	failed, err := s.FailAbandonedTasks(ctx, time.Hour, "timed out")
	if err != nil {
		t.Fatalf("FailAbandonedTasks: %v", err)
	}
	for _, fid := range failed {
		if fid == task.ID {
			t.Fatal("fresh task was reaped")
		}
	}

	// With a zero timeout the working task is stale immediately.
	failed, err = s.FailAbandonedTasks(ctx, 0, "timed out")
	if err != nil {
		t.Fatalf("FailAbandonedTasks: %v", err)
	}
	found := false
	for _, fid := range failed {
		if fid == task.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("task %s not reaped: %v", task.ID, failed)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != TaskStatusFailed || got.StatusMessage != "timed out" {
		t.Fatalf("reaped task = %s %q", got.Status, got.StatusMessage)
	}
}

func TestLinkToolCallExecution_Monotonic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, task := seedContextAndTask(t, s)

	reqID := id.NewRequestID()
	req := AiRequest{RequestID: reqID, Provider: "anthropic", Model: "claude-sonnet-4-5", TaskID: task.ID}
	if err := s.BeginAiRequest(ctx, req, []AiRequestMessage{{Role: "user", Content: "hi"}}); err != nil {
		t.Fatalf("BeginAiRequest: %v", err)
	}
	callID := id.NewAiToolCallID()
	req.InputTokens, req.OutputTokens, req.LatencyMs = 100, 50, 420
	err := s.CompleteAiRequest(ctx, req, []AiRequestToolCall{
		{AiToolCallID: callID, SequenceNumber: 1, ToolName: "list_posts", Arguments: json.RawMessage(`{"limit":5}`)},
	})
	if err != nil {
		t.Fatalf("CompleteAiRequest: %v", err)
	}

	if err := s.LinkToolCallExecution(ctx, callID, "exec-1"); err != nil {
		t.Fatalf("link: %v", err)
	}
	// A second link attempt must not overwrite the first.
	if err := s.LinkToolCallExecution(ctx, callID, "exec-2"); err != nil {
		t.Fatalf("relink: %v", err)
	}
	var got string
	if err := s.db.QueryRowContext(ctx,
		`SELECT mcp_execution_id FROM ai_request_tool_calls WHERE ai_tool_call_id = $1`, callID).Scan(&got); err != nil {
		t.Fatalf("read link: %v", err)
	}
	if got != "exec-1" {
		t.Fatalf("mcp_execution_id = %q, want exec-1", got)
	}

	if err := s.LinkToolCallExecution(ctx, id.NewAiToolCallID(), "exec-x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("link unknown call: err = %v, want ErrNotFound", err)
	}
}

func TestServices_UpsertAndDedupe(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	name := "svc-" + string(id.NewTaskID())
	if err := s.UpsertService(ctx, name, 9301, 111); err != nil {
		t.Fatalf("UpsertService: %v", err)
	}
	if err := s.UpsertService(ctx, name, 9302, 222); err != nil {
		t.Fatalf("UpsertService again: %v", err)
	}
	svc, err := s.GetService(ctx, name)
	if err != nil {
		t.Fatalf("GetService: %v", err)
	}
	if svc.Port != 9302 || svc.PID != 222 || svc.Status != ServiceRunning {
		t.Fatalf("service = %+v", svc)
	}

	// Inject a duplicate row directly and verify the sweep collapses it.
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO mcp_services (name, port, pid, status) VALUES ($1, 9999, 999, 'error')`, name); err != nil {
		t.Fatalf("inject duplicate: %v", err)
	}
	if _, err := s.DedupeServices(ctx); err != nil {
		t.Fatalf("DedupeServices: %v", err)
	}
	all, err := s.ListServices(ctx)
	if err != nil {
		t.Fatalf("ListServices: %v", err)
	}
	count := 0
	for _, svc := range all {
		if svc.Name == name {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("rows for %s = %d, want 1", name, count)
	}

	removed, err := s.DeleteServicesNotIn(ctx, []string{})
	if err != nil {
		t.Fatalf("DeleteServicesNotIn: %v", err)
	}
	foundRemoved := false
	for _, n := range removed {
		if n == name {
			foundRemoved = true
		}
	}
	if !foundRemoved {
		t.Fatalf("%s not removed by empty keep list: %v", name, removed)
	}
}

func TestNotifications_Idempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	c, _ := seedContextAndTask(t, s)

	notifID := string(id.NewTaskID())
	created, err := s.SaveNotification(ctx, notifID, c.ID, "notifications/taskStatusUpdate", json.RawMessage(`{"status":"working"}`))
	if err != nil {
		t.Fatalf("SaveNotification: %v", err)
	}
	if !created {
		t.Fatal("first save reported duplicate")
	}
	created, err = s.SaveNotification(ctx, notifID, c.ID, "notifications/taskStatusUpdate", json.RawMessage(`{"status":"working"}`))
	if err != nil {
		t.Fatalf("replay SaveNotification: %v", err)
	}
	if created {
		t.Fatal("replay reported new row")
	}

	if err := s.MarkNotificationProcessed(ctx, notifID); err != nil {
		t.Fatalf("MarkNotificationProcessed: %v", err)
	}
	if err := s.MarkNotificationBroadcasted(ctx, notifID); err != nil {
		t.Fatalf("MarkNotificationBroadcasted: %v", err)
	}
	n, err := s.GetNotification(ctx, notifID)
	if err != nil {
		t.Fatalf("GetNotification: %v", err)
	}
	if !n.Processed || !n.Broadcasted {
		t.Fatalf("notification flags = %+v", n)
	}
}
