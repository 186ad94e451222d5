package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/id"
	"github.com/loomhq/loom/internal/persistence"
)

// ErrBadEnvelope marks a malformed inbound notification.
var ErrBadEnvelope = errors.New("invalid notification envelope")

const methodTaskStatusUpdate = "notifications/taskStatusUpdate"

// Envelope is the JSON-RPC 2.0 notification wrapper sub-agents send.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NotificationStore is the persistence surface for inbound notifications.
type NotificationStore interface {
	SaveNotification(ctx context.Context, notifID string, ctxID id.ContextID, method string, params json.RawMessage) (bool, error)
	MarkNotificationProcessed(ctx context.Context, notifID string) error
	MarkNotificationBroadcasted(ctx context.Context, notifID string) error
	ListUnprocessedNotifications(ctx context.Context, limit int) ([]persistence.Notification, error)
	TransitionTask(ctx context.Context, taskID id.TaskID, to persistence.TaskStatus, statusMessage string) (*persistence.Task, error)
}

// Processor handles inbound sub-agent notifications: persist, apply the
// domain effect, broadcast, mark broadcasted. Each stage is idempotent with
// respect to the stored row id, so retried deliveries cause no duplicate
// side effects.
type Processor struct {
	store  NotificationStore
	router *Router
	logger *slog.Logger
}

func NewProcessor(store NotificationStore, router *Router, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: store, router: router, logger: logger}
}

// Handle runs the full pipeline for one envelope and returns the stored
// notification id. A replayed envelope short-circuits after the persist
// step with no further side effects.
func (p *Processor) Handle(ctx context.Context, ctxID id.ContextID, env Envelope) (string, error) {
	if env.JSONRPC != "2.0" {
		return "", fmt.Errorf("jsonrpc version %q: %w", env.JSONRPC, ErrBadEnvelope)
	}
	if !strings.HasPrefix(env.Method, "notifications/") {
		return "", fmt.Errorf("method %q: %w", env.Method, ErrBadEnvelope)
	}

	notifID := notificationID(env.Params)
	wasNew, err := p.store.SaveNotification(ctx, notifID, ctxID, env.Method, env.Params)
	if err != nil {
		return "", err
	}
	if !wasNew {
		p.logger.Info("duplicate notification ignored", "notification_id", notifID)
		return notifID, nil
	}
	if err := p.process(ctx, ctxID, notifID, env.Method, env.Params); err != nil {
		return "", err
	}
	return notifID, nil
}

// Recover reprocesses notifications persisted before a crash interrupted
// their processing.
func (p *Processor) Recover(ctx context.Context) error {
	pending, err := p.store.ListUnprocessedNotifications(ctx, 100)
	if err != nil {
		return err
	}
	for _, n := range pending {
		if err := p.process(ctx, n.ContextID, n.ID, n.Method, n.Params); err != nil {
			p.logger.Error("recover notification", "notification_id", n.ID, "error", err)
		}
	}
	return nil
}

func (p *Processor) process(ctx context.Context, ctxID id.ContextID, notifID, method string, params json.RawMessage) error {
	event := bus.TaskEvent{
		EventType: strings.TrimPrefix(method, "notifications/"),
		EntityID:  notifID,
		ContextID: string(ctxID),
	}

	if method == methodTaskStatusUpdate {
		task, err := p.applyStatusUpdate(ctx, params)
		if err != nil {
			return err
		}
		if task != nil {
			event.EventType = "task_status_update"
			event.TaskID = string(task.ID)
			event.TaskStatus = string(task.Status)
			event.TaskData = *task
		}
	}
	if err := p.store.MarkNotificationProcessed(ctx, notifID); err != nil {
		return err
	}

	p.router.Broadcast(event)
	if err := p.store.MarkNotificationBroadcasted(ctx, notifID); err != nil {
		return err
	}
	return nil
}

// applyStatusUpdate transitions the referenced task. An illegal edge is not
// an error here: a terminal task stays put and the notification is still
// acknowledged.
func (p *Processor) applyStatusUpdate(ctx context.Context, params json.RawMessage) (*persistence.Task, error) {
	var body struct {
		TaskID  string `json:"task_id"`
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		return nil, fmt.Errorf("taskStatusUpdate params: %w", ErrBadEnvelope)
	}
	if body.TaskID == "" || body.Status == "" {
		return nil, fmt.Errorf("taskStatusUpdate requires task_id and status: %w", ErrBadEnvelope)
	}

	task, err := p.store.TransitionTask(ctx, id.TaskID(body.TaskID), persistence.TaskStatus(body.Status), body.Message)
	if err != nil {
		if errors.Is(err, persistence.ErrTerminalState) {
			p.logger.Warn("notification transition rejected", "task_id", body.TaskID, "status", body.Status)
			return nil, nil
		}
		return nil, err
	}
	return task, nil
}

// notificationID extracts the sender-supplied id, or mints one so a row
// always has a stable identity.
func notificationID(params json.RawMessage) string {
	var body struct {
		NotificationID string `json:"notification_id"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &body)
	}
	if body.NotificationID != "" {
		return body.NotificationID
	}
	return uuid.NewString()
}
