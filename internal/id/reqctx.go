package id

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Canonical propagation headers. Every intra-system hop (gateway, tool call,
// background job) carries these so tracing and tenancy hold end to end.
const (
	HeaderSessionID    = "x-session-id"
	HeaderTraceID      = "x-trace-id"
	HeaderUserID       = "x-user-id"
	HeaderUserType     = "x-user-type"
	HeaderAgentName    = "x-agent-name"
	HeaderContextID    = "x-context-id"
	HeaderTaskID       = "x-task-id"
	HeaderAiToolCallID = "x-ai-tool-call-id"
	HeaderCallSource   = "x-call-source"
	HeaderClientID     = "x-client-id"
)

// RequestContext aggregates the identity and propagation state of one request.
type RequestContext struct {
	SessionID    SessionID
	TraceID      TraceID
	ContextID    ContextID
	AgentName    string
	UserID       UserID
	UserType     string
	AuthToken    string
	TaskID       TaskID
	AiToolCallID AiToolCallID
	ClientID     string
	CallSource   string
}

// InjectHeaders writes the canonical x-* headers plus a bearer Authorization
// header when an auth token is set. Optional fields are written only when
// non-empty.
func (rc RequestContext) InjectHeaders(h http.Header) {
	h.Set(HeaderSessionID, rc.SessionID.String())
	h.Set(HeaderTraceID, rc.TraceID.String())
	h.Set(HeaderUserID, rc.UserID.String())
	h.Set(HeaderUserType, rc.UserType)
	h.Set(HeaderAgentName, rc.AgentName)
	if rc.ContextID != "" {
		h.Set(HeaderContextID, rc.ContextID.String())
	}
	if rc.TaskID != "" {
		h.Set(HeaderTaskID, rc.TaskID.String())
	}
	if rc.AiToolCallID != "" {
		h.Set(HeaderAiToolCallID, rc.AiToolCallID.String())
	}
	if rc.CallSource != "" {
		h.Set(HeaderCallSource, rc.CallSource)
	}
	if rc.ClientID != "" {
		h.Set(HeaderClientID, rc.ClientID)
	}
	if rc.AuthToken != "" {
		h.Set("Authorization", "Bearer "+rc.AuthToken)
	}
}

// FromHeaders reconstructs a RequestContext from propagation headers.
// session_id, trace_id, user_id, and agent_name are mandatory; context_id may
// be empty (a new context is minted downstream).
func FromHeaders(h http.Header) (RequestContext, error) {
	rc := RequestContext{
		SessionID:    SessionID(h.Get(HeaderSessionID)),
		TraceID:      TraceID(h.Get(HeaderTraceID)),
		ContextID:    ContextID(h.Get(HeaderContextID)),
		AgentName:    h.Get(HeaderAgentName),
		UserID:       UserID(h.Get(HeaderUserID)),
		UserType:     h.Get(HeaderUserType),
		TaskID:       TaskID(h.Get(HeaderTaskID)),
		AiToolCallID: AiToolCallID(h.Get(HeaderAiToolCallID)),
		ClientID:     h.Get(HeaderClientID),
		CallSource:   h.Get(HeaderCallSource),
	}
	if auth := h.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		rc.AuthToken = strings.TrimPrefix(auth, "Bearer ")
	}

	var missing []string
	if rc.SessionID == "" {
		missing = append(missing, HeaderSessionID)
	}
	if rc.TraceID == "" {
		missing = append(missing, HeaderTraceID)
	}
	if rc.UserID == "" {
		missing = append(missing, HeaderUserID)
	}
	if rc.AgentName == "" {
		missing = append(missing, HeaderAgentName)
	}
	if len(missing) > 0 {
		return RequestContext{}, fmt.Errorf("request context missing required headers: %s", strings.Join(missing, ", "))
	}
	return rc, nil
}

type reqCtxKey struct{}

// Into attaches the RequestContext to a context.Context.
func (rc RequestContext) Into(ctx context.Context) context.Context {
	return context.WithValue(ctx, reqCtxKey{}, rc)
}

// FromContext extracts the RequestContext. ok is false when absent.
func FromContext(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(reqCtxKey{}).(RequestContext)
	return rc, ok
}

// TraceIDFrom returns the trace id from the request context, or "-" if absent.
func TraceIDFrom(ctx context.Context) string {
	if rc, ok := FromContext(ctx); ok && rc.TraceID != "" {
		return rc.TraceID.String()
	}
	return "-"
}
