package id

import (
	"context"
	"net/http"
	"strings"
	"testing"
)

func fullContext() RequestContext {
	return RequestContext{
		SessionID:    "sess-1",
		TraceID:      "trace-1",
		ContextID:    "ctx-1",
		AgentName:    "researcher",
		UserID:       "user-1",
		UserType:     "member",
		AuthToken:    "tok-abc",
		TaskID:       "task-1",
		AiToolCallID: "call-1",
		ClientID:     "web",
		CallSource:   "gateway",
	}
}

func TestRequestContext_HeaderRoundTrip(t *testing.T) {
	rc := fullContext()
	h := http.Header{}
	rc.InjectHeaders(h)

	got, err := FromHeaders(h)
	if err != nil {
		t.Fatalf("FromHeaders: %v", err)
	}
	if got != rc {
		t.Fatalf("round trip = %+v, want %+v", got, rc)
	}
}

func TestRequestContext_RoundTripMinimal(t *testing.T) {
	rc := RequestContext{
		SessionID: "s",
		TraceID:   "t",
		AgentName: "a",
		UserID:    "u",
	}
	h := http.Header{}
	rc.InjectHeaders(h)

	got, err := FromHeaders(h)
	if err != nil {
		t.Fatalf("FromHeaders: %v", err)
	}
	if got != rc {
		t.Fatalf("round trip = %+v, want %+v", got, rc)
	}
}

func TestFromHeaders_MissingMandatory(t *testing.T) {
	cases := []struct {
		name string
		omit string
	}{
		{"session", HeaderSessionID},
		{"trace", HeaderTraceID},
		{"user", HeaderUserID},
		{"agent", HeaderAgentName},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			fullContext().InjectHeaders(h)
			h.Del(tc.omit)

			_, err := FromHeaders(h)
			if err == nil {
				t.Fatalf("expected error when %s missing", tc.omit)
			}
			if !strings.Contains(err.Error(), tc.omit) {
				t.Fatalf("error %q does not name missing header %s", err, tc.omit)
			}
		})
	}
}

func TestFromHeaders_EmptyContextIDAllowed(t *testing.T) {
	h := http.Header{}
	rc := fullContext()
	rc.ContextID = ""
	rc.InjectHeaders(h)

	got, err := FromHeaders(h)
	if err != nil {
		t.Fatalf("FromHeaders: %v", err)
	}
	if got.ContextID != "" {
		t.Fatalf("context id = %q, want empty", got.ContextID)
	}
}

func TestInjectHeaders_Authorization(t *testing.T) {
	h := http.Header{}
	fullContext().InjectHeaders(h)
	if got := h.Get("Authorization"); got != "Bearer tok-abc" {
		t.Fatalf("Authorization = %q, want Bearer tok-abc", got)
	}

	h = http.Header{}
	rc := fullContext()
	rc.AuthToken = ""
	rc.InjectHeaders(h)
	if got := h.Get("Authorization"); got != "" {
		t.Fatalf("Authorization = %q, want empty", got)
	}
}

func TestContextPlumbing(t *testing.T) {
	rc := fullContext()
	ctx := rc.Into(context.Background())

	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("FromContext: not found")
	}
	if got != rc {
		t.Fatalf("FromContext = %+v, want %+v", got, rc)
	}
	if TraceIDFrom(ctx) != "trace-1" {
		t.Fatalf("TraceIDFrom = %q, want trace-1", TraceIDFrom(ctx))
	}
	if TraceIDFrom(context.Background()) != "-" {
		t.Fatal("TraceIDFrom on empty context should be -")
	}
}

func TestNewIDs_Distinct(t *testing.T) {
	a, b := NewTaskID(), NewTaskID()
	if a == b {
		t.Fatal("generated task ids collide")
	}
	if len(a.String()) != 36 {
		t.Fatalf("id %q is not a uuid string", a)
	}
}
