package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/loomhq/loom/internal/id"
)

const heartbeatInterval = 15 * time.Second

// authorizeStream checks the context exists and belongs to the caller.
func (s *Server) authorizeStream(w http.ResponseWriter, r *http.Request) (id.RequestContext, id.ContextID, bool) {
	rc, _ := id.FromContext(r.Context())
	ctxID := id.ContextID(r.PathValue("id"))

	c, err := s.store.GetContext(r.Context(), ctxID)
	if err != nil {
		s.writeDomainError(w, err)
		return rc, "", false
	}
	if c.UserID != rc.UserID {
		// Do not reveal that the context exists.
		writeError(w, http.StatusNotFound, "not found")
		return rc, "", false
	}
	return rc, ctxID, true
}

// handleStreamSSE serves the live event stream for one context as
// server-sent events. Heartbeat comments keep intermediaries from closing
// idle connections.
func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	rc, ctxID, ok := s.authorizeStream(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := s.router.Subscribe(string(rc.UserID), string(ctxID))
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventType, data)
			flusher.Flush()
		}
	}
}

// handleStreamWS mirrors the SSE stream over a websocket for clients that
// cannot hold an EventSource open.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	rc, ctxID, ok := s.authorizeStream(w, r)
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept", "context", ctxID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	events, cancel := s.router.Subscribe(string(rc.UserID), string(ctxID))
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}
