package fanout

import (
	"context"
	"sync"

	"github.com/loomhq/loom/internal/bus"
)

const streamBufferSize = 32

type streamKey struct {
	UserID    string
	ContextID string
}

type stream struct {
	id int
	ch chan bus.TaskEvent
}

// Router fans task events out to live per-(user, context) subscribers. A
// subscriber that falls behind its buffer misses events; it is never allowed
// to block the pipeline.
type Router struct {
	mu      sync.Mutex
	streams map[streamKey]map[int]*stream
	nextID  int
}

func NewRouter() *Router {
	return &Router{streams: make(map[streamKey]map[int]*stream)}
}

// Run pumps bus events into the matching streams until ctx ends. Call in a
// goroutine.
func (r *Router) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if te, ok := ev.Payload.(bus.TaskEvent); ok {
				r.Broadcast(te)
			}
		}
	}
}

// Subscribe registers a live stream for one user's context. The cancel
// function removes the stream and closes the channel.
func (r *Router) Subscribe(userID, contextID string) (<-chan bus.TaskEvent, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := streamKey{UserID: userID, ContextID: contextID}
	r.nextID++
	st := &stream{id: r.nextID, ch: make(chan bus.TaskEvent, streamBufferSize)}
	if r.streams[key] == nil {
		r.streams[key] = make(map[int]*stream)
	}
	r.streams[key][st.id] = st

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if set, ok := r.streams[key]; ok {
			if _, ok := set[st.id]; ok {
				delete(set, st.id)
				close(st.ch)
			}
			if len(set) == 0 {
				delete(r.streams, key)
			}
		}
	}
	return st.ch, cancel
}

// Broadcast delivers one event to every stream on its (user, context) pair.
// Events without a user id go to every stream on the context.
func (r *Router) Broadcast(ev bus.TaskEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, set := range r.streams {
		if key.ContextID != ev.ContextID {
			continue
		}
		if ev.UserID != "" && key.UserID != ev.UserID {
			continue
		}
		for _, st := range set {
			select {
			case st.ch <- ev:
			default:
				// Slow subscriber, drop.
			}
		}
	}
}

// StreamCount reports the number of live streams, used by health reporting.
func (r *Router) StreamCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.streams {
		n += len(set)
	}
	return n
}
