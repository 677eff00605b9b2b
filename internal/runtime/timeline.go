package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/conversation"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
)

const timelineBacklog = 256

// timeline copies conversation events into the event store off the
// dispatch path.
type timeline struct {
	store  *eventstore.Store
	logger *slog.Logger
	events chan conversation.Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func newTimeline(store *eventstore.Store, logger *slog.Logger) *timeline {
	t := &timeline{
		store:  store,
		logger: logger.With(slog.String("component", "timeline")),
		events: make(chan conversation.Event, timelineBacklog),
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *timeline) handle(evt conversation.Event) {
	if evt.SessionID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- evt:
	default:
		t.logger.Warn("timeline backlog full, dropping event",
			slog.String("session_id", evt.SessionID),
			slog.String("type", string(evt.Type)))
	}
}

func (t *timeline) run() {
	defer close(t.done)
	var last string
	for evt := range t.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if evt.SessionID != last {
			if err := t.store.AppendConversation(ctx, evt.SessionID, evt.PersonaID, evt.OwnerKey); err != nil {
				t.logger.Warn("failed to record conversation", slog.String("error", err.Error()))
			} else {
				last = evt.SessionID
			}
		}
		payload, err := json.Marshal(evt)
		if err == nil {
			err = t.store.AppendEvent(ctx, eventstore.Event{
				SessionID: evt.SessionID,
				Type:      string(evt.Type),
				Payload:   payload,
				CreatedAt: evt.Time,
			})
		}
		if err != nil {
			t.logger.Warn("failed to record conversation event",
				slog.String("type", string(evt.Type)),
				slog.String("error", err.Error()))
		}
		cancel()
	}
}

// Close stops accepting events and waits for the backlog to drain.
func (t *timeline) Close() {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.events)
	}
	t.mu.Unlock()
	<-t.done
}
