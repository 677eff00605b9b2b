package conversation

import (
	"fmt"
	"log/slog"
	"sync"
)

// Listener receives session events.
type Listener func(Event)

type subscription struct {
	id       uint64
	ownerKey string
	listener Listener
}

// Registry fans session events out to subscribers. Unscoped subscribers
// receive every dispatched event; scoped ones only while their owner key
// is the active owner.
type Registry struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID uint64
	subs   []subscription
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger.With(slog.String("component", "listener-registry"))}
}

// Subscribe registers listener. The returned func removes it and is safe to
// call more than once.
func (r *Registry) Subscribe(ownerKey string, listener Listener) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, subscription{id: id, ownerKey: ownerKey, listener: listener})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.id == id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Dispatch delivers evt synchronously, in registration order, to every
// subscriber permitted under activeOwner. A panicking listener does not
// stop delivery to the rest.
func (r *Registry) Dispatch(activeOwner string, evt Event) {
	r.mu.Lock()
	subs := make([]subscription, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	for _, s := range subs {
		if s.ownerKey != "" && s.ownerKey != activeOwner {
			continue
		}
		r.deliver(s, evt)
	}
}

func (r *Registry) deliver(s subscription, evt Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("session listener panicked",
				slog.String("event", string(evt.Type)),
				slog.String("owner_key", s.ownerKey),
				slog.String("panic", fmt.Sprint(rec)),
			)
		}
	}()
	s.listener(evt)
}
