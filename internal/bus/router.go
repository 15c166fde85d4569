package bus

import (
	"path"
	"sync"

	"github.com/jmorrell/loom/pkg/models"
)

const defaultSubscriberCapacity = 128

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// Router fans change events out to pattern subscribers over bounded
// channels. Delivery for a given key preserves publish order; a subscriber
// that falls behind has events dropped with a logged count rather than
// blocking writers.
type Router struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	channelSize int
	logger      Logger
}

// Subscription represents an active change-event subscription.
type Subscription struct {
	Events <-chan models.ChangeEvent
	cancel func()
}

// Close terminates the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewRouter constructs a router with sane defaults.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		subscribers: map[*subscriber]struct{}{},
		channelSize: defaultSubscriberCapacity,
		logger:      nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RouterWithLogger injects a logger for drop diagnostics.
func RouterWithLogger(logger Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// RouterWithSubscriberCapacity overrides the buffered channel size per
// subscriber.
func RouterWithSubscriberCapacity(cap int) RouterOption {
	return func(r *Router) {
		if cap > 0 {
			r.channelSize = cap
		}
	}
}

type subscriber struct {
	projectID string
	pattern   string
	ch        chan models.ChangeEvent
	closed    bool
	dropped   int
	mu        sync.Mutex
	logger    Logger
}

func (s *subscriber) matches(ev models.ChangeEvent) bool {
	if s.projectID != "" && s.projectID != ev.ProjectID {
		return false
	}
	ok, err := path.Match(s.pattern, ev.Key)
	return err == nil && ok
}

func (s *subscriber) deliver(ev models.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped++
		s.logger.Logf("subscriber %q dropped event %s@%d (%d dropped total)",
			s.pattern, ev.Key, ev.Version, s.dropped)
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Subscribe registers for events in a project whose keys match pattern.
// An empty projectID matches every project.
func (r *Router) Subscribe(projectID, pattern string) Subscription {
	sub := &subscriber{
		projectID: projectID,
		pattern:   pattern,
		ch:        make(chan models.ChangeEvent, r.channelSize),
		logger:    r.logger,
	}
	r.mu.Lock()
	r.subscribers[sub] = struct{}{}
	r.mu.Unlock()

	return Subscription{
		Events: sub.ch,
		cancel: func() {
			r.mu.Lock()
			delete(r.subscribers, sub)
			r.mu.Unlock()
			sub.close()
		},
	}
}

// Publish delivers an event to every matching subscriber.
func (r *Router) Publish(ev models.ChangeEvent) {
	r.mu.RLock()
	subs := make([]*subscriber, 0, len(r.subscribers))
	for sub := range r.subscribers {
		if sub.matches(ev) {
			subs = append(subs, sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(ev)
	}
}
