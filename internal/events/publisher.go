// Package events fans engine change notifications out to subscribers.
package events

import (
	"context"
	"sync"

	"github.com/tOgg1/chatsync/internal/models"
)

// ChangeKind names one aspect of engine state that changed.
type ChangeKind string

const (
	KindTimeline     ChangeKind = "timeline"
	KindConnection   ChangeKind = "connection"
	KindPresence     ChangeKind = "presence"
	KindReadState    ChangeKind = "read_state"
	KindSendFailed   ChangeKind = "send_failed"
	KindNotification ChangeKind = "notification"
	KindOnlineCount  ChangeKind = "online_count"
)

// Snapshot is an immutable copy of engine state. Subscribers may keep it.
type Snapshot struct {
	Seq      uint64
	Messages []models.Message

	Mode                  string
	OldestID              int64
	NewestID              int64
	FullyLoadedBackward   bool
	Loading               bool
	UnreadWhileScrolled   int
	MissedWhileHistorical int

	Connection    string
	LastReadID    int64
	PendingReadID int64
	PendingSends  []string

	Online      []models.PresenceUser
	Typing      []models.PresenceUser
	OnlineCount int
}

// ChangeEvent is published once per engine step that changed something.
type ChangeEvent struct {
	Kinds    []ChangeKind
	Snapshot *Snapshot

	// FailedKeys lists sends that failed during the step.
	FailedKeys    []string
	Notifications []models.Notification
}

// Has reports whether kind is among the event's kinds.
func (e *ChangeEvent) Has(kind ChangeKind) bool {
	for _, k := range e.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Handler is invoked for each matching event.
type Handler func(event *ChangeEvent)

// Filter selects events by kind. An empty filter matches everything.
type Filter struct {
	Kinds []ChangeKind
}

// Matches returns true if the event carries any of the filter's kinds.
func (f *Filter) Matches(event *ChangeEvent) bool {
	if event == nil {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if event.Has(k) {
			return true
		}
	}
	return false
}

type subscription struct {
	id      string
	filter  Filter
	handler Handler
}

// Publisher defines event publishing and subscription.
type Publisher interface {
	Publish(ctx context.Context, event *ChangeEvent)
	Subscribe(id string, filter Filter, handler Handler) error
	Unsubscribe(id string) error
	SubscriberCount() int
}

// InMemoryPublisher implements Publisher using in-process pub/sub.
type InMemoryPublisher struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	order         []string
}

func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{
		subscriptions: make(map[string]*subscription),
	}
}

// Publish calls every matching handler in subscription order.
func (p *InMemoryPublisher) Publish(_ context.Context, event *ChangeEvent) {
	if event == nil {
		return
	}

	p.mu.RLock()
	var handlers []Handler
	for _, id := range p.order {
		sub := p.subscriptions[id]
		if sub.filter.Matches(event) {
			handlers = append(handlers, sub.handler)
		}
	}
	p.mu.RUnlock()

	// Handlers run outside the lock so they may (un)subscribe.
	for _, handler := range handlers {
		handler(event)
	}
}

func (p *InMemoryPublisher) Subscribe(id string, filter Filter, handler Handler) error {
	if id == "" {
		return ErrInvalidSubscriptionID
	}
	if handler == nil {
		return ErrNilHandler
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.subscriptions[id]; exists {
		return ErrSubscriptionExists
	}
	p.subscriptions[id] = &subscription{id: id, filter: filter, handler: handler}
	p.order = append(p.order, id)
	return nil
}

func (p *InMemoryPublisher) Unsubscribe(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.subscriptions[id]; !exists {
		return ErrSubscriptionNotFound
	}
	delete(p.subscriptions, id)
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return nil
}

func (p *InMemoryPublisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscriptions)
}

// Close removes all subscriptions.
func (p *InMemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscriptions = make(map[string]*subscription)
	p.order = nil
}

// Errors for publisher operations.
var (
	ErrInvalidSubscriptionID = &PublisherError{Message: "subscription ID is required"}
	ErrNilHandler            = &PublisherError{Message: "handler cannot be nil"}
	ErrSubscriptionExists    = &PublisherError{Message: "subscription with this ID already exists"}
	ErrSubscriptionNotFound  = &PublisherError{Message: "subscription not found"}
)

// PublisherError represents an error from publisher operations.
type PublisherError struct {
	Message string
}

func (e *PublisherError) Error() string {
	return e.Message
}
