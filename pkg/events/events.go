package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventTaskCreated       EventType = "task.created"
	EventTaskRegistered    EventType = "task.registered"
	EventTaskInstructed    EventType = "task.instructed"
	EventTaskResult        EventType = "task.result"
	EventTaskTerminated    EventType = "task.terminated"
	EventListenerCreated   EventType = "listener.created"
	EventListenerDeleted   EventType = "listener.deleted"
	EventDomainCreated     EventType = "domain.created"
	EventDomainDeleted     EventType = "domain.deleted"
	EventPortGroupCreated  EventType = "portgroup.created"
	EventPortGroupDeleted  EventType = "portgroup.deleted"
	EventCredentialCreated EventType = "credential.created"
	EventCredentialDeleted EventType = "credential.deleted"
)

// Event represents a control-plane event
type Event struct {
	Type      EventType
	Timestamp time.Time
	Entity    string
	UserID    string
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish sends an event to all subscribers. Non-blocking: slow
// subscribers drop events rather than stalling the publisher.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- event:
	default:
	}
}

func (b *Broker) run() {
	for {
		select {
		case <-b.stopCh:
			return
		case event := <-b.eventCh:
			b.mu.RLock()
			for sub := range b.subscribers {
				select {
				case sub <- event:
				default:
				}
			}
			b.mu.RUnlock()
		}
	}
}
