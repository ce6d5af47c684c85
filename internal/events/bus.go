package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventApplicationCreated   EventType = "APPLICATION_CREATED"
	EventApplicationApproved  EventType = "APPLICATION_APPROVED"
	EventApplicationRejected  EventType = "APPLICATION_REJECTED"
	EventApplicationCancelled EventType = "APPLICATION_CANCELLED"
	EventLicenseIssued        EventType = "LICENSE_ISSUED"
	EventLicenseRevoked       EventType = "LICENSE_REVOKED"
	EventNotificationFailed   EventType = "NOTIFICATION_FAILED"
	EventIntegrationTestStep  EventType = "INTEGRATION_TEST_STEP"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu      sync.RWMutex
	allSubs []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		allSubs: make([]Subscriber, 0),
	}
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range eb.allSubs {
		go sub(event) // Run in goroutine to avoid blocking
	}
}

// PublishApplicationEvent publishes a lifecycle event for an application
func (eb *EventBus) PublishApplicationEvent(eventType EventType, ownerID, appKey, eaName string) {
	eb.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"owner_id": ownerID,
			"app_key":  appKey,
			"ea_name":  eaName,
		},
	})
}

// PublishLicenseIssued publishes a license issued event
func (eb *EventBus) PublishLicenseIssued(ownerID, appKey, eaName string, expiry time.Time) {
	eb.Publish(Event{
		Type: EventLicenseIssued,
		Data: map[string]interface{}{
			"owner_id": ownerID,
			"app_key":  appKey,
			"ea_name":  eaName,
			"expiry":   expiry.UTC().Format(time.RFC3339),
		},
	})
}

// PublishNotificationFailed publishes a failed notification attempt
func (eb *EventBus) PublishNotificationFailed(ownerID, appKey string, attempt int, reason string) {
	eb.Publish(Event{
		Type: EventNotificationFailed,
		Data: map[string]interface{}{
			"owner_id": ownerID,
			"app_key":  appKey,
			"attempt":  attempt,
			"reason":   reason,
		},
	})
}

// PublishIntegrationTestStep publishes an integration test step transition
func (eb *EventBus) PublishIntegrationTestStep(ownerID, testID, step, status string) {
	eb.Publish(Event{
		Type: EventIntegrationTestStep,
		Data: map[string]interface{}{
			"owner_id": ownerID,
			"test_id":  testID,
			"step":     step,
			"status":   status,
		},
	})
}

