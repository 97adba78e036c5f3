package domain

import "time"

// EventType names an event on the coordinator's event bus.
type EventType string

const (
	EventConnectionChanged EventType = "connection.changed"
	EventStatusChanged     EventType = "delivery.status_changed"
	EventDrainRequested    EventType = "queue.drain_requested"
)

// StatusChange is a delivery state transition observed by the tracker.
type StatusChange struct {
	Confirmation DeliveryConfirmation
	Previous     OutreachStatus
}

// Event is a message from a background loop to the coordinator.
type Event struct {
	Type      EventType
	Connected bool          // EventConnectionChanged
	Change    *StatusChange // EventStatusChanged
	Timestamp time.Time
}
