package models

// EventType defines the type of event flowing between services.
type EventType string

const (
	// EventChecksReloaded carries a new []Check set for the scheduler.
	EventChecksReloaded EventType = "checks_reloaded"
)

// Event is a typed envelope for channel-based communication between services.
type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload"`
}
