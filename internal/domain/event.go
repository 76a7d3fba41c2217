package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Registry events.
	EventRegistryReloaded EventType = "registry.reloaded"

	// Lifecycle events.
	EventPluginStatus  EventType = "plugin.status"
	EventPluginCrashed EventType = "plugin.crashed"

	// Backend channel traffic forwarded to surfaces.
	EventBackendMessage EventType = "backend.message"

	// Installer events.
	EventInstallProgress   EventType = "install.progress"
	EventInstallCompleted  EventType = "install.completed"
	EventInstallFailed     EventType = "install.failed"
	EventPluginUninstalled EventType = "plugin.uninstalled"

	// Shell session events.
	EventProcessStarted   EventType = "process.started"
	EventProcessCompleted EventType = "process.completed"
	EventProcessKilled    EventType = "process.killed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	PluginID  string          `json:"plugin_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// NewEvent builds an event with a JSON payload. Marshal failures yield an
// event without payload rather than an error.
func NewEvent(t EventType, pluginID string, payload any) Event {
	e := Event{Type: t, Timestamp: time.Now(), PluginID: pluginID}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			e.Payload = data
		}
	}
	return e
}
