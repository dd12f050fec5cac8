package ws

import (
	"encoding/json"

	"log/slog"

	"github.com/sungreong/openstream-gallery/internal/task"
)

// EventBroadcaster forwards task engine events into the hub. It is the
// Notifier the engine and pipelines publish through.
type EventBroadcaster struct {
	hub *Hub
	log *slog.Logger
}

// NewEventBroadcaster constructs an EventBroadcaster.
func NewEventBroadcaster(hub *Hub, logger *slog.Logger) *EventBroadcaster {
	return &EventBroadcaster{hub: hub, log: logger}
}

// NotifyTask marshals the event once and broadcasts it to the app's
// subscribers.
func (b *EventBroadcaster) NotifyTask(event task.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.log.Warn("failed to marshal event payload", "error", err, "task_id", event.TaskID)
		return
	}
	b.hub.Broadcast(event.AppID, payload)
}
