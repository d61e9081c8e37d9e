package dispatch

import "dispatchd/internal/storage"

// Event types published on the bus. Every queue entry mutation produces one
// EventQueueUpdate; subscribers (the push fan-out, the SSE stream) relay them
// to clients.
const (
	EventQueueUpdate = "queue.update"
)

// QueueUpdate is the payload of EventQueueUpdate.
// Position is set only while the entry is pending.
type QueueUpdate struct {
	EntryID      string         `json:"entry_id"`
	SessionID    string         `json:"session_id"`
	ExecutorType string         `json:"executor_type"`
	Status       storage.Status `json:"status"`
	Position     *int           `json:"position,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}
