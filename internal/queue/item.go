package queue

import "strconv"

// Item is the minimal wake-up marker placed on the queue.
// Consumers re-read the event store past their tracked position, so the
// payload is a hint, never the source of truth.
type Item struct {
	Channel string
	Payload string
	// EventID is the decoded payload, or 0 when the payload is not an integer.
	EventID int64
}

// NewItem decodes a notification payload carrying an event identifier.
func NewItem(channel, payload string) Item {
	id, err := strconv.ParseInt(payload, 10, 64)
	if err != nil || id < 0 {
		id = 0
	}
	return Item{Channel: channel, Payload: payload, EventID: id}
}
