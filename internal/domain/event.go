package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MaxAppendBatch bounds the number of events accepted in one append.
const MaxAppendBatch = 1000

// Event is a single row of the append-only event log.
// ID is assigned by the store. Appends are serialized, so ids also become
// visible in increasing order.
type Event struct {
	ID          int64           `json:"id"`
	UUID        uuid.UUID       `json:"uuid"`
	AggregateID string          `json:"aggregate_id"`
	Type        string          `json:"type"`
	Body        json.RawMessage `json:"body"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewEventRequest is the inbound payload for appending one event.
type NewEventRequest struct {
	AggregateID string          `json:"aggregate_id"`
	Type        string          `json:"type"`
	Body        json.RawMessage `json:"body,omitempty"`
}

func (r *NewEventRequest) Validate() error {
	if r.Type == "" {
		return ErrInvalidEventType
	}
	if r.AggregateID == "" {
		return ErrInvalidAggregateID
	}
	if len(r.Body) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(r.Body, &obj); err != nil {
			return ErrInvalidEventBody
		}
	}
	return nil
}

// AppendRequest wraps a slice of events appended together.
type AppendRequest struct {
	Events []NewEventRequest `json:"events"`
}

func (r *AppendRequest) Validate() error {
	if len(r.Events) == 0 {
		return ErrBatchEmpty
	}
	if len(r.Events) > MaxAppendBatch {
		return ErrBatchTooLarge
	}
	for i := range r.Events {
		if err := r.Events[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ProcessorPosition is the persisted progress of one named processor.
type ProcessorPosition struct {
	Name                 string `json:"name"`
	LastProcessedEventID int64  `json:"last_processed_event_id"`
}

// ValidateProcessorName rejects names the tracker table cannot hold.
func ValidateProcessorName(name string) error {
	if name == "" || len(name) > 255 {
		return ErrInvalidProcessorName
	}
	return nil
}
