package provider

import (
	"context"

	"github.com/notifyhub/eventsourcing-pg/internal/domain"
)

// DeliverRequest is the JSON body posted to the external endpoint.
type DeliverRequest struct {
	Processor string       `json:"processor"`
	Event     domain.Event `json:"event"`
}

// Provider abstracts delivery of an event to an external side effect.
// Mocking this interface in tests gives full control over provider behaviour
// without making real HTTP calls.
type Provider interface {
	Deliver(ctx context.Context, processor string, e domain.Event) error
}
