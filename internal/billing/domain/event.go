// Package domain defines the provider event envelope, the typed payloads the
// engine accepts and the error taxonomy returned to the HTTP layer.
package domain

import (
	"encoding/json"
	"strings"
)

const (
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
)

// Event is a signature-verified provider delivery.
type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

type EventData struct {
	Object json.RawMessage `json:"object"`
}

// ParseEvent decodes the envelope and requires an id. An empty type is kept
// and later acknowledged as unsupported.
func ParseEvent(raw []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, &MalformedEventError{Field: "body", Err: err}
	}
	event.ID = strings.TrimSpace(event.ID)
	event.Type = strings.TrimSpace(event.Type)
	if event.ID == "" {
		return Event{}, &MalformedEventError{Field: "id"}
	}
	return event, nil
}

// Result is the acknowledgment returned for every accepted delivery.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

const (
	MessageReceived  = "received"
	MessageProcessed = "processed"
	MessageDuplicate = "already_processed"
)
