// Package webhook applies verified provider events to organization state.
package webhook

import (
	"context"

	"github.com/smallbiznis/radbridge/internal/billing/domain"
	"github.com/smallbiznis/radbridge/internal/billing/statemachine"
)

// Router is the entry point called by the HTTP layer once the signature is verified.
type Router interface {
	Route(ctx context.Context, event domain.Event) (domain.Result, error)
}

type route struct {
	kind   statemachine.Kind
	decode func(domain.Event) (domain.Payload, error)
}

// routes is the only place event types are bound to behavior. Types not
// listed here are acknowledged and ignored.
var routes = map[string]route{
	domain.EventInvoicePaymentSucceeded: {
		kind: statemachine.KindInvoicePaymentSucceeded,
		decode: func(ev domain.Event) (domain.Payload, error) {
			return domain.DecodePayload(ev, &domain.InvoicePaymentSucceeded{})
		},
	},
	domain.EventInvoicePaymentFailed: {
		kind: statemachine.KindInvoicePaymentFailed,
		decode: func(ev domain.Event) (domain.Payload, error) {
			return domain.DecodePayload(ev, &domain.InvoicePaymentFailed{})
		},
	},
	domain.EventSubscriptionUpdated: {
		kind: statemachine.KindSubscriptionUpdated,
		decode: func(ev domain.Event) (domain.Payload, error) {
			return domain.DecodePayload(ev, &domain.SubscriptionUpdated{})
		},
	},
	domain.EventSubscriptionDeleted: {
		kind: statemachine.KindSubscriptionDeleted,
		decode: func(ev domain.Event) (domain.Payload, error) {
			return domain.DecodePayload(ev, &domain.SubscriptionDeleted{})
		},
	},
}

// Supported reports whether eventType has a handler.
func Supported(eventType string) bool {
	_, ok := routes[eventType]
	return ok
}
