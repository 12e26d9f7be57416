package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Payload is the typed data.object of a supported event.
type Payload interface {
	BillingReference() string
	// MissingField names the first required field that is absent, or "".
	MissingField() string
}

// ExpandableID accepts either a bare id or an expanded object carrying one.
type ExpandableID string

func (e *ExpandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*e = ExpandableID(strings.TrimSpace(id))
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("expandable id: %w", err)
	}
	*e = ExpandableID(strings.TrimSpace(obj.ID))
	return nil
}

func (e ExpandableID) String() string { return string(e) }

type InvoicePayment struct {
	ID           string       `json:"id"`
	Customer     ExpandableID `json:"customer"`
	Subscription ExpandableID `json:"subscription"`
	AmountPaid   int64        `json:"amount_paid"`
	AmountDue    int64        `json:"amount_due"`
	Currency     string       `json:"currency"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription ExpandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (p *InvoicePayment) BillingReference() string { return p.Customer.String() }

func (p *InvoicePayment) MissingField() string {
	if p.Customer == "" {
		return "customer"
	}
	return ""
}

// SubscriptionID resolves the subscription from either the legacy top-level
// field or the parent details of newer API versions.
func (p *InvoicePayment) SubscriptionID() string {
	if p.Subscription != "" {
		return p.Subscription.String()
	}
	if p.Parent != nil && p.Parent.SubscriptionDetails != nil {
		return p.Parent.SubscriptionDetails.Subscription.String()
	}
	return ""
}

type SubscriptionItemPrice struct {
	ID string `json:"id"`
}

type SubscriptionItem struct {
	ID    string                `json:"id"`
	Price SubscriptionItemPrice `json:"price"`
}

type Subscription struct {
	ID                string       `json:"id"`
	Customer          ExpandableID `json:"customer"`
	Status            string       `json:"status"`
	CancelAtPeriodEnd bool         `json:"cancel_at_period_end"`
	Items             struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
}

func (s *Subscription) BillingReference() string { return s.Customer.String() }

// PriceID is the price of the first subscription item.
func (s *Subscription) PriceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return strings.TrimSpace(s.Items.Data[0].Price.ID)
}

// SubscriptionUpdated is customer.subscription.updated.
type SubscriptionUpdated struct {
	Subscription
}

func (s *SubscriptionUpdated) MissingField() string {
	switch {
	case s.Customer == "":
		return "customer"
	case strings.TrimSpace(s.Status) == "":
		return "status"
	case s.PriceID() == "":
		return "items.data[0].price.id"
	}
	return ""
}

// SubscriptionDeleted is customer.subscription.deleted.
type SubscriptionDeleted struct {
	Subscription
}

func (s *SubscriptionDeleted) MissingField() string {
	if s.Customer == "" {
		return "customer"
	}
	return ""
}

// InvoicePaymentSucceeded is invoice.payment_succeeded.
type InvoicePaymentSucceeded struct {
	InvoicePayment
}

// InvoicePaymentFailed is invoice.payment_failed.
type InvoicePaymentFailed struct {
	InvoicePayment
}

// DecodePayload unmarshals data.object into p and checks its required fields.
func DecodePayload[P Payload](event Event, p P) (P, error) {
	if len(bytes.TrimSpace(event.Data.Object)) == 0 {
		return p, &MalformedEventError{EventID: event.ID, Field: "data.object"}
	}
	if err := json.Unmarshal(event.Data.Object, p); err != nil {
		return p, &MalformedEventError{EventID: event.ID, Field: "data.object", Err: err}
	}
	if field := p.MissingField(); field != "" {
		return p, &MalformedEventError{EventID: event.ID, Field: field}
	}
	return p, nil
}
