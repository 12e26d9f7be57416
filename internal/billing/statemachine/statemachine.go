// Package statemachine decides how a billing trigger changes an organization.
// It performs no I/O; the webhook service persists the resulting Decision.
package statemachine

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/radbridge/internal/billing/tier"
	orgdomain "github.com/smallbiznis/radbridge/internal/organization/domain"
)

type Kind string

const (
	KindSubscriptionDeleted     Kind = "subscription_deleted"
	KindSubscriptionUpdated     Kind = "subscription_updated"
	KindInvoicePaymentSucceeded Kind = "invoice_payment_succeeded"
	KindInvoicePaymentFailed    Kind = "invoice_payment_failed"
)

// Provider subscription statuses that drive transitions.
const (
	SubscriptionStatusActive  = "active"
	SubscriptionStatusPastDue = "past_due"
)

// Trigger is the engine's view of one provider event.
type Trigger struct {
	Kind Kind
	// SubscriptionStatus is set for subscription updates.
	SubscriptionStatus string
	// Tier is the tier mapped from the event's price. Empty when the price is
	// unknown or the event carries none.
	Tier tier.Tier
	// HasQuota reports whether the catalog defines a credit quota for a tier.
	// Nil treats every tier as known.
	HasQuota func(tier.Tier) bool
}

func (t Trigger) quotaKnown(x tier.Tier) bool {
	return t.HasQuota == nil || t.HasQuota(x)
}

// Decision is the complete set of writes implied by a trigger.
type Decision struct {
	From orgdomain.Status
	To   orgdomain.Status

	// TierChanged means subscription_tier must be set to NewTier ("" clears it).
	TierChanged bool
	NewTier     tier.Tier

	// ReplenishTier is the tier whose quota overwrites credit_balance, if any.
	ReplenishTier tier.Tier

	OpenPurgatoryReason string
	ResolvePurgatory    bool

	Description string
}

func (d Decision) StatusChanged() bool { return d.From != d.To }

func (d Decision) Replenish() bool { return d.ReplenishTier != "" }

// NoOp reports whether applying the decision would write nothing but the ledger row.
func (d Decision) NoOp() bool {
	return !d.StatusChanged() && !d.TierChanged && !d.Replenish() &&
		d.OpenPurgatoryReason == "" && !d.ResolvePurgatory
}

// Decide evaluates trigger against the live organization row.
func Decide(org orgdomain.Organization, trigger Trigger) Decision {
	d := Decision{From: org.Status, To: org.Status}
	var notes []string

	switch trigger.Kind {
	case KindSubscriptionDeleted:
		if org.Status == orgdomain.StatusTerminated {
			notes = append(notes, "organization terminated, subscription deletion ignored")
			break
		}
		d.To = orgdomain.StatusPurgatory
		d.OpenPurgatoryReason = orgdomain.PurgatoryReasonSubscriptionDeleted
		if org.SubscriptionTier != nil {
			d.TierChanged = true
			d.NewTier = ""
		}
		notes = append(notes, "subscription deleted")

	case KindSubscriptionUpdated:
		status := strings.ToLower(strings.TrimSpace(trigger.SubscriptionStatus))
		switch {
		case status == SubscriptionStatusPastDue && org.Status == orgdomain.StatusActive:
			d.To = orgdomain.StatusPurgatory
			d.OpenPurgatoryReason = orgdomain.PurgatoryReasonPaymentPastDue
			notes = append(notes, "subscription past due")
		case status == SubscriptionStatusActive && org.Status == orgdomain.StatusPurgatory:
			d.To = orgdomain.StatusActive
			d.ResolvePurgatory = true
			notes = append(notes, "subscription reactivated")
		}
		if trigger.Tier != "" && string(trigger.Tier) != org.Tier() {
			d.TierChanged = true
			d.NewTier = trigger.Tier
			notes = append(notes, fmt.Sprintf("tier %s -> %s", displayTier(org.Tier()), trigger.Tier))
			if org.Type == orgdomain.TypeReferringPractice && org.Status != orgdomain.StatusTerminated {
				if trigger.quotaKnown(trigger.Tier) {
					d.ReplenishTier = trigger.Tier
				} else {
					notes = append(notes, "no quota for "+string(trigger.Tier)+", credits unchanged")
				}
			}
		}
		if len(notes) == 0 {
			notes = append(notes, fmt.Sprintf("subscription updated (%s), no change", displayStatus(status)))
		}

	case KindInvoicePaymentSucceeded:
		if org.Status == orgdomain.StatusPurgatory {
			d.To = orgdomain.StatusActive
			d.ResolvePurgatory = true
			notes = append(notes, "payment succeeded, hold released")
		} else {
			notes = append(notes, "payment succeeded")
		}
		if org.Type == orgdomain.TypeReferringPractice && org.SubscriptionTier != nil && org.Status != orgdomain.StatusTerminated {
			current := tier.Tier(org.Tier())
			if trigger.quotaKnown(current) {
				d.ReplenishTier = current
				notes = append(notes, "credits replenished for "+org.Tier())
			} else {
				notes = append(notes, "no quota for "+org.Tier()+", credits unchanged")
			}
		}

	case KindInvoicePaymentFailed:
		notes = append(notes, "payment failed, awaiting subscription status")

	default:
		notes = append(notes, "unsupported trigger "+string(trigger.Kind))
	}

	if d.StatusChanged() {
		notes = append(notes, fmt.Sprintf("status %s -> %s", d.From, d.To))
	}
	d.Description = strings.Join(notes, "; ")
	return d
}

func displayTier(t string) string {
	if t == "" {
		return "none"
	}
	return t
}

func displayStatus(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
