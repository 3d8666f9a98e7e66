package app

import (
	"time"

	stripe "github.com/stripe/stripe-go/v76"

	paymentsdb "github.com/canastacr/payments/api/services/payments/db"
)

// IsSubscriptionActive reports whether sub currently grants access.
func IsSubscriptionActive(sub stripe.Subscription) bool {
	return sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing
}

// IsSuccessfulCharge reports whether ch is a paid, succeeded charge that was not refunded.
func IsSuccessfulCharge(ch stripe.Charge) bool {
	return ch.Paid && ch.Status == stripe.ChargeStatusSucceeded && !ch.Refunded
}

// IsOneTimeCharge reports whether ch is a successful charge that no invoice billed.
// Subscription renewals are invoice charges and never count as a lifetime purchase.
func IsOneTimeCharge(ch stripe.Charge) bool {
	return IsSuccessfulCharge(ch) && (ch.Invoice == nil || ch.Invoice.ID == "")
}

// subscriptionStatus maps a Stripe subscription status onto a record status.
func subscriptionStatus(sub stripe.Subscription) paymentsdb.PaymentStatus {
	if sub.Status == stripe.SubscriptionStatusActive {
		return paymentsdb.StatusPaid
	}
	return paymentsdb.StatusPending
}

// subscriptionPrice returns the amount and currency of the first subscription item.
func subscriptionPrice(sub stripe.Subscription) (int64, string) {
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil {
				return item.Price.UnitAmount, string(item.Price.Currency)
			}
		}
	}
	return 0, string(sub.Currency)
}

func unixTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// subscriptionRecord builds the record written for a subscription snapshot.
func subscriptionRecord(userID string, sub stripe.Subscription, status paymentsdb.PaymentStatus, at time.Time) paymentsdb.PaymentRecord {
	amount, currency := subscriptionPrice(sub)
	return paymentsdb.PaymentRecord{
		UserID:               userID,
		Status:               status,
		PaymentType:          paymentsdb.PaymentTypeSubscription,
		StripeCustomerID:     customerID(sub.Customer),
		StripeSubscriptionID: sub.ID,
		CurrentPeriodEnd:     unixTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		Amount:               amount,
		Currency:             currency,
		LastEventAt:          &at,
	}
}
