package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v76"

	paymentsdb "github.com/canastacr/payments/api/services/payments/db"
	"github.com/canastacr/payments/api/services/payments/directory"
)

// SyncSubscriptionByEmail repairs the record of one user from the current Stripe state.
func (s serviceImpl) SyncSubscriptionByEmail(ctx context.Context, email string) (paymentsdb.PaymentRecord, error) {
	email = directory.NormalizeEmail(email)
	if email == "" {
		return paymentsdb.PaymentRecord{}, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}

	userID, err := s.dir.LookupUserID(ctx, email)
	if errors.Is(err, directory.ErrUserNotFound) {
		return paymentsdb.PaymentRecord{}, fmt.Errorf("%w: user not found", ErrNotFound)
	}
	if err != nil {
		return paymentsdb.PaymentRecord{}, fmt.Errorf("%w: %v", ErrDirectory, err)
	}

	cust, ok, err := s.gw.FindCustomerByEmail(ctx, email)
	if err != nil {
		return paymentsdb.PaymentRecord{}, fmt.Errorf("%w: error finding customer: %v", ErrGateway, err)
	}
	if !ok {
		return paymentsdb.PaymentRecord{}, fmt.Errorf("%w: Stripe customer not found", ErrNotFound)
	}

	ent, err := s.entitlementOf(ctx, cust.ID)
	if err != nil {
		return paymentsdb.PaymentRecord{}, err
	}
	if !ent.entitled() {
		return paymentsdb.PaymentRecord{}, fmt.Errorf("%w: no active subscription or successful payment", ErrNotFound)
	}

	rec := ent.record(userID, cust.ID, s.now().UTC())
	if _, err := s.saveRecord(ctx, rec, sourceSync); err != nil {
		return paymentsdb.PaymentRecord{}, err
	}
	s.log.Info("payment record synced", "user_id", userID, "stripe_customer_id", cust.ID, "payment_type", rec.PaymentType)
	return rec, nil
}

// entitlement is what Stripe says a customer has paid for.
type entitlement struct {
	subscription *stripe.Subscription
	charge       *stripe.Charge
}

func (e entitlement) entitled() bool { return e.subscription != nil || e.charge != nil }

// record snapshots the entitlement. An active subscription wins over a one-time charge.
func (e entitlement) record(userID, customerID string, at time.Time) paymentsdb.PaymentRecord {
	if e.subscription != nil {
		rec := subscriptionRecord(userID, *e.subscription, paymentsdb.StatusPaid, at)
		rec.StripeCustomerID = customerID
		return rec
	}
	return paymentsdb.PaymentRecord{
		UserID:           userID,
		Status:           paymentsdb.StatusPaid,
		PaymentType:      paymentsdb.PaymentTypeLifetime,
		StripeCustomerID: customerID,
		Amount:           e.charge.Amount,
		Currency:         string(e.charge.Currency),
		LastEventAt:      &at,
	}
}

// entitlementOf finds the first active or trialing subscription of a customer and,
// failing that, its most recent successful one-time charge.
func (s serviceImpl) entitlementOf(ctx context.Context, customerID string) (entitlement, error) {
	subs, err := s.gw.ListSubscriptions(ctx, customerID)
	if err != nil {
		return entitlement{}, fmt.Errorf("%w: error listing subscriptions of %s: %v", ErrGateway, customerID, err)
	}
	for i := range subs {
		if IsSubscriptionActive(subs[i]) {
			return entitlement{subscription: &subs[i]}, nil
		}
	}

	charges, err := s.gw.ListCharges(ctx, customerID)
	if err != nil {
		return entitlement{}, fmt.Errorf("%w: error listing charges of %s: %v", ErrGateway, customerID, err)
	}
	var latest *stripe.Charge
	for i := range charges {
		if !IsOneTimeCharge(charges[i]) {
			continue
		}
		if latest == nil || charges[i].Created > latest.Created {
			latest = &charges[i]
		}
	}
	return entitlement{charge: latest}, nil
}
