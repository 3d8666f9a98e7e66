package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v76"

	paymentsdb "github.com/canastacr/payments/api/services/payments/db"
	"github.com/canastacr/payments/api/services/payments/directory"
)

// Handled Stripe event types.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventPaymentIntentSucceeded   = "payment_intent.succeeded"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
)

func (s serviceImpl) HandleEvent(ctx context.Context, event stripe.Event) error {
	if event.Data == nil {
		return fmt.Errorf("%w: event %s has no data", ErrBadEvent, event.ID)
	}
	switch string(event.Type) {
	case EventCheckoutSessionCompleted:
		return s.handleCheckoutSessionCompleted(ctx, event)
	case EventPaymentIntentSucceeded:
		return s.handlePaymentIntentSucceeded(ctx, event)
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		return s.handleSubscriptionUpdated(ctx, event)
	case EventSubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, event)
	case EventInvoicePaymentSucceeded:
		return s.handleInvoicePaymentSucceeded(ctx, event)
	default:
		s.log.Info("unhandled event type", "event_type", event.Type, "event_id", event.ID)
		return nil
	}
}

// eventTime is the provider creation time of event, the version of the writes it triggers.
func (s serviceImpl) eventTime(event stripe.Event) time.Time {
	if event.Created == 0 {
		return s.now().UTC()
	}
	return time.Unix(event.Created, 0).UTC()
}

func (s serviceImpl) handleCheckoutSessionCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: error unmarshaling into CheckoutSession: %v", ErrBadEvent, err)
	}

	email := ""
	if session.CustomerDetails != nil {
		email = directory.NormalizeEmail(session.CustomerDetails.Email)
	}
	if email == "" {
		email = directory.NormalizeEmail(session.CustomerEmail)
	}
	if email == "" {
		var err error
		if email, err = s.customerEmail(ctx, session.Customer); err != nil {
			return err
		}
	}
	if email == "" {
		return fmt.Errorf("%w: no email found in CheckoutSession %s", ErrBadEvent, session.ID)
	}

	userID, ok, err := s.lookupUser(ctx, email)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Warn("no user for checkout email, skipping", "event_id", event.ID, "session_id", session.ID)
		return nil
	}

	at := s.eventTime(event)
	rec := paymentsdb.PaymentRecord{
		UserID:           userID,
		Status:           paymentsdb.StatusPaid,
		PaymentType:      paymentsdb.PaymentTypeLifetime,
		StripeCustomerID: customerID(session.Customer),
		Amount:           session.AmountTotal,
		Currency:         string(session.Currency),
		LastEventAt:      &at,
	}
	periodEndMissing := false
	if session.Mode == stripe.CheckoutSessionModeSubscription {
		if session.Subscription == nil || session.Subscription.ID == "" {
			return fmt.Errorf("%w: subscription ID not found in CheckoutSession %s", ErrBadEvent, session.ID)
		}
		rec.PaymentType = paymentsdb.PaymentTypeSubscription
		rec.StripeSubscriptionID = session.Subscription.ID
		sub, err := s.gw.GetSubscription(ctx, session.Subscription.ID)
		if err != nil {
			s.log.Warn("could not fetch subscription for checkout", "subscription_id", session.Subscription.ID, "err", err)
			periodEndMissing = true
		} else {
			rec.CurrentPeriodEnd = unixTime(sub.CurrentPeriodEnd)
			rec.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		}
	}

	if _, err := s.saveRecord(ctx, rec, EventCheckoutSessionCompleted); err != nil {
		return err
	}
	if periodEndMissing {
		// reconciliation fills the period end from the subscription
		s.addPendingSync(ctx, userID, rec.StripeCustomerID, EventCheckoutSessionCompleted+": subscription period end unknown")
	}
	s.log.Info("checkout recorded", "user_id", userID, "payment_type", rec.PaymentType, "event_id", event.ID)
	return nil
}

func (s serviceImpl) handlePaymentIntentSucceeded(ctx context.Context, event stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return fmt.Errorf("%w: error unmarshaling into PaymentIntent: %v", ErrBadEvent, err)
	}
	if pi.Invoice != nil && pi.Invoice.ID != "" {
		s.log.Debug("payment intent belongs to an invoice, skipping", "payment_intent_id", pi.ID, "invoice_id", pi.Invoice.ID)
		return nil
	}

	email, err := s.customerEmail(ctx, pi.Customer)
	if err != nil {
		return err
	}
	if email == "" {
		email = directory.NormalizeEmail(pi.ReceiptEmail)
	}
	if email == "" {
		s.log.Warn("payment intent without customer email, skipping", "payment_intent_id", pi.ID)
		return nil
	}

	userID, ok, err := s.lookupUser(ctx, email)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Warn("no user for payment intent email, skipping", "payment_intent_id", pi.ID, "stripe_customer_id", customerID(pi.Customer))
		return nil
	}

	amount := pi.AmountReceived
	if amount == 0 {
		amount = pi.Amount
	}
	at := s.eventTime(event)
	rec := paymentsdb.PaymentRecord{
		UserID:           userID,
		Status:           paymentsdb.StatusPaid,
		PaymentType:      paymentsdb.PaymentTypeLifetime,
		StripeCustomerID: customerID(pi.Customer),
		Amount:           amount,
		Currency:         string(pi.Currency),
		LastEventAt:      &at,
	}
	_, err = s.saveRecord(ctx, rec, EventPaymentIntentSucceeded)
	return err
}

func (s serviceImpl) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: error unmarshaling into Subscription: %v", ErrBadEvent, err)
	}
	return s.applySubscription(ctx, sub, s.eventTime(event), string(event.Type))
}

// applySubscription writes the state of sub onto the record of its customer's user.
func (s serviceImpl) applySubscription(ctx context.Context, sub stripe.Subscription, at time.Time, source string) error {
	if sub.ID == "" {
		return fmt.Errorf("%w: subscription without id", ErrBadEvent)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return fmt.Errorf("%w: customer ID not found in Subscription %s", ErrBadEvent, sub.ID)
	}
	email, err := s.customerEmail(ctx, sub.Customer)
	if err != nil {
		return err
	}
	userID, ok, err := s.lookupUser(ctx, email)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Warn("no user for subscription customer, skipping", "subscription_id", sub.ID, "stripe_customer_id", sub.Customer.ID)
		return nil
	}

	rec := subscriptionRecord(userID, sub, subscriptionStatus(sub), at)
	_, err = s.saveRecord(ctx, rec, source)
	return err
}

func (s serviceImpl) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: error unmarshaling into Subscription: %v", ErrBadEvent, err)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return fmt.Errorf("%w: customer ID not found in Subscription %s", ErrBadEvent, sub.ID)
	}
	email, err := s.customerEmail(ctx, sub.Customer)
	if err != nil {
		return err
	}
	userID, ok, err := s.lookupUser(ctx, email)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Warn("no user for deleted subscription, skipping", "subscription_id", sub.ID, "stripe_customer_id", sub.Customer.ID)
		return nil
	}

	changed, err := s.store.MarkCancelled(ctx, userID, s.eventTime(event))
	if err != nil {
		s.log.Error("payment record write failed", "source", EventSubscriptionDeleted, "user_id", userID, "err", err)
		s.addPendingSync(ctx, userID, sub.Customer.ID, EventSubscriptionDeleted+": "+err.Error())
		return fmt.Errorf("%w: error marking record cancelled: %v", ErrDatabase, err)
	}
	s.invalidate(ctx, userID)
	if !changed {
		s.log.Info("no record changed on subscription deletion", "user_id", userID, "subscription_id", sub.ID)
	}
	return nil
}

func (s serviceImpl) handleInvoicePaymentSucceeded(ctx context.Context, event stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("%w: error unmarshaling into Invoice: %v", ErrBadEvent, err)
	}
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		s.log.Debug("invoice without subscription, skipping", "invoice_id", inv.ID)
		return nil
	}
	sub, err := s.gw.GetSubscription(ctx, inv.Subscription.ID)
	if err != nil {
		return fmt.Errorf("%w: error getting subscription %s: %v", ErrGateway, inv.Subscription.ID, err)
	}
	return s.applySubscription(ctx, sub, s.eventTime(event), EventInvoicePaymentSucceeded)
}
