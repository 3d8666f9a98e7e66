package app

import (
	"context"
	"errors"
	"fmt"

	paymentsdb "github.com/canastacr/payments/api/services/payments/db"
)

const (
	cancelMessage       = "Subscription will be cancelled at the end of the current billing period"
	localSyncPendingMsg = "Stripe cancellation successful. Database sync pending, your account will update shortly."
)

// CancelSubscription flags the caller's subscription to end with its current period.
// Stripe is authoritative: when mirroring the change locally fails the call still
// succeeds and the result reports LocalSyncPending.
func (s serviceImpl) CancelSubscription(ctx context.Context, authUserID, requestedUserID string) (CancelResult, error) {
	if requestedUserID == "" {
		return CancelResult{}, fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	if authUserID != requestedUserID {
		return CancelResult{}, fmt.Errorf("%w: cannot cancel another user's subscription", ErrForbidden)
	}

	rec, err := s.store.Get(ctx, requestedUserID)
	if errors.Is(err, paymentsdb.ErrRecordNotFound) {
		return CancelResult{}, fmt.Errorf("%w: no payment record for user", ErrNotFound)
	}
	if err != nil {
		return CancelResult{}, fmt.Errorf("%w: error retrieving payment record: %v", ErrDatabase, err)
	}
	if rec.PaymentType != paymentsdb.PaymentTypeSubscription {
		return CancelResult{}, fmt.Errorf("%w: payment type is %s", ErrWrongPaymentType, rec.PaymentType)
	}
	if rec.StripeSubscriptionID == "" {
		return CancelResult{}, ErrMissingSubscription
	}

	sub, err := s.gw.CancelAtPeriodEnd(ctx, rec.StripeSubscriptionID)
	if err != nil {
		return CancelResult{}, fmt.Errorf("%w: error cancelling subscription %s: %v", ErrGateway, rec.StripeSubscriptionID, err)
	}
	periodEnd := unixTime(sub.CurrentPeriodEnd)
	if periodEnd == nil {
		periodEnd = rec.CurrentPeriodEnd
	}
	s.log.Info("subscription set to cancel at period end", "user_id", rec.UserID, "subscription_id", rec.StripeSubscriptionID)

	result := CancelResult{
		Message:           cancelMessage,
		CurrentPeriodEnd:  periodEnd,
		CancelAtPeriodEnd: true,
	}
	if err := s.store.MirrorCancellation(ctx, rec.UserID, true, periodEnd, s.now()); err != nil {
		s.log.Error("cancellation not mirrored locally", "user_id", rec.UserID, "subscription_id", rec.StripeSubscriptionID, "err", err)
		s.addPendingSync(ctx, rec.UserID, rec.StripeCustomerID, "cancel_subscription: "+err.Error())
		result.LocalSyncPending = true
		result.Warning = localSyncPendingMsg
	}
	s.invalidate(ctx, rec.UserID)
	return result, nil
}
