package app

import (
	"context"
	"errors"
	"fmt"

	paymentsdb "github.com/canastacr/payments/api/services/payments/db"
)

// PaymentStatus returns the entitlement of userID. A user without a record gets StatusNone.
func (s serviceImpl) PaymentStatus(ctx context.Context, userID string) (PaymentStatus, error) {
	if userID == "" {
		return PaymentStatus{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	rec, hit, err := s.cache.Get(ctx, userID)
	if err != nil {
		s.log.Warn("status cache read failed", "user_id", userID, "err", err)
	}
	if !hit {
		rec, err = s.store.Get(ctx, userID)
		if errors.Is(err, paymentsdb.ErrRecordNotFound) {
			rec = paymentsdb.PaymentRecord{UserID: userID, Status: paymentsdb.StatusNone}
		} else if err != nil {
			return PaymentStatus{}, fmt.Errorf("%w: error retrieving payment record: %v", ErrDatabase, err)
		}
		if err := s.cache.Set(ctx, rec); err != nil {
			s.log.Warn("status cache write failed", "user_id", userID, "err", err)
		}
	}
	return PaymentStatus{
		UserID:            userID,
		Status:            rec.Status,
		PaymentType:       rec.PaymentType,
		CurrentPeriodEnd:  rec.CurrentPeriodEnd,
		CancelAtPeriodEnd: rec.CancelAtPeriodEnd,
	}, nil
}
