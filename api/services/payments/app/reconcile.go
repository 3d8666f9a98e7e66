package app

import (
	"context"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v76"

	paymentsdb "github.com/canastacr/payments/api/services/payments/db"
	"github.com/canastacr/payments/api/services/payments/directory"
)

// DefaultPageSize is the number of customers fetched per Stripe list call.
const DefaultPageSize = 100

// pendingDrainLimit bounds the outbox rows handled per run.
const pendingDrainLimit = 500

// Reconcile re-derives payment records from Stripe. It first drains the pending_sync
// outbox, then pages through every Stripe customer. A failure on one customer is
// logged and counted and does not stop the run. Only a failed page fetch or a
// cancelled context ends the run early.
func (s serviceImpl) Reconcile(ctx context.Context, opts ReconcileOptions) (ReconcileReport, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = DefaultPageSize
	}
	var report ReconcileReport

	s.drainPendingSync(ctx, &report)

	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		page, err := s.gw.ListCustomers(ctx, cursor, pageSize)
		if err != nil {
			return report, fmt.Errorf("%w: %v", ErrGateway, err)
		}
		for _, cust := range page.Customers {
			report.CustomersScanned++
			if err := s.reconcileCustomerSafe(ctx, cust, &report); err != nil {
				report.Errors++
				s.log.Error("customer reconciliation failed", "stripe_customer_id", cust.ID, "err", err)
			}
		}
		if !page.HasMore || len(page.Customers) == 0 {
			break
		}
		cursor = page.Customers[len(page.Customers)-1].ID
	}

	s.log.Info("reconciliation finished",
		"customers_scanned", report.CustomersScanned,
		"subscriptions_found", report.SubscriptionsFound,
		"users_created", report.UsersCreated,
		"records_created", report.RecordsCreated,
		"records_updated", report.RecordsUpdated,
		"skipped", report.Skipped,
		"pending_resolved", report.PendingResolved,
		"errors", report.Errors,
	)
	return report, nil
}

func (s serviceImpl) drainPendingSync(ctx context.Context, report *ReconcileReport) {
	pending, err := s.store.ListPendingSync(ctx, pendingDrainLimit)
	if err != nil {
		report.Errors++
		s.log.Error("listing pending sync rows failed", "err", err)
		return
	}
	for _, p := range pending {
		if err := s.resolvePending(ctx, p, report); err != nil {
			report.Errors++
			s.log.Error("pending sync not resolved", "pending_sync_id", p.ID, "user_id", p.UserID, "stripe_customer_id", p.StripeCustomerID, "err", err)
			continue
		}
		report.PendingResolved++
	}
}

func (s serviceImpl) resolvePending(ctx context.Context, p paymentsdb.PendingSync, report *ReconcileReport) error {
	customerID := p.StripeCustomerID
	if customerID == "" {
		rec, err := s.store.Get(ctx, p.UserID)
		if err != nil {
			return fmt.Errorf("%w: no customer to reconcile for user: %v", ErrDatabase, err)
		}
		if rec.StripeCustomerID == "" {
			return fmt.Errorf("%w: record of user has no Stripe customer", ErrNotFound)
		}
		customerID = rec.StripeCustomerID
	}
	cust, err := s.gw.GetCustomer(ctx, customerID)
	if err != nil {
		return fmt.Errorf("%w: error retrieving customer %s: %v", ErrGateway, customerID, err)
	}
	if err := s.reconcileCustomerSafe(ctx, cust, report); err != nil {
		return err
	}
	if err := s.store.ResolvePendingSync(ctx, p.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return nil
}

// reconcileCustomerSafe turns a panic while handling one customer into an error.
func (s serviceImpl) reconcileCustomerSafe(ctx context.Context, cust stripe.Customer, report *ReconcileReport) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic reconciling customer %s: %v", cust.ID, r)
		}
	}()
	return s.reconcileCustomer(ctx, cust, report)
}

func (s serviceImpl) reconcileCustomer(ctx context.Context, cust stripe.Customer, report *ReconcileReport) error {
	ent, err := s.entitlementOf(ctx, cust.ID)
	if err != nil {
		return err
	}
	if ent.subscription != nil {
		report.SubscriptionsFound++
	}
	if !ent.entitled() {
		report.Skipped++
		return nil
	}

	userID, err := s.customerUser(ctx, cust, report)
	if err != nil {
		return err
	}

	rec := ent.record(userID, cust.ID, s.now().UTC())
	res, err := s.saveRecord(ctx, rec, sourceReconcile)
	if err != nil {
		return err
	}
	switch {
	case res.Inserted:
		report.RecordsCreated++
	case res.Applied:
		report.RecordsUpdated++
	}
	return nil
}

// customerUser resolves the user of an entitled customer, creating one for a new
// email. A customer without an email falls back to the record already linked to it.
func (s serviceImpl) customerUser(ctx context.Context, cust stripe.Customer, report *ReconcileReport) (string, error) {
	email := directory.NormalizeEmail(cust.Email)
	if email == "" {
		rec, err := s.store.GetByCustomerID(ctx, cust.ID)
		if errors.Is(err, paymentsdb.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: entitled customer %s has no email", ErrInvalidInput, cust.ID)
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrDatabase, err)
		}
		return rec.UserID, nil
	}
	userID, created, err := s.dir.LookupOrCreate(ctx, email)
	if err != nil {
		if errors.Is(err, directory.ErrInvalidEmail) {
			return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return "", fmt.Errorf("%w: %v", ErrDirectory, err)
	}
	if created {
		report.UsersCreated++
		s.log.Info("created user for paying customer", "user_id", userID, "stripe_customer_id", cust.ID)
	}
	return userID, nil
}
