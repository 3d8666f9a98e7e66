package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	stripe "github.com/stripe/stripe-go/v76"

	paymentsdb "github.com/canastacr/payments/api/services/payments/db"
	"github.com/canastacr/payments/api/services/payments/directory"
	gw "github.com/canastacr/payments/api/services/payments/gateway"
)

// Service defines the business operations of the payments domain.
type Service interface {
	// VerifyEvent checks the Stripe-Signature header and decodes the event.
	VerifyEvent(payload []byte, signatureHeader string) (stripe.Event, error)
	// HandleEvent dispatches a verified event to its handler. Unknown types are ignored.
	HandleEvent(ctx context.Context, event stripe.Event) error
	CancelSubscription(ctx context.Context, authUserID, requestedUserID string) (CancelResult, error)
	SyncSubscriptionByEmail(ctx context.Context, email string) (paymentsdb.PaymentRecord, error)
	PaymentStatus(ctx context.Context, userID string) (PaymentStatus, error)
	Reconcile(ctx context.Context, opts ReconcileOptions) (ReconcileReport, error)
}

// RecordStore is the persistence used by the service. *paymentsdb.Store implements it.
type RecordStore interface {
	Get(ctx context.Context, userID string) (paymentsdb.PaymentRecord, error)
	GetByCustomerID(ctx context.Context, customerID string) (paymentsdb.PaymentRecord, error)
	Upsert(ctx context.Context, rec paymentsdb.PaymentRecord) (paymentsdb.UpsertResult, error)
	MarkCancelled(ctx context.Context, userID string, at time.Time) (bool, error)
	MirrorCancellation(ctx context.Context, userID string, cancelAtPeriodEnd bool, periodEnd *time.Time, at time.Time) error
	AddPendingSync(ctx context.Context, p paymentsdb.PendingSync) (paymentsdb.PendingSync, error)
	ListPendingSync(ctx context.Context, limit int) ([]paymentsdb.PendingSync, error)
	ResolvePendingSync(ctx context.Context, id string) error
}

// UserDirectory resolves emails to Supabase user ids. *directory.Client implements it.
type UserDirectory interface {
	LookupUserID(ctx context.Context, email string) (string, error)
	LookupOrCreate(ctx context.Context, email string) (id string, created bool, err error)
}

// StatusCache caches payment records for the read path. *cache.StatusCache implements it.
type StatusCache interface {
	Get(ctx context.Context, userID string) (paymentsdb.PaymentRecord, bool, error)
	Set(ctx context.Context, rec paymentsdb.PaymentRecord) error
	Invalidate(ctx context.Context, userID string) error
}

// Deps are the collaborators of the service. Cache, Logger and Now are optional.
type Deps struct {
	Gateway   gw.StripeGateway
	Store     RecordStore
	Directory UserDirectory
	Cache     StatusCache
	Logger    *slog.Logger
	Now       func() time.Time
}

type serviceImpl struct {
	gw    gw.StripeGateway
	store RecordStore
	dir   UserDirectory
	cache StatusCache
	log   *slog.Logger
	now   func() time.Time
}

func NewService(d Deps) Service {
	s := serviceImpl{gw: d.Gateway, store: d.Store, dir: d.Directory, cache: d.Cache, log: d.Logger, now: d.Now}
	if s.cache == nil {
		s.cache = noCache{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s serviceImpl) VerifyEvent(payload []byte, signatureHeader string) (stripe.Event, error) {
	event, err := s.gw.ConstructEvent(payload, signatureHeader)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: signature verification failed: %v", ErrBadEvent, err)
	}
	return event, nil
}

const (
	sourceReconcile = "reconcile"
	sourceSync      = "sync_subscription"
)

// saveRecord upserts rec and invalidates the cached status. A failed write is recorded
// in the pending_sync outbox so the next reconciliation run repairs it, unless the
// write came from that run.
func (s serviceImpl) saveRecord(ctx context.Context, rec paymentsdb.PaymentRecord, source string) (paymentsdb.UpsertResult, error) {
	res, err := s.store.Upsert(ctx, rec)
	if errors.Is(err, paymentsdb.ErrInvalidRecord) {
		return res, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	if err != nil {
		s.log.Error("payment record write failed", "source", source, "user_id", rec.UserID, "stripe_customer_id", rec.StripeCustomerID, "err", err)
		if source != sourceReconcile {
			s.addPendingSync(ctx, rec.UserID, rec.StripeCustomerID, source+": "+err.Error())
		}
		return res, fmt.Errorf("%w: error upserting payment record: %v", ErrDatabase, err)
	}
	s.invalidate(ctx, rec.UserID)
	if !res.Applied {
		s.log.Info("stale write dropped, stored state is newer", "source", source, "user_id", rec.UserID, "last_event_at", rec.LastEventAt)
	}
	return res, nil
}

func (s serviceImpl) addPendingSync(ctx context.Context, userID, customerID, reason string) {
	p, err := s.store.AddPendingSync(ctx, paymentsdb.PendingSync{UserID: userID, StripeCustomerID: customerID, Reason: reason})
	if err != nil {
		s.log.Error("pending sync not recorded", "user_id", userID, "stripe_customer_id", customerID, "err", err)
		return
	}
	s.log.Warn("local_sync_pending", "pending_sync_id", p.ID, "user_id", userID, "stripe_customer_id", customerID)
}

func (s serviceImpl) invalidate(ctx context.Context, userID string) {
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.log.Warn("status cache invalidation failed", "user_id", userID, "err", err)
	}
}

// lookupUser resolves email to a user id. ok is false on a directory miss.
func (s serviceImpl) lookupUser(ctx context.Context, email string) (userID string, ok bool, err error) {
	userID, err = s.dir.LookupUserID(ctx, email)
	if errors.Is(err, directory.ErrUserNotFound) || errors.Is(err, directory.ErrInvalidEmail) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrDirectory, err)
	}
	return userID, true, nil
}

// customerEmail returns the email of c, fetching the customer when only its id was sent.
func (s serviceImpl) customerEmail(ctx context.Context, c *stripe.Customer) (string, error) {
	if c == nil || c.ID == "" {
		return "", nil
	}
	if c.Email != "" {
		return directory.NormalizeEmail(c.Email), nil
	}
	cust, err := s.gw.GetCustomer(ctx, c.ID)
	if err != nil {
		return "", fmt.Errorf("%w: error retrieving customer %s: %v", ErrGateway, c.ID, err)
	}
	return directory.NormalizeEmail(cust.Email), nil
}

type noCache struct{}

func (noCache) Get(context.Context, string) (paymentsdb.PaymentRecord, bool, error) {
	return paymentsdb.PaymentRecord{}, false, nil
}
func (noCache) Set(context.Context, paymentsdb.PaymentRecord) error { return nil }
func (noCache) Invalidate(context.Context, string) error { return nil }
