package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	stripe "github.com/stripe/stripe-go/v76"

	paymentsdb "github.com/canastacr/payments/api/services/payments/db"
	"github.com/canastacr/payments/api/services/payments/directory"
	gw "github.com/canastacr/payments/api/services/payments/gateway"
)

var errBoom = errors.New("boom")

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeGateway serves canned Stripe objects from maps.
type fakeGateway struct {
	event        stripe.Event
	constructErr error

	custs       map[string]stripe.Customer
	subs        map[string]stripe.Subscription
	subsByCust  map[string][]stripe.Subscription
	charges     map[string][]stripe.Charge
	failCust    map[string]bool
	panicCust   map[string]bool
	pages       map[string]gw.CustomerPage // keyed by starting_after cursor
	cursors     []string
	cancelled   []string
	cancelErr   error
	getSubCalls int
}

func (f *fakeGateway) ConstructEvent(payload []byte, sig string) (stripe.Event, error) {
	if f.constructErr != nil {
		return stripe.Event{}, f.constructErr
	}
	return f.event, nil
}

func (f *fakeGateway) GetCustomer(ctx context.Context, id string) (stripe.Customer, error) {
	if f.failCust[id] {
		return stripe.Customer{}, errBoom
	}
	if c, ok := f.custs[id]; ok {
		return c, nil
	}
	return stripe.Customer{ID: id}, nil
}

func (f *fakeGateway) FindCustomerByEmail(ctx context.Context, email string) (stripe.Customer, bool, error) {
	for _, c := range f.custs {
		if c.Email == email {
			return c, true, nil
		}
	}
	return stripe.Customer{}, false, nil
}

func (f *fakeGateway) ListCustomers(ctx context.Context, startingAfter string, limit int64) (gw.CustomerPage, error) {
	f.cursors = append(f.cursors, startingAfter)
	page, ok := f.pages[startingAfter]
	if !ok {
		return gw.CustomerPage{}, fmt.Errorf("unexpected cursor %q", startingAfter)
	}
	return page, nil
}

func (f *fakeGateway) GetSubscription(ctx context.Context, id string) (stripe.Subscription, error) {
	f.getSubCalls++
	sub, ok := f.subs[id]
	if !ok {
		return stripe.Subscription{}, fmt.Errorf("no such subscription: %s", id)
	}
	return sub, nil
}

func (f *fakeGateway) ListSubscriptions(ctx context.Context, customerID string) ([]stripe.Subscription, error) {
	if f.panicCust[customerID] {
		panic("unexpected nil")
	}
	if f.failCust[customerID] {
		return nil, errBoom
	}
	return f.subsByCust[customerID], nil
}

func (f *fakeGateway) ListCharges(ctx context.Context, customerID string) ([]stripe.Charge, error) {
	return f.charges[customerID], nil
}

func (f *fakeGateway) CancelAtPeriodEnd(ctx context.Context, id string) (stripe.Subscription, error) {
	if f.cancelErr != nil {
		return stripe.Subscription{}, f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	sub := f.subs[id]
	sub.ID = id
	sub.CancelAtPeriodEnd = true
	return sub, nil
}

// fakeStore mimics the Postgres store, including the last_event_at guard.
type fakeStore struct {
	mu        sync.Mutex
	records   map[string]paymentsdb.PaymentRecord
	pending   []paymentsdb.PendingSync
	upserts   int
	upsertErr error
	mirrorErr error
	cancelErr error
	listErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]paymentsdb.PaymentRecord{}}
}

func (f *fakeStore) Get(ctx context.Context, userID string) (paymentsdb.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[userID]
	if !ok {
		return paymentsdb.PaymentRecord{}, paymentsdb.ErrRecordNotFound
	}
	return rec, nil
}

func (f *fakeStore) GetByCustomerID(ctx context.Context, customerID string) (paymentsdb.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.StripeCustomerID == customerID {
			return rec, nil
		}
	}
	return paymentsdb.PaymentRecord{}, paymentsdb.ErrRecordNotFound
}

func (f *fakeStore) Upsert(ctx context.Context, rec paymentsdb.PaymentRecord) (paymentsdb.UpsertResult, error) {
	if err := rec.Validate(); err != nil {
		return paymentsdb.UpsertResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.upsertErr != nil {
		return paymentsdb.UpsertResult{}, f.upsertErr
	}
	old, exists := f.records[rec.UserID]
	if !exists {
		f.records[rec.UserID] = rec
		return paymentsdb.UpsertResult{Inserted: true, Applied: true}, nil
	}
	if old.LastEventAt != nil && rec.LastEventAt != nil {
		if rec.LastEventAt.Before(*old.LastEventAt) ||
			(rec.LastEventAt.Equal(*old.LastEventAt) && old.Status == paymentsdb.StatusCancelled) {
			return paymentsdb.UpsertResult{}, nil
		}
	}
	if rec.StripeCustomerID == "" {
		rec.StripeCustomerID = old.StripeCustomerID
	}
	if rec.LastEventAt == nil {
		rec.LastEventAt = old.LastEventAt
	}
	f.records[rec.UserID] = rec
	return paymentsdb.UpsertResult{Applied: true}, nil
}

func (f *fakeStore) MarkCancelled(ctx context.Context, userID string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return false, f.cancelErr
	}
	rec, ok := f.records[userID]
	if !ok || (rec.LastEventAt != nil && rec.LastEventAt.After(at)) {
		return false, nil
	}
	rec.Status = paymentsdb.StatusCancelled
	rec.LastEventAt = &at
	f.records[userID] = rec
	return true, nil
}

func (f *fakeStore) MirrorCancellation(ctx context.Context, userID string, cancel bool, periodEnd *time.Time, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mirrorErr != nil {
		return f.mirrorErr
	}
	rec, ok := f.records[userID]
	if !ok {
		return paymentsdb.ErrRecordNotFound
	}
	rec.CancelAtPeriodEnd = cancel
	if periodEnd != nil {
		rec.CurrentPeriodEnd = periodEnd
	}
	f.records[userID] = rec
	return nil
}

func (f *fakeStore) AddPendingSync(ctx context.Context, p paymentsdb.PendingSync) (paymentsdb.PendingSync, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ID = fmt.Sprintf("pending-%d", len(f.pending)+1)
	p.CreatedAt = fixedNow
	f.pending = append(f.pending, p)
	return p, nil
}

func (f *fakeStore) ListPendingSync(ctx context.Context, limit int) ([]paymentsdb.PendingSync, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []paymentsdb.PendingSync
	for _, p := range f.pending {
		if p.ResolvedAt == nil && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) ResolvePendingSync(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.pending {
		if f.pending[i].ID == id {
			at := fixedNow
			f.pending[i].ResolvedAt = &at
		}
	}
	return nil
}

// fakeDirectory maps normalized emails to user ids.
type fakeDirectory struct {
	users   map[string]string
	created []string
	failFor map[string]bool
}

func (f *fakeDirectory) LookupUserID(ctx context.Context, email string) (string, error) {
	email = directory.NormalizeEmail(email)
	if f.failFor[email] {
		return "", errBoom
	}
	id, ok := f.users[email]
	if !ok {
		return "", directory.ErrUserNotFound
	}
	return id, nil
}

func (f *fakeDirectory) LookupOrCreate(ctx context.Context, email string) (string, bool, error) {
	id, err := f.LookupUserID(ctx, email)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, directory.ErrUserNotFound) {
		return "", false, err
	}
	id = fmt.Sprintf("00000000-0000-4000-8000-%012d", len(f.created)+1)
	if f.users == nil {
		f.users = map[string]string{}
	}
	f.users[directory.NormalizeEmail(email)] = id
	f.created = append(f.created, email)
	return id, true, nil
}

// fakeCache records invalidations.
type fakeCache struct {
	entries     map[string]paymentsdb.PaymentRecord
	invalidated []string
}

func (f *fakeCache) Get(ctx context.Context, userID string) (paymentsdb.PaymentRecord, bool, error) {
	rec, ok := f.entries[userID]
	return rec, ok, nil
}

func (f *fakeCache) Set(ctx context.Context, rec paymentsdb.PaymentRecord) error {
	if f.entries == nil {
		f.entries = map[string]paymentsdb.PaymentRecord{}
	}
	f.entries[rec.UserID] = rec
	return nil
}

func (f *fakeCache) Invalidate(ctx context.Context, userID string) error {
	delete(f.entries, userID)
	f.invalidated = append(f.invalidated, userID)
	return nil
}

const (
	anaID   = "3c0f9a77-2b61-4f0e-8d0a-7c3e5b1a9e42"
	anaMail = "ana@example.com"
	boID    = "9b1d3c55-7e2a-4c8f-a6b4-2d5e8f0a1c37"
	boMail  = "bo@example.com"
)

type harness struct {
	gw    *fakeGateway
	store *fakeStore
	dir   *fakeDirectory
	cache *fakeCache
	svc   Service
}

func newHarness() harness {
	h := harness{
		gw: &fakeGateway{
			custs: map[string]stripe.Customer{
				"cus_ana": {ID: "cus_ana", Email: "Ana@Example.com"},
				"cus_bo":  {ID: "cus_bo", Email: boMail},
			},
			subs:       map[string]stripe.Subscription{},
			subsByCust: map[string][]stripe.Subscription{},
			charges:    map[string][]stripe.Charge{},
		},
		store: newFakeStore(),
		dir:   &fakeDirectory{users: map[string]string{anaMail: anaID, boMail: boID}},
		cache: &fakeCache{},
	}
	h.svc = NewService(Deps{
		Gateway:   h.gw,
		Store:     h.store,
		Directory: h.dir,
		Cache:     h.cache,
		Logger:    quietLogger(),
		Now:       func() time.Time { return fixedNow },
	})
	return h
}

// event decodes a webhook envelope the way Stripe delivers it.
func event(typ string, created int64, object string) stripe.Event {
	var evt stripe.Event
	envelope := fmt.Sprintf(`{"id":"evt_%d","object":"event","type":%q,"created":%d,"data":{"object":%s}}`, created, typ, created, object)
	if err := json.Unmarshal([]byte(envelope), &evt); err != nil {
		panic(err)
	}
	return evt
}
