package paymentsdb_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "github.com/canastacr/payments/api/config"
	database "github.com/canastacr/payments/api/database"
	paymentsdb "github.com/canastacr/payments/api/services/payments/db"
)

const (
	storeTestUser     = "0b7e2f5c-3a3f-4c8e-9a55-1d1c7c9e0a01"
	storeTestUserSub  = "0b7e2f5c-3a3f-4c8e-9a55-1d1c7c9e0a02"
	storeTestCustomer = "cus_store_test"
)

// openTestDB connects to the configured test database and clears this file's rows.
func openTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database integration test in -short mode")
	}
	// Prevent tests from running against production database
	config.CheckNotProdDB()
	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	ctx := context.Background()
	db, err := database.Open(ctx, cfg.DatabaseURL)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(ctx, db))

	cleanup := func() {
		_, _ = db.Exec("DELETE FROM payment_records WHERE user_id IN ($1, $2)", storeTestUser, storeTestUserSub)
		_, _ = db.Exec("DELETE FROM pending_sync WHERE stripe_customer_id = $1 OR user_id IN ($2, $3)", storeTestCustomer, storeTestUser, storeTestUserSub)
	}
	cleanup()
	return db, func() {
		cleanup()
		_ = db.Close()
	}
}

func TestUpsertInsertThenUpdate(t *testing.T) {
	db, cleanup := openTestDB(t)
	defer cleanup()
	store := paymentsdb.NewStore(db)
	ctx := context.Background()

	_, err := store.Get(ctx, storeTestUser)
	assert.ErrorIs(t, err, paymentsdb.ErrRecordNotFound)

	res, err := store.Upsert(ctx, paymentsdb.PaymentRecord{
		UserID:           storeTestUser,
		Status:           paymentsdb.StatusPaid,
		PaymentType:      paymentsdb.PaymentTypeLifetime,
		StripeCustomerID: storeTestCustomer,
		Amount:           4999,
		Currency:         "usd",
	})
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.True(t, res.Applied)

	res, err = store.Upsert(ctx, paymentsdb.PaymentRecord{
		UserID:      storeTestUser,
		Status:      paymentsdb.StatusPaid,
		PaymentType: paymentsdb.PaymentTypeLifetime,
		Amount:      5999,
		Currency:    "usd",
	})
	require.NoError(t, err)
	assert.False(t, res.Inserted)
	assert.True(t, res.Applied)

	rec, err := store.Get(ctx, storeTestUser)
	require.NoError(t, err)
	assert.Equal(t, int64(5999), rec.Amount)
	// customer id is kept when a later write does not carry one
	assert.Equal(t, storeTestCustomer, rec.StripeCustomerID)
	assert.Nil(t, rec.CurrentPeriodEnd)

	byCustomer, err := store.GetByCustomerID(ctx, storeTestCustomer)
	require.NoError(t, err)
	assert.Equal(t, storeTestUser, byCustomer.UserID)
}

func TestUpsertRejectsOlderEvent(t *testing.T) {
	db, cleanup := openTestDB(t)
	defer cleanup()
	store := paymentsdb.NewStore(db)
	ctx := context.Background()

	newer := time.Unix(1700000500, 0).UTC()
	older := time.Unix(1700000000, 0).UTC()
	periodEnd := time.Unix(1702592000, 0).UTC()

	_, err := store.Upsert(ctx, paymentsdb.PaymentRecord{
		UserID: storeTestUserSub, Status: paymentsdb.StatusPaid, PaymentType: paymentsdb.PaymentTypeSubscription,
		StripeSubscriptionID: "sub_new", CurrentPeriodEnd: &periodEnd, LastEventAt: &newer,
	})
	require.NoError(t, err)

	res, err := store.Upsert(ctx, paymentsdb.PaymentRecord{
		UserID: storeTestUserSub, Status: paymentsdb.StatusPending, PaymentType: paymentsdb.PaymentTypeSubscription,
		StripeSubscriptionID: "sub_new", LastEventAt: &older,
	})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	rec, err := store.Get(ctx, storeTestUserSub)
	require.NoError(t, err)
	assert.Equal(t, paymentsdb.StatusPaid, rec.Status)
	require.NotNil(t, rec.CurrentPeriodEnd)
	assert.True(t, periodEnd.Equal(*rec.CurrentPeriodEnd))

	// replaying the same event timestamp is applied again
	res, err = store.Upsert(ctx, paymentsdb.PaymentRecord{
		UserID: storeTestUserSub, Status: paymentsdb.StatusPaid, PaymentType: paymentsdb.PaymentTypeSubscription,
		StripeSubscriptionID: "sub_new", CurrentPeriodEnd: &periodEnd, LastEventAt: &newer,
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

func TestUpsertKeepsCancellationOnEqualTimestamp(t *testing.T) {
	db, cleanup := openTestDB(t)
	defer cleanup()
	store := paymentsdb.NewStore(db)
	ctx := context.Background()

	at := time.Unix(1700000300, 0).UTC()
	_, err := store.Upsert(ctx, paymentsdb.PaymentRecord{
		UserID: storeTestUserSub, Status: paymentsdb.StatusPaid, PaymentType: paymentsdb.PaymentTypeSubscription,
		StripeSubscriptionID: "sub_tie", LastEventAt: &at,
	})
	require.NoError(t, err)
	changed, err := store.MarkCancelled(ctx, storeTestUserSub, at)
	require.NoError(t, err)
	require.True(t, changed)

	res, err := store.Upsert(ctx, paymentsdb.PaymentRecord{
		UserID: storeTestUserSub, Status: paymentsdb.StatusPending, PaymentType: paymentsdb.PaymentTypeSubscription,
		StripeSubscriptionID: "sub_tie", LastEventAt: &at,
	})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	rec, err := store.Get(ctx, storeTestUserSub)
	require.NoError(t, err)
	assert.Equal(t, paymentsdb.StatusCancelled, rec.Status)
}

func TestMarkCancelledOnlyTouchesStatus(t *testing.T) {
	db, cleanup := openTestDB(t)
	defer cleanup()
	store := paymentsdb.NewStore(db)
	ctx := context.Background()

	periodEnd := time.Unix(1702592000, 0).UTC()
	_, err := store.Upsert(ctx, paymentsdb.PaymentRecord{
		UserID: storeTestUserSub, Status: paymentsdb.StatusPaid, PaymentType: paymentsdb.PaymentTypeSubscription,
		StripeCustomerID: storeTestCustomer, StripeSubscriptionID: "sub_1", CurrentPeriodEnd: &periodEnd,
		CancelAtPeriodEnd: true, Amount: 299, Currency: "usd",
	})
	require.NoError(t, err)
	before, err := store.Get(ctx, storeTestUserSub)
	require.NoError(t, err)

	changed, err := store.MarkCancelled(ctx, storeTestUserSub, time.Now())
	require.NoError(t, err)
	assert.True(t, changed)

	after, err := store.Get(ctx, storeTestUserSub)
	require.NoError(t, err)
	assert.Equal(t, paymentsdb.StatusCancelled, after.Status)
	assert.Equal(t, before.PaymentType, after.PaymentType)
	assert.Equal(t, before.StripeCustomerID, after.StripeCustomerID)
	assert.Equal(t, before.StripeSubscriptionID, after.StripeSubscriptionID)
	assert.Equal(t, before.CurrentPeriodEnd, after.CurrentPeriodEnd)
	assert.Equal(t, before.CancelAtPeriodEnd, after.CancelAtPeriodEnd)
	assert.Equal(t, before.Amount, after.Amount)
	assert.Equal(t, before.Currency, after.Currency)

	changed, err = store.MarkCancelled(ctx, storeTestUser, time.Now())
	require.NoError(t, err)
	assert.False(t, changed, "no row exists for this user")
}

func TestPendingSyncLifecycle(t *testing.T) {
	db, cleanup := openTestDB(t)
	defer cleanup()
	store := paymentsdb.NewStore(db)
	ctx := context.Background()

	p, err := store.AddPendingSync(ctx, paymentsdb.PendingSync{StripeCustomerID: storeTestCustomer, Reason: "cancel mirror failed"})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)

	pending, err := store.ListPendingSync(ctx, 1000)
	require.NoError(t, err)
	found := false
	for _, row := range pending {
		if row.ID == p.ID {
			found = true
			assert.Equal(t, storeTestCustomer, row.StripeCustomerID)
		}
	}
	assert.True(t, found)

	require.NoError(t, store.ResolvePendingSync(ctx, p.ID))
	pending, err = store.ListPendingSync(ctx, 1000)
	require.NoError(t, err)
	for _, row := range pending {
		assert.NotEqual(t, p.ID, row.ID)
	}

	_, err = store.AddPendingSync(ctx, paymentsdb.PendingSync{Reason: "nothing to key on"})
	assert.ErrorIs(t, err, paymentsdb.ErrInvalidRecord)
}
