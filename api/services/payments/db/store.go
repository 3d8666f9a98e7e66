package paymentsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DBTX is the subset of database/sql used by the store.
// Both *sql.DB and *sql.Tx satisfy this interface.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists payment records and pending-sync rows in Postgres.
type Store struct {
	db DBTX
}

// NewStore returns a Store backed by db.
func NewStore(db DBTX) *Store { return &Store{db: db} }

const recordColumns = `user_id, status, payment_type, stripe_customer_id, stripe_subscription_id,
	current_period_end, cancel_at_period_end, amount, currency, last_event_at, created_at, updated_at`

// Get returns the payment record of userID or ErrRecordNotFound.
func (s *Store) Get(ctx context.Context, userID string) (PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM payment_records WHERE user_id = $1`, userID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PaymentRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return PaymentRecord{}, fmt.Errorf("db error: %w", err)
	}
	return rec, nil
}

// GetByCustomerID returns the record linked to a Stripe customer or ErrRecordNotFound.
func (s *Store) GetByCustomerID(ctx context.Context, customerID string) (PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM payment_records
		WHERE stripe_customer_id = $1 ORDER BY updated_at DESC LIMIT 1`, customerID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PaymentRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return PaymentRecord{}, fmt.Errorf("db error: %w", err)
	}
	return rec, nil
}

// Upsert inserts or overwrites the record keyed by user id. When both the stored row and rec
// carry a LastEventAt, the write only applies if rec is not older than the stored state.
// On equal timestamps a stored cancellation is kept.
func (s *Store) Upsert(ctx context.Context, rec PaymentRecord) (UpsertResult, error) {
	if err := rec.Validate(); err != nil {
		return UpsertResult{}, err
	}
	query := `
		INSERT INTO payment_records (user_id, status, payment_type, stripe_customer_id, stripe_subscription_id,
			current_period_end, cancel_at_period_end, amount, currency, last_event_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		ON CONFLICT (user_id) DO UPDATE SET
			status = EXCLUDED.status,
			payment_type = EXCLUDED.payment_type,
			stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, payment_records.stripe_customer_id),
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			last_event_at = COALESCE(EXCLUDED.last_event_at, payment_records.last_event_at),
			updated_at = now()
		WHERE payment_records.last_event_at IS NULL
			OR EXCLUDED.last_event_at IS NULL
			OR EXCLUDED.last_event_at > payment_records.last_event_at
			OR (EXCLUDED.last_event_at = payment_records.last_event_at AND payment_records.status <> 'cancelled')
		RETURNING (xmax = 0) AS inserted`

	var inserted bool
	err := s.db.QueryRowContext(ctx, query,
		rec.UserID,
		string(rec.Status),
		string(rec.PaymentType),
		nullString(rec.StripeCustomerID),
		nullString(rec.StripeSubscriptionID),
		nullTime(rec.CurrentPeriodEnd),
		rec.CancelAtPeriodEnd,
		rec.Amount,
		rec.Currency,
		nullTime(rec.LastEventAt),
	).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		// the conflict WHERE clause filtered the update out
		return UpsertResult{Applied: false}, nil
	}
	if err != nil {
		return UpsertResult{}, fmt.Errorf("db error: %w", err)
	}
	return UpsertResult{Inserted: inserted, Applied: true}, nil
}

// MarkCancelled sets status to cancelled and leaves every other domain field untouched.
// It reports false when no row was changed (no record, or a newer state is stored).
func (s *Store) MarkCancelled(ctx context.Context, userID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_records
		SET status = $2, last_event_at = $3, updated_at = now()
		WHERE user_id = $1 AND (last_event_at IS NULL OR last_event_at <= $3)`,
		userID, string(StatusCancelled), at.UTC())
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n > 0, nil
}

// MirrorCancellation records a cancel-at-period-end request confirmed by the provider.
// A nil periodEnd keeps the stored period end.
func (s *Store) MirrorCancellation(ctx context.Context, userID string, cancelAtPeriodEnd bool, periodEnd *time.Time, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_records
		SET cancel_at_period_end = $2,
			current_period_end = COALESCE($3, current_period_end),
			last_event_at = GREATEST(COALESCE(last_event_at, $4), $4),
			updated_at = now()
		WHERE user_id = $1`,
		userID, cancelAtPeriodEnd, nullTime(periodEnd), at.UTC())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// AddPendingSync appends an outbox row and returns it with its generated id.
func (s *Store) AddPendingSync(ctx context.Context, p PendingSync) (PendingSync, error) {
	if p.UserID == "" && p.StripeCustomerID == "" {
		return PendingSync{}, fmt.Errorf("%w: pending sync needs a user id or customer id", ErrInvalidRecord)
	}
	p.ID = uuid.NewString()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO pending_sync (id, user_id, stripe_customer_id, reason)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		p.ID, nullString(p.UserID), nullString(p.StripeCustomerID), p.Reason,
	).Scan(&p.CreatedAt)
	if err != nil {
		return PendingSync{}, fmt.Errorf("db error: %w", err)
	}
	return p, nil
}

// ListPendingSync returns up to limit unresolved rows, oldest first.
func (s *Store) ListPendingSync(ctx context.Context, limit int) ([]PendingSync, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, stripe_customer_id, reason, created_at
		FROM pending_sync
		WHERE resolved_at IS NULL
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []PendingSync
	for rows.Next() {
		var p PendingSync
		var userID, customerID sql.NullString
		if err := rows.Scan(&p.ID, &userID, &customerID, &p.Reason, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		p.UserID = userID.String
		p.StripeCustomerID = customerID.String
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

// ResolvePendingSync marks an outbox row as handled.
func (s *Store) ResolvePendingSync(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pending_sync SET resolved_at = now() WHERE id = $1 AND resolved_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func scanRecord(row *sql.Row) (PaymentRecord, error) {
	var rec PaymentRecord
	var status, paymentType string
	var customerID, subscriptionID sql.NullString
	var periodEnd, lastEventAt sql.NullTime
	err := row.Scan(
		&rec.UserID,
		&status,
		&paymentType,
		&customerID,
		&subscriptionID,
		&periodEnd,
		&rec.CancelAtPeriodEnd,
		&rec.Amount,
		&rec.Currency,
		&lastEventAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return PaymentRecord{}, err
	}
	rec.Status = PaymentStatus(status)
	rec.PaymentType = PaymentType(paymentType)
	rec.StripeCustomerID = customerID.String
	rec.StripeSubscriptionID = subscriptionID.String
	if periodEnd.Valid {
		t := periodEnd.Time.UTC()
		rec.CurrentPeriodEnd = &t
	}
	if lastEventAt.Valid {
		t := lastEventAt.Time.UTC()
		rec.LastEventAt = &t
	}
	return rec, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
