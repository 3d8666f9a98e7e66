package paymentsdb

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the entitlement state stored on a payment record. Provider subscription
// statuses that do not map to one of the constants below are stored verbatim.
type PaymentStatus string

// PaymentType distinguishes recurring subscriptions from one-time lifetime purchases.
type PaymentType string

const (
	StatusNone      PaymentStatus = "none"
	StatusPending   PaymentStatus = "pending"
	StatusPaid      PaymentStatus = "paid"
	StatusCancelled PaymentStatus = "cancelled"
)

const (
	PaymentTypeSubscription PaymentType = "subscription"
	PaymentTypeLifetime     PaymentType = "lifetime"
)

var (
	// ErrRecordNotFound is returned when no payment record exists for a user.
	ErrRecordNotFound = errors.New("payment record not found")
	// ErrInvalidRecord is returned when a record violates the table invariants.
	ErrInvalidRecord = errors.New("invalid payment record")
)

// PaymentRecord is the single per-user row tracking entitlement state.
// Empty strings stand for NULL provider identifiers.
type PaymentRecord struct {
	UserID               string        `json:"user_id"`
	Status               PaymentStatus `json:"status"`
	PaymentType          PaymentType   `json:"payment_type"`
	StripeCustomerID     string        `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string        `json:"stripe_subscription_id,omitempty"`
	CurrentPeriodEnd     *time.Time    `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool          `json:"cancel_at_period_end"`
	Amount               int64         `json:"amount"`
	Currency             string        `json:"currency"`
	// LastEventAt is the provider time of the write that produced this state.
	// Writes carrying an older timestamp are not applied.
	LastEventAt *time.Time `json:"last_event_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsPaid reports whether the record grants access to protected content.
func (r PaymentRecord) IsPaid() bool { return r.Status == StatusPaid }

// Validate checks the invariants enforced before every write.
func (r PaymentRecord) Validate() error {
	if _, err := uuid.Parse(r.UserID); err != nil {
		return fmt.Errorf("%w: user id %q is not a uuid", ErrInvalidRecord, r.UserID)
	}
	if r.Status == "" {
		return fmt.Errorf("%w: status is required", ErrInvalidRecord)
	}
	switch r.PaymentType {
	case PaymentTypeSubscription:
		if r.StripeSubscriptionID == "" {
			return fmt.Errorf("%w: subscription record requires a subscription id", ErrInvalidRecord)
		}
	case PaymentTypeLifetime:
	default:
		return fmt.Errorf("%w: unknown payment type %q", ErrInvalidRecord, r.PaymentType)
	}
	return nil
}

// UpsertResult describes what an upsert did.
type UpsertResult struct {
	// Inserted is true when the row did not exist before.
	Inserted bool
	// Applied is false when the write was dropped because the stored state is newer.
	Applied bool
}

// PendingSync marks a user or provider customer whose local state may lag the provider.
type PendingSync struct {
	ID               string
	UserID           string
	StripeCustomerID string
	Reason           string
	CreatedAt        time.Time
	ResolvedAt       *time.Time
}
