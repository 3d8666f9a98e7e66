package app

import (
	"time"

	paymentsdb "github.com/canastacr/payments/api/services/payments/db"
)

// TimestampLayout is the UTC millisecond layout used for timestamps in API responses,
// e.g. 2023-11-14T22:13:20.000Z.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t with TimestampLayout. A nil t yields nil.
func FormatTimestamp(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(TimestampLayout)
	return &s
}

// CancelResult is the outcome of a cancel-at-period-end request.
// The HTTP layer translates it into JSON.
type CancelResult struct {
	Message           string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
	// LocalSyncPending is set when Stripe accepted the cancellation but the local
	// record could not be updated. Warning then carries a human readable message.
	LocalSyncPending bool
	Warning          string
}

// PaymentStatus is the read model served to the access gate.
type PaymentStatus struct {
	UserID            string
	Status            paymentsdb.PaymentStatus
	PaymentType       paymentsdb.PaymentType
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
}

// Paid reports whether the user may access protected content.
func (p PaymentStatus) Paid() bool { return p.Status == paymentsdb.StatusPaid }

// ReconcileOptions tunes a reconciliation run.
type ReconcileOptions struct {
	// PageSize is the number of Stripe customers fetched per request (1..100).
	PageSize int64
}

// ReconcileReport counts what a reconciliation run did.
type ReconcileReport struct {
	CustomersScanned   int `json:"customers_scanned"`
	SubscriptionsFound int `json:"subscriptions_found"`
	UsersCreated       int `json:"users_created"`
	RecordsCreated     int `json:"records_created"`
	RecordsUpdated     int `json:"records_updated"`
	Skipped            int `json:"skipped"`
	PendingResolved    int `json:"pending_resolved"`
	Errors             int `json:"errors"`
}
