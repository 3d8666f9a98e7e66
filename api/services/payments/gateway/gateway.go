package gateway

//go:generate mockgen -destination=mock/mock_gateway.go -package=mock_gateway . StripeGateway

import (
	"context"

	stripe "github.com/stripe/stripe-go/v76"
)

// CustomerPage is one page of the provider customer listing.
type CustomerPage struct {
	Customers []stripe.Customer
	HasMore   bool
}

// StripeGateway abstracts Stripe SDK operations needed by the app layer.
// Methods return values (not pointers) to keep SDK pointer types out of the domain.
type StripeGateway interface {
	// ConstructEvent verifies the Stripe-Signature header and decodes the event.
	ConstructEvent(payload []byte, signatureHeader string) (stripe.Event, error)
	GetCustomer(ctx context.Context, id string) (stripe.Customer, error)
	// FindCustomerByEmail returns the most recently created customer with email.
	FindCustomerByEmail(ctx context.Context, email string) (stripe.Customer, bool, error)
	// ListCustomers fetches a single page starting after the given customer id.
	ListCustomers(ctx context.Context, startingAfter string, limit int64) (CustomerPage, error)
	GetSubscription(ctx context.Context, id string) (stripe.Subscription, error)
	ListSubscriptions(ctx context.Context, customerID string) ([]stripe.Subscription, error)
	ListCharges(ctx context.Context, customerID string) ([]stripe.Charge, error)
	// CancelAtPeriodEnd flags the subscription to end with its current period.
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (stripe.Subscription, error)
}
