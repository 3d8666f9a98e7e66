package stripegw

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v76"
	stripeclient "github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	gw "github.com/canastacr/payments/api/services/payments/gateway"
)

// client is the Stripe SDK-backed implementation of the gateway.
type client struct {
	api           *stripeclient.API
	webhookSecret string
}

// New returns a StripeGateway backed by the official Stripe SDK.
func New(secretKey, webhookSecret string) gw.StripeGateway {
	return client{api: stripeclient.New(secretKey, nil), webhookSecret: webhookSecret}
}

func (c client) ConstructEvent(payload []byte, signatureHeader string) (stripe.Event, error) {
	// Events are decoded field by field into SDK types, so the account API version
	// does not need to match the SDK pin.
	return webhook.ConstructEventWithOptions(payload, signatureHeader, c.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
}

func (c client) GetCustomer(ctx context.Context, id string) (stripe.Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	cust, err := c.api.Customers.Get(id, params)
	if err != nil {
		return stripe.Customer{}, err
	}
	if cust == nil {
		return stripe.Customer{}, nil
	}
	return *cust, nil
}

func (c client) FindCustomerByEmail(ctx context.Context, email string) (stripe.Customer, bool, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)
	params.Single = true
	it := c.api.Customers.List(params)
	for it.Next() {
		if cust := it.Customer(); cust != nil {
			return *cust, true, nil
		}
	}
	if err := it.Err(); err != nil {
		return stripe.Customer{}, false, err
	}
	return stripe.Customer{}, false, nil
}

func (c client) ListCustomers(ctx context.Context, startingAfter string, limit int64) (gw.CustomerPage, error) {
	params := &stripe.CustomerListParams{}
	params.Context = ctx
	params.Limit = stripe.Int64(limit)
	params.Single = true
	if startingAfter != "" {
		params.StartingAfter = stripe.String(startingAfter)
	}
	it := c.api.Customers.List(params)
	var page gw.CustomerPage
	for it.Next() {
		if cust := it.Customer(); cust != nil {
			page.Customers = append(page.Customers, *cust)
		}
	}
	if err := it.Err(); err != nil {
		return gw.CustomerPage{}, fmt.Errorf("listing customers after %q: %w", startingAfter, err)
	}
	if list := it.CustomerList(); list != nil {
		page.HasMore = list.HasMore
	}
	return page, nil
}

func (c client) GetSubscription(ctx context.Context, id string) (stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Get(id, params)
	if err != nil {
		return stripe.Subscription{}, err
	}
	if sub == nil {
		return stripe.Subscription{}, nil
	}
	return *sub, nil
}

func (c client) ListSubscriptions(ctx context.Context, customerID string) ([]stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	it := c.api.Subscriptions.List(params)
	var subs []stripe.Subscription
	for it.Next() {
		if sub := it.Subscription(); sub != nil {
			subs = append(subs, *sub)
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return subs, nil
}

func (c client) ListCharges(ctx context.Context, customerID string) ([]stripe.Charge, error) {
	params := &stripe.ChargeListParams{Customer: stripe.String(customerID)}
	params.Context = ctx
	it := c.api.Charges.List(params)
	var charges []stripe.Charge
	for it.Next() {
		if ch := it.Charge(); ch != nil {
			charges = append(charges, *ch)
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return charges, nil
}

func (c client) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return stripe.Subscription{}, err
	}
	if sub == nil {
		return stripe.Subscription{}, nil
	}
	return *sub, nil
}
