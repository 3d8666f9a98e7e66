// Package directory bridges provider emails to Supabase Auth user ids.
//
// Emails are the join key between Stripe and Supabase. Every call site goes through
// NormalizeEmail so that lookups and creations agree on case and whitespace.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	gotrue "github.com/supabase-community/gotrue-go"
	"github.com/supabase-community/gotrue-go/types"
	supabase "github.com/the-muppet/supabase-go"
)

var (
	// ErrUserNotFound is returned when no auth user has the given email.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidEmail is returned for empty emails after normalization.
	ErrInvalidEmail = errors.New("invalid email")
)

const lookupRPC = "get_user_id_by_email"

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Client resolves and creates Supabase users with the service role key. Lookups go
// through PostgREST, creation through the GoTrue admin API.
type Client struct {
	db    *supabase.Client
	admin gotrue.Client
}

// New returns a directory client for the Supabase project at baseURL.
func New(baseURL, serviceRoleKey string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		db: supabase.CreateClient(baseURL, serviceRoleKey),
		admin: gotrue.New("", serviceRoleKey).
			WithCustomGoTrueURL(baseURL + "/auth/v1").
			WithToken(serviceRoleKey),
	}
}

// LookupUserID resolves an email through the get_user_id_by_email RPC.
func (c *Client) LookupUserID(ctx context.Context, email string) (string, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return "", ErrInvalidEmail
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// The RPC returns a bare JSON string or null.
	var id *string
	if err := c.db.DB.Rpc(lookupRPC, map[string]any{"user_email": email}).Execute(&id); err != nil {
		return "", fmt.Errorf("%s: %w", lookupRPC, err)
	}
	if id == nil || *id == "" {
		return "", ErrUserNotFound
	}
	if _, err := uuid.Parse(*id); err != nil {
		return "", fmt.Errorf("%s: returned non-uuid id %q", lookupRPC, *id)
	}
	return *id, nil
}

// CreateUser creates a pre-verified auth user for a paying provider customer.
func (c *Client) CreateUser(ctx context.Context, email string) (string, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return "", ErrInvalidEmail
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	resp, err := c.admin.AdminCreateUser(types.AdminCreateUserRequest{
		Email:        email,
		EmailConfirm: true,
		AppMetadata:  map[string]interface{}{"created_by": "stripe-sync"},
	})
	if err != nil {
		return "", fmt.Errorf("create user: %w", err)
	}
	if resp == nil || resp.ID == uuid.Nil {
		return "", errors.New("create user: response without id")
	}
	return resp.ID.String(), nil
}

// LookupOrCreate returns the user id for email, creating the user when none exists.
// created reports whether a new auth user was made.
func (c *Client) LookupOrCreate(ctx context.Context, email string) (id string, created bool, err error) {
	id, err = c.LookupUserID(ctx, email)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return "", false, err
	}
	id, err = c.CreateUser(ctx, email)
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}
