package app

import "errors"

// Typed errors for the payments app layer. These enable HTTP mapping without
// relying on SDK-specific error types at the transport layer.
var (
	// ErrBadEvent indicates the incoming event payload is invalid or missing required fields.
	ErrBadEvent = errors.New("bad event")
	// ErrDatabase indicates a database-related failure.
	ErrDatabase = errors.New("database error")
	// ErrGateway indicates a failure from the Stripe gateway / API calls.
	ErrGateway = errors.New("gateway error")
	// ErrDirectory indicates a failure from the Supabase user directory.
	ErrDirectory = errors.New("directory error")

	ErrInvalidInput        = errors.New("invalid input")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrWrongPaymentType    = errors.New("payment is not a subscription")
	ErrMissingSubscription = errors.New("no subscription id on record")
)
