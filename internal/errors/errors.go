// Package errors holds the error vocabulary shared across the settlement
// pipeline: sentinel errors the services and reconciler branch on, and the
// RFC 7807 problem documents the HTTP surface renders.
package errors

import "errors"

// Sentinels returned by the ledger and registry layers. Callers test them
// with errors.Is after wrapping.
var (
	// ErrIntentNotPending rejects settlement of an intent that already
	// reached a terminal state. Webhook retries land here.
	ErrIntentNotPending = errors.New("intent is not pending")

	// ErrNotRefundable rejects refunds of intents that never fulfilled.
	ErrNotRefundable = errors.New("intent is not refundable")

	// ErrSignatureMismatch marks a webhook whose HMAC did not verify.
	ErrSignatureMismatch = errors.New("signature mismatch")
)
