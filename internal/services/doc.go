// Package services implements the business operations of the payment
// fulfillment engine. It sits between the HTTP transport and the domain
// components (ledger, registry, guard, rates) so that handlers stay thin
// and the purchase, fulfillment, and license flows stay testable in
// isolation.
//
// Services follow these conventions:
//
//	1. Dependencies are injected through constructors
//	2. Context propagation on every operation
//	3. Notification and event-hub failures are logged, never propagated
//	4. License keys are masked everywhere except user delivery
package services
