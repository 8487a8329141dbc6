// Package http implements the HTTP handlers for the keymint payment
// fulfillment engine. It is a thin layer between transport and business
// logic: handlers parse and validate requests, call the service layer,
// and shape the response.
//
// # Handler Conventions
//
//	1. Thin handlers - minimal logic, delegate to services
//	2. HTTP-only concerns - request parsing, response formatting
//	3. Error transformation - service errors become RFC 7807 problems
//	4. Consistent patterns - validator/v10 on request binding, render
//	   for responses, otel spans on every operation
//
// # Surfaces
//
// Three route groups with different trust levels share this package:
//
//	/webhook/payments   - provider-facing, HMAC-authenticated raw body
//	/api/...            - public storefront and desktop-app endpoints
//	/api/admin/...      - operator endpoints behind JWT auth middleware
//
// Response codes follow a fixed contract: unknown license keys are 404,
// known-but-invalid keys answer 200 with valid=false, anti-abuse
// denials are 403/409/429 problem documents, and webhook deliveries are
// acknowledged 200 whenever retrying cannot change the outcome.
package http
