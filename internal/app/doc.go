// Package app provides application initialization and lifecycle management
// for the keymint engine. It wires configuration, observability, the store,
// the settlement services and the HTTP transport together and owns their
// startup and shutdown order.
//
// # Initialization Flow
//
// The typical initialization sequence:
//
//	1. Load configuration from environment and files
//	2. Initialize logging and OpenTelemetry
//	3. Open the persistence store
//	4. Build the component graph bottom-up (ledger, registry, guard,
//	   fulfillment, monitors, reconciler, sweeper)
//	5. Set up HTTP handlers and middleware
//	6. Configure the HTTP server
//
// # Startup Recovery
//
// Before the server accepts traffic, Start re-arms a chain monitor for
// every crypto payment that was still pending when the previous process
// exited, and runs one backstop maintenance sweep. A process restart
// therefore never strands a paying customer.
//
// # Graceful Shutdown
//
// The package handles SIGINT and SIGTERM to ensure:
//
//	- Active requests are completed
//	- The sweeper and chain monitors stop cleanly
//	- WebSocket connections are closed
//	- Final telemetry is flushed and the store is closed
//
// # Error Handling
//
// All initialization errors are returned to the caller for proper
// handling. The app does not call os.Exit() directly, allowing the main
// function to control the exit process.
package app
