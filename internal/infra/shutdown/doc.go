// Package shutdown provides graceful shutdown for TokenVault.
//
// This package handles process termination:
//
//   - Signal handling (SIGINT, SIGTERM)
//   - Timeout-based forced shutdown
//   - Cleanup hook registration, executed in reverse order
//   - Programmatic triggering for non-signal exits
package shutdown
