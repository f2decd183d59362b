// Package main provides the entry point for tokenvault-sweeper.
//
// The sweeper is the TokenVault maintenance process. It removes
// expired sessions, inactive sessions, and expired reset tokens from
// the configured backend in paced batches, and optionally exposes
// Prometheus metrics.
//
// Usage:
//
//	tokenvault-sweeper run --config /path/to/tokenvault.yaml
//	tokenvault-sweeper once --config /path/to/tokenvault.yaml
//	tokenvault-sweeper stats --config /path/to/tokenvault.yaml
//
// The run command loops on the configured interval until SIGINT or
// SIGTERM; once performs a single pass and exits; stats prints the
// store summary as JSON.
package main
