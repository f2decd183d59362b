// Package logger provides structured logging for TokenVault.
//
// This package wraps log/slog for structured JSON logging:
//
//   - logger.go: Logger configuration and initialization
//   - context.go: Context-aware logging with request IDs
//   - redact.go: Sensitive data redaction
//
// Features:
//
//   - JSON and text output formats
//   - Dynamic log level adjustment
//   - Automatic masking of bearer token values
//   - Context propagation for request tracing
package logger
