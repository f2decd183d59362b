// Package domain defines the core domain models for TokenVault.
//
// Domain models are pure value objects without IO dependencies or
// framework coupling. Two record kinds share one structural template:
// Session (interactive user sessions) and ResetToken (single-use
// password reset tokens). Both are keyed by an opaque bearer token.
package domain
