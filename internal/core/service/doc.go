// Package service provides the domain services for TokenVault.
//
// SessionService and ResetTokenService sit between the transport
// surface and the storage backends. They own liveness policy: the
// repositories report what is physically present, the services decide
// whether a record still counts. All validation, logging and metrics
// happen here so backends stay interchangeable.
package service
