// Package sweeper drives the background cleanup of expired sessions,
// inactive sessions, and expired reset tokens.
//
// The sweeper runs the service-level cleanup passes on a fixed
// interval, refreshes the tracked/live gauges after each pass, and
// optionally exposes the Prometheus registry over HTTP. It owns the
// storage backend selected by the configuration and closes it on
// shutdown.
package sweeper
