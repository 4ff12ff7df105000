// Package pkg provides shared utilities for the softeth USB Ethernet gadget.
//
// This package contains common functionality used across the function
// driver, the controller HAL, and the network-device layer, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for USB protocol and lifecycle errors
//   - Transfer completion status codes
//   - Component identifiers for log filtering
//
// The package is designed to have zero external dependencies, relying
// only on the Go standard library.
//
// # Logging
//
// The logging subsystem wraps [log/slog] with USB-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentECM, "configuration activated", "config", 1)
//
// # Errors
//
// Common errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrShutdown) {
//	    // Endpoint disabled while the transfer was in flight
//	}
package pkg
