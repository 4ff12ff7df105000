// Package hal defines the contract between USB function drivers and the
// device-controller hardware they run on.
//
// The controller side implements [Controller] and [Endpoint]; function
// drivers such as [github.com/ardnew/softeth/usb/class/cdcecm] implement
// [Function]. All data movement is asynchronous: the function submits a
// [Request] and the controller completes it exactly once through the
// request's callback, on whatever goroutine the controller uses for
// completions.
//
// # Completion Contract
//
// The callback discipline is the load-bearing part of the interface:
//
//   - Submit returning an error means the request was not accepted and its
//     callback will never run.
//   - Submit returning nil means the callback runs exactly once. It may run
//     before Submit returns.
//   - Disable forces every in-flight request on that endpoint to complete
//     with [github.com/ardnew/softeth/pkg.TransferStatusShutdown] before
//     Disable returns.
//
// Functions must treat the callback goroutine like an interrupt handler:
// no blocking, no long work. Defer anything substantial to a
// [github.com/ardnew/softeth/work.Queue].
//
// # Implementing a Controller
//
// To implement a controller for a new platform:
//
//  1. Create endpoint handles implementing [Endpoint]
//  2. Deliver SETUP packets to the registered [Function] via Setup
//  3. Complete requests exactly once, with status and transferred count set
//  4. Honor the Disable-forces-shutdown-completions rule
//
// An in-process controller for tests and examples is available in
// [github.com/ardnew/softeth/usb/hal/loopback].
package hal
