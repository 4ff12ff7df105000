// Package loopback provides an in-process software USB bus.
//
// [New] returns a [Controller] that implements [hal.Controller] with no
// hardware or transport underneath. A function driver registers against it
// exactly as it would against a real controller, while the paired [Host]
// drives the other end of the bus from the same process: issuing SETUP
// packets, writing OUT data, and collecting IN data.
//
// Transfer requests complete synchronously on the goroutine that triggered
// them. Submit on an IN endpoint completes after copying the payload into
// the host-facing queue; a host write completes a pending OUT request
// before WriteOut returns. The controller starts no goroutines of its own,
// which keeps tests deterministic.
//
// The package exists for tests and examples. It models a single device on
// a single port, with queue depths generous enough that a function driver
// never observes flow control unless a test arranges it.
package loopback
