// Package cdcecm implements a CDC-ECM (Ethernet Control Model) USB device
// function: an Ethernet adapter a USB host enumerates and exchanges frames
// with over a bulk endpoint pair.
//
// A [Driver] faces two ways. Toward the USB device controller it is a
// [hal.Function]: it binds endpoints, serves descriptors and control
// requests, and owns one read and one write transfer request. Toward the
// network stack it is a [netdev.Driver] attached to a [netdev.Device]. The
// two sides never call each other directly; endpoint completion callbacks
// only record an indication and schedule deferred work, and all stack
// input, polling and buffer copying happens on a [work.Queue] under the
// stack lock.
//
// The function exposes a single configuration with two interfaces: a
// communication interface carrying the class-specific functional
// descriptors and an interrupt-IN notification endpoint, and a data
// interface whose active alternate setting carries the bulk pair.
// Descriptors are produced by one table-driven walk used both to measure
// (nil buffer) and to fill, so the advertised and written lengths cannot
// diverge.
//
// A driver runs standalone, owning the whole device, or as one function of
// a composite device when [Config].Composite is set; composite mode routes
// EP0 replies through the parent and withholds the device-level
// descriptors and strings.
package cdcecm
