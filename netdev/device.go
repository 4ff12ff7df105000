// Package netdev defines the network-device boundary between link-layer
// drivers and the network stack that runs above them.
//
// A [Device] is the shared record both sides work on: the driver fills its
// frame buffer on receive and drains it on transmit, while the stack parses
// and produces frames in place. Buffer and length fields are protected by
// the owning [Stack]'s lock; drivers touch them only between Lock and
// Unlock. The up/running flags and the counters are safe for concurrent
// use on their own.
//
// Drivers expose their link-control capabilities through the [Driver]
// interface, and stacks implement [Stack]. A minimal stack for tests and
// examples lives in [github.com/ardnew/softeth/netdev/ministack].
package netdev

import (
	"sync/atomic"
)

// Driver is the capability contract a link-layer driver exposes to the
// network stack.
//
// InterfaceUp and InterfaceDown follow administrative state changes.
// TxAvailable tells the driver new outgoing frames await collection via
// [Stack.Poll]; it must be cheap and non-blocking. The multicast calls
// adjust hardware filtering where supported. Ioctl covers device-private
// controls.
type Driver interface {
	InterfaceUp(dev *Device) error
	InterfaceDown(dev *Device) error
	TxAvailable(dev *Device) error
	AddMulticast(dev *Device, addr [6]byte) error
	RemoveMulticast(dev *Device, addr [6]byte) error
	Ioctl(dev *Device, cmd int, arg any) error
}

// Device is a registered network interface.
//
// Buf is the frame staging buffer, sized at least MaxFrameSize+GuardSize.
// Len is the length of the frame currently staged in Buf: the driver sets
// it before handing a received frame to the stack, and the stack sets it
// when it leaves an outgoing frame for the driver (zero means none).
type Device struct {
	Name   string
	HWAddr [6]byte
	Buf    []byte
	Len    int
	Driver Driver

	Stats Stats

	up      atomic.Bool
	running atomic.Bool
}

// SetUp records the administrative up/down state.
func (d *Device) SetUp(up bool) {
	d.up.Store(up)
}

// IsUp reports whether the interface is administratively up.
func (d *Device) IsUp() bool {
	return d.up.Load()
}

// SetRunning records the carrier state.
func (d *Device) SetRunning(running bool) {
	d.running.Store(running)
}

// IsRunning reports whether the carrier is active.
func (d *Device) IsRunning() bool {
	return d.running.Load()
}

// Stats holds per-device packet counters. All counters are safe for
// concurrent update.
type Stats struct {
	TxPackets atomic.Uint64 // frames submitted for transmission
	TxDone    atomic.Uint64 // transmit completions
	RxIPv4    atomic.Uint64 // received IPv4 frames dispatched
	RxIPv6    atomic.Uint64 // received IPv6 frames dispatched
	RxARP     atomic.Uint64 // received ARP frames dispatched
	RxDropped atomic.Uint64 // received frames with no handler
}

// StatsSnapshot is a point-in-time copy of [Stats].
type StatsSnapshot struct {
	TxPackets uint64
	TxDone    uint64
	RxIPv4    uint64
	RxIPv6    uint64
	RxARP     uint64
	RxDropped uint64
}

// Snapshot returns a consistent-enough copy for logging and tests.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		TxPackets: s.TxPackets.Load(),
		TxDone:    s.TxDone.Load(),
		RxIPv4:    s.RxIPv4.Load(),
		RxIPv6:    s.RxIPv6.Load(),
		RxARP:     s.RxARP.Load(),
		RxDropped: s.RxDropped.Load(),
	}
}
