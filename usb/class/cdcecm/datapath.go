package cdcecm

import (
	"context"

	"github.com/ardnew/softeth/netdev"
	"github.com/ardnew/softeth/pkg"
	"github.com/ardnew/softeth/usb/hal"
)

// transmit moves the frame staged in the device buffer onto the bulk-IN
// endpoint. The caller holds the stack lock.
//
// The write gate blocks until the single write request is idle again. No
// timeout applies at this layer: a host that stops reading parks the
// caller here until the endpoint is disabled, which completes the
// outstanding request with shutdown status and reopens the gate.
func (d *Driver) transmit() error {
	_ = d.writeGate.Acquire(context.Background(), 1)

	d.dev.Stats.TxPackets.Add(1)

	n := copy(d.wrReq.Buffer, d.dev.Buf[:d.dev.Len])
	d.wrReq.Length = n
	d.dev.Len = 0

	if err := d.epBulkIn.Submit(d.wrReq); err != nil {
		// The callback will not run for a rejected submission, so the
		// gate must reopen here or every later transmit deadlocks.
		d.writeGate.Release(1)
		pkg.LogError(pkg.ComponentECM, "transmit submit failed", "error", err)
		return err
	}
	return nil
}

// txPoll is the [netdev.PollFunc] handed to the stack. It forwards the one
// staged frame and ends the pass; the write completion schedules the next
// pass, so the stack drains one frame per completed transfer.
func (d *Driver) txPoll(dev *netdev.Device) bool {
	if dev.Len > 0 {
		_ = d.transmit()
		return true
	}
	return false
}

// reply transmits the response frame the stack left behind in the device
// buffer, if any. Replies share the write path with polled transmission,
// gate included.
func (d *Driver) reply() {
	if d.dev.Len > 0 {
		_ = d.transmit()
	}
}

// receive copies the completed read into the device buffer and dispatches
// it to the stack by frame type. Runs on the work queue with the stack
// lock held; this is the moment the USB buffer is touched, not the
// completion callback.
func (d *Driver) receive() {
	n := copy(d.dev.Buf, d.rdReq.Buffer[:d.rdReq.Transferred])
	d.dev.Len = n

	ftype := netdev.FrameType(d.dev.Buf[:n])
	switch ftype {
	case netdev.EtherTypeIPv4:
		d.dev.Stats.RxIPv4.Add(1)
		if err := d.config.Stack.InputIPv4(&d.dev); err != nil {
			pkg.LogWarn(pkg.ComponentECM, "ipv4 input", "error", err)
		}
		d.reply()

	case netdev.EtherTypeIPv6:
		d.dev.Stats.RxIPv6.Add(1)
		if err := d.config.Stack.InputIPv6(&d.dev); err != nil {
			pkg.LogWarn(pkg.ComponentECM, "ipv6 input", "error", err)
		}
		d.reply()

	case netdev.EtherTypeARP:
		if err := d.config.Stack.InputARP(&d.dev); err != nil {
			pkg.LogWarn(pkg.ComponentECM, "arp input", "error", err)
		}
		d.dev.Stats.RxARP.Add(1)
		d.reply()

	default:
		d.dev.Stats.RxDropped.Add(1)
		d.dev.Len = 0
		pkg.LogDebug(pkg.ComponentECM, "frame dropped",
			"ethertype", ftype, "len", n)
	}
}

// transmitDone accounts a completed write and polls the stack for the next
// outgoing frame. The caller holds the stack lock.
func (d *Driver) transmitDone() {
	d.dev.Stats.TxDone.Add(1)
	d.config.Stack.Poll(&d.dev, d.txPoll)
}

// interruptWork drains the completion indications on the work queue. One
// slot serves both directions, so back-to-back completions coalesce into a
// single pass that handles both flags.
func (d *Driver) interruptWork(_ any) {
	d.config.Stack.Lock()
	defer d.config.Stack.Unlock()

	d.flagMu.Lock()
	rxPending := d.rxPending
	d.flagMu.Unlock()

	if rxPending {
		d.receive()

		d.flagMu.Lock()
		d.rxPending = false
		d.flagMu.Unlock()

		// Rearm outside the flag window: the controller may complete
		// the request synchronously, and the completion takes flagMu.
		d.rdReq.Length = len(d.rdReq.Buffer)
		if err := d.epBulkOut.Submit(d.rdReq); err != nil {
			pkg.LogError(pkg.ComponentECM, "read resubmit failed", "error", err)
		}
	}

	d.flagMu.Lock()
	txDone := d.txDone
	d.txDone = false
	d.flagMu.Unlock()

	if txDone {
		d.transmitDone()
	}
}

// txAvailWork runs a poll pass for new outgoing frames on the work queue.
func (d *Driver) txAvailWork(_ any) {
	d.config.Stack.Lock()
	defer d.config.Stack.Unlock()

	if d.dev.IsUp() {
		d.config.Stack.Poll(&d.dev, d.txPoll)
	}
}

// TxAvailable implements [netdev.Driver]: the stack has frames to send.
// Polling happens on the work queue, never inline, and notification bursts
// coalesce while a poll is pending.
func (d *Driver) TxAvailable(*netdev.Device) error {
	return d.queue.Schedule(&d.pollSlot, d.txAvailWork, nil)
}

// rdComplete is the bulk-OUT completion callback. It runs in the
// controller's completion context, so it only raises the indication flag
// and defers everything else to the work queue.
func (d *Driver) rdComplete(ep hal.Endpoint, req *hal.Request) {
	pkg.LogDebug(pkg.ComponentECM, "read complete",
		"status", req.Status, "transferred", req.Transferred)

	switch req.Status {
	case pkg.TransferStatusSuccess:
		d.flagMu.Lock()
		if d.rxPending {
			pkg.LogError(pkg.ComponentECM, "read completed with frame still pending")
		}
		d.rxPending = true
		d.flagMu.Unlock()

		if err := d.queue.Schedule(&d.irqSlot, d.interruptWork, nil); err != nil {
			pkg.LogError(pkg.ComponentECM, "interrupt work schedule failed", "error", err)
		}

	case pkg.TransferStatusShutdown:
		// Endpoint disabled during teardown. The request is retired.

	default:
		pkg.LogWarn(pkg.ComponentECM, "read failed", "status", req.Status)
		req.Length = len(req.Buffer)
		if err := ep.Submit(req); err != nil {
			pkg.LogError(pkg.ComponentECM, "read resubmit failed", "error", err)
		}
	}
}

// wrComplete is the bulk-IN completion callback. The write request is idle
// again whatever the outcome, so the gate reopens unconditionally;
// teardown relies on this to unblock a parked transmitter.
func (d *Driver) wrComplete(_ hal.Endpoint, req *hal.Request) {
	pkg.LogDebug(pkg.ComponentECM, "write complete",
		"status", req.Status, "transferred", req.Transferred)

	d.writeGate.Release(1)

	d.flagMu.Lock()
	d.txDone = true
	d.flagMu.Unlock()

	if err := d.queue.Schedule(&d.irqSlot, d.interruptWork, nil); err != nil {
		pkg.LogError(pkg.ComponentECM, "interrupt work schedule failed", "error", err)
	}
}

// ep0Complete is the control request completion callback. Replies either
// go out whole or the discrepancy is logged; there is nothing to retry on
// the control pipe.
func (d *Driver) ep0Complete(_ hal.Endpoint, req *hal.Request) {
	if req.Status != pkg.TransferStatusSuccess || req.Transferred != req.Length {
		pkg.LogError(pkg.ComponentECM, "control reply failed",
			"status", req.Status,
			"transferred", req.Transferred,
			"length", req.Length)
	}
}
