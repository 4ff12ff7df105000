package hal

import (
	"github.com/ardnew/softeth/pkg"
	"github.com/ardnew/softeth/usb"
)

// Request flags.
const (
	// RequestFlagShortTerminate requests that the controller terminate the
	// transfer with a short or zero-length packet when the length is an
	// exact multiple of the endpoint's max packet size.
	RequestFlagShortTerminate = 0x01
)

// Request is an asynchronous transfer request submitted to an [Endpoint].
//
// The submitter owns Buffer and must not touch it between Submit and the
// completion callback. Length is the number of bytes to send (IN) or the
// capacity offered (OUT); the controller records the actual count in
// Transferred and the outcome in Status before invoking Callback.
type Request struct {
	Buffer      []byte                   // Data buffer, owned by the submitter
	Flags       uint8                    // Request flags
	Length      int                      // Bytes to transfer (IN) or accept (OUT)
	Transferred int                      // Bytes actually transferred
	Status      pkg.TransferStatus       // Completion status
	Callback    func(Endpoint, *Request) // Completion callback, may be nil
}

// Complete records the outcome on the request and invokes its callback.
// Controllers call this exactly once per accepted request; functions may
// call it to locally complete a request that was never submitted.
func (r *Request) Complete(ep Endpoint, status pkg.TransferStatus, transferred int) {
	r.Status = status
	r.Transferred = transferred
	if r.Callback != nil {
		r.Callback(ep, r)
	}
}

// Endpoint is a hardware endpoint handle obtained from a [Controller].
//
// Submit either returns an error (the request was not accepted and its
// callback will never run) or nil (the callback runs exactly once, possibly
// before Submit returns). Disable forces all in-flight requests to complete
// with [pkg.TransferStatusShutdown] before it returns.
type Endpoint interface {
	// Address returns the endpoint address including the direction bit.
	Address() uint8

	// Configure activates the endpoint with the given descriptor.
	Configure(desc *usb.EndpointDescriptor) error

	// Submit queues an asynchronous transfer request.
	Submit(req *Request) error

	// Disable deactivates the endpoint, completing in-flight requests
	// with shutdown status.
	Disable() error

	// Stall halts the endpoint. On EP0 the stall clears automatically at
	// the next SETUP packet.
	Stall() error
}

// Function is a USB function (class) driver bound to a controller.
//
// The controller invokes Setup for each SETUP packet addressed to the
// function and Disconnect when the bus connection is lost. Bind, Unbind,
// Setup and Disconnect are serialized by the controller and never run
// concurrently. Callbacks of requests the function submitted arrive on the
// controller's completion context; functions must not block in them.
type Function interface {
	// Bind attaches the function to the controller, allocating endpoints
	// and requests. A Bind error leaves the function unbound.
	Bind(ctrl Controller) error

	// Unbind releases everything Bind acquired. It tolerates partially
	// constructed state.
	Unbind(ctrl Controller)

	// Setup handles a control request. For IN requests the function queues
	// its reply on EP0 itself and returns the queued length; a returned
	// error makes the controller stall EP0.
	Setup(setup *usb.SetupPacket, data []byte) (int, error)

	// Disconnect informs the function that the host connection dropped.
	Disconnect()
}

// EP0Submitter owns the control endpoint on behalf of bound functions.
// A composite parent implements this to multiplex EP0 replies from its
// member functions.
type EP0Submitter interface {
	SubmitEP0(req *Request) error
}

// Controller is the device-side USB controller contract.
//
// Implementations deliver SETUP packets to the registered [Function],
// run request completion callbacks on their own completion context, and
// guarantee the Submit/Disable semantics documented on [Endpoint].
type Controller interface {
	// EP0 returns the default control endpoint.
	EP0() Endpoint

	// Speed returns the negotiated connection speed.
	Speed() usb.Speed

	// AllocEndpoint reserves the endpoint with the given address and
	// transfer-type attributes.
	AllocEndpoint(address, attributes uint8) (Endpoint, error)

	// FreeEndpoint returns an endpoint obtained from AllocEndpoint.
	FreeEndpoint(ep Endpoint)

	// Register binds fn to the controller and delivers bus events to it.
	Register(fn Function) error

	// Unregister detaches fn, unbinding it first if bound.
	Unregister(fn Function) error

	// Connect enables the pull-up, making the device visible to the host.
	Connect() error

	// Disconnect drops off the bus.
	Disconnect() error

	// SetSelfPowered sets the self-powered attribute reported in
	// GET_STATUS replies.
	SetSelfPowered(selfPowered bool)
}
