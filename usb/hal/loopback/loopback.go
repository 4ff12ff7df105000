package loopback

import (
	"sync"

	"github.com/ardnew/softeth/pkg"
	"github.com/ardnew/softeth/usb"
	"github.com/ardnew/softeth/usb/hal"
)

// epQueueDepth bounds the number of frames parked on an endpoint in either
// direction before Submit or WriteOut reports [pkg.ErrNoResources].
const epQueueDepth = 64

// Config holds the construction parameters for a loopback [Controller].
// The zero value selects High Speed.
type Config struct {
	// Speed is the connection speed the controller reports to the bound
	// function. SpeedUnknown selects SpeedHigh.
	Speed usb.Speed
}

// Controller is an in-process device-side USB controller. It implements
// [hal.Controller] without any hardware or transport underneath: transfer
// requests complete synchronously on the submitter's goroutine, and the
// paired [Host] end injects SETUP packets and moves endpoint data from the
// same process.
type Controller struct {
	// fnMu serializes Bind, Unbind, Setup and Disconnect deliveries to the
	// registered function, per the hal.Function contract. It is never held
	// while mu is acquired by the same goroutine in the other order.
	fnMu sync.Mutex

	mu          sync.Mutex
	speed       usb.Speed
	fn          hal.Function
	connected   bool
	selfPowered bool
	endpoints   map[uint8]*endpoint

	ep0  *controlEndpoint
	host *Host
}

// New creates a loopback controller running at the configured speed.
func New(cfg Config) *Controller {
	if cfg.Speed == usb.SpeedUnknown {
		cfg.Speed = usb.SpeedHigh
	}
	c := &Controller{
		speed:     cfg.Speed,
		endpoints: make(map[uint8]*endpoint),
	}
	c.ep0 = &controlEndpoint{ctrl: c}
	c.host = &Host{ctrl: c}
	return c
}

// Host returns the host-side end of the loopback bus.
func (c *Controller) Host() *Host {
	return c.host
}

// EP0 returns the default control endpoint.
func (c *Controller) EP0() hal.Endpoint {
	return c.ep0
}

// Speed returns the negotiated connection speed.
func (c *Controller) Speed() usb.Speed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// SetSpeed changes the reported connection speed, simulating a
// renegotiation. The bound function observes the new speed on its next
// GET_DESCRIPTOR request.
func (c *Controller) SetSpeed(speed usb.Speed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speed = speed
}

// AllocEndpoint reserves the endpoint with the given address and
// transfer-type attributes. The endpoint accepts no transfers until the
// function activates it with Configure.
func (c *Controller) AllocEndpoint(address, attributes uint8) (hal.Endpoint, error) {
	if usb.EndpointNumber(address) == 0 {
		return nil, pkg.ErrInvalidEndpoint
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, taken := c.endpoints[address]; taken {
		return nil, pkg.ErrBusy
	}
	ep := &endpoint{
		ctrl:       c,
		address:    address,
		attributes: attributes & 0x03,
		inData:     make(chan []byte, epQueueDepth),
	}
	c.endpoints[address] = ep

	pkg.LogDebug(pkg.ComponentHAL, "endpoint allocated",
		"address", usb.EndpointName(address),
		"type", usb.TransferTypeName(attributes))
	return ep, nil
}

// FreeEndpoint returns an endpoint obtained from AllocEndpoint, disabling
// it first. Endpoints from other controllers are ignored.
func (c *Controller) FreeEndpoint(ep hal.Endpoint) {
	lep, ok := ep.(*endpoint)
	if !ok || lep.ctrl != c {
		pkg.LogWarn(pkg.ComponentHAL, "freeing foreign endpoint", "address", ep.Address())
		return
	}
	_ = lep.Disable()

	c.mu.Lock()
	delete(c.endpoints, lep.address)
	c.mu.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "endpoint freed",
		"address", usb.EndpointName(lep.address))
}

// Register binds fn to the controller. Only one function can be bound at a
// time; a Bind failure leaves the controller free for another Register.
func (c *Controller) Register(fn hal.Function) error {
	c.mu.Lock()
	if c.fn != nil {
		c.mu.Unlock()
		return pkg.ErrBusy
	}
	c.fn = fn
	c.mu.Unlock()

	c.fnMu.Lock()
	err := fn.Bind(c)
	c.fnMu.Unlock()

	if err != nil {
		c.mu.Lock()
		c.fn = nil
		c.mu.Unlock()
		return err
	}

	pkg.LogInfo(pkg.ComponentHAL, "function registered", "speed", c.Speed())
	return nil
}

// Unregister detaches fn, unbinding it first. Unregistering a function
// that is not bound reports [pkg.ErrInvalidParameter].
func (c *Controller) Unregister(fn hal.Function) error {
	c.mu.Lock()
	if c.fn != fn {
		c.mu.Unlock()
		return pkg.ErrInvalidParameter
	}
	c.mu.Unlock()

	c.fnMu.Lock()
	fn.Unbind(c)
	c.fnMu.Unlock()

	c.mu.Lock()
	c.fn = nil
	c.connected = false
	c.mu.Unlock()

	pkg.LogInfo(pkg.ComponentHAL, "function unregistered")
	return nil
}

// Connect enables the pull-up, making the device visible to the host end.
func (c *Controller) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	pkg.LogDebug(pkg.ComponentHAL, "device connected")
	return nil
}

// Disconnect drops the device off the bus. The function initiated the
// disconnect, so no Disconnect callback is delivered; host-initiated
// disconnects go through [Host.Disconnect].
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	pkg.LogDebug(pkg.ComponentHAL, "device disconnected")
	return nil
}

// SetSelfPowered sets the self-powered attribute reported to the host.
func (c *Controller) SetSelfPowered(selfPowered bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selfPowered = selfPowered
}

// controlEndpoint is the default control endpoint. Submitted replies are
// parked for the host to collect after the SETUP handler returns.
type controlEndpoint struct {
	ctrl *Controller

	mu      sync.Mutex
	reply   []byte
	stalled bool
}

// Address returns 0, the control endpoint address.
func (e *controlEndpoint) Address() uint8 {
	return 0
}

// Configure accepts any descriptor; EP0 is always active.
func (e *controlEndpoint) Configure(desc *usb.EndpointDescriptor) error {
	return nil
}

// Submit parks the request payload as the pending control reply and
// completes the request synchronously.
func (e *controlEndpoint) Submit(req *hal.Request) error {
	if req.Length > len(req.Buffer) {
		return pkg.ErrInvalidRequest
	}
	data := make([]byte, req.Length)
	copy(data, req.Buffer[:req.Length])

	e.mu.Lock()
	e.reply = data
	e.stalled = false
	e.mu.Unlock()

	req.Complete(e, pkg.TransferStatusSuccess, req.Length)
	return nil
}

// Disable drops any parked reply. EP0 itself stays active.
func (e *controlEndpoint) Disable() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reply = nil
	return nil
}

// Stall halts the endpoint until the next SETUP packet.
func (e *controlEndpoint) Stall() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stalled = true
	e.reply = nil
	return nil
}

// takeReply removes and returns the parked control reply, or nil if none.
func (e *controlEndpoint) takeReply() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	data := e.reply
	e.reply = nil
	return data
}

// clearStall re-arms the endpoint at the start of a new control transfer.
func (e *controlEndpoint) clearStall() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stalled = false
}

// endpoint is a non-control loopback endpoint.
//
// OUT endpoints pair function read requests with host writes in either
// arrival order. IN endpoints copy submitted payloads into a bounded queue
// that the host drains with [Host.ReadIn]. Requests always complete outside
// mu so a callback may re-enter Submit without deadlocking.
type endpoint struct {
	ctrl       *Controller
	address    uint8
	attributes uint8

	mu        sync.Mutex
	enabled   bool
	stalled   bool
	maxPacket uint16
	pending   []*hal.Request // OUT requests awaiting host data
	outData   [][]byte       // host data awaiting OUT requests
	inData    chan []byte    // IN payloads awaiting the host
}

// Address returns the endpoint address including the direction bit.
func (e *endpoint) Address() uint8 {
	return e.address
}

// Configure activates the endpoint. The descriptor's address and transfer
// type must match the values the endpoint was allocated with.
func (e *endpoint) Configure(desc *usb.EndpointDescriptor) error {
	if desc == nil {
		return pkg.ErrInvalidParameter
	}
	if desc.EndpointAddress != e.address || desc.TransferType() != e.attributes {
		return pkg.ErrInvalidEndpoint
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = true
	e.stalled = false
	e.maxPacket = desc.MaxPacketSize

	pkg.LogDebug(pkg.ComponentHAL, "endpoint configured",
		"address", usb.EndpointName(e.address),
		"maxPacket", desc.MaxPacketSize)
	return nil
}

// Submit queues a transfer request. OUT requests complete as soon as host
// data is available; IN requests complete immediately after their payload
// is copied into the host-facing queue.
func (e *endpoint) Submit(req *hal.Request) error {
	if req.Length > len(req.Buffer) {
		return pkg.ErrInvalidRequest
	}

	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return pkg.ErrShutdown
	}
	if e.stalled {
		e.mu.Unlock()
		return pkg.ErrStall
	}

	if usb.EndpointDirection(e.address) == usb.EndpointDirectionIn {
		payload := make([]byte, req.Length)
		copy(payload, req.Buffer[:req.Length])
		select {
		case e.inData <- payload:
		default:
			e.mu.Unlock()
			return pkg.ErrNoResources
		}
		e.mu.Unlock()

		req.Complete(e, pkg.TransferStatusSuccess, req.Length)
		return nil
	}

	if len(e.outData) > 0 {
		data := e.outData[0]
		e.outData = e.outData[1:]
		e.mu.Unlock()

		n := copy(req.Buffer[:req.Length], data)
		req.Complete(e, pkg.TransferStatusSuccess, n)
		return nil
	}

	e.pending = append(e.pending, req)
	e.mu.Unlock()
	return nil
}

// Disable deactivates the endpoint, completing pending requests with
// shutdown status and discarding queued data. It is idempotent.
func (e *endpoint) Disable() error {
	e.mu.Lock()
	e.enabled = false
	pending := e.pending
	e.pending = nil
	e.outData = nil
	for {
		select {
		case <-e.inData:
			continue
		default:
		}
		break
	}
	e.mu.Unlock()

	for _, req := range pending {
		req.Complete(e, pkg.TransferStatusShutdown, 0)
	}
	return nil
}

// Stall halts the endpoint. Pending and future requests are rejected until
// the host clears the halt.
func (e *endpoint) Stall() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stalled = true
	return nil
}

var (
	_ hal.Controller = (*Controller)(nil)
	_ hal.Endpoint   = (*controlEndpoint)(nil)
	_ hal.Endpoint   = (*endpoint)(nil)
)
