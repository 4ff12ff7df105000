package cdcecm

import (
	"net"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/ardnew/softeth/netdev"
	"github.com/ardnew/softeth/pkg"
	"github.com/ardnew/softeth/usb"
	"github.com/ardnew/softeth/usb/hal"
	"github.com/ardnew/softeth/work"
)

// Default identity strings and addresses, applied by [New] for zero-valued
// [Config] fields.
const (
	DefaultManufacturer  = "softeth"
	DefaultProduct       = "CDC-ECM Ethernet Adapter"
	DefaultSerialNumber  = "0"
	DefaultConfiguration = "Default"
	DefaultName          = "usbeth0"
)

// DefaultMAC is the device-side hardware address of the point-to-point
// link. The host side uses [MACString].
var DefaultMAC = [6]byte{0x00, 0xE0, 0xDE, 0xAD, 0xBE, 0xEF}

// defaultEndpointNumbers assigns interrupt-IN, bulk-IN and bulk-OUT in
// order after the control endpoint.
var defaultEndpointNumbers = [3]uint8{1, 2, 3}

// DeviceInfo locates the function inside its device: which endpoint
// numbers it drives and, inside a composite device, where its interface
// and string index ranges begin. The zero value suits a standalone
// function.
type DeviceInfo struct {
	// EndpointNumbers holds the endpoint number (without the direction
	// bit) for each of [EndpointIntIn], [EndpointBulkIn] and
	// [EndpointBulkOut].
	EndpointNumbers [3]uint8

	// InterfaceBase is the number of the function's first interface.
	InterfaceBase uint8

	// StringBase is the first string descriptor index assigned to the
	// function by a composite parent.
	StringBase uint8
}

// Config parameterizes a [Driver]. The zero value of every field except
// Stack is usable; [New] substitutes defaults.
type Config struct {
	// VendorID and ProductID identify the standalone device. Zero
	// selects [DefaultVendorID] and [DefaultProductID].
	VendorID  uint16
	ProductID uint16

	// Manufacturer, Product, SerialNumber and Configuration are served
	// as string descriptors on a standalone device.
	Manufacturer  string
	Product       string
	SerialNumber  string
	Configuration string

	// Name is the network interface name registered with the stack.
	Name string

	// MAC is the device-side hardware address. Zero selects
	// [DefaultMAC].
	MAC [6]byte

	// Info places the function's endpoints, interfaces and strings.
	Info DeviceInfo

	// Stack receives completed frames and supplies outgoing ones.
	// Required.
	Stack netdev.Stack

	// Queue runs the deferred completion and poll work. When nil the
	// driver creates and owns one.
	Queue *work.Queue

	// Composite is the parent's EP0 submitter when the function is one
	// of several in a composite device. Nil means standalone: the
	// driver owns EP0 replies, the device descriptor and connect.
	Composite hal.EP0Submitter
}

// Driver is a CDC-ECM Ethernet-over-USB function. It implements
// [hal.Function] toward the device controller and [netdev.Driver] toward
// the network stack, bridging completions to stack calls through a work
// queue so no stack code runs in completion context.
type Driver struct {
	config Config

	ctrl    hal.Controller
	speed   usb.Speed
	ctrlReq *hal.Request

	epIntIn   hal.Endpoint
	epBulkIn  hal.Endpoint
	epBulkOut hal.Endpoint

	rdReq *hal.Request
	wrReq *hal.Request

	// writeGate admits one in-flight bulk-IN transfer; see transmit.
	writeGate *semaphore.Weighted

	// flagMu is the exclusion window between completion callbacks and
	// the work queue for the two indication flags.
	flagMu    sync.Mutex
	rxPending bool
	txDone    bool

	configID uint8

	dev      netdev.Device
	queue    *work.Queue
	ownQueue bool

	irqSlot  work.Slot
	pollSlot work.Slot
}

var (
	_ hal.Function  = (*Driver)(nil)
	_ netdev.Driver = (*Driver)(nil)
)

// New creates a driver, registers its network device with cfg.Stack and
// leaves the interface administratively down. The returned driver is ready
// to register with a device controller.
func New(cfg Config) (*Driver, error) {
	if cfg.Stack == nil {
		return nil, pkg.ErrInvalidParameter
	}
	if cfg.VendorID == 0 {
		cfg.VendorID = DefaultVendorID
	}
	if cfg.ProductID == 0 {
		cfg.ProductID = DefaultProductID
	}
	if cfg.Manufacturer == "" {
		cfg.Manufacturer = DefaultManufacturer
	}
	if cfg.Product == "" {
		cfg.Product = DefaultProduct
	}
	if cfg.SerialNumber == "" {
		cfg.SerialNumber = DefaultSerialNumber
	}
	if cfg.Configuration == "" {
		cfg.Configuration = DefaultConfiguration
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.MAC == ([6]byte{}) {
		cfg.MAC = DefaultMAC
	}
	if cfg.Info.EndpointNumbers == ([3]uint8{}) {
		cfg.Info.EndpointNumbers = defaultEndpointNumbers
	}

	d := &Driver{config: cfg}

	d.queue = cfg.Queue
	if d.queue == nil {
		d.queue = work.NewQueue("cdcecm")
		d.ownQueue = true
	}

	d.dev = netdev.Device{
		Name:   cfg.Name,
		HWAddr: cfg.MAC,
		Buf:    make([]byte, netdev.MaxFrameSize+netdev.GuardSize),
		Driver: d,
	}

	// Administratively down until SET_CONFIGURATION brings the link up.
	_ = d.InterfaceDown(&d.dev)
	d.dev.SetUp(false)

	if err := cfg.Stack.Register(&d.dev); err != nil {
		if d.ownQueue {
			_ = d.queue.Close()
		}
		return nil, err
	}

	pkg.LogInfo(pkg.ComponentECM, "driver created",
		"name", cfg.Name, "mac", net.HardwareAddr(cfg.MAC[:]))
	return d, nil
}

// Uninitialize releases everything [New] acquired. The network device is
// unregistered first so the stack stops polling before USB resources go
// away; a standalone driver then unregisters from its controller, which
// unbinds it.
func (d *Driver) Uninitialize() error {
	var err error

	if e := d.config.Stack.Unregister(&d.dev); e != nil {
		pkg.LogError(pkg.ComponentECM, "netdev unregister failed", "error", e)
		err = multierr.Append(err, e)
	}

	if d.ctrl != nil && d.config.Composite == nil {
		err = multierr.Append(err, d.ctrl.Unregister(d))
	}

	if d.ownQueue {
		err = multierr.Append(err, d.queue.Close())
	}
	return err
}

// Stats returns a snapshot of the network device counters.
func (d *Driver) Stats() netdev.StatsSnapshot {
	return d.dev.Stats.Snapshot()
}

// Bind attaches the function to a device controller: it allocates the
// three endpoints and the transfer requests, then, standalone, declares
// self-powered and connects to the bus. Any failure unwinds through
// [Driver.Unbind] before returning.
func (d *Driver) Bind(ctrl hal.Controller) error {
	pkg.LogDebug(pkg.ComponentECM, "bind")

	d.ctrl = ctrl
	d.speed = ctrl.Speed()

	d.ctrlReq = &hal.Request{
		Buffer:   make([]byte, MaxDescriptorLength),
		Callback: d.ep0Complete,
	}

	info := &d.config.Info

	var err error
	d.epIntIn, err = ctrl.AllocEndpoint(
		usb.EndpointDirectionIn|info.EndpointNumbers[EndpointIntIn],
		usb.EndpointTypeInterrupt)
	if err == nil {
		d.epBulkIn, err = ctrl.AllocEndpoint(
			usb.EndpointDirectionIn|info.EndpointNumbers[EndpointBulkIn],
			usb.EndpointTypeBulk)
	}
	if err == nil {
		d.epBulkOut, err = ctrl.AllocEndpoint(
			usb.EndpointDirectionOut|info.EndpointNumbers[EndpointBulkOut],
			usb.EndpointTypeBulk)
	}
	if err != nil {
		pkg.LogError(pkg.ComponentECM, "endpoint allocation failed", "error", err)
		d.Unbind(ctrl)
		return err
	}

	d.rdReq = &hal.Request{
		Buffer:   make([]byte, netdev.MaxFrameSize+netdev.GuardSize),
		Callback: d.rdComplete,
	}
	d.wrReq = &hal.Request{
		Buffer:   make([]byte, netdev.MaxFrameSize+netdev.GuardSize),
		Callback: d.wrComplete,
	}

	// The single write request starts out idle.
	d.writeGate = semaphore.NewWeighted(1)

	d.flagMu.Lock()
	d.rxPending = false
	d.txDone = false
	d.flagMu.Unlock()
	d.dev.Len = 0

	if d.config.Composite == nil {
		ctrl.SetSelfPowered(true)
		if err := ctrl.Connect(); err != nil {
			pkg.LogError(pkg.ComponentECM, "connect failed", "error", err)
			d.Unbind(ctrl)
			return err
		}
	}
	return nil
}

// Unbind detaches the function from its controller, resetting any active
// configuration first so in-flight transfers complete with shutdown
// status. It tolerates the partially-bound state left by a failed
// [Driver.Bind].
func (d *Driver) Unbind(ctrl hal.Controller) {
	pkg.LogDebug(pkg.ComponentECM, "unbind")

	d.resetConfig()

	if d.epIntIn != nil {
		ctrl.FreeEndpoint(d.epIntIn)
		d.epIntIn = nil
	}
	d.ctrlReq = nil
	d.rdReq = nil
	if d.epBulkOut != nil {
		ctrl.FreeEndpoint(d.epBulkOut)
		d.epBulkOut = nil
	}
	d.wrReq = nil
	if d.epBulkIn != nil {
		ctrl.FreeEndpoint(d.epBulkIn)
		d.epBulkIn = nil
	}
	d.dev.Len = 0
}

// Setup handles a control request addressed to the function. Replies are
// queued on EP0 (through the composite parent when there is one) before
// returning; the returned count is the reply length actually queued,
// clamped to what the host asked for. A non-nil error tells the controller
// to stall the control pipe.
func (d *Driver) Setup(setup *usb.SetupPacket, data []byte) (int, error) {
	pkg.LogDebug(pkg.ComponentECM, "setup", "packet", setup)

	var (
		n   int
		err = pkg.ErrNotSupported
	)

	switch {
	case setup.IsStandard():
		switch setup.Request {
		case usb.RequestGetDescriptor:
			// The negotiated speed decides endpoint geometry in the
			// descriptors built below.
			d.speed = d.ctrl.Speed()
			n, err = d.getDescriptor(setup.DescriptorType(), setup.DescriptorIndex(), d.ctrlReq.Buffer)

		case usb.RequestSetConfiguration:
			err = d.setConfig(uint8(setup.Value))

		case usb.RequestSetInterface:
			err = d.setInterface(uint8(setup.Index), uint8(setup.Value))

		default:
			pkg.LogWarn(pkg.ComponentECM, "unsupported standard request",
				"request", setup.Request)
		}

	case setup.IsClass():
		switch setup.Request {
		case RequestSetEthernetPacketFilter:
			// The only mandatory ECM class request. The function
			// always operates promiscuously and leaves filtering to
			// the host, so the bitmap is acknowledged and ignored.
			pkg.LogDebug(pkg.ComponentECM, "set packet filter",
				"filter", setup.Value, "interface", setup.Index)
			err = nil

		default:
			pkg.LogWarn(pkg.ComponentECM, "unsupported class request",
				"request", setup.Request)
		}

	default:
		pkg.LogWarn(pkg.ComponentECM, "unsupported request type",
			"type", setup.RequestType)
	}

	if err != nil {
		return 0, err
	}

	reply := d.ctrlReq
	reply.Length = min(n, int(setup.Length))
	reply.Flags = hal.RequestFlagShortTerminate

	if d.config.Composite != nil {
		err = d.config.Composite.SubmitEP0(reply)
	} else {
		err = d.ctrl.EP0().Submit(reply)
	}
	if err != nil {
		pkg.LogError(pkg.ComponentECM, "control reply submit failed", "error", err)
		// The callback will not run for a rejected submission, so
		// finish the request here to keep it reusable.
		reply.Complete(d.ctrl.EP0(), pkg.TransferStatusSuccess, 0)
		return 0, err
	}
	return reply.Length, nil
}

// Disconnect handles loss of the host connection. Any active
// configuration is stale, so it is torn down the same way
// SET_CONFIGURATION(0) would.
func (d *Driver) Disconnect() {
	pkg.LogInfo(pkg.ComponentECM, "disconnected")
	d.resetConfig()
}

// setConfig switches the function to the given configuration value.
// Re-selecting the current configuration is a no-op; anything else resets
// to unconfigured first, then activates when the value names the one
// supported configuration.
func (d *Driver) setConfig(id uint8) error {
	if id == d.configID {
		return nil
	}

	d.resetConfig()

	if id == ConfigIDNone {
		return nil
	}
	if id != ConfigID {
		pkg.LogWarn(pkg.ComponentECM, "unsupported configuration", "config", id)
		return pkg.ErrInvalidParameter
	}

	info := &d.config.Info
	for _, ep := range []struct {
		index int
		h     hal.Endpoint
	}{
		{EndpointIntIn, d.epIntIn},
		{EndpointBulkIn, d.epBulkIn},
		{EndpointBulkOut, d.epBulkOut},
	} {
		desc := endpointDescriptor(ep.index, info, d.speed)
		if err := ep.h.Configure(&desc); err != nil {
			pkg.LogError(pkg.ComponentECM, "endpoint configure failed",
				"address", desc.EndpointAddress, "error", err)
			d.disableEndpoints()
			return err
		}
	}

	d.flagMu.Lock()
	if d.rxPending {
		pkg.LogError(pkg.ComponentECM, "read indication pending across configuration")
	}
	d.flagMu.Unlock()

	d.rdReq.Length = len(d.rdReq.Buffer)
	if err := d.epBulkOut.Submit(d.rdReq); err != nil {
		pkg.LogError(pkg.ComponentECM, "initial read submit failed", "error", err)
		d.disableEndpoints()
		return err
	}

	d.configID = id
	d.dev.HWAddr = d.config.MAC

	if err := d.InterfaceUp(&d.dev); err == nil {
		d.dev.SetUp(true)
	}

	pkg.LogInfo(pkg.ComponentECM, "configured",
		"config", id, "speed", d.speed)
	return nil
}

// resetConfig returns the function to the unconfigured state: interface
// down, then all endpoints disabled so their in-flight requests complete
// with shutdown status.
func (d *Driver) resetConfig() {
	if d.configID == ConfigIDNone {
		return
	}
	d.configID = ConfigIDNone

	_ = d.InterfaceDown(&d.dev)
	d.dev.SetUp(false)

	d.disableEndpoints()
}

// disableEndpoints disables whichever of the three endpoints exist.
// Disable failures are collected and logged, never propagated: teardown
// always completes.
func (d *Driver) disableEndpoints() {
	var err error
	for _, ep := range []hal.Endpoint{d.epIntIn, d.epBulkIn, d.epBulkOut} {
		if ep != nil {
			err = multierr.Append(err, ep.Disable())
		}
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentECM, "endpoint disable", "error", err)
	}
}

// setInterface records an alternate setting selection. The descriptors
// offer only the settings the hardware already implements, so nothing is
// reconfigured; selecting the data interface marks the link running.
func (d *Driver) setInterface(ifno, altno uint8) error {
	pkg.LogDebug(pkg.ComponentECM, "set interface",
		"interface", ifno, "alternate", altno)
	d.dev.SetRunning(true)
	return nil
}

// InterfaceUp implements [netdev.Driver]. The caller marks the device up
// on success.
func (d *Driver) InterfaceUp(dev *netdev.Device) error {
	pkg.LogDebug(pkg.ComponentECM, "interface up", "name", dev.Name)
	return nil
}

// InterfaceDown implements [netdev.Driver]. In-flight USB transfers are
// not touched here; endpoint teardown is the configuration reset's job.
func (d *Driver) InterfaceDown(dev *netdev.Device) error {
	pkg.LogDebug(pkg.ComponentECM, "interface down", "name", dev.Name)
	return nil
}

// AddMulticast implements [netdev.Driver]. The function receives
// promiscuously, so membership is already satisfied.
func (d *Driver) AddMulticast(dev *netdev.Device, addr [6]byte) error {
	pkg.LogDebug(pkg.ComponentECM, "add multicast",
		"name", dev.Name, "addr", net.HardwareAddr(addr[:]))
	return nil
}

// RemoveMulticast implements [netdev.Driver].
func (d *Driver) RemoveMulticast(dev *netdev.Device, addr [6]byte) error {
	pkg.LogDebug(pkg.ComponentECM, "remove multicast",
		"name", dev.Name, "addr", net.HardwareAddr(addr[:]))
	return nil
}

// Ioctl implements [netdev.Driver]. No device-specific controls exist.
func (d *Driver) Ioctl(dev *netdev.Device, cmd int, arg any) error {
	return pkg.ErrNotSupported
}
