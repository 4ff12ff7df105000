package loopback

import (
	"context"

	"github.com/ardnew/softeth/pkg"
	"github.com/ardnew/softeth/usb"
)

// Host is the host-side end of a loopback bus. It plays the role the USB
// host controller and its class driver would play against real hardware:
// issuing control requests and moving data through the function's bulk and
// interrupt endpoints.
//
// Host methods may run concurrently with each other and with the bound
// function's own goroutines.
type Host struct {
	ctrl *Controller
}

// Connected reports whether a function is bound and visible on the bus.
func (h *Host) Connected() bool {
	h.ctrl.mu.Lock()
	defer h.ctrl.mu.Unlock()
	return h.ctrl.connected && h.ctrl.fn != nil
}

// DoSetup performs one control transfer. For host-to-device requests, data
// carries the OUT data stage (nil when wLength is zero). For
// device-to-host requests, the returned slice holds the function's reply,
// truncated to the length the function reported.
//
// A function that rejects the request stalls EP0, reported here as
// [pkg.ErrStall]. With no function bound or the device disconnected the
// transfer fails with [pkg.ErrNoDevice].
func (h *Host) DoSetup(setup *usb.SetupPacket, data []byte) ([]byte, error) {
	c := h.ctrl

	c.mu.Lock()
	fn, connected := c.fn, c.connected
	c.mu.Unlock()
	if fn == nil || !connected {
		return nil, pkg.ErrNoDevice
	}

	// A SETUP packet clears a pending EP0 halt.
	c.ep0.clearStall()

	c.fnMu.Lock()
	n, err := fn.Setup(setup, data)
	c.fnMu.Unlock()

	reply := c.ep0.takeReply()
	if err != nil {
		pkg.LogDebug(pkg.ComponentHost, "control request stalled",
			"packet", setup, "error", err)
		return nil, pkg.ErrStall
	}
	if setup.IsHostToDevice() {
		return nil, nil
	}
	if len(reply) > n {
		reply = reply[:n]
	}
	return reply, nil
}

// GetDescriptor requests the descriptor with the given type and index,
// offering length bytes of transfer capacity.
func (h *Host) GetDescriptor(descType, descIndex uint8, length uint16) ([]byte, error) {
	var setup usb.SetupPacket
	usb.GetDescriptorSetup(&setup, descType, descIndex, length)
	return h.DoSetup(&setup, nil)
}

// SetConfiguration selects the device configuration with the given value.
// Zero returns the device to the addressed, unconfigured state.
func (h *Host) SetConfiguration(config uint8) error {
	var setup usb.SetupPacket
	usb.GetSetConfigurationSetup(&setup, config)
	_, err := h.DoSetup(&setup, nil)
	return err
}

// SetInterface selects an alternate setting on an interface.
func (h *Host) SetInterface(interfaceNum, alternateSetting uint8) error {
	var setup usb.SetupPacket
	usb.GetSetInterfaceSetup(&setup, interfaceNum, alternateSetting)
	_, err := h.DoSetup(&setup, nil)
	return err
}

// WriteOut delivers data to an OUT endpoint. If the function has a read
// request pending the data completes it immediately; otherwise the data is
// parked until the next read, up to the endpoint queue depth.
func (h *Host) WriteOut(address uint8, data []byte) error {
	ep, err := h.endpoint(address, usb.EndpointDirectionOut)
	if err != nil {
		return err
	}

	ep.mu.Lock()
	if !ep.enabled {
		ep.mu.Unlock()
		return pkg.ErrNotConfigured
	}
	if ep.stalled {
		ep.mu.Unlock()
		return pkg.ErrStall
	}

	if len(ep.pending) > 0 {
		req := ep.pending[0]
		ep.pending = ep.pending[1:]
		ep.mu.Unlock()

		n := copy(req.Buffer[:req.Length], data)
		req.Complete(ep, pkg.TransferStatusSuccess, n)
		return nil
	}

	if len(ep.outData) >= epQueueDepth {
		ep.mu.Unlock()
		return pkg.ErrNoResources
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	ep.outData = append(ep.outData, buf)
	ep.mu.Unlock()
	return nil
}

// ReadIn collects the next payload the function submitted on an IN
// endpoint, blocking until one arrives or ctx is done.
func (h *Host) ReadIn(ctx context.Context, address uint8) ([]byte, error) {
	ep, err := h.endpoint(address, usb.EndpointDirectionIn)
	if err != nil {
		return nil, err
	}

	select {
	case data := <-ep.inData:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect simulates the device being unplugged from the port. The bound
// function is notified and the bus reports no device until the function
// reconnects.
func (h *Host) Disconnect() {
	c := h.ctrl

	c.mu.Lock()
	fn := c.fn
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if fn == nil || !wasConnected {
		return
	}

	c.fnMu.Lock()
	fn.Disconnect()
	c.fnMu.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "port disconnected")
}

// endpoint resolves address to a live endpoint with the wanted direction.
func (h *Host) endpoint(address, direction uint8) (*endpoint, error) {
	if usb.EndpointDirection(address) != direction {
		return nil, pkg.ErrInvalidEndpoint
	}

	h.ctrl.mu.Lock()
	ep := h.ctrl.endpoints[address]
	h.ctrl.mu.Unlock()

	if ep == nil {
		return nil, pkg.ErrInvalidEndpoint
	}
	return ep, nil
}
