package netdev

// PollFunc is invoked by [Stack.Poll] for each outgoing frame the stack
// stages in the device buffer. Returning true ends the poll pass; the
// driver's transmit callback does this after one frame so completions
// pace the next pass.
type PollFunc func(dev *Device) bool

// Stack is the network-stack contract the link-layer driver depends on.
//
// Lock and Unlock bracket every access to a device's Buf and Len, whether
// by the driver or by code calling the Input and Poll operations. The
// Input methods consume the received frame staged in the device buffer;
// if the stack responds immediately, it leaves the reply frame in the
// buffer with Len set, and the caller transmits it before releasing the
// lock.
type Stack interface {
	// Lock acquires the stack's global lock.
	Lock()

	// Unlock releases the stack's global lock.
	Unlock()

	// Register attaches a device to the stack.
	Register(dev *Device) error

	// Unregister detaches a device.
	Unregister(dev *Device) error

	// InputIPv4 processes the IPv4 packet staged in the device buffer.
	InputIPv4(dev *Device) error

	// InputIPv6 processes the IPv6 packet staged in the device buffer.
	InputIPv6(dev *Device) error

	// InputARP processes the ARP packet staged in the device buffer.
	InputARP(dev *Device) error

	// Poll offers outgoing frames to fn, one at a time, until fn returns
	// true or the stack has nothing more to send.
	Poll(dev *Device, fn PollFunc)
}
