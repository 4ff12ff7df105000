// Package usb defines the USB protocol wire types shared by the function
// driver, the hardware abstraction layer, and the host-side test harness.
//
// It covers the chapter-9 vocabulary: setup packets, standard request codes,
// the descriptor zoo (device, configuration, interface, endpoint, string,
// and the SuperSpeed endpoint companion), connection speeds, and device
// states. Class-specific material lives with its class package; see
// [github.com/ardnew/softeth/usb/class/cdcecm] for CDC-ECM.
//
// # Zero-Allocation Design
//
// The package is designed for bare-metal and TinyGo compatibility with
// minimal heap allocations:
//
//   - Serialization via MarshalTo(buf) instead of allocating Bytes()
//   - Parse functions with output parameters instead of returning pointers
//   - Caller-provided buffers for descriptor and string generation
//
// MarshalTo returns the number of bytes written, or 0 if the buffer is too
// small. Parse functions validate the descriptor type byte and return
// [github.com/ardnew/softeth/pkg.ErrDescriptorTypeMismatch] on disagreement.
//
// # Example
//
//	var setup usb.SetupPacket
//	usb.GetDescriptorSetup(&setup, usb.DescriptorTypeDevice, 0, 18)
//
//	buf := make([]byte, usb.SetupPacketSize)
//	setup.MarshalTo(buf)
package usb
