package cdcecm

import (
	"encoding/binary"

	"github.com/ardnew/softeth/netdev"
	"github.com/ardnew/softeth/pkg"
	"github.com/ardnew/softeth/usb"
)

// Default USB identity: the NetChip-donated ID pair used by CDC-ECM
// gadgets, overridable in [Config].
const (
	DefaultVendorID  = 0x0525
	DefaultProductID = 0xA4A2
)

const (
	usbVersion    = 0x0200 // bcdUSB
	deviceVersion = 0x0100 // bcdDevice
	cdcVersion    = 0x0110 // bcdCDC
)

// String descriptor indices, relative to [DeviceInfo].StringBase.
const (
	strIndexLanguage     = 0
	strIndexManufacturer = 1
	strIndexProduct      = 2
	strIndexSerial       = 3
	strIndexConfig       = 4
	strIndexMAC          = 5
)

// The single configuration the function exposes.
const (
	// ConfigIDNone is the unconfigured state.
	ConfigIDNone = 0

	// ConfigID is the only configuration value SET_CONFIGURATION accepts.
	ConfigID = 1

	numConfigs = 1
)

// Indices into [DeviceInfo].EndpointNumbers.
const (
	EndpointIntIn = iota
	EndpointBulkIn
	EndpointBulkOut

	numEndpoints
)

// numInterfaces is the communication interface plus the data interface.
const numInterfaces = 2

// Endpoint geometry. The interrupt-IN pipe carries notifications and keeps
// one packet size at every speed; the bulk pipes grow with the bus.
const (
	ep0MaxPacketSize = 64

	intInPacketSize = 16
	intInInterval   = 5

	bulkPacketSizeFS = 64
	bulkPacketSizeHS = 512
	bulkPacketSizeSS = 1024
)

// MaxDescriptorLength bounds every descriptor the function serves. The EP0
// control buffer is allocated this large at bind.
const MaxDescriptorLength = 128

// maxStringChars is the longest source string a served string descriptor
// encodes. Longer strings are silently truncated, not rejected.
const maxStringChars = (MaxDescriptorLength - 2) / 2

// MACString is the Ethernet MAC address communicated to the host through
// the string descriptor named by the Ethernet functional descriptor. The
// host side of the point-to-point link adopts it, so it must differ from
// the device-side address in [Config].MAC.
const MACString = "020000112233"

const (
	configAttributes = usb.ConfigAttrBusPowered | usb.ConfigAttrSelfPowered
	configMaxPower   = 50 // 2 mA units
)

// descWriter appends fixed-size descriptors to a buffer, or only counts
// them when the buffer is nil. Both passes of the size-then-fill protocol
// run through the same walk, which is what makes their results equal by
// construction.
type descWriter struct {
	buf []byte
	n   int
	err error
}

// put appends one descriptor of the given size using marshal, which must
// write exactly size bytes or zero when the destination is too small.
func (w *descWriter) put(size int, marshal func([]byte) int) {
	if w.err != nil {
		return
	}
	if w.buf != nil {
		if marshal(w.buf[w.n:]) != size {
			w.err = pkg.ErrBufferTooSmall
			return
		}
	}
	w.n += size
}

// bulkPacketSize returns the bulk endpoint packet size for a bus speed.
// Unknown sizes as SuperSpeed so a composite sizing pass reserves the
// worst case.
func bulkPacketSize(speed usb.Speed) uint16 {
	switch speed {
	case usb.SpeedHigh:
		return bulkPacketSizeHS
	case usb.SpeedSuper, usb.SpeedUnknown:
		return bulkPacketSizeSS
	default:
		return bulkPacketSizeFS
	}
}

// endpointDescriptor returns the descriptor for one of the function's
// three endpoints at the given speed. The configuration state machine and
// the descriptor builder share it so the host and the controller always
// see the same geometry.
func endpointDescriptor(index int, info *DeviceInfo, speed usb.Speed) usb.EndpointDescriptor {
	var desc usb.EndpointDescriptor

	switch index {
	case EndpointIntIn:
		desc.EndpointAddress = usb.EndpointDirectionIn | info.EndpointNumbers[EndpointIntIn]
		desc.Attributes = usb.EndpointTypeInterrupt
		desc.MaxPacketSize = intInPacketSize
		desc.Interval = intInInterval

	case EndpointBulkIn:
		desc.EndpointAddress = usb.EndpointDirectionIn | info.EndpointNumbers[EndpointBulkIn]
		desc.Attributes = usb.EndpointTypeBulk
		desc.MaxPacketSize = bulkPacketSize(speed)

	case EndpointBulkOut:
		desc.EndpointAddress = usb.EndpointDirectionOut | info.EndpointNumbers[EndpointBulkOut]
		desc.Attributes = usb.EndpointTypeBulk
		desc.MaxPacketSize = bulkPacketSize(speed)
	}
	return desc
}

// companionDescriptor returns the SuperSpeed companion for an endpoint.
// No bursting or streams: the interrupt pipe moves one packet per service
// interval and the bulk pipes leave both fields zero.
func companionDescriptor(index int) usb.EndpointCompanionDescriptor {
	var desc usb.EndpointCompanionDescriptor
	if index == EndpointIntIn {
		desc.BytesPerInterval = intInPacketSize
	}
	return desc
}

// putEndpoint appends an endpoint descriptor and, on SuperSpeed layouts,
// its companion.
func putEndpoint(w *descWriter, index int, info *DeviceInfo, speed usb.Speed) {
	desc := endpointDescriptor(index, info, speed)
	w.put(usb.EndpointDescriptorSize, desc.MarshalTo)

	if speed == usb.SpeedSuper || speed == usb.SpeedUnknown {
		comp := companionDescriptor(index)
		w.put(usb.EndpointCompanionDescriptorSize, comp.MarshalTo)
	}
}

// writeConfig walks the full configuration descriptor set, filling buf or,
// when buf is nil, only measuring. A standalone function leads with the
// configuration header (total length patched at the end); inside a
// composite device the parent owns the header and the walk leads with an
// interface association descriptor instead.
func writeConfig(buf []byte, info *DeviceInfo, composite bool, speed usb.Speed, descType uint8) (int, error) {
	// An other-speed request describes the bus the device is not
	// currently on. Swap full and high; SuperSpeed has no other speed.
	if descType == usb.DescriptorTypeOtherSpeedConfig && speed < usb.SpeedSuper {
		if speed == usb.SpeedHigh {
			speed = usb.SpeedFull
		} else {
			speed = usb.SpeedHigh
		}
	}

	w := descWriter{buf: buf}

	if !composite {
		cfg := usb.ConfigurationDescriptor{
			DescriptorType:     descType,
			NumInterfaces:      numInterfaces,
			ConfigurationValue: ConfigID,
			ConfigurationIndex: info.StringBase + strIndexConfig,
			Attributes:         configAttributes,
			MaxPower:           configMaxPower,
		}
		w.put(usb.ConfigurationDescriptorSize, cfg.MarshalTo)
	} else {
		iad := usb.InterfaceAssociationDescriptor{
			FirstInterface:   info.InterfaceBase,
			InterfaceCount:   numInterfaces,
			FunctionClass:    usb.ClassCDC,
			FunctionSubClass: SubclassECM,
			FunctionProtocol: ProtocolNone,
		}
		w.put(usb.InterfaceAssociationDescriptorSize, iad.MarshalTo)
	}

	// Communication class interface carrying the functional descriptors
	// and the notification endpoint.
	commIf := usb.InterfaceDescriptor{
		InterfaceNumber:   info.InterfaceBase,
		NumEndpoints:      1,
		InterfaceClass:    usb.ClassCDC,
		InterfaceSubClass: SubclassECM,
		InterfaceProtocol: ProtocolNone,
	}
	w.put(usb.InterfaceDescriptorSize, commIf.MarshalTo)

	hdr := HeaderDescriptor{CDCVersion: cdcVersion}
	w.put(HeaderDescriptorSize, hdr.MarshalTo)

	union := UnionDescriptor{
		MasterInterface: info.InterfaceBase,
		SlaveInterface0: info.InterfaceBase + 1,
	}
	w.put(UnionDescriptorSize, union.MarshalTo)

	ecm := EthernetDescriptor{
		MACAddressIndex: info.StringBase + strIndexMAC,
		MaxSegmentSize:  netdev.MaxFrameSize,
	}
	w.put(EthernetDescriptorSize, ecm.MarshalTo)

	putEndpoint(&w, EndpointIntIn, info, speed)

	// Data class interface: the zero-bandwidth alternate required by the
	// class, then the active alternate with the bulk pair.
	dataIf := usb.InterfaceDescriptor{
		InterfaceNumber:   info.InterfaceBase + 1,
		AlternateSetting:  0,
		NumEndpoints:      0,
		InterfaceClass:    usb.ClassCDCData,
		InterfaceSubClass: SubclassECM,
		InterfaceProtocol: ProtocolNone,
	}
	w.put(usb.InterfaceDescriptorSize, dataIf.MarshalTo)

	dataIf.AlternateSetting = 1
	dataIf.NumEndpoints = 2
	w.put(usb.InterfaceDescriptorSize, dataIf.MarshalTo)

	putEndpoint(&w, EndpointBulkIn, info, speed)
	putEndpoint(&w, EndpointBulkOut, info, speed)

	if w.err != nil {
		return 0, w.err
	}
	if buf != nil && !composite {
		binary.LittleEndian.PutUint16(buf[2:4], uint16(w.n))
	}
	return w.n, nil
}

// ConfigDescriptorSize returns the total length of the configuration
// descriptor set for the given speed and descriptor type (configuration or
// other-speed-configuration).
func (d *Driver) ConfigDescriptorSize(speed usb.Speed, descType uint8) int {
	n, _ := writeConfig(nil, &d.config.Info, d.config.Composite != nil, speed, descType)
	return n
}

// ConfigDescriptor writes the configuration descriptor set into buf and
// returns the byte count, which always equals [Driver.ConfigDescriptorSize]
// for the same arguments.
func (d *Driver) ConfigDescriptor(buf []byte, speed usb.Speed, descType uint8) (int, error) {
	return writeConfig(buf, &d.config.Info, d.config.Composite != nil, speed, descType)
}

// deviceDescriptor writes the standard device descriptor. Only a
// standalone function serves it; a composite parent owns the device level.
func (d *Driver) deviceDescriptor(buf []byte) (int, error) {
	desc := usb.DeviceDescriptor{
		USBVersion:        usbVersion,
		DeviceClass:       usb.ClassCDC,
		DeviceSubClass:    SubclassECM,
		DeviceProtocol:    ProtocolNone,
		MaxPacketSize0:    ep0MaxPacketSize,
		VendorID:          d.config.VendorID,
		ProductID:         d.config.ProductID,
		DeviceVersion:     deviceVersion,
		ManufacturerIndex: strIndexManufacturer,
		ProductIndex:      strIndexProduct,
		SerialNumberIndex: strIndexSerial,
		NumConfigurations: numConfigs,
	}
	if n := desc.MarshalTo(buf); n != 0 {
		return n, nil
	}
	return 0, pkg.ErrBufferTooSmall
}

// stringDescriptor writes the string descriptor with the given
// function-relative index. Inside a composite device only the MAC string
// is served; the device-level strings belong to the parent.
func (d *Driver) stringDescriptor(index uint8, buf []byte) (int, error) {
	if d.config.Composite != nil && index != strIndexMAC {
		return 0, pkg.ErrInvalidParameter
	}

	var s string
	switch index {
	case strIndexLanguage:
		if n := usb.LanguageDescriptorTo(buf, usb.LangIDUSEnglish); n != 0 {
			return n, nil
		}
		return 0, pkg.ErrBufferTooSmall
	case strIndexManufacturer:
		s = d.config.Manufacturer
	case strIndexProduct:
		s = d.config.Product
	case strIndexSerial:
		s = d.config.SerialNumber
	case strIndexConfig:
		s = d.config.Configuration
	case strIndexMAC:
		s = MACString
	default:
		return 0, pkg.ErrInvalidParameter
	}

	if len(s) > maxStringChars {
		s = s[:maxStringChars]
	}
	if n := usb.StringDescriptorTo(buf, s); n != 0 {
		return n, nil
	}
	return 0, pkg.ErrBufferTooSmall
}

// getDescriptor serves GET_DESCRIPTOR for the descriptor types the
// function owns, writing into buf and returning the byte count.
func (d *Driver) getDescriptor(descType, index uint8, buf []byte) (int, error) {
	pkg.LogDebug(pkg.ComponentECM, "get descriptor",
		"type", descType, "index", index)

	switch descType {
	case usb.DescriptorTypeDevice:
		if d.config.Composite == nil {
			return d.deviceDescriptor(buf)
		}

	case usb.DescriptorTypeConfiguration, usb.DescriptorTypeOtherSpeedConfig:
		return d.ConfigDescriptor(buf, d.speed, descType)

	case usb.DescriptorTypeString:
		return d.stringDescriptor(index-d.config.Info.StringBase, buf)
	}

	pkg.LogWarn(pkg.ComponentECM, "unsupported descriptor type", "type", descType)
	return 0, pkg.ErrNotSupported
}

// Description reports the resources the function occupies inside a
// composite device.
type Description struct {
	// ConfigDescriptorSize is the number of bytes the function
	// contributes to the combined configuration descriptor, sized for
	// the widest (SuperSpeed) layout.
	ConfigDescriptorSize int

	// NumInterfaces and NumEndpoints are the interface and endpoint
	// counts the parent must reserve.
	NumInterfaces int
	NumEndpoints  int

	// NumStrings is the span of string indices reserved from the
	// parent-assigned base; the MAC string occupies the last slot.
	NumStrings int

	// ConfigID is the configuration value the function answers to.
	ConfigID uint8
}

// CompositeDescription describes the function for a composite parent
// assembling the device's combined descriptors.
func CompositeDescription() Description {
	n, _ := writeConfig(nil, &DeviceInfo{}, true, usb.SpeedUnknown, usb.DescriptorTypeConfiguration)
	return Description{
		ConfigDescriptorSize: n,
		NumInterfaces:        numInterfaces,
		NumEndpoints:         numEndpoints,
		NumStrings:           strIndexMAC + 1,
		ConfigID:             ConfigID,
	}
}
