package cdcecm

import (
	"encoding/binary"

	"github.com/ardnew/softeth/pkg"
)

// CDC Class-specific descriptor types.
const (
	DescriptorTypeCSInterface = 0x24 // Class-specific Interface
	DescriptorTypeCSEndpoint  = 0x25 // Class-specific Endpoint
)

// CDC Functional Descriptor subtypes.
const (
	SubtypeHeader          = 0x00 // Header Functional Descriptor
	SubtypeCallManagement  = 0x01 // Call Management Functional Descriptor
	SubtypeACM             = 0x02 // Abstract Control Model Functional Descriptor
	SubtypeDLM             = 0x03 // Direct Line Management Functional Descriptor
	SubtypeTelephoneRinger = 0x04 // Telephone Ringer Functional Descriptor
	SubtypeTelephoneCall   = 0x05 // Telephone Call Functional Descriptor
	SubtypeUnion           = 0x06 // Union Functional Descriptor
	SubtypeCountrySelect   = 0x07 // Country Selection Functional Descriptor
	SubtypeTelephoneOpMode = 0x08 // Telephone Operational Modes Functional Descriptor
	SubtypeUSBTerminal     = 0x09 // USB Terminal Functional Descriptor
	SubtypeNetworkChannel  = 0x0A // Network Channel Terminal Functional Descriptor
	SubtypeProtocolUnit    = 0x0B // Protocol Unit Functional Descriptor
	SubtypeExtensionUnit   = 0x0C // Extension Unit Functional Descriptor
	SubtypeMCM             = 0x0D // Multi-Channel Management Functional Descriptor
	SubtypeCAPI            = 0x0E // CAPI Control Management Functional Descriptor
	SubtypeEthernet        = 0x0F // Ethernet Networking Functional Descriptor
	SubtypeATMNetworking   = 0x10 // ATM Networking Functional Descriptor
)

// CDC Subclass codes.
const (
	SubclassNone = 0x00 // No subclass
	SubclassDLCM = 0x01 // Direct Line Control Model
	SubclassACM  = 0x02 // Abstract Control Model
	SubclassTCM  = 0x03 // Telephone Control Model
	SubclassMCCM = 0x04 // Multi-Channel Control Model
	SubclassCAPI = 0x05 // CAPI Control Model
	SubclassECM  = 0x06 // Ethernet Networking Control Model
	SubclassATM  = 0x07 // ATM Networking Control Model
)

// CDC Protocol codes.
const (
	ProtocolNone   = 0x00 // No protocol
	ProtocolVendor = 0xFF // Vendor-specific
)

// ECM class request codes (CDC ECM120 Table 6).
const (
	RequestSetEthernetMulticastFilters = 0x40
	RequestSetEthernetPMPatternFilter  = 0x41
	RequestGetEthernetPMPatternFilter  = 0x42
	RequestSetEthernetPacketFilter     = 0x43
	RequestGetEthernetStatistic        = 0x44
)

// Ethernet packet filter bits (CDC ECM120 Table 8).
const (
	PacketTypePromiscuous  = 1 << 0
	PacketTypeAllMulticast = 1 << 1
	PacketTypeDirected     = 1 << 2
	PacketTypeBroadcast    = 1 << 3
	PacketTypeMulticast    = 1 << 4
)

// CDC Notification codes.
const (
	NotificationNetworkConnection     = 0x00
	NotificationResponseAvailable     = 0x01
	NotificationConnectionSpeedChange = 0x2A
)

// HeaderDescriptor is the CDC Header Functional Descriptor.
type HeaderDescriptor struct {
	Length         uint8  // Size of this descriptor (5)
	DescriptorType uint8  // CS_INTERFACE (0x24)
	SubType        uint8  // Header (0x00)
	CDCVersion     uint16 // CDC specification release number (0x0110 for 1.10)
}

// HeaderDescriptorSize is the size of the Header Functional Descriptor.
const HeaderDescriptorSize = 5

// MarshalTo writes the descriptor to buf.
func (d *HeaderDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < HeaderDescriptorSize {
		return 0
	}
	buf[0] = HeaderDescriptorSize
	buf[1] = DescriptorTypeCSInterface
	buf[2] = SubtypeHeader
	buf[3] = byte(d.CDCVersion)
	buf[4] = byte(d.CDCVersion >> 8)
	return HeaderDescriptorSize
}

// UnionDescriptor is the Union Functional Descriptor.
type UnionDescriptor struct {
	Length          uint8 // Size of this descriptor (5 for 1 subordinate)
	DescriptorType  uint8 // CS_INTERFACE (0x24)
	SubType         uint8 // Union (0x06)
	MasterInterface uint8 // Control interface number
	SlaveInterface0 uint8 // First subordinate interface (Data interface)
}

// UnionDescriptorSize is the size of the Union Descriptor with one subordinate.
const UnionDescriptorSize = 5

// MarshalTo writes the descriptor to buf.
func (d *UnionDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < UnionDescriptorSize {
		return 0
	}
	buf[0] = UnionDescriptorSize
	buf[1] = DescriptorTypeCSInterface
	buf[2] = SubtypeUnion
	buf[3] = d.MasterInterface
	buf[4] = d.SlaveInterface0
	return UnionDescriptorSize
}

// EthernetDescriptor is the Ethernet Networking Functional Descriptor
// (CDC ECM120 Table 3).
type EthernetDescriptor struct {
	Length             uint8  // Size of this descriptor (13)
	DescriptorType     uint8  // CS_INTERFACE (0x24)
	SubType            uint8  // Ethernet Networking (0x0F)
	MACAddressIndex    uint8  // String descriptor holding the MAC address
	EthernetStatistics uint32 // Supported statistics bitmap (0: none)
	MaxSegmentSize     uint16 // Largest Ethernet frame the function handles
	NumberMCFilters    uint16 // Multicast filters available (0: none exact)
	NumberPowerFilters uint8  // Wake-up pattern filters available
}

// EthernetDescriptorSize is the size of the Ethernet Networking Functional
// Descriptor.
const EthernetDescriptorSize = 13

// MarshalTo writes the descriptor to buf.
func (d *EthernetDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < EthernetDescriptorSize {
		return 0
	}
	buf[0] = EthernetDescriptorSize
	buf[1] = DescriptorTypeCSInterface
	buf[2] = SubtypeEthernet
	buf[3] = d.MACAddressIndex
	buf[4] = byte(d.EthernetStatistics)
	buf[5] = byte(d.EthernetStatistics >> 8)
	buf[6] = byte(d.EthernetStatistics >> 16)
	buf[7] = byte(d.EthernetStatistics >> 24)
	buf[8] = byte(d.MaxSegmentSize)
	buf[9] = byte(d.MaxSegmentSize >> 8)
	buf[10] = byte(d.NumberMCFilters)
	buf[11] = byte(d.NumberMCFilters >> 8)
	buf[12] = d.NumberPowerFilters
	return EthernetDescriptorSize
}

// ParseEthernetDescriptor parses an Ethernet Networking Functional
// Descriptor from bytes into out. Hosts use it to locate the MAC address
// string in a configuration they enumerated.
func ParseEthernetDescriptor(data []byte, out *EthernetDescriptor) error {
	if len(data) < EthernetDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeCSInterface || data[2] != SubtypeEthernet {
		return pkg.ErrDescriptorTypeMismatch
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.SubType = data[2]
	out.MACAddressIndex = data[3]
	out.EthernetStatistics = binary.LittleEndian.Uint32(data[4:8])
	out.MaxSegmentSize = binary.LittleEndian.Uint16(data[8:10])
	out.NumberMCFilters = binary.LittleEndian.Uint16(data[10:12])
	out.NumberPowerFilters = data[12]
	return nil
}
